package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/anaya-ai/watchtower/capability"
	"github.com/anaya-ai/watchtower/engine"
	"github.com/anaya-ai/watchtower/id"
	"github.com/anaya-ai/watchtower/live"
	"github.com/anaya-ai/watchtower/store/memory"
	"github.com/anaya-ai/watchtower/workflow"
)

type counters struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counters) bump(name string) {
	c.mu.Lock()
	c.calls[name]++
	c.mu.Unlock()
}

func (c *counters) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// registerStubs wires canned collaborators into the engine's registry.
func registerStubs(e *engine.Engine, score float64) *counters {
	c := &counters{calls: make(map[string]int)}
	stubs := map[string]string{
		workflow.CapExtractText:    `{"text_ref":"txt-1","chunks":["part one","part two"]}`,
		workflow.CapEmbedText:      `{"embedding_ref":"emb-1"}`,
		workflow.CapSearchPolicies: `{"passages":[{"ref":"pol-3","excerpt":"five year retention"}]}`,
		workflow.CapComparePolicy:  `{"diffs":[{"severity":"critical","section":"2.4","summary":"retention shortened"}]}`,
		workflow.CapScoreDiffs:     fmt.Sprintf(`{"score":%v}`, score),
		workflow.CapSendAlert:      `{"sent":true}`,
	}
	for name, result := range stubs {
		e.Capabilities().Register(capability.Spec{Name: name},
			func(context.Context, json.RawMessage) (json.RawMessage, error) {
				c.bump(name)
				return json.RawMessage(result), nil
			})
	}
	return c
}

func buildEngine(t *testing.T, store workflow.Store, score float64, opts ...engine.Option) (*engine.Engine, *counters) {
	t.Helper()
	opts = append(opts, engine.WithHeartbeat(time.Minute))
	e, err := engine.Build(store, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c := registerStubs(e, score)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e, c
}

func waitForStatus(t *testing.T, store workflow.Store, runID id.ID, want workflow.Status) *workflow.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == want {
			return run
		}
		if run.Terminal() {
			t.Fatalf("run ended %s (%s), want %s", run.Status, run.Reason, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run never reached %s", want)
	return nil
}

func TestEngine_AlertFlowOverHTTPAndWebSocket(t *testing.T) {
	store := memory.New()
	e, counter := buildEngine(t, store, 55)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	// Attach to the live channel before submitting.
	wsConn, _, _, err := ws.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	defer wsConn.Close()
	wsConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ackData, err := wsutil.ReadServerText(wsConn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack live.Message
	if err := json.Unmarshal(ackData, &ack); err != nil || ack.Type != live.MsgConnected {
		t.Fatalf("ack = %s (%v)", ackData, err)
	}

	resp, err := http.Post(srv.URL+"/api/circulars", "application/json",
		strings.NewReader(`{"subject_id":"circ-42","input":{"title":"Circular 42","text":"records kept two years"}}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var accepted struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Watch the channel until the run finishes; the alert must be among
	// the frames.
	var gotAlert bool
	var steps []string
	for {
		wsConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		data, err := wsutil.ReadServerText(wsConn)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var msg live.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode frame %s: %v", data, err)
		}
		switch msg.Type {
		case live.MsgStepCompleted:
			steps = append(steps, msg.Step)
		case live.MsgAlertRaised:
			gotAlert = true
			if msg.Severity != "critical" || msg.Score != 55 {
				t.Fatalf("alert = %+v", msg)
			}
		case live.MsgRunFailed:
			t.Fatalf("run failed: %s", msg.Reason)
		}
		if msg.Type == live.MsgRunSucceeded {
			break
		}
	}
	if !gotAlert {
		t.Fatal("no alert_raised frame for low score")
	}
	wantSteps := []string{workflow.StepIngest, workflow.StepCompare, workflow.StepScore, workflow.StepDecide}
	if len(steps) != len(wantSteps) {
		t.Fatalf("steps = %v, want %v", steps, wantSteps)
	}
	for i := range wantSteps {
		if steps[i] != wantSteps[i] {
			t.Fatalf("steps = %v, want %v", steps, wantSteps)
		}
	}
	if counter.count(workflow.CapSendAlert) != 1 {
		t.Fatalf("send_alert calls = %d, want 1", counter.count(workflow.CapSendAlert))
	}

	runID, err := id.ParseWithPrefix(accepted.RunID, id.PrefixRun)
	if err != nil {
		t.Fatalf("run_id: %v", err)
	}
	final := waitForStatus(t, store, runID, workflow.StatusSucceeded)
	if !final.AlertSent || final.Score != 55 {
		t.Fatalf("final run = %+v", final)
	}
}

func TestEngine_HighScoreSkipsDecide(t *testing.T) {
	store := memory.New()
	e, counter := buildEngine(t, store, 92)

	run, err := e.Runner().Submit(context.Background(), "circ-7", json.RawMessage(`{"text":"minor edits"}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitForStatus(t, store, run.ID, workflow.StatusSucceeded)
	if final.AlertSent {
		t.Fatal("alert sent above threshold")
	}
	if counter.count(workflow.CapSendAlert) != 0 {
		t.Fatal("send_alert invoked above threshold")
	}
}

func TestEngine_ResumeAfterRestart(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// State a crashed process would leave: a running run with ingest
	// and compare committed.
	now := time.Now().UTC()
	stranded := &workflow.Run{
		ID:        id.NewRun(),
		SubjectID: "circ-42",
		Status:    workflow.StatusRunning,
		Step:      workflow.StepScore,
		Input:     json.RawMessage(`{"text":"records kept two years"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, stranded); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	checkpoints := map[string]string{
		workflow.StepIngest:  `{"text_ref":"txt-1","chunk_count":2}`,
		workflow.StepCompare: `{"diffs":[{"severity":"critical","summary":"retention shortened"}]}`,
	}
	for _, step := range []string{workflow.StepIngest, workflow.StepCompare} {
		if _, err := store.AppendCheckpoint(ctx, stranded.ID, step, json.RawMessage(checkpoints[step])); err != nil {
			t.Fatalf("AppendCheckpoint: %v", err)
		}
	}

	// "Restart": a fresh engine over the same store.
	_, counter := buildEngine(t, store, 55)

	final := waitForStatus(t, store, stranded.ID, workflow.StatusSucceeded)
	if final.TextRef != "txt-1" || !final.AlertSent || final.Score != 55 {
		t.Fatalf("final = %+v", final)
	}
	// Committed steps replayed from the log, not re-executed.
	for _, name := range []string{workflow.CapExtractText, workflow.CapEmbedText, workflow.CapSearchPolicies, workflow.CapComparePolicy} {
		if got := counter.count(name); got != 0 {
			t.Fatalf("%s calls = %d, want 0", name, got)
		}
	}
	if got := counter.count(workflow.CapScoreDiffs); got != 1 {
		t.Fatalf("score calls = %d, want 1", got)
	}
}

func TestEngine_DuplicateSubjectConflict(t *testing.T) {
	store := memory.New()
	e, _ := buildEngine(t, store, 92)
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	// A stub that parks the run so the subject stays live.
	hold := make(chan struct{})
	defer close(hold)
	e.Capabilities().Register(capability.Spec{Name: workflow.CapExtractText, MaxLatency: time.Minute},
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			select {
			case <-hold:
			case <-ctx.Done():
			}
			return json.RawMessage(`{"text_ref":"txt-1","chunks":[]}`), nil
		})

	body := `{"subject_id":"circ-42","input":{"text":"x"}}`
	first, err := http.Post(srv.URL+"/api/circulars", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", first.StatusCode)
	}

	second, err := http.Post(srv.URL+"/api/circulars", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", second.StatusCode)
	}
}
