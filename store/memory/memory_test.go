package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/anaya-ai/watchtower"
	"github.com/anaya-ai/watchtower/id"
	"github.com/anaya-ai/watchtower/store/memory"
	"github.com/anaya-ai/watchtower/workflow"
)

func newRun(subject string) *workflow.Run {
	now := time.Now().UTC()
	return &workflow.Run{
		ID:        id.NewRun(),
		SubjectID: subject,
		Status:    workflow.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateRun_SecondLiveRunForSubjectRejected(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.CreateRun(ctx, newRun("circ-1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	err := s.CreateRun(ctx, newRun("circ-1"))
	if !errors.Is(err, watchtower.ErrAlreadyRunning) {
		t.Fatalf("want ErrAlreadyRunning, got %v", err)
	}
	// A different subject is unaffected.
	if err := s.CreateRun(ctx, newRun("circ-2")); err != nil {
		t.Fatalf("CreateRun other subject: %v", err)
	}
}

func TestCreateRun_AllowedAfterTerminal(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	first := newRun("circ-1")
	if err := s.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	first.Status = workflow.StatusFailed
	if err := s.UpdateRun(ctx, first); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if err := s.CreateRun(ctx, newRun("circ-1")); err != nil {
		t.Fatalf("CreateRun after terminal: %v", err)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := memory.New()
	_, err := s.GetRun(context.Background(), id.NewRun())
	if !errors.Is(err, watchtower.ErrRunNotFound) {
		t.Fatalf("want ErrRunNotFound, got %v", err)
	}
}

func TestGetRun_ReturnsClone(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	run := newRun("circ-1")
	run.Diffs = []workflow.Difference{{Severity: workflow.SeverityHigh, Summary: "gap"}}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	got.Diffs[0].Summary = "mutated"
	again, _ := s.GetRun(ctx, run.ID)
	if again.Diffs[0].Summary != "gap" {
		t.Fatal("mutation through returned run leaked into store")
	}
}

func TestListRuns_StatusFilter(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	running := newRun("circ-1")
	running.Status = workflow.StatusRunning
	failed := newRun("circ-2")
	failed.Status = workflow.StatusFailed
	for _, r := range []*workflow.Run{running, failed} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	got, err := s.ListRuns(ctx, workflow.ListOpts{Status: workflow.StatusRunning})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(got) != 1 || got[0].ID != running.ID {
		t.Fatalf("want [%s], got %v", running.ID, got)
	}
}

func TestAppendCheckpoint_SeqStrictlyIncreasing(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	run := newRun("circ-1")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	for i, step := range []string{"ingest", "compare", "score"} {
		cp, err := s.AppendCheckpoint(ctx, run.ID, step, json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("AppendCheckpoint %s: %v", step, err)
		}
		if cp.Seq != i+1 {
			t.Fatalf("step %s: seq = %d, want %d", step, cp.Seq, i+1)
		}
	}

	log, err := s.Checkpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	for i, cp := range log {
		if cp.Seq != i+1 {
			t.Fatalf("log[%d].Seq = %d, want ascending", i, cp.Seq)
		}
	}
}

func TestAppendCheckpoint_UnknownRun(t *testing.T) {
	s := memory.New()
	_, err := s.AppendCheckpoint(context.Background(), id.NewRun(), "ingest", nil)
	if !errors.Is(err, watchtower.ErrRunNotFound) {
		t.Fatalf("want ErrRunNotFound, got %v", err)
	}
}
