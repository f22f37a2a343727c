package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/anaya-ai/watchtower/capability"
	"github.com/anaya-ai/watchtower/event"
)

// Pipeline step names.
const (
	StepIngest  = "ingest"
	StepCompare = "compare"
	StepScore   = "score"
	StepDecide  = "decide"
)

// Capability names the compliance pipeline invokes.
const (
	CapExtractText    = "extract_text"
	CapEmbedText      = "embed_text"
	CapSearchPolicies = "search_policies"
	CapComparePolicy  = "compare_policies"
	CapScoreDiffs     = "score_diffs"
	CapSendAlert      = "send_alert"
)

// embedConcurrency bounds parallel chunk embedding per run.
const embedConcurrency = 4

// ComplianceInput is the expected shape of a run's submitted input.
type ComplianceInput struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
	URI   string `json:"uri,omitempty"`
}

// Wire shapes for the capability calls. Collaborator services accept
// and return these as JSON.
type (
	extractArgs struct {
		SubjectID string `json:"subject_id"`
		Title     string `json:"title,omitempty"`
		Text      string `json:"text,omitempty"`
		URI       string `json:"uri,omitempty"`
	}
	extractResult struct {
		TextRef string   `json:"text_ref"`
		Chunks  []string `json:"chunks"`
	}
	embedArgs struct {
		TextRef string `json:"text_ref"`
		Chunk   int    `json:"chunk"`
		Text    string `json:"text"`
	}
	embedResult struct {
		EmbeddingRef string `json:"embedding_ref"`
	}
	searchArgs struct {
		TextRef string `json:"text_ref"`
		Limit   int    `json:"limit"`
	}
	searchResult struct {
		Passages []Passage `json:"passages"`
	}
	compareArgs struct {
		TextRef  string    `json:"text_ref"`
		Passages []Passage `json:"passages"`
	}
	compareResult struct {
		Diffs []Difference `json:"diffs"`
	}
)

// Passage is an internal policy fragment relevant to the subject text.
type Passage struct {
	Ref     string `json:"ref"`
	Excerpt string `json:"excerpt"`
}

// Step checkpoint payloads.
type (
	ingestPayload struct {
		TextRef       string   `json:"text_ref"`
		EmbeddingRefs []string `json:"embedding_refs,omitempty"`
		ChunkCount    int      `json:"chunk_count"`
	}
	comparePayload struct {
		Diffs []Difference `json:"diffs"`
	}
	scorePayload struct {
		Score float64 `json:"score"`
	}
	decidePayload struct {
		AlertSent bool   `json:"alert_sent"`
		Severity  string `json:"severity,omitempty"`
	}
)

// NewCompliancePipeline builds the four-step pipeline over the given
// capability registry. Runs scoring at or above threshold end after the
// score step; runs below it route to decide, which raises an alert.
func NewCompliancePipeline(caps *capability.Registry, threshold float64) *Pipeline {
	c := &compliance{caps: caps, threshold: threshold}

	p := NewPipeline("compliance")
	p.Node(&Node{Name: StepIngest, Execute: c.ingest, Apply: applyIngest})
	p.Node(&Node{Name: StepCompare, Execute: c.compare, Apply: applyCompare})
	p.Node(&Node{Name: StepScore, Execute: c.score, Apply: applyScore})
	p.Node(&Node{Name: StepDecide, Execute: c.decide, Apply: applyDecide, Emit: emitAlert})
	p.Edge(StepIngest, StepCompare)
	p.Edge(StepCompare, StepScore)
	p.EdgeWhen(StepScore, StepDecide, func(run *Run) bool { return run.Score < threshold })
	p.Entry(StepIngest)
	return p
}

type compliance struct {
	caps      *capability.Registry
	threshold float64
}

func (c *compliance) invoke(ctx context.Context, run *Run, step, name string, args, out any) error {
	ctx = capability.WithIdempotencyKey(ctx, capability.IdempotencyKey(run.ID.String(), step))
	raw, err := c.caps.Invoke(ctx, name, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}

// ── ingest ─────────────────────────────────────────────────────────────

// ingest extracts the subject text and embeds each chunk. Embedding is
// fanned out; the first failure cancels the rest.
func (c *compliance) ingest(ctx context.Context, run *Run) (json.RawMessage, error) {
	var in ComplianceInput
	if len(run.Input) > 0 {
		if err := json.Unmarshal(run.Input, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	if in.Text == "" && in.URI == "" {
		return nil, fmt.Errorf("input has neither text nor uri")
	}

	var extracted extractResult
	err := c.invoke(ctx, run, StepIngest, CapExtractText, extractArgs{
		SubjectID: run.SubjectID,
		Title:     in.Title,
		Text:      in.Text,
		URI:       in.URI,
	}, &extracted)
	if err != nil {
		return nil, err
	}

	refs := make([]string, len(extracted.Chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, chunk := range extracted.Chunks {
		g.Go(func() error {
			var embedded embedResult
			err := c.invoke(gctx, run, StepIngest, CapEmbedText, embedArgs{
				TextRef: extracted.TextRef,
				Chunk:   i,
				Text:    chunk,
			}, &embedded)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", i, err)
			}
			refs[i] = embedded.EmbeddingRef
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mustJSON(ingestPayload{
		TextRef:       extracted.TextRef,
		EmbeddingRefs: refs,
		ChunkCount:    len(extracted.Chunks),
	}), nil
}

func applyIngest(run *Run, payload json.RawMessage) error {
	var p ingestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	run.TextRef = p.TextRef
	return nil
}

// ── compare ────────────────────────────────────────────────────────────

func (c *compliance) compare(ctx context.Context, run *Run) (json.RawMessage, error) {
	var found searchResult
	err := c.invoke(ctx, run, StepCompare, CapSearchPolicies, searchArgs{
		TextRef: run.TextRef,
		Limit:   5,
	}, &found)
	if err != nil {
		return nil, err
	}

	var compared compareResult
	err = c.invoke(ctx, run, StepCompare, CapComparePolicy, compareArgs{
		TextRef:  run.TextRef,
		Passages: found.Passages,
	}, &compared)
	if err != nil {
		return nil, err
	}
	return mustJSON(comparePayload{Diffs: compared.Diffs}), nil
}

func applyCompare(run *Run, payload json.RawMessage) error {
	var p comparePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	run.Diffs = p.Diffs
	return nil
}

// ── score ──────────────────────────────────────────────────────────────

func (c *compliance) score(ctx context.Context, run *Run) (json.RawMessage, error) {
	args := capability.ScoreArgs{Diffs: make([]capability.ScoredDiff, len(run.Diffs))}
	for i, d := range run.Diffs {
		args.Diffs[i] = capability.ScoredDiff{Severity: string(d.Severity)}
	}
	var scored capability.ScoreResult
	if err := c.invoke(ctx, run, StepScore, CapScoreDiffs, args, &scored); err != nil {
		return nil, err
	}
	if scored.Score < 0 || scored.Score > 100 {
		return nil, fmt.Errorf("scorer returned %v, want 0..100", scored.Score)
	}
	return mustJSON(scorePayload{Score: scored.Score}), nil
}

func applyScore(run *Run, payload json.RawMessage) error {
	var p scorePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	run.Score = p.Score
	return nil
}

// ── decide ─────────────────────────────────────────────────────────────

func (c *compliance) decide(ctx context.Context, run *Run) (json.RawMessage, error) {
	severity := "warning"
	if run.Score < c.threshold-10 {
		severity = "critical"
	}
	var critical, high int
	for _, d := range run.Diffs {
		switch d.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		}
	}
	msg := fmt.Sprintf(
		"Compliance score for %s is %.0f (threshold %.0f): %d critical, %d high severity differences. Review required.",
		run.SubjectID, run.Score, c.threshold, critical, high,
	)

	var notified capability.NotifyResult
	err := c.invoke(ctx, run, StepDecide, CapSendAlert, capability.NotifyArgs{
		Message:  msg,
		Severity: severity,
		RunID:    run.ID.String(),
	}, &notified)
	if err != nil {
		return nil, err
	}
	return mustJSON(decidePayload{AlertSent: notified.Sent, Severity: severity}), nil
}

func applyDecide(run *Run, payload json.RawMessage) error {
	var p decidePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	run.AlertSent = p.AlertSent
	return nil
}

func emitAlert(run *Run, payload json.RawMessage) []event.Event {
	var p decidePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	return []event.Event{{
		Type:    event.TypeAlertRaised,
		Payload: mustJSON(event.AlertRaisedPayload{Severity: p.Severity, Score: run.Score}),
	}}
}
