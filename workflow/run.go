package workflow

import (
	"encoding/json"
	"time"

	"github.com/anaya-ai/watchtower/id"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Severity ranks a detected difference.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Difference is a single divergence between a circular and internal policy.
type Difference struct {
	Severity Severity `json:"severity"`
	Section  string   `json:"section,omitempty"`
	Summary  string   `json:"summary"`
}

// Run is one pass of the compliance pipeline over a subject document.
// Step names the node currently (or last) executing; the accumulated
// result fields are rebuilt from the checkpoint log on resume.
type Run struct {
	ID        id.ID           `json:"id"`
	SubjectID string          `json:"subject_id"`
	Status    Status          `json:"status"`
	Step      string          `json:"step,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	TextRef   string       `json:"text_ref,omitempty"`
	Diffs     []Difference `json:"diffs,omitempty"`
	Score     float64      `json:"score"`
	AlertSent bool         `json:"alert_sent"`
	Reason    string       `json:"reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has finished.
func (r *Run) Terminal() bool { return r.Status.Terminal() }

// Clone returns a deep copy safe to hand across goroutines.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.Input != nil {
		out.Input = append(json.RawMessage(nil), r.Input...)
	}
	if r.Diffs != nil {
		out.Diffs = append([]Difference(nil), r.Diffs...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
