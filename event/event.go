// Package event provides the in-process publish/subscribe bus that
// decouples orchestrator step completion from live delivery. Events are
// immutable once published and carry a bus-assigned, monotonically
// increasing sequence number. There is no history replay: a subscriber
// sees only events published after it subscribed, so consumers must treat
// events as invalidation signals, never as the sole source of truth.
package event

import (
	"encoding/json"
	"time"

	"github.com/anaya-ai/watchtower/id"
)

// Type identifies the kind of state change an event describes.
type Type string

const (
	TypeStepCompleted Type = "step_completed"
	TypeRunSucceeded  Type = "run_succeeded"
	TypeRunFailed     Type = "run_failed"
	TypeAlertRaised   Type = "alert_raised"
)

// Event is an immutable fact describing a state change. Seq is assigned
// by the bus at publication; events from the same run are delivered to a
// given subscriber in publication order.
type Event struct {
	// Seq is the bus-assigned global sequence number.
	Seq uint64 `json:"seq"`

	// Type tags the state change.
	Type Type `json:"type"`

	// RunID identifies the workflow run the event belongs to.
	RunID id.ID `json:"run_id"`

	// Payload is a compact, type-specific summary. Never the full
	// intermediate step data — events must stay small.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"ts"`
}

// StepCompletedPayload summarizes a committed step.
type StepCompletedPayload struct {
	Step      string  `json:"step"`
	DiffCount int     `json:"diff_count,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// RunFailedPayload carries the terminal failure reason.
type RunFailedPayload struct {
	Step   string `json:"step,omitempty"`
	Reason string `json:"reason"`
}

// AlertRaisedPayload carries the alert severity for reviewer routing.
type AlertRaisedPayload struct {
	Severity string  `json:"severity"`
	Score    float64 `json:"score"`
}
