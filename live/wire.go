// Package live fans workflow events out to WebSocket subscribers and
// provides the matching reconnecting client.
package live

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/anaya-ai/watchtower/event"
)

// Wire message types. Control messages (connected, ping, pong) manage
// the session; the rest mirror workflow events.
const (
	MsgConnected     = "connected"
	MsgPing          = "ping"
	MsgPong          = "pong"
	MsgStepCompleted = "step_completed"
	MsgRunFailed     = "run_failed"
	MsgAlertRaised   = "alert_raised"
	MsgRunSucceeded  = "run_succeeded"
)

// Message is the JSON frame exchanged over a live session. Fields are
// populated per type; unused ones are omitted.
type Message struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Step      string    `json:"step,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Timestamp time.Time `json:"ts,omitzero"`
}

// FromEvent converts a bus event to its wire message. The bus sequence
// number rides along so clients can discard duplicates after reconnect.
func FromEvent(evt *event.Event) (Message, error) {
	msg := Message{
		RunID:     evt.RunID.String(),
		Seq:       evt.Seq,
		Timestamp: evt.Timestamp,
	}
	switch evt.Type {
	case event.TypeStepCompleted:
		var p event.StepCompletedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode step_completed payload: %w", err)
		}
		msg.Type = MsgStepCompleted
		msg.Step = p.Step
		msg.Score = p.Score
	case event.TypeRunFailed:
		var p event.RunFailedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode run_failed payload: %w", err)
		}
		msg.Type = MsgRunFailed
		msg.Step = p.Step
		msg.Reason = p.Reason
	case event.TypeAlertRaised:
		var p event.AlertRaisedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode alert_raised payload: %w", err)
		}
		msg.Type = MsgAlertRaised
		msg.Severity = p.Severity
		msg.Score = p.Score
	case event.TypeRunSucceeded:
		msg.Type = MsgRunSucceeded
	default:
		return Message{}, fmt.Errorf("no wire mapping for event type %q", evt.Type)
	}
	return msg, nil
}
