package workflow

import (
	"encoding/json"
	"time"

	"github.com/anaya-ai/watchtower/id"
)

// Checkpoint records the committed output of one pipeline step. Seq is
// assigned by the store and is strictly increasing per run, so the
// checkpoint log replays in execution order.
type Checkpoint struct {
	ID        id.ID           `json:"id"`
	RunID     id.ID           `json:"run_id"`
	Step      string          `json:"step"`
	Seq       int             `json:"seq"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
