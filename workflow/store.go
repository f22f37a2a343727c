package workflow

import (
	"context"
	"encoding/json"

	"github.com/anaya-ai/watchtower/id"
)

// ListOpts filters ListRuns. Zero values mean no filter; Limit of 0
// means no cap.
type ListOpts struct {
	Status    Status
	SubjectID string
	Limit     int
	Offset    int
}

// Store persists runs and their checkpoint logs.
//
// CreateRun must be atomic with respect to the at-most-one rule: if the
// subject already has a run in a non-terminal status the call fails with
// watchtower.ErrAlreadyRunning and writes nothing. AppendCheckpoint
// assigns the next Seq for the run atomically so concurrent writers can
// never produce duplicates or gaps.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID id.ID) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	AppendCheckpoint(ctx context.Context, runID id.ID, step string, payload json.RawMessage) (*Checkpoint, error)
	// Checkpoints returns the run's log in ascending Seq order.
	Checkpoints(ctx context.Context, runID id.ID) ([]*Checkpoint, error)
}
