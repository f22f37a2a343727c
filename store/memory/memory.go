// Package memory provides an in-process workflow.Store used in tests
// and single-node deployments without a database.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anaya-ai/watchtower"
	"github.com/anaya-ai/watchtower/id"
	"github.com/anaya-ai/watchtower/workflow"
)

// Store keeps runs and checkpoints under a single mutex. All reads
// return clones so callers can never alias internal state.
type Store struct {
	mu          sync.Mutex
	runs        map[id.ID]*workflow.Run
	order       []id.ID
	bySubject   map[string]id.ID // subject -> live (non-terminal) run
	checkpoints map[id.ID][]*workflow.Checkpoint
}

// New returns an empty store.
func New() *Store {
	return &Store{
		runs:        make(map[id.ID]*workflow.Run),
		bySubject:   make(map[string]id.ID),
		checkpoints: make(map[id.ID][]*workflow.Checkpoint),
	}
}

var _ workflow.Store = (*Store)(nil)

func (s *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if liveID, ok := s.bySubject[run.SubjectID]; ok {
		return fmt.Errorf("subject %s has live run %s: %w", run.SubjectID, liveID, watchtower.ErrAlreadyRunning)
	}
	s.runs[run.ID] = run.Clone()
	s.order = append(s.order, run.ID)
	if !run.Terminal() {
		s.bySubject[run.SubjectID] = run.ID
	}
	return nil
}

func (s *Store) GetRun(_ context.Context, runID id.ID) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, watchtower.ErrRunNotFound)
	}
	return run.Clone(), nil
}

func (s *Store) UpdateRun(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, watchtower.ErrRunNotFound)
	}
	s.runs[run.ID] = run.Clone()
	if prev.Terminal() != run.Terminal() {
		if run.Terminal() {
			if s.bySubject[run.SubjectID] == run.ID {
				delete(s.bySubject, run.SubjectID)
			}
		} else {
			s.bySubject[run.SubjectID] = run.ID
		}
	}
	return nil
}

func (s *Store) ListRuns(_ context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.Run
	skipped := 0
	for _, runID := range s.order {
		run := s.runs[runID]
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		if opts.SubjectID != "" && run.SubjectID != opts.SubjectID {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, run.Clone())
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AppendCheckpoint(_ context.Context, runID id.ID, step string, payload json.RawMessage) (*workflow.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, watchtower.ErrRunNotFound)
	}
	log := s.checkpoints[runID]
	cp := &workflow.Checkpoint{
		ID:        id.NewCheckpoint(),
		RunID:     runID,
		Step:      step,
		Seq:       len(log) + 1,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}
	s.checkpoints[runID] = append(log, cp)
	out := *cp
	return &out, nil
}

func (s *Store) Checkpoints(_ context.Context, runID id.ID) ([]*workflow.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.checkpoints[runID]
	out := make([]*workflow.Checkpoint, len(log))
	for i, cp := range log {
		c := *cp
		c.Payload = append(json.RawMessage(nil), cp.Payload...)
		out[i] = &c
	}
	return out, nil
}
