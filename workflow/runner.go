package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anaya-ai/watchtower"
	"github.com/anaya-ai/watchtower/backoff"
	"github.com/anaya-ai/watchtower/event"
	"github.com/anaya-ai/watchtower/id"
)

const defaultMaxRetries = 3

// Runner drives runs through a pipeline. Submit starts a run on its own
// goroutine; Resume replays a crashed run's checkpoint log and continues
// from the first uncheckpointed step. At most one goroutine executes a
// given run at a time.
type Runner struct {
	pipeline *Pipeline
	store    Store
	bus      *event.Bus

	strategy   backoff.Strategy
	maxRetries int
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[id.ID]context.CancelFunc
	wg       sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithBackoff sets the retry delay strategy for transient step failures.
func WithBackoff(s backoff.Strategy) RunnerOption {
	return func(r *Runner) { r.strategy = s }
}

// WithMaxRetries caps retries per step beyond the first attempt.
func WithMaxRetries(n int) RunnerOption {
	return func(r *Runner) { r.maxRetries = n }
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner validates the pipeline and builds a runner over store and bus.
func NewRunner(p *Pipeline, store Store, bus *event.Bus, opts ...RunnerOption) (*Runner, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		pipeline:   p,
		store:      store,
		bus:        bus,
		strategy:   backoff.DefaultStrategy(),
		maxRetries: defaultMaxRetries,
		logger:     slog.Default(),
		inflight:   make(map[id.ID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Submit creates a run for the subject and starts executing it in the
// background. It returns watchtower.ErrAlreadyRunning when the subject
// already has a non-terminal run. The returned Run is a snapshot; the
// background goroutine owns the live copy.
func (r *Runner) Submit(ctx context.Context, subjectID string, input json.RawMessage) (*Run, error) {
	now := time.Now().UTC()
	run := &Run{
		ID:        id.NewRun(),
		SubjectID: subjectID,
		Status:    StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.claim(run.ID, cancel)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(runCtx, run.Clone())
	}()
	return run.Clone(), nil
}

// Resume continues a non-terminal run synchronously. Checkpointed steps
// are folded into the run without re-invoking their capabilities, then
// execution proceeds from the first step missing a checkpoint. A run
// that never reached its first checkpoint has nothing to resume from
// and fails with watchtower.ErrRunNotFound.
func (r *Runner) Resume(ctx context.Context, runID id.ID) error {
	cps, err := r.store.Checkpoints(ctx, runID)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		return fmt.Errorf("resume %s: no checkpoint: %w", runID, watchtower.ErrRunNotFound)
	}
	return r.restart(ctx, runID)
}

// restart is Resume without the checkpoint requirement; ResumeAll uses
// it so runs interrupted before their first checkpoint start over from
// the entry step.
func (r *Runner) restart(ctx context.Context, runID id.ID) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return fmt.Errorf("resume %s: %w", runID, watchtower.ErrAlreadyTerminal)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if !r.claim(runID, cancel) {
		cancel()
		return fmt.Errorf("run %s is already executing", runID)
	}
	r.wg.Add(1)
	defer r.wg.Done()
	r.execute(runCtx, run)
	return nil
}

// ResumeAll restarts every run left in a non-terminal status, typically
// after a process crash. Each run resumes on its own goroutine; failures
// are logged, not returned.
func (r *Runner) ResumeAll(ctx context.Context) error {
	var runs []*Run
	for _, status := range []Status{StatusRunning, StatusPending} {
		batch, err := r.store.ListRuns(ctx, ListOpts{Status: status})
		if err != nil {
			return fmt.Errorf("list %s runs: %w", status, err)
		}
		runs = append(runs, batch...)
	}
	for _, run := range runs {
		runID := run.ID
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.restart(context.WithoutCancel(ctx), runID); err != nil {
				r.logger.Error("resume after restart failed", "run_id", runID, "error", err)
			}
		}()
	}
	if len(runs) > 0 {
		r.logger.Info("resuming interrupted runs", "count", len(runs))
	}
	return nil
}

// Cancel stops an in-flight run. The run terminates as failed with
// reason "cancelled". Cancelling a terminal run returns
// watchtower.ErrAlreadyTerminal.
func (r *Runner) Cancel(ctx context.Context, runID id.ID) error {
	r.mu.Lock()
	cancel, ok := r.inflight[runID]
	r.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	// Not executing here. Mark it failed directly if it is still live,
	// e.g. a run stranded by a crash that has not been resumed yet.
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return fmt.Errorf("cancel %s: %w", runID, watchtower.ErrAlreadyTerminal)
	}
	r.failRun(ctx, run, run.Step, "cancelled")
	return nil
}

// Wait blocks until all in-flight runs finish.
func (r *Runner) Wait() { r.wg.Wait() }

// claim reserves execution of runID, returning false if another
// goroutine already holds it.
func (r *Runner) claim(runID id.ID, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.inflight[runID]; held {
		return false
	}
	r.inflight[runID] = cancel
	return true
}

func (r *Runner) release(runID id.ID) {
	r.mu.Lock()
	if cancel, ok := r.inflight[runID]; ok {
		cancel()
		delete(r.inflight, runID)
	}
	r.mu.Unlock()
}

// ── execution ──────────────────────────────────────────────────────────

func (r *Runner) execute(ctx context.Context, run *Run) {
	defer r.release(run.ID)

	log := r.logger.With("run_id", run.ID, "subject_id", run.SubjectID)

	run.Status = StatusRunning
	if err := r.saveRun(ctx, run); err != nil {
		log.Error("mark running failed", "error", err)
		return
	}

	cps, err := r.store.Checkpoints(ctx, run.ID)
	if err != nil {
		r.failRun(ctx, run, "", fmt.Sprintf("load checkpoints: %v", err))
		return
	}
	committed := make(map[string]json.RawMessage, len(cps))
	for _, cp := range cps {
		committed[cp.Step] = cp.Payload
	}

	step := r.pipeline.entry
	for step != "" {
		node, ok := r.pipeline.node(step)
		if !ok {
			r.failRun(ctx, run, step, fmt.Sprintf("unknown step %q", step))
			return
		}

		if payload, done := committed[step]; done {
			// Replay: fold the committed output, never re-invoke.
			if err := node.Apply(run, payload); err != nil {
				r.failRun(ctx, run, step, fmt.Sprintf("replay %s: %v", step, err))
				return
			}
			log.Debug("replayed checkpoint", "step", step)
		} else {
			run.Step = step
			if err := r.saveRun(ctx, run); err != nil {
				log.Error("advance step marker failed", "step", step, "error", err)
			}

			payload, err := r.invokeStep(ctx, node, run)
			if err != nil {
				reason := err.Error()
				if ctx.Err() != nil {
					reason = "cancelled"
				}
				r.failRun(ctx, run, step, reason)
				return
			}
			if err := node.Apply(run, payload); err != nil {
				r.failRun(ctx, run, step, fmt.Sprintf("apply %s: %v", step, err))
				return
			}
			if _, err := r.store.AppendCheckpoint(ctx, run.ID, step, payload); err != nil {
				r.failRun(ctx, run, step, fmt.Errorf("%w: %s: %v", watchtower.ErrCheckpointWrite, step, err).Error())
				return
			}
			if err := r.saveRun(ctx, run); err != nil {
				log.Error("persist step result failed", "step", step, "error", err)
			}

			r.publish(event.Event{
				Type:    event.TypeStepCompleted,
				RunID:   run.ID,
				Payload: mustJSON(event.StepCompletedPayload{Step: step, DiffCount: len(run.Diffs), Score: run.Score}),
			})
			if node.Emit != nil {
				for _, evt := range node.Emit(run, payload) {
					evt.RunID = run.ID
					r.publish(evt)
				}
			}
			log.Info("step completed", "step", step)
		}

		next, more := r.pipeline.Next(step, run)
		if !more {
			break
		}
		step = next
	}

	now := time.Now().UTC()
	run.Status = StatusSucceeded
	run.CompletedAt = &now
	if err := r.saveRun(ctx, run); err != nil {
		log.Error("persist terminal status failed", "error", err)
	}
	r.publish(event.Event{Type: event.TypeRunSucceeded, RunID: run.ID})
	log.Info("run succeeded", "score", run.Score)
}

// invokeStep runs a node with bounded retries. Only transient errors
// retry; permanent errors, exhausted budgets, and cancellation fail the
// step immediately.
func (r *Runner) invokeStep(ctx context.Context, node *Node, run *Run) (json.RawMessage, error) {
	var attempt int
	for {
		payload, err := node.Execute(ctx, run)
		if err == nil {
			return payload, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !watchtower.IsTransient(err) {
			return nil, err
		}
		attempt++
		if attempt > r.maxRetries {
			return nil, fmt.Errorf("step %s: retries exhausted: %w", node.Name, err)
		}
		delay := r.strategy.Delay(attempt)
		r.logger.Warn("step failed, retrying",
			"run_id", run.ID, "step", node.Name, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Runner) failRun(ctx context.Context, run *Run, step, reason string) {
	now := time.Now().UTC()
	run.Status = StatusFailed
	run.Reason = reason
	run.CompletedAt = &now
	if err := r.saveRun(ctx, run); err != nil {
		r.logger.Error("persist failed status", "run_id", run.ID, "error", err)
	}
	r.publish(event.Event{
		Type:    event.TypeRunFailed,
		RunID:   run.ID,
		Payload: mustJSON(event.RunFailedPayload{Step: step, Reason: reason}),
	})
	r.logger.Warn("run failed", "run_id", run.ID, "step", step, "reason", reason)
}

// saveRun persists even when the run's context was cancelled; terminal
// state must land regardless.
func (r *Runner) saveRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	return r.store.UpdateRun(context.WithoutCancel(ctx), run)
}

func (r *Runner) publish(evt event.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal event payload: %v", err))
	}
	return b
}
