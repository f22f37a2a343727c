// Package capability is the registry of named external operations the
// orchestrator invokes: text extraction, embedding, policy search, diffing,
// scoring, notification. The registry is a pure lookup-and-invoke layer
// with a per-capability deadline and no retry logic of its own — retries
// belong to the caller. This keeps synchronous test doubles and real
// networked collaborators behind the same contract.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anaya-ai/watchtower"
)

// Handler executes one capability call. Implementations must be safe to
// retry: either idempotent, or caching results by the idempotency key
// carried on the context (see IdempotencyKeyFrom).
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Spec declares a capability's contract: its name, input/output shapes
// (schema names, informational), and the maximum latency the caller will
// wait before giving up on an invocation.
type Spec struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Input       string        `json:"input,omitempty"`
	Output      string        `json:"output,omitempty"`
	MaxLatency  time.Duration `json:"max_latency,omitempty"`
}

// Registry maps capability names to handlers. It is safe for concurrent
// use.
type Registry struct {
	mu             sync.RWMutex
	caps           map[string]entry
	defaultTimeout time.Duration
	logger         *slog.Logger
}

type entry struct {
	spec    Spec
	handler Handler
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTimeout sets the deadline applied to capabilities that do
// not declare a MaxLatency.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) { r.defaultTimeout = d }
}

// WithLogger sets the registry's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty capability registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		caps:           make(map[string]entry),
		defaultTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a capability. Registering the same name again replaces
// the previous handler.
func (r *Registry) Register(spec Spec, h Handler) {
	r.mu.Lock()
	r.caps[spec.Name] = entry{spec: spec, handler: h}
	r.mu.Unlock()
	r.logger.Debug("capability registered", slog.String("capability", spec.Name))
}

// Specs returns the declared contracts of all registered capabilities.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.caps))
	for _, e := range r.caps {
		out = append(out, e.spec)
	}
	return out
}

// Has reports whether a capability is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// Invoke calls the named capability with args (marshaled to JSON unless
// already raw). It fails with watchtower.ErrUnknownCapability if the name
// is unregistered and watchtower.ErrCapabilityTimeout if the handler
// exceeds its deadline; any other handler error is propagated unchanged.
func (r *Registry) Invoke(ctx context.Context, name string, args any) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("invoke %q: %w", name, watchtower.ErrUnknownCapability)
	}

	timeout := e.spec.MaxLatency
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	raw, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("invoke %q: marshal args: %w", name, err)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out json.RawMessage
		err error
	}
	done := make(chan result, 1)

	start := time.Now()
	go func() {
		out, callErr := e.handler(cctx, raw)
		done <- result{out: out, err: callErr}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("capability %q: %w", name, res.err)
		}
		r.logger.Debug("capability invoked",
			slog.String("capability", name),
			slog.Duration("elapsed", time.Since(start)),
		)
		return res.out, nil
	case <-cctx.Done():
		if ctx.Err() != nil {
			// Caller cancelled, not a deadline.
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("capability %q after %v: %w", name, timeout, watchtower.ErrCapabilityTimeout)
	}
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(args)
	}
}

// ── Idempotency keys ────────────────────────────────

type idemKeyCtx struct{}

// IdempotencyKey derives the retry-safe invocation key for a step's
// capability calls: run id + step name, stable across resume.
func IdempotencyKey(runID, step string) string {
	return runID + ":" + step
}

// WithIdempotencyKey attaches an idempotency key to the context. The
// orchestrator sets it before each step's invocations.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idemKeyCtx{}, key)
}

// IdempotencyKeyFrom returns the idempotency key carried on ctx, if any.
func IdempotencyKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idemKeyCtx{}).(string)
	return key, ok && key != ""
}
