// Package engine assembles the watchtower components: capability
// registry, compliance pipeline, workflow runner, event bus, live hub,
// and the optional Redis relay.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/anaya-ai/watchtower/api"
	"github.com/anaya-ai/watchtower/backoff"
	"github.com/anaya-ai/watchtower/capability"
	"github.com/anaya-ai/watchtower/event"
	"github.com/anaya-ai/watchtower/live"
	"github.com/anaya-ai/watchtower/relay"
	"github.com/anaya-ai/watchtower/workflow"
)

// Engine owns the wired component graph. Build constructs it, Start
// brings it live (resuming interrupted runs), Stop drains it.
type Engine struct {
	store  workflow.Store
	caps   *capability.Registry
	bus    *event.Bus
	runner *workflow.Runner
	hub    *live.Hub
	api    *api.API
	relay  *relay.Relay
	logger *slog.Logger

	alertThreshold float64
	capTimeout     time.Duration
	heartbeat      time.Duration
	submitRate     int
	strategy       backoff.Strategy
	maxRetries     int
	relayPub       relay.Publisher
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithAlertThreshold sets the score below which the decide step raises
// an alert.
func WithAlertThreshold(threshold float64) Option {
	return func(e *Engine) { e.alertThreshold = threshold }
}

// WithCapabilityTimeout sets the default deadline for capability calls.
func WithCapabilityTimeout(d time.Duration) Option {
	return func(e *Engine) { e.capTimeout = d }
}

// WithHeartbeat sets the live hub's ping interval.
func WithHeartbeat(d time.Duration) Option {
	return func(e *Engine) { e.heartbeat = d }
}

// WithBackoff sets the retry strategy for transient capability failures.
func WithBackoff(s backoff.Strategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithMaxRetries caps retries per pipeline step.
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithSubmitRate caps accepted submissions per minute.
func WithSubmitRate(perMinute int) Option {
	return func(e *Engine) { e.submitRate = perMinute }
}

// WithRelay mirrors events onto the given Redis publisher.
func WithRelay(pub relay.Publisher) Option {
	return func(e *Engine) { e.relayPub = pub }
}

// Build wires the engine over the given store. Capabilities can still
// be registered on Capabilities() until Start.
func Build(store workflow.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:          store,
		logger:         slog.Default(),
		alertThreshold: 80,
		capTimeout:     30 * time.Second,
		heartbeat:      30 * time.Second,
		strategy:       backoff.DefaultStrategy(),
		maxRetries:     3,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.caps = capability.NewRegistry(
		capability.WithDefaultTimeout(e.capTimeout),
		capability.WithLogger(e.logger),
	)
	e.bus = event.NewBus(event.WithLogger(e.logger))

	pipeline := workflow.NewCompliancePipeline(e.caps, e.alertThreshold)
	runner, err := workflow.NewRunner(pipeline, store, e.bus,
		workflow.WithBackoff(e.strategy),
		workflow.WithMaxRetries(e.maxRetries),
		workflow.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}
	e.runner = runner

	e.hub = live.NewHub(e.bus,
		live.WithHeartbeat(e.heartbeat),
		live.WithHubLogger(e.logger),
	)
	e.api = api.New(runner, store,
		api.WithLiveHandler(e.hub),
		api.WithSubmitRate(e.submitRate),
		api.WithLogger(e.logger),
	)
	if e.relayPub != nil {
		e.relay = relay.New(e.relayPub, e.bus, relay.WithLogger(e.logger))
	}
	return e, nil
}

// Start resumes interrupted runs and brings the hub and relay live.
func (e *Engine) Start(ctx context.Context) error {
	if e.relay != nil {
		e.relay.Start()
	}
	e.hub.Start()
	if err := e.runner.ResumeAll(ctx); err != nil {
		return err
	}
	e.logger.Info("engine started", "capabilities", len(e.caps.Specs()))
	return nil
}

// Stop drains in-flight runs, then tears down sessions and the bus.
func (e *Engine) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("stop deadline hit with runs still in flight")
	}

	e.hub.Stop()
	if e.relay != nil {
		e.relay.Stop()
	}
	e.bus.Close()
	e.logger.Info("engine stopped")
	return ctx.Err()
}

// Capabilities returns the capability registry for registration.
func (e *Engine) Capabilities() *capability.Registry { return e.caps }

// Runner returns the workflow runner.
func (e *Engine) Runner() *workflow.Runner { return e.runner }

// EventBus returns the in-process event bus.
func (e *Engine) EventBus() *event.Bus { return e.bus }

// Hub returns the live update hub.
func (e *Engine) Hub() *live.Hub { return e.hub }

// Handler returns the full HTTP surface, the live channel included.
func (e *Engine) Handler() http.Handler { return e.api.Handler() }
