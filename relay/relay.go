// Package relay mirrors bus events onto Redis pub/sub so processes
// outside this one (dashboards, downstream services) can follow runs
// without a WebSocket session.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/anaya-ai/watchtower/event"
)

// Channel names. Every event lands on ChannelAll; each type also gets
// its own channel for selective subscribers.
const (
	ChannelAll    = "watchtower:events"
	channelPrefix = "watchtower:events:"
)

// Publisher is the slice of the Redis client the relay needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

var _ Publisher = (*redis.Client)(nil)

// Relay forwards bus events to Redis. Publish failures are logged and
// skipped; the relay is an observer, never a gate on run progress.
type Relay struct {
	pub    Publisher
	bus    *event.Bus
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// New builds a relay from the bus onto pub.
func New(pub Publisher, bus *event.Bus, opts ...Option) *Relay {
	r := &Relay{
		pub:    pub,
		bus:    bus,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to the bus and forwards until Stop.
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	sub := r.bus.Subscribe("redis-relay")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case evt, ok := <-sub.C():
				if !ok {
					return
				}
				r.forward(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop detaches from the bus and waits for the forwarder.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.bus.Unsubscribe("redis-relay")
	r.wg.Wait()
}

func (r *Relay) forward(ctx context.Context, evt *event.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("marshal event for redis", "error", err)
		return
	}
	for _, channel := range []string{ChannelAll, channelPrefix + string(evt.Type)} {
		if err := r.pub.Publish(ctx, channel, data).Err(); err != nil {
			r.logger.Warn("redis publish failed",
				"channel", channel, "seq", evt.Seq, "error", err)
		}
	}
}
