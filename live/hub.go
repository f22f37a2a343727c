package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/anaya-ai/watchtower/event"
)

const defaultSendBuffer = 64

// Hub upgrades HTTP requests to live WebSocket sessions and forwards
// bus events to each one. Every session gets its own bus subscription
// and writer goroutine, so one slow or dead session never delays the
// others.
type Hub struct {
	bus       *event.Bus
	sessions  *Registry
	heartbeat time.Duration
	buffer    int
	logger    *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHeartbeat sets the server ping interval. Sessions silent for two
// intervals are evicted.
func WithHeartbeat(d time.Duration) HubOption {
	return func(h *Hub) { h.heartbeat = d }
}

// WithSendBuffer sets the per-session outbound queue size.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) { h.buffer = n }
}

// WithHubLogger sets the hub's logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// NewHub builds a hub over the event bus.
func NewHub(bus *event.Bus, opts ...HubOption) *Hub {
	h := &Hub{
		bus:       bus,
		sessions:  NewRegistry(),
		heartbeat: 30 * time.Second,
		buffer:    defaultSendBuffer,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Sessions exposes the live session registry.
func (h *Hub) Sessions() *Registry { return h.sessions }

// Start launches the heartbeat loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.heartbeatLoop()
}

// Stop closes every session and waits for the hub's goroutines.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	for _, sess := range h.sessions.All() {
		sess.close(SessionClosing)
	}
	h.wg.Wait()
}

// ServeHTTP upgrades the request and serves the session until either
// side disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.serve(&serverConn{raw: conn})
}

func (h *Hub) serve(conn Conn) {
	sess := newSession(conn, h.buffer)
	h.sessions.Add(sess)
	sub := h.bus.Subscribe("live:" + sess.ID.String())
	defer func() {
		h.bus.Unsubscribe(sub.ID())
		h.sessions.Remove(sess.ID.String())
		sess.close(SessionLost)
		h.logger.Info("session closed", "session_id", sess.ID, "state", sess.State())
	}()

	// Ack synchronously so it is always the first frame, ahead of any
	// event already queued on the subscription.
	if !h.write(sess, Message{
		Type:      MsgConnected,
		SessionID: sess.ID.String(),
		Message:   "live updates connected",
		Timestamp: time.Now().UTC(),
	}) {
		return
	}
	sess.setState(SessionOpen)
	h.logger.Info("session opened", "session_id", sess.ID)

	h.wg.Add(1)
	go h.writeLoop(sess, sub)
	h.readLoop(sess)
}

// readLoop consumes inbound frames for liveness and keepalive. Any read
// error ends the session.
func (h *Hub) readLoop(sess *Session) {
	for {
		data, err := sess.conn.ReadText()
		if err != nil {
			sess.close(SessionLost)
			return
		}
		sess.Touch()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("discarding malformed frame", "session_id", sess.ID)
			continue
		}
		if msg.Type == MsgPing {
			sess.send(Message{Type: MsgPong})
		}
	}
}

// writeLoop owns the session's transport for writes. It drains both the
// control queue and the session's bus subscription.
func (h *Hub) writeLoop(sess *Session, sub *event.Subscriber) {
	defer h.wg.Done()
	for {
		select {
		case msg := <-sess.out:
			if !h.write(sess, msg) {
				return
			}
		case evt, ok := <-sub.C():
			if !ok {
				sess.close(SessionClosing)
				return
			}
			msg, err := FromEvent(evt)
			if err != nil {
				h.logger.Warn("unmappable event", "session_id", sess.ID, "error", err)
				continue
			}
			if !h.write(sess, msg) {
				return
			}
		case <-sess.done:
			return
		case <-h.done:
			sess.close(SessionClosing)
			return
		}
	}
}

func (h *Hub) write(sess *Session, msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal frame", "error", err)
		return true
	}
	if err := sess.conn.WriteText(data); err != nil {
		sess.close(SessionLost)
		return false
	}
	return true
}

// heartbeatLoop pings every open session and evicts the silent ones.
// A session that misses two intervals is considered gone even if the
// TCP connection still looks healthy.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-2 * h.heartbeat)
			for _, sess := range h.sessions.All() {
				if sess.LastSeen().Before(cutoff) {
					h.logger.Warn("evicting silent session", "session_id", sess.ID)
					sess.close(SessionLost)
					continue
				}
				sess.send(Message{Type: MsgPing})
			}
		case <-h.done:
			return
		}
	}
}
