package live

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/anaya-ai/watchtower/id"
)

// SessionState tracks a server-side session's lifecycle.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionOpen
	SessionClosing
	SessionLost
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Conn is the text-frame transport under a session. The production
// implementation wraps a gobwas WebSocket connection; tests substitute
// in-memory pipes.
type Conn interface {
	ReadText() ([]byte, error)
	WriteText(p []byte) error
	Close() error
}

// serverConn adapts a raw upgraded connection, server side.
type serverConn struct {
	raw net.Conn
	wmu sync.Mutex
}

func (c *serverConn) ReadText() ([]byte, error) {
	return wsutil.ReadClientText(c.raw)
}

func (c *serverConn) WriteText(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteServerText(c.raw, p)
}

func (c *serverConn) Close() error { return c.raw.Close() }

// Session is one connected subscriber. Outbound messages flow through
// out; the hub's writer goroutine owns the transport, so eviction and
// fan-out never write concurrently.
type Session struct {
	ID          id.ID
	ConnectedAt time.Time

	conn     Conn
	out      chan Message
	state    atomic.Int32
	lastPong atomic.Value // time.Time
	closed   atomic.Bool
	done     chan struct{}
}

func newSession(conn Conn, buffer int) *Session {
	s := &Session{
		ID:          id.NewSession(),
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
		out:         make(chan Message, buffer),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(SessionConnecting))
	s.lastPong.Store(time.Now().UTC())
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Touch records liveness, called on every inbound frame.
func (s *Session) Touch() {
	s.lastPong.Store(time.Now().UTC())
}

// LastSeen returns the time of the most recent inbound frame.
func (s *Session) LastSeen() time.Time {
	return s.lastPong.Load().(time.Time)
}

// send queues a message without blocking. A full buffer drops the
// message; a slow session must never stall the rest.
func (s *Session) send(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// close transitions the session to its final state and tears down the
// transport. Safe to call more than once.
func (s *Session) close(final SessionState) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.setState(final)
	close(s.done)
	s.conn.Close()
}
