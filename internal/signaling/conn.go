// Package signaling is the session coordination core: it routes typed
// signaling events between live connections, keeps the shared roster
// and chat of each session consistent, and cleans up after peers that
// vanish without an explicit leave.
package signaling

import (
	"errors"
	"fmt"

	"github.com/meetlite/signaling/internal/models"
)

var (
	// ErrBufferFull reports that a connection's outbound buffer rejected
	// a frame. Delivery is best effort; the frame is dropped.
	ErrBufferFull = errors.New("send buffer full")
	// ErrConnClosed reports an operation on a connection whose transport
	// is already gone.
	ErrConnClosed = errors.New("connection closed")
)

// Conn is a live bidirectional connection as the router sees it. The
// websocket adapter implements it in production; tests use fakes.
type Conn interface {
	// ID is the transport-level connection handle, unique per connection.
	ID() string
	// Send queues msg for delivery. It must not block and must not
	// panic: implementations return ErrBufferFull when the frame cannot
	// be queued and ErrConnClosed after the transport has closed.
	Send(msg models.ServerMessage) error
}

// ConnState is the lifecycle of one connection's session binding.
type ConnState int

const (
	// StateUnbound: connected, not yet associated with any session.
	StateUnbound ConnState = iota
	// StateBound: associated with a session and participant identity.
	StateBound
	// StateClosed: transport gone; terminal.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// binding is the per-connection finite-state value. A connection moves
// unbound -> bound on its first prepare-session or join-session, may
// re-bind while bound (reconnect into another identity or session),
// and ends closed. Closed is terminal.
type binding struct {
	state     ConnState
	sessionID string
	userID    string
}

// bind transitions to StateBound, recording the session and identity.
func (b *binding) bind(sessionID, userID string) error {
	if b.state == StateClosed {
		return ErrConnClosed
	}
	b.state = StateBound
	b.sessionID = sessionID
	b.userID = userID
	return nil
}

// close transitions to StateClosed and reports the identity that was
// bound, if any, so the caller can run participant cleanup.
func (b *binding) close() (sessionID, userID string, wasBound bool) {
	wasBound = b.state == StateBound
	sessionID, userID = b.sessionID, b.userID
	b.state = StateClosed
	return sessionID, userID, wasBound
}
