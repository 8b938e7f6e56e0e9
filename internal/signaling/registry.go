package signaling

import (
	"sync"

	"github.com/meetlite/signaling/internal/models"
	"github.com/rs/zerolog/log"
)

// Registry is the in-memory map of who is reachable where: broadcast
// groups per session, plus a write-through identity index used by the
// point-to-point relay events so they never touch the store. It also
// hands out the per-session lock that serializes load-mutate-save
// cycles on one session document.
type Registry struct {
	mu sync.RWMutex
	// groups: sessionID -> connection id -> conn. The fan-out target
	// for group notifications.
	groups map[string]map[string]Conn
	// conns: every live connection by id, bound or not.
	conns map[string]Conn
	// users: bound participant identity -> current conn. Overwritten
	// on reconnect, so routing by userId survives connection churn.
	users map[string]Conn

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

type sessionLock struct {
	sync.Mutex
	refs int
}

func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]map[string]Conn),
		conns:  make(map[string]Conn),
		users:  make(map[string]Conn),
		locks:  make(map[string]*sessionLock),
	}
}

// Register tracks a newly accepted connection.
func (r *Registry) Register(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Unregister forgets a closed connection entirely: its group
// memberships and any identity entries still pointing at it.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	for sessionID, group := range r.groups {
		if _, ok := group[connID]; ok {
			delete(group, connID)
			if len(group) == 0 {
				delete(r.groups, sessionID)
				log.Debug().Str("sessionId", sessionID).Msg("removed empty group")
			}
		}
	}
	for userID, c := range r.users {
		if c.ID() == connID {
			delete(r.users, userID)
		}
	}
}

// JoinGroup adds c to sessionID's broadcast group, creating the group
// on first use.
func (r *Registry) JoinGroup(sessionID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.groups[sessionID]
	if !ok {
		group = make(map[string]Conn)
		r.groups[sessionID] = group
	}
	group[c.ID()] = c
}

// LeaveGroup removes the connection from sessionID's group. Empty
// groups are torn down; the stored session document stays until its
// retention window lapses.
func (r *Registry) LeaveGroup(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.groups[sessionID]
	if !ok {
		return
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(r.groups, sessionID)
		log.Debug().Str("sessionId", sessionID).Msg("removed empty group")
	}
}

// BindUser records userID as reachable on c, replacing any previous
// connection for that identity.
func (r *Registry) BindUser(userID string, c Conn) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = c
}

// UnbindUser drops the identity entry, but only while it still points
// at connID. A reconnect may already have claimed the identity.
func (r *Registry) UnbindUser(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.users[userID]; ok && c.ID() == connID {
		delete(r.users, userID)
	}
}

// Resolve maps a relay target to a live connection. The target is
// tried first as a stable participant identity, then as a raw
// connection id, so clients that address peers by socket handle keep
// working.
func (r *Registry) Resolve(target string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.users[target]; ok {
		return c, true
	}
	if c, ok := r.conns[target]; ok {
		return c, true
	}
	return nil, false
}

// Broadcast sends msg to every connection in sessionID's group. A full
// buffer on one member drops that member's frame only.
func (r *Registry) Broadcast(sessionID string, msg models.ServerMessage) {
	r.mu.RLock()
	group := make([]Conn, 0, len(r.groups[sessionID]))
	for _, c := range r.groups[sessionID] {
		group = append(group, c)
	}
	r.mu.RUnlock()

	for _, c := range group {
		if err := c.Send(msg); err != nil {
			log.Warn().
				Str("sessionId", sessionID).
				Str("connId", c.ID()).
				Str("event", msg.Event).
				Err(err).
				Msg("dropped group frame")
		}
	}
}

// SessionLock returns the mutex serializing mutating handlers for one
// session. Callers must pair it with ReleaseSessionLock so idle locks
// do not accumulate.
func (r *Registry) SessionLock(sessionID string) *sessionLock {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		r.locks[sessionID] = l
	}
	l.refs++
	return l
}

// ReleaseSessionLock drops one reference; the lock entry is removed
// once no handler holds or waits on it.
func (r *Registry) ReleaseSessionLock(sessionID string) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(r.locks, sessionID)
	}
}
