package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meetlite/signaling/internal/models"
	"github.com/meetlite/signaling/internal/store"
)

// Router is the protocol state machine. It owns the binding state of
// every connection, consults the registry for routing and fan-out, and
// runs every load-mutate-save on a session document under that
// session's lock so concurrent connections cannot interleave on one
// document.
type Router struct {
	store store.Store
	reg   *Registry
	now   func() time.Time

	mu       sync.Mutex
	bindings map[string]*binding
}

func NewRouter(st store.Store, reg *Registry) *Router {
	return &Router{
		store:    st,
		reg:      reg,
		now:      time.Now,
		bindings: make(map[string]*binding),
	}
}

// HandleConnect registers a newly accepted connection as unbound.
func (rt *Router) HandleConnect(c Conn) {
	rt.reg.Register(c)
	rt.mu.Lock()
	rt.bindings[c.ID()] = &binding{}
	rt.mu.Unlock()
	log.Info().Str("connId", c.ID()).Msg("connection registered")
}

// HandleMessage dispatches one inbound frame from c.
func (rt *Router) HandleMessage(ctx context.Context, c Conn, data []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Str("connId", c.ID()).Err(err).Msg("bad frame")
		return
	}

	switch msg.Event {
	case models.EventPrepareSession:
		rt.handlePrepareSession(ctx, c, msg)
	case models.EventJoinSession:
		rt.handleJoinSession(ctx, c, msg)
	case models.EventCurrentRoom:
		rt.handleCurrentRoom(ctx, c, msg)
	case models.EventSendOffer, models.EventSendAnswer, models.EventSendICE:
		rt.handleRelay(c, msg)
	case models.EventHangUp:
		// call-ended confirms a hang-up against a real session; an
		// unknown session already produced an error frame.
		if rt.removeParticipant(ctx, c, msg.SessionID, msg.UserID) {
			rt.emit(c, models.EventCallEnded, nil)
		}
	case models.EventToggleMic, models.EventToggleVideo:
		rt.handleToggle(ctx, c, msg)
	case models.EventSendMessage:
		rt.handleSendMessage(ctx, c, msg)
	case models.EventLeaveSession:
		rt.removeParticipant(ctx, c, msg.SessionID, msg.UserID)
	default:
		log.Warn().Str("connId", c.ID()).Str("event", msg.Event).Msg("unknown event")
	}
}

// HandleDisconnect runs on transport loss. If the connection was bound
// this is the cleanup path for a peer that vanished without a leave.
func (rt *Router) HandleDisconnect(ctx context.Context, c Conn) {
	rt.mu.Lock()
	b, ok := rt.bindings[c.ID()]
	if !ok {
		rt.mu.Unlock()
		return
	}
	sessionID, userID, wasBound := b.close()
	delete(rt.bindings, c.ID())
	rt.mu.Unlock()

	if wasBound {
		log.Info().
			Str("connId", c.ID()).
			Str("sessionId", sessionID).
			Str("userId", userID).
			Msg("bound connection lost")
		// No caller to report errors to on this path.
		rt.removeParticipant(ctx, nil, sessionID, userID)
	}
	rt.reg.Unregister(c.ID())
}

// State reports the binding state of a connection, StateClosed for
// connections the router no longer tracks.
func (rt *Router) State(connID string) ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if b, ok := rt.bindings[connID]; ok {
		return b.state
	}
	return StateClosed
}

// bind transitions c to bound. Fails only if the connection already
// closed, which means a disconnect raced the frame.
func (rt *Router) bind(c Conn, sessionID, userID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b, ok := rt.bindings[c.ID()]
	if !ok {
		return false
	}
	if err := b.bind(sessionID, userID); err != nil {
		log.Warn().Str("connId", c.ID()).Err(err).Msg("bind rejected")
		return false
	}
	return true
}

func (rt *Router) emit(c Conn, event string, data any) {
	if err := c.Send(models.ServerMessage{Event: event, Data: data}); err != nil {
		log.Warn().Str("connId", c.ID()).Str("event", event).Err(err).Msg("dropped frame")
	}
}

func (rt *Router) emitSessionNotFound(c Conn) {
	rt.emit(c, models.EventError, models.ErrorInfo{Message: "Session not found"})
}

// withSession runs fn holding the session's lock. Every handler that
// mutates a session document goes through here, so all its
// load-mutate-save cycles are serial per session.
func (rt *Router) withSession(sessionID string, fn func()) {
	l := rt.reg.SessionLock(sessionID)
	l.Lock()
	defer func() {
		l.Unlock()
		rt.reg.ReleaseSessionLock(sessionID)
	}()
	fn()
}

func (rt *Router) handlePrepareSession(ctx context.Context, c Conn, msg models.ClientMessage) {
	if msg.SessionID == "" {
		rt.emitSessionNotFound(c)
		return
	}
	session, err := rt.store.Load(ctx, msg.SessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		rt.emitSessionNotFound(c)
		return
	}
	if err != nil {
		log.Error().Str("sessionId", msg.SessionID).Err(err).Msg("load session")
		return
	}

	if !rt.bind(c, msg.SessionID, msg.UserID) {
		return
	}
	rt.reg.JoinGroup(msg.SessionID, c)
	rt.reg.BindUser(msg.UserID, c)

	log.Info().
		Str("sessionId", msg.SessionID).
		Str("userId", msg.UserID).
		Str("connId", c.ID()).
		Msg("session prepared")
	rt.emit(c, models.EventSessionInfo, models.SessionInfo{Participants: session.Participants})
}

func (rt *Router) handleJoinSession(ctx context.Context, c Conn, msg models.ClientMessage) {
	// A connection's frames are serial with its disconnect, so checking
	// liveness up front keeps a post-disconnect frame from touching the
	// roster at all.
	if rt.State(c.ID()) == StateClosed {
		return
	}
	rt.withSession(msg.SessionID, func() {
		session, err := rt.store.Load(ctx, msg.SessionID)
		if errors.Is(err, store.ErrSessionNotFound) {
			rt.emitSessionNotFound(c)
			return
		}
		if err != nil {
			log.Error().Str("sessionId", msg.SessionID).Err(err).Msg("load session")
			return
		}

		joined := session.AddOrUpdateParticipant(models.Participant{
			UserID:       msg.UserID,
			Name:         msg.Name,
			Photo:        msg.Photo,
			MicOn:        msg.MicOn,
			VideoOn:      msg.VideoOn,
			ConnectionID: c.ID(),
		})
		if err := rt.store.Save(ctx, session); err != nil {
			log.Error().Str("sessionId", msg.SessionID).Err(err).Msg("save session")
			return
		}

		// Index updates only after the write landed, so the registry
		// never points at a roster state that was not persisted.
		if !rt.bind(c, msg.SessionID, msg.UserID) {
			return
		}
		rt.reg.JoinGroup(msg.SessionID, c)
		rt.reg.BindUser(msg.UserID, c)

		log.Info().
			Str("sessionId", msg.SessionID).
			Str("userId", msg.UserID).
			Str("connId", c.ID()).
			Msg("participant joined")
		rt.reg.Broadcast(msg.SessionID, models.ServerMessage{
			Event: models.EventNewParticipant,
			Data:  joined,
		})
		rt.emit(c, models.EventSessionInfo, models.SessionInfo{Participants: session.Participants})
	})
}

func (rt *Router) handleCurrentRoom(ctx context.Context, c Conn, msg models.ClientMessage) {
	session, err := rt.store.Load(ctx, msg.SessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		rt.emitSessionNotFound(c)
		return
	}
	if err != nil {
		log.Error().Str("sessionId", msg.SessionID).Err(err).Msg("load session")
		return
	}
	rt.emit(c, models.EventCurrentRoomInfo, models.CurrentRoomInfo{
		Participants: session.Participants,
		Chat:         session.Chat,
	})
}

// handleRelay forwards offer/answer/candidate frames to one target
// connection. The target is resolved by participant identity first,
// raw connection id second. No session lookup, no failure surface: a
// missing target is a silent drop by contract.
func (rt *Router) handleRelay(c Conn, msg models.ClientMessage) {
	dst, ok := rt.reg.Resolve(msg.ToUserID)
	if !ok {
		log.Debug().
			Str("connId", c.ID()).
			Str("toUserId", msg.ToUserID).
			Str("event", msg.Event).
			Msg("relay target unreachable")
		return
	}

	payload := models.RelayPayload{FromUserID: c.ID()}
	var event string
	switch msg.Event {
	case models.EventSendOffer:
		event = models.EventReceiveOffer
		payload.Offer = msg.Offer
	case models.EventSendAnswer:
		event = models.EventReceiveAnswer
		payload.Answer = msg.Answer
	case models.EventSendICE:
		event = models.EventReceiveICE
		payload.Candidate = msg.Candidate
	}
	rt.emit(dst, event, payload)
}

func (rt *Router) handleToggle(ctx context.Context, c Conn, msg models.ClientMessage) {
	rt.withSession(msg.SessionID, func() {
		session, err := rt.store.Load(ctx, msg.SessionID)
		if errors.Is(err, store.ErrSessionNotFound) {
			rt.emitSessionNotFound(c)
			return
		}
		if err != nil {
			log.Error().Str("sessionId", msg.SessionID).Err(err).Msg("load session")
			return
		}

		p := session.FindParticipant(msg.UserID)
		if p == nil {
			// Unknown participant: accepted no-op, nothing surfaced.
			return
		}
		if msg.Event == models.EventToggleMic {
			p.MicOn = msg.MicOn
		} else {
			p.VideoOn = msg.VideoOn
		}
		if err := rt.store.Save(ctx, session); err != nil {
			log.Error().Str("sessionId", msg.SessionID).Err(err).Msg("save session")
			return
		}
		rt.reg.Broadcast(msg.SessionID, models.ServerMessage{
			Event: models.EventParticipantUpdated,
			Data:  *p,
		})
	})
}

func (rt *Router) handleSendMessage(ctx context.Context, c Conn, msg models.ClientMessage) {
	rt.withSession(msg.SessionID, func() {
		session, err := rt.store.Load(ctx, msg.SessionID)
		if errors.Is(err, store.ErrSessionNotFound) {
			rt.emitSessionNotFound(c)
			return
		}
		if err != nil {
			log.Error().Str("sessionId", msg.SessionID).Err(err).Msg("load session")
			return
		}

		p := session.FindParticipant(msg.UserID)
		if p == nil {
			return
		}
		chatMsg := session.AppendChat(*p, msg.Message, rt.now())
		if err := rt.store.Save(ctx, session); err != nil {
			log.Error().Str("sessionId", msg.SessionID).Err(err).Msg("save session")
			return
		}
		rt.reg.Broadcast(msg.SessionID, models.ServerMessage{
			Event: models.EventNewMessage,
			Data:  chatMsg,
		})
	})
}

// removeParticipant is the shared removal path behind hang-up,
// leave-session and transport disconnect. Removing an absent
// participant is a no-op, so duplicate removals emit nothing. caller
// is nil on the disconnect path, where there is nobody to report
// "Session not found" to. Returns whether the session resolved, so
// hang-up can suppress call-ended on an unknown session.
func (rt *Router) removeParticipant(ctx context.Context, caller Conn, sessionID, userID string) bool {
	resolved := false
	rt.withSession(sessionID, func() {
		session, err := rt.store.Load(ctx, sessionID)
		if errors.Is(err, store.ErrSessionNotFound) {
			if caller != nil {
				rt.emitSessionNotFound(caller)
			}
			return
		}
		if err != nil {
			log.Error().Str("sessionId", sessionID).Err(err).Msg("load session")
			return
		}
		resolved = true

		removed, ok := session.RemoveParticipant(userID)
		if !ok {
			return
		}
		if err := rt.store.Save(ctx, session); err != nil {
			log.Error().Str("sessionId", sessionID).Err(err).Msg("save session")
			return
		}

		// Drop the leaver from the group first so participant-left
		// reaches only the remaining members.
		rt.reg.LeaveGroup(sessionID, removed.ConnectionID)
		rt.reg.UnbindUser(userID, removed.ConnectionID)

		log.Info().
			Str("sessionId", sessionID).
			Str("userId", userID).
			Msg("participant removed")
		rt.reg.Broadcast(sessionID, models.ServerMessage{
			Event: models.EventParticipantLeft,
			Data:  removed,
		})
	})
	return resolved
}
