package signaling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/meetlite/signaling/internal/models"
	"github.com/meetlite/signaling/internal/store"
)

func newTestRouter(t *testing.T) (*Router, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(0)
	rt := NewRouter(st, NewRegistry())
	rt.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return rt, st
}

func createSession(t *testing.T, st store.Store, sessionID string) {
	t.Helper()
	if err := st.Create(context.Background(), models.NewSession(sessionID, time.Now().UTC())); err != nil {
		t.Fatalf("create session %s: %v", sessionID, err)
	}
}

func loadSession(t *testing.T, st store.Store, sessionID string) *models.Session {
	t.Helper()
	session, err := st.Load(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("load session %s: %v", sessionID, err)
	}
	return session
}

func send(rt *Router, c Conn, format string, args ...any) {
	rt.HandleMessage(context.Background(), c, []byte(fmt.Sprintf(format, args...)))
}

func connect(rt *Router, id string) *fakeConn {
	c := newFakeConn(id)
	rt.HandleConnect(c)
	return c
}

func join(rt *Router, c Conn, sessionID, userID, name string) {
	send(rt, c, `{"event":"join-session","sessionId":%q,"userId":%q,"name":%q}`, sessionID, userID, name)
}

func TestJoinUnknownSession(t *testing.T) {
	rt, _ := newTestRouter(t)
	c := connect(rt, "conn-1")

	join(rt, c, "missing", "u1", "A")

	errs := c.byEvent(models.EventError)
	if len(errs) != 1 {
		t.Fatalf("got %d error frames, want 1", len(errs))
	}
	if got := errs[0].Data.(models.ErrorInfo).Message; got != "Session not found" {
		t.Fatalf("error message = %q", got)
	}
	if rt.State(c.ID()) != StateUnbound {
		t.Fatalf("failed join changed state to %v", rt.State(c.ID()))
	}
}

func TestJoinIsIdempotentPerUserID(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c := connect(rt, "conn-1")

	join(rt, c, "s1", "u1", "A")
	join(rt, c, "s1", "u1", "A")
	join(rt, c, "s1", "u1", "")

	session := loadSession(t, st, "s1")
	if len(session.Participants) != 1 {
		t.Fatalf("roster has %d entries after repeated joins, want 1", len(session.Participants))
	}
	if session.Participants[0].UserID != "u1" || session.Participants[0].Name != "A" {
		t.Fatalf("roster entry = %+v", session.Participants[0])
	}
}

func TestJoinMergeFillsInOnly(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")

	send(rt, c1, `{"event":"join-session","sessionId":"s1","userId":"u1","name":"A","photo":"p1","micOn":true}`)

	// Rejoin from a new connection with everything absent: profile and
	// flags must survive, only the connection handle moves.
	c2 := connect(rt, "conn-2")
	send(rt, c2, `{"event":"join-session","sessionId":"s1","userId":"u1"}`)

	p := loadSession(t, st, "s1").Participants[0]
	if p.Name != "A" || p.Photo != "p1" || !p.MicOn {
		t.Fatalf("rejoin overwrote profile: %+v", p)
	}
	if p.ConnectionID != "conn-2" {
		t.Fatalf("ConnectionID = %q, want conn-2", p.ConnectionID)
	}
}

func TestJoinBroadcastsNewParticipant(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	c2 := connect(rt, "conn-2")

	join(rt, c1, "s1", "u1", "A")
	join(rt, c2, "s1", "u2", "B")

	// c1 sees u2 arrive.
	frames := c1.byEvent(models.EventNewParticipant)
	if len(frames) != 2 {
		t.Fatalf("c1 received %d new-participant frames, want 2 (own join and u2's)", len(frames))
	}
	if got := frames[1].Data.(models.Participant).UserID; got != "u2" {
		t.Fatalf("second new-participant is %q, want u2", got)
	}

	// Each joiner received the roster snapshot.
	infos := c2.byEvent(models.EventSessionInfo)
	if len(infos) != 1 {
		t.Fatalf("c2 received %d session-info frames, want 1", len(infos))
	}
	if got := len(infos[0].Data.(models.SessionInfo).Participants); got != 2 {
		t.Fatalf("session-info roster size = %d, want 2", got)
	}
}

func TestPrepareSession(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c := connect(rt, "conn-1")

	send(rt, c, `{"event":"prepare-session","sessionId":"s1","userId":"u1"}`)

	if len(c.byEvent(models.EventSessionInfo)) != 1 {
		t.Fatalf("prepare-session did not answer with session-info")
	}
	if rt.State(c.ID()) != StateBound {
		t.Fatalf("state after prepare = %v, want bound", rt.State(c.ID()))
	}
	// Prepare binds identity but does not touch the roster.
	if got := len(loadSession(t, st, "s1").Participants); got != 0 {
		t.Fatalf("prepare-session added %d roster entries", got)
	}
}

func TestPrepareSessionWithoutID(t *testing.T) {
	rt, _ := newTestRouter(t)
	c := connect(rt, "conn-1")

	send(rt, c, `{"event":"prepare-session","userId":"u1"}`)

	if len(c.byEvent(models.EventError)) != 1 {
		t.Fatalf("missing sessionId did not produce an error frame")
	}
	if rt.State(c.ID()) != StateUnbound {
		t.Fatalf("connection bound despite missing sessionId")
	}
}

func TestCurrentRoomSnapshot(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	join(rt, c1, "s1", "u1", "A")
	send(rt, c1, `{"event":"send-message","sessionId":"s1","userId":"u1","message":"hello"}`)

	c2 := connect(rt, "conn-2")
	send(rt, c2, `{"event":"current-room","sessionId":"s1"}`)

	frames := c2.byEvent(models.EventCurrentRoomInfo)
	if len(frames) != 1 {
		t.Fatalf("got %d current-room-info frames, want 1", len(frames))
	}
	info := frames[0].Data.(models.CurrentRoomInfo)
	if len(info.Participants) != 1 || len(info.Chat) != 1 {
		t.Fatalf("snapshot: %d participants, %d chat entries; want 1, 1", len(info.Participants), len(info.Chat))
	}
}

func TestRelayReachesOnlyTarget(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	c2 := connect(rt, "conn-2")
	c3 := connect(rt, "conn-3")
	join(rt, c1, "s1", "u1", "A")
	join(rt, c2, "s1", "u2", "B")
	join(rt, c3, "s1", "u3", "C")

	send(rt, c1, `{"event":"send-offer","toUserId":"u2","offer":{"type":"offer","sdp":"v=0"}}`)

	got := c2.byEvent(models.EventReceiveOffer)
	if len(got) != 1 {
		t.Fatalf("target received %d receive-offer frames, want 1", len(got))
	}
	payload := got[0].Data.(models.RelayPayload)
	if payload.FromUserID != "conn-1" {
		t.Fatalf("fromUserId = %q, want sender's connection id conn-1", payload.FromUserID)
	}
	if string(payload.Offer) == "" {
		t.Fatalf("offer payload not forwarded")
	}
	if len(c3.byEvent(models.EventReceiveOffer)) != 0 {
		t.Fatalf("relay leaked to a non-target group member")
	}
	if len(c1.byEvent(models.EventReceiveOffer)) != 0 {
		t.Fatalf("relay echoed to the sender")
	}
}

func TestRelayByConnectionID(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	c2 := connect(rt, "conn-2")
	join(rt, c1, "s1", "u1", "A")
	join(rt, c2, "s1", "u2", "B")

	// Addressing by raw transport handle, the way the original client
	// did, still routes.
	send(rt, c1, `{"event":"send-ice-candidate","toUserId":"conn-2","candidate":{"candidate":"c"}}`)

	if len(c2.byEvent(models.EventReceiveICE)) != 1 {
		t.Fatalf("relay by connection id did not arrive")
	}
}

func TestRelayToUnknownTargetIsSilent(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	join(rt, c1, "s1", "u1", "A")

	send(rt, c1, `{"event":"send-answer","toUserId":"ghost","answer":{"type":"answer"}}`)

	// Best-effort contract: a missing target drops the frame without
	// any error surfaced to the sender.
	if len(c1.byEvent(models.EventError)) != 0 {
		t.Fatalf("silent drop produced an error frame")
	}
}

func TestToggleMicUpdatesOnlyMic(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	c2 := connect(rt, "conn-2")
	send(rt, c1, `{"event":"join-session","sessionId":"s1","userId":"u1","name":"A","photo":"p1","micOn":true,"videoOn":true}`)
	join(rt, c2, "s1", "u2", "B")

	send(rt, c1, `{"event":"toggle-mic","sessionId":"s1","userId":"u1","micOn":false}`)

	p := loadSession(t, st, "s1").FindParticipant("u1")
	if p.MicOn {
		t.Fatalf("micOn still true after toggle off")
	}
	if !p.VideoOn || p.Name != "A" || p.Photo != "p1" {
		t.Fatalf("toggle-mic disturbed other fields: %+v", *p)
	}

	updates := c2.byEvent(models.EventParticipantUpdated)
	if len(updates) != 1 {
		t.Fatalf("group received %d participant-updated frames, want 1", len(updates))
	}
	if got := updates[0].Data.(models.Participant); got.UserID != "u1" || got.MicOn {
		t.Fatalf("participant-updated payload = %+v", got)
	}
}

func TestToggleOnUnknownParticipantIsNoOp(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	join(rt, c1, "s1", "u1", "A")

	send(rt, c1, `{"event":"toggle-video","sessionId":"s1","userId":"ghost","videoOn":true}`)

	if len(c1.byEvent(models.EventError)) != 0 {
		t.Fatalf("unknown participant toggle surfaced an error")
	}
	if len(c1.byEvent(models.EventParticipantUpdated)) != 0 {
		t.Fatalf("unknown participant toggle broadcast an update")
	}
}

func TestSendMessage(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	c2 := connect(rt, "conn-2")
	join(rt, c1, "s1", "u1", "A")
	join(rt, c2, "s1", "u2", "B")

	send(rt, c2, `{"event":"send-message","sessionId":"s1","userId":"u2","message":"hi"}`)

	for _, c := range []*fakeConn{c1, c2} {
		frames := c.byEvent(models.EventNewMessage)
		if len(frames) != 1 {
			t.Fatalf("%s received %d new-message frames, want 1", c.ID(), len(frames))
		}
		msg := frames[0].Data.(models.ChatMessage)
		if msg.UserID != "u2" || msg.Name != "B" || msg.Message != "hi" {
			t.Fatalf("chat payload = %+v", msg)
		}
		if msg.Timestamp.IsZero() {
			t.Fatalf("chat message has zero timestamp")
		}
	}
	if got := len(loadSession(t, st, "s1").Chat); got != 1 {
		t.Fatalf("chat log length = %d, want 1", got)
	}
}

func TestChatOrderPreserved(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	join(rt, c1, "s1", "u1", "A")

	for i := 0; i < 3; i++ {
		send(rt, c1, `{"event":"send-message","sessionId":"s1","userId":"u1","message":"m%d"}`, i)
	}

	chat := loadSession(t, st, "s1").Chat
	if len(chat) != 3 {
		t.Fatalf("chat log length = %d, want 3", len(chat))
	}
	for i, m := range chat {
		if want := fmt.Sprintf("m%d", i); m.Message != want {
			t.Fatalf("chat[%d] = %q, want %q", i, m.Message, want)
		}
	}
}

func TestSendMessageFromUnknownSenderIsNoOp(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	join(rt, c1, "s1", "u1", "A")

	send(rt, c1, `{"event":"send-message","sessionId":"s1","userId":"ghost","message":"hi"}`)

	if len(c1.byEvent(models.EventNewMessage)) != 0 {
		t.Fatalf("message from unknown sender was broadcast")
	}
	if got := len(loadSession(t, st, "s1").Chat); got != 0 {
		t.Fatalf("chat log grew to %d from unknown sender", got)
	}
}

func TestHangUp(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	c2 := connect(rt, "conn-2")
	join(rt, c1, "s1", "u1", "A")
	join(rt, c2, "s1", "u2", "B")

	send(rt, c1, `{"event":"hang-up","sessionId":"s1","userId":"u1"}`)

	if len(c1.byEvent(models.EventCallEnded)) != 1 {
		t.Fatalf("caller did not receive call-ended")
	}
	left := c2.byEvent(models.EventParticipantLeft)
	if len(left) != 1 {
		t.Fatalf("group received %d participant-left frames, want 1", len(left))
	}
	if got := left[0].Data.(models.Participant); got.UserID != "u1" || got.Name != "A" {
		t.Fatalf("participant-left payload = %+v, want u1's last-known data", got)
	}
	// The leaver no longer counts as a group member.
	if len(c1.byEvent(models.EventParticipantLeft)) != 0 {
		t.Fatalf("leaver received its own participant-left")
	}
	if got := len(loadSession(t, st, "s1").Participants); got != 1 {
		t.Fatalf("roster size = %d after hang-up, want 1", got)
	}
}

func TestHangUpUnknownSession(t *testing.T) {
	rt, _ := newTestRouter(t)
	c := connect(rt, "conn-1")

	send(rt, c, `{"event":"hang-up","sessionId":"nope","userId":"u1"}`)

	errs := c.byEvent(models.EventError)
	if len(errs) != 1 {
		t.Fatalf("got %d error frames, want 1", len(errs))
	}
	if got := errs[0].Data.(models.ErrorInfo).Message; got != "Session not found" {
		t.Fatalf("error message = %q, want %q", got, "Session not found")
	}
	// No session, so nothing ended: the error frame is the full response.
	if len(c.byEvent(models.EventCallEnded)) != 0 {
		t.Fatalf("received call-ended for an unknown session")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	c2 := connect(rt, "conn-2")
	join(rt, c1, "s1", "u1", "A")
	join(rt, c2, "s1", "u2", "B")

	// hang-up then the transport disconnect of the same peer: the
	// second removal must be a no-op with no duplicate notification.
	send(rt, c1, `{"event":"hang-up","sessionId":"s1","userId":"u1"}`)
	rt.HandleDisconnect(context.Background(), c1)

	if got := len(c2.byEvent(models.EventParticipantLeft)); got != 1 {
		t.Fatalf("group received %d participant-left frames, want 1", got)
	}
	if got := len(loadSession(t, st, "s1").Participants); got != 1 {
		t.Fatalf("roster size = %d, want 1", got)
	}
}

func TestLeaveSession(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	c2 := connect(rt, "conn-2")
	join(rt, c1, "s1", "u1", "A")
	join(rt, c2, "s1", "u2", "B")

	send(rt, c1, `{"event":"leave-session","sessionId":"s1","userId":"u1"}`)

	if len(c2.byEvent(models.EventParticipantLeft)) != 1 {
		t.Fatalf("group did not learn about the leave")
	}
	// leave-session has no call-ended companion.
	if len(c1.byEvent(models.EventCallEnded)) != 0 {
		t.Fatalf("leave-session emitted call-ended")
	}
}

func TestDisconnectCleansUpBoundPeer(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "abc1234")
	c1 := connect(rt, "conn-1")
	c2 := connect(rt, "conn-2")

	// Scenario: u1 joins an empty session.
	join(rt, c1, "abc1234", "u1", "A")
	session := loadSession(t, st, "abc1234")
	if len(session.Participants) != 1 {
		t.Fatalf("roster size = %d, want 1", len(session.Participants))
	}
	p := session.Participants[0]
	if p.UserID != "u1" || p.Name != "A" || p.MicOn || p.VideoOn {
		t.Fatalf("first join roster entry = %+v", p)
	}

	// u2 joins: roster grows, u1 is notified.
	join(rt, c2, "abc1234", "u2", "B")
	if got := len(loadSession(t, st, "abc1234").Participants); got != 2 {
		t.Fatalf("roster size = %d, want 2", got)
	}
	frames := c1.byEvent(models.EventNewParticipant)
	if len(frames) != 2 || frames[1].Data.(models.Participant).UserID != "u2" {
		t.Fatalf("u1 did not observe u2's join: %v", frames)
	}

	// u1 vanishes without a leave. The bound identity drives cleanup.
	rt.HandleDisconnect(context.Background(), c1)

	session = loadSession(t, st, "abc1234")
	if len(session.Participants) != 1 || session.Participants[0].UserID != "u2" {
		t.Fatalf("roster after disconnect = %+v", session.Participants)
	}
	left := c2.byEvent(models.EventParticipantLeft)
	if len(left) != 1 || left[0].Data.(models.Participant).UserID != "u1" {
		t.Fatalf("u2 did not observe u1 leaving: %v", left)
	}
	if rt.State(c1.ID()) != StateClosed {
		t.Fatalf("state after disconnect = %v, want closed", rt.State(c1.ID()))
	}
}

func TestDisconnectOfUnboundConnIsQuiet(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	c2 := connect(rt, "conn-2")
	join(rt, c2, "s1", "u2", "B")

	rt.HandleDisconnect(context.Background(), c1)

	if len(c2.byEvent(models.EventParticipantLeft)) != 0 {
		t.Fatalf("unbound disconnect produced a participant-left")
	}
}

func TestMessageAfterDisconnectIgnored(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")
	c1 := connect(rt, "conn-1")
	rt.HandleDisconnect(context.Background(), c1)

	// A frame racing the disconnect must not re-bind the connection.
	join(rt, c1, "s1", "u1", "A")

	if rt.State(c1.ID()) != StateClosed {
		t.Fatalf("state = %v after post-disconnect frame, want closed", rt.State(c1.ID()))
	}
	if got := len(loadSession(t, st, "s1").Participants); got != 0 {
		t.Fatalf("post-disconnect frame mutated the roster: %d entries", got)
	}
}

func TestBadFrameIgnored(t *testing.T) {
	rt, _ := newTestRouter(t)
	c := connect(rt, "conn-1")

	rt.HandleMessage(context.Background(), c, []byte("{not json"))
	rt.HandleMessage(context.Background(), c, []byte(`{"event":"no-such-event"}`))

	if len(c.messages()) != 0 {
		t.Fatalf("malformed/unknown frames produced output: %v", c.messages())
	}
}

func TestConcurrentJoinsKeepRosterConsistent(t *testing.T) {
	rt, st := newTestRouter(t)
	createSession(t, st, "s1")

	const n = 16
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			c := connect(rt, fmt.Sprintf("conn-%d", i))
			join(rt, c, "s1", fmt.Sprintf("u%d", i), "X")
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	session := loadSession(t, st, "s1")
	if len(session.Participants) != n {
		t.Fatalf("roster size = %d after %d concurrent joins, want %d", len(session.Participants), n, n)
	}
	seen := make(map[string]bool)
	for _, p := range session.Participants {
		if seen[p.UserID] {
			t.Fatalf("duplicate roster entry for %s", p.UserID)
		}
		seen[p.UserID] = true
	}
}
