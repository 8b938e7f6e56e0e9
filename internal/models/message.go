package models

import "encoding/json"

// Inbound event names.
const (
	EventPrepareSession = "prepare-session"
	EventJoinSession    = "join-session"
	EventCurrentRoom    = "current-room"
	EventSendOffer      = "send-offer"
	EventSendAnswer     = "send-answer"
	EventSendICE        = "send-ice-candidate"
	EventHangUp         = "hang-up"
	EventToggleMic      = "toggle-mic"
	EventToggleVideo    = "toggle-video"
	EventSendMessage    = "send-message"
	EventLeaveSession   = "leave-session"
)

// Outbound event names.
const (
	EventSessionInfo        = "session-info"
	EventNewParticipant     = "new-participant"
	EventCurrentRoomInfo    = "current-room-info"
	EventReceiveOffer       = "receive-offer"
	EventReceiveAnswer      = "receive-answer"
	EventReceiveICE         = "receive-ice-candidate"
	EventCallEnded          = "call-ended"
	EventParticipantLeft    = "participant-left"
	EventParticipantUpdated = "participant-updated"
	EventNewMessage         = "new-message"
	EventError              = "error"
)

// ClientMessage is the inbound envelope: one JSON object carrying the
// event name plus whichever payload fields that event uses. SDP and
// ICE payloads are opaque to the relay and kept as raw JSON.
type ClientMessage struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Photo     string          `json:"photo,omitempty"`
	MicOn     bool            `json:"micOn,omitempty"`
	VideoOn   bool            `json:"videoOn,omitempty"`
	ToUserID  string          `json:"toUserId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ServerMessage is the outbound envelope.
type ServerMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// SessionInfo answers prepare-session and join-session.
type SessionInfo struct {
	Participants []Participant `json:"participants"`
}

// CurrentRoomInfo answers current-room.
type CurrentRoomInfo struct {
	Participants []Participant `json:"participants"`
	Chat         []ChatMessage `json:"chat"`
}

// RelayPayload wraps a forwarded offer, answer or ICE candidate.
// FromUserID is the sender's connection id, which the recipient uses
// to address replies.
type RelayPayload struct {
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	FromUserID string          `json:"fromUserId"`
}

// ErrorInfo is the payload of an error event.
type ErrorInfo struct {
	Message string `json:"message"`
}
