package models

import "time"

// Participant is one user's presence inside a session. UserID is the
// stable identity supplied by the client; ConnectionID is the transport
// handle of their current live connection and changes on reconnect.
type Participant struct {
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	Photo        string `json:"photo"`
	ConnectionID string `json:"socketId"`
	MicOn        bool   `json:"micOn"`
	VideoOn      bool   `json:"videoOn"`
}

// ChatMessage carries a denormalized copy of the sender's profile taken
// at send time. It is never updated retroactively.
type ChatMessage struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Photo     string    `json:"photo"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the durable document for one call: roster plus chat log.
// An empty roster is a valid terminal state; sessions are only removed
// by the store's retention policy.
type Session struct {
	SessionID    string        `json:"sessionId"`
	Participants []Participant `json:"participants"`
	Chat         []ChatMessage `json:"chat"`
	CreatedAt    time.Time     `json:"createdAt"`
}

func NewSession(sessionID string, createdAt time.Time) *Session {
	return &Session{
		SessionID:    sessionID,
		Participants: []Participant{},
		Chat:         []ChatMessage{},
		CreatedAt:    createdAt,
	}
}

// FindParticipant returns a pointer into the roster so callers can
// mutate the entry in place before saving.
func (s *Session) FindParticipant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// AddOrUpdateParticipant inserts p, or merges it into the existing
// roster entry with the same UserID. The merge fills in rather than
// replaces: Name and Photo only overwrite when non-empty, MicOn and
// VideoOn only when true. ConnectionID always overwrites, since a
// rejoin means a new live connection. Returns the resulting entry.
func (s *Session) AddOrUpdateParticipant(p Participant) Participant {
	existing := s.FindParticipant(p.UserID)
	if existing == nil {
		s.Participants = append(s.Participants, p)
		return p
	}
	if p.Name != "" {
		existing.Name = p.Name
	}
	if p.Photo != "" {
		existing.Photo = p.Photo
	}
	if p.MicOn {
		existing.MicOn = true
	}
	if p.VideoOn {
		existing.VideoOn = true
	}
	existing.ConnectionID = p.ConnectionID
	return *existing
}

// RemoveParticipant deletes the roster entry for userID, preserving the
// order of the rest. The second return is false when no entry existed,
// which callers treat as an idempotent no-op.
func (s *Session) RemoveParticipant(userID string) (Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			removed := s.Participants[i]
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return removed, true
		}
	}
	return Participant{}, false
}

// AppendChat records a message from p, copying the sender's current
// profile into the log entry.
func (s *Session) AppendChat(p Participant, message string, at time.Time) ChatMessage {
	msg := ChatMessage{
		UserID:    p.UserID,
		Name:      p.Name,
		Photo:     p.Photo,
		Message:   message,
		Timestamp: at,
	}
	s.Chat = append(s.Chat, msg)
	return msg
}
