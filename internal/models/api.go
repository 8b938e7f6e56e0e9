package models

// CreateSessionResponse is the response for minting a new session.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// IsAliveResponse reports whether a session id still resolves. IsAlive
// carries the full session document, or null when it does not exist.
type IsAliveResponse struct {
	IsAlive *Session `json:"isAlive"`
}

// ErrorResponse is the generic HTTP error body.
type ErrorResponse struct {
	Message string `json:"message"`
}
