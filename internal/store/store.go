// Package store persists session documents. Sessions expire a fixed
// retention window after creation; expiry is the store's policy, the
// signaling core never deletes documents.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/meetlite/signaling/internal/models"
)

// DefaultTTL is the retention window measured from session creation.
const DefaultTTL = 24 * time.Hour

// ErrSessionNotFound is returned by Load when the session id does not
// resolve, either because it never existed or because it expired.
var ErrSessionNotFound = errors.New("session not found")

// Store is the persistence contract for session documents. Save is a
// full-document write with no compare-and-swap; callers serialize
// writers per session themselves.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Load(ctx context.Context, sessionID string) (*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
}

const (
	sessionIDLength = 7
	sessionIDChars  = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// NewSessionID mints a short shareable session id.
func NewSessionID() string {
	id := make([]byte, sessionIDLength)
	for i := range id {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(sessionIDChars))))
		id[i] = sessionIDChars[n.Int64()]
	}
	return string(id)
}
