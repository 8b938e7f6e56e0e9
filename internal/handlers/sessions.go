package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/meetlite/signaling/internal/models"
	"github.com/meetlite/signaling/internal/store"
)

// CreateSession mints a session id and saves an empty session. The
// signaling core only ever consumes the resulting id.
func CreateSession(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := store.NewSessionID()
		session := models.NewSession(sessionID, time.Now().UTC())
		if err := st.Create(c.Request.Context(), session); err != nil {
			log.Error().Str("sessionId", sessionID).Err(err).Msg("create session")
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Message: "Server error"})
			return
		}
		log.Info().Str("sessionId", sessionID).Msg("session created")
		c.JSON(http.StatusOK, models.CreateSessionResponse{SessionID: sessionID})
	}
}

// IsAlive reports whether a session id still resolves, returning the
// full document when it does and null once it has expired.
func IsAlive(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Query("sessionId")
		session, err := st.Load(c.Request.Context(), sessionID)
		if err != nil {
			if !errors.Is(err, store.ErrSessionNotFound) {
				log.Error().Str("sessionId", sessionID).Err(err).Msg("is-alive lookup")
			}
			c.JSON(http.StatusOK, models.IsAliveResponse{})
			return
		}
		c.JSON(http.StatusOK, models.IsAliveResponse{IsAlive: session})
	}
}
