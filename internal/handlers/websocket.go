package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meetlite/signaling/internal/models"
	"github.com/meetlite/signaling/internal/signaling"
)

const (
	pongWait    = 60 * time.Second
	writeWait   = 10 * time.Second
	sendBufSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

// wsClient adapts one gorilla connection to the router's Conn
// interface. Frames go out through a buffered channel drained by the
// write pump; Send never blocks. The mutex orders Send against close:
// the channel is only closed once no Send holds the lock, and every
// later Send sees the closed flag instead of the closed channel.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(msg models.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return signaling.ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return signaling.ErrBufferFull
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
	_ = c.conn.Close()
}

// HandleSignaling upgrades the request and hands the connection to the
// router. The connection starts unbound; session binding happens
// through protocol events, not the URL.
func HandleSignaling(router *signaling.Router, readLimit int64, pingPeriod time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := &wsClient{
			id:   uuid.New().String(),
			conn: conn,
			send: make(chan []byte, sendBufSize),
		}
		router.HandleConnect(client)

		go client.writePump(pingPeriod)
		go client.readPump(router, readLimit)
	}
}

func (c *wsClient) readPump(router *signaling.Router, readLimit int64) {
	ctx := context.Background()
	defer func() {
		router.HandleDisconnect(ctx, c)
		c.close()
	}()

	if readLimit > 0 {
		c.conn.SetReadLimit(readLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Str("connId", c.id).Err(err).Msg("websocket read")
			}
			return
		}
		router.HandleMessage(ctx, c, data)
	}
}

func (c *wsClient) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Str("connId", c.id).Err(err).Msg("websocket write")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
