// Package ws streams call state snapshots to the local UI over WebSocket.
// Each connected client receives the current snapshot on connect and every
// transition after it; commands stay on the HTTP surface.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall/internal/middleware"
	"peercall/internal/orchestrator"
	"peercall/pkg/constants"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

var stateUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}
		return middleware.AllowedOrigins()[origin]
	},
}

// StateHandler serves the call state WebSocket stream
type StateHandler struct {
	orch *orchestrator.Orchestrator

	// maxConnections bounds concurrent streams; one UI rarely needs more
	// than a handful
	maxConnections int
	semaphore      chan struct{}
}

// NewStateHandler creates a state stream handler
func NewStateHandler(orch *orchestrator.Orchestrator) *StateHandler {
	maxConns := 32
	if val := os.Getenv("WS_MAX_STATE_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	return &StateHandler{
		orch:           orch,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// ServeWS handles WebSocket requests for the state stream
// GET /v1/calls/stream
func (h *StateHandler) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("state stream rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := stateUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	metrics.WebSocketConnections.Inc()
	ctx, cancel := context.WithCancel(context.Background())
	client := &stateClient{
		conn:   conn,
		states: h.orch.Subscribe(ctx),
		cancel: cancel,
		done:   func() { <-h.semaphore; metrics.WebSocketConnections.Dec() },
	}

	go client.writePump()
	go client.readPump()
}

// stateClient is one connected snapshot consumer
type stateClient struct {
	conn   *websocket.Conn
	states <-chan orchestrator.Snapshot
	cancel context.CancelFunc
	done   func()
}

// readPump drains the connection so close frames and pongs are processed.
// Inbound payloads are ignored; commands go over HTTP.
func (c *stateClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("state stream closed", zap.Error(err))
			}
			return
		}
	}
}

// writePump pushes snapshots and keepalive pings to the connection
func (c *stateClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
		c.done()
	}()

	for {
		select {
		case snap, ok := <-c.states:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			payload, err := json.Marshal(snap)
			if err != nil {
				logger.Warn("failed to marshal state snapshot", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
