// Package ws hosts the WebSocket transport for the distribution core:
// handshake with credential verification, heartbeat, backpressure-aware
// delivery and connection teardown.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/internal/auth"
	"github.com/finsight/marketstream/internal/config"
	"github.com/finsight/marketstream/internal/stream"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_ws_connections",
		Help: "Current number of open WebSocket connections.",
	})
	handshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_ws_handshake_failures_total",
		Help: "WebSocket handshakes rejected at credential verification.",
	})
	heartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_ws_heartbeat_timeouts_total",
		Help: "Connections closed after missing liveness probes.",
	})
	forcedCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_ws_forced_closes_total",
		Help: "Connections force-closed without draining.",
	})
)

func init() {
	prometheus.MustRegister(activeConnections, handshakeFailures, heartbeatTimeouts, forcedCloses)
}

// Hub owns the server side of every client connection. It upgrades HTTP
// requests, verifies credentials, registers connections, and wires the
// router's saturation policy to forced disconnects.
type Hub struct {
	cfg      config.WSConfig
	registry *stream.Registry
	index    *stream.SubscriptionIndex
	router   *stream.Router
	verifier auth.Verifier
	logger   *zap.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub wires the transport over the core components.
func NewHub(cfg config.WSConfig, registry *stream.Registry, index *stream.SubscriptionIndex, router *stream.Router, verifier auth.Verifier, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		registry: registry,
		index:    index,
		router:   router,
		verifier: verifier,
		logger:   logger,
		peers:    make(map[string]*peer),
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	router.OnSaturated(func(conn *stream.Connection, ev stream.Event) {
		h.ForceClose(conn.ID, websocket.ClosePolicyViolation, "outbound queue saturated")
	})
	return h
}

// RegisterRoutes mounts the WebSocket endpoint and the stats surface.
func (h *Hub) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", h.HandleWS)
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Stats())
	})
}

// HandleWS upgrades the request and runs the handshake. A failed credential
// check closes the socket with a rejection reason and never creates a
// registry entry.
func (h *Hub) HandleWS(c *gin.Context) {
	token := bearerToken(c.Request)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.HandshakeTimeout)
	claims, err := h.verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		handshakeFailures.Inc()
		h.logger.Info("handshake rejected",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Error(err))
		h.rejectConn(conn, "authentication failed")
		return
	}

	connID := uuid.NewString()
	sc, err := h.registry.Register(connID, claims.UserID, claims.Role)
	if err != nil {
		h.rejectConn(conn, "registration failed")
		return
	}

	p := newPeer(h, conn, sc)
	h.mu.Lock()
	h.peers[connID] = p
	h.mu.Unlock()
	activeConnections.Inc()

	h.logger.Info("connection open",
		zap.String("conn_id", connID),
		zap.String("user_id", claims.UserID),
		zap.String("role", claims.Role))

	h.wg.Add(2)
	go p.readPump()
	go p.writePump()
}

// rejectConn closes a socket that never reached the open state.
func (h *Hub) rejectConn(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(h.cfg.WriteTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	conn.Close()
}

// ForceClose tears down a connection without draining its queue. Used for
// backpressure saturation, auth revocation and protocol violations.
func (h *Hub) ForceClose(connID string, code int, reason string) {
	h.mu.RLock()
	p, ok := h.peers[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	forcedCloses.Inc()
	p.requestClose(closeRequest{graceful: false, code: code, reason: reason})
}

// CloseGraceful drains the outbound queue best-effort before closing.
func (h *Hub) CloseGraceful(connID string, reason string) {
	h.mu.RLock()
	p, ok := h.peers[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	p.requestClose(closeRequest{graceful: true, code: websocket.CloseNormalClosure, reason: reason})
}

// removePeer drops the peer from the hub's table after teardown.
func (h *Hub) removePeer(connID string) {
	h.mu.Lock()
	if _, ok := h.peers[connID]; ok {
		delete(h.peers, connID)
		activeConnections.Dec()
	}
	h.mu.Unlock()
}

// Stats reports a snapshot of the hub's connection state.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	peerCount := len(h.peers)
	h.mu.RUnlock()
	return map[string]interface{}{
		"connections": peerCount,
		"registered":  h.registry.Len(),
	}
}

// Shutdown gracefully closes every connection and waits for the pumps.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		p.requestClose(closeRequest{graceful: true, code: websocket.CloseGoingAway, reason: "server shutdown"})
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.cancel()
		return ctx.Err()
	}
	h.cancel()
	h.logger.Info("websocket hub shut down")
	return nil
}

// bearerToken extracts the credential from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
