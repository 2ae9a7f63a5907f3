// Package router accepts device WebSocket connections, opens their protected
// frames and dispatches the commands they carry to the room registry.
package router

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumacast/lumacast/hub/internal/gateway"
	"github.com/lumacast/lumacast/hub/internal/handshake"
	"github.com/lumacast/lumacast/hub/internal/logging"
	"github.com/lumacast/lumacast/hub/internal/metrics"
	"github.com/lumacast/lumacast/hub/internal/room"
	"github.com/lumacast/lumacast/pkg/protocol"
)

// PeerIDParam is the query parameter naming the device when the client
// cannot send it as a subprotocol.
const PeerIDParam = "deviceUID"

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{protocol.Subprotocol},
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // native clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Router.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	CommandTimeout  time.Duration
	// JoinFailureCloseDelay is how long a connection stays open after a
	// failed join, so the error response reaches the peer.
	JoinFailureCloseDelay time.Duration
	MaxConnsPerPeer       int
	// RequireLogin rejects joins on connections that have not logged in.
	RequireLogin bool
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Router owns the live connections.
type Router struct {
	handshake *handshake.Service
	rooms     *room.Registry
	gateway   gateway.Authorizer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	opts      Options
	now       func() time.Time

	mu          sync.Mutex
	conns       map[string]*conn
	connsByPeer map[string]int
}

// New creates a Router.
func New(hs *handshake.Service, rooms *room.Registry, gw gateway.Authorizer, logger *zap.Logger, opts Options) *Router {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	if opts.JoinFailureCloseDelay <= 0 {
		opts.JoinFailureCloseDelay = 500 * time.Millisecond
	}
	if opts.MaxConnsPerPeer <= 0 {
		opts.MaxConnsPerPeer = 4
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if gw == nil {
		gw = &gateway.Static{Active: true}
	}
	return &Router{
		handshake:   hs,
		rooms:       rooms,
		gateway:     gw,
		logger:      logger.With(zap.String("component", "router")),
		metrics:     opts.Metrics,
		upgrader:    makeUpgrader(opts.AllowedOrigins),
		opts:        opts,
		now:         now,
		conns:       make(map[string]*conn),
		connsByPeer: make(map[string]int),
	}
}

// peerIDFromRequest reads the device id from the subprotocol list
// ("lumacast.v1, <deviceUID>") or the deviceUID query parameter.
func peerIDFromRequest(req *http.Request) string {
	protos := websocket.Subprotocols(req)
	for i, p := range protos {
		if p == protocol.Subprotocol && i+1 < len(protos) {
			return protos[i+1]
		}
	}
	return req.URL.Query().Get(PeerIDParam)
}

// HandleWS upgrades an authenticated device connection and serves it until
// it closes. The session is resumed before the upgrade so unknown devices
// get a plain HTTP error.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	peerID := peerIDFromRequest(req)
	if peerID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	sess, err := r.handshake.Resume(req.Context(), peerID)
	if err != nil {
		res := protocol.ResultFromError(err)
		if res.Code == protocol.CodeInternal {
			r.logger.Warn("session resume failed", zap.String("peer_id", peerID), zap.Error(err))
		}
		http.Error(w, res.Message, res.Code.HTTPStatus())
		return
	}

	if !r.reserve(peerID) {
		sess.Close()
		r.logger.Warn("too many WebSocket connections for device",
			zap.String("peer_id", peerID), zap.Int("limit", r.opts.MaxConnsPerPeer))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		sess.Close()
		r.release(peerID)
		r.logger.Warn("websocket upgrade failed", zap.String("peer_id", peerID), zap.Error(err))
		return
	}

	connID := uuid.New().String()
	c := newConn(r, connID, peerID, ws, sess, logging.ForConn(r.logger, connID, peerID))

	r.mu.Lock()
	r.conns[connID] = c
	r.mu.Unlock()
	r.metrics.ConnOpened()
	c.logger.Info("device connected")

	c.serve()

	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
	r.release(peerID)
	r.metrics.ConnClosed()
	c.logger.Info("device disconnected")
}

func (r *Router) reserve(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connsByPeer[peerID] >= r.opts.MaxConnsPerPeer {
		return false
	}
	r.connsByPeer[peerID]++
	return true
}

func (r *Router) release(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connsByPeer[peerID]--
	if r.connsByPeer[peerID] <= 0 {
		delete(r.connsByPeer, peerID)
	}
}

// Len returns the number of open connections.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close closes every connection with a going-away status.
func (r *Router) Close() {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "hub shutting down")
	}
}

func (r *Router) commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.opts.CommandTimeout)
}
