// Package api provides the HTTP surface of the hub: handshake endpoints, the
// WebSocket entry point, health checks and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lumacast/lumacast/hub/internal/config"
	"github.com/lumacast/lumacast/hub/internal/handshake"
	"github.com/lumacast/lumacast/hub/internal/kv"
	"github.com/lumacast/lumacast/hub/internal/router"
	"github.com/lumacast/lumacast/pkg/protocol"
	"github.com/lumacast/lumacast/pkg/secure"
)

var (
	errRateLimited = &protocol.Error{Code: protocol.CodeValidation, Message: "too many requests"}
	errBadEnvelope = &protocol.Error{Code: protocol.CodeValidation, Message: "malformed envelope"}
)

// Server is the HTTP API server.
type Server struct {
	handshake    *handshake.Service
	router       *router.Router
	cache        kv.Cache
	logger       *zap.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
	now          func() time.Time
}

// NewServer creates the API server. A nil gatherer disables the metrics
// endpoint.
func NewServer(hs *handshake.Service, rt *router.Router, cache kv.Cache, gatherer prometheus.Gatherer, cfg *config.Config, logger *zap.Logger) *Server {
	srv := &Server{
		handshake:    hs,
		router:       rt,
		cache:        cache,
		logger:       logger.With(zap.String("component", "api")),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		now:          time.Now,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(chimw.RequestID)
	mux.Use(requestLogger(srv.logger))
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	if gatherer != nil && cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// WebSocket route (session resumed inside)
	mux.Get("/ws", rt.HandleWS)

	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))
		r.Post("/api/handshake/challenge", srv.handleChallenge)
		r.Post("/api/handshake/negotiate", srv.handleNegotiate)
	})
	mux.Post("/api/session/ping", srv.handlePing)

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of the rate limiter.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Handshake handlers ---

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	token, err := s.handshake.GenerateChallenge(r.Context())
	if err != nil {
		s.logger.Error("issue challenge", zap.Error(err))
		writeError(w, err)
		return
	}
	writeResult(w, protocol.Challenge{Challenge: token})
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	env, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	reply, err := s.handshake.Negotiate(r.Context(), env)
	if err != nil {
		s.logResult("negotiate failed", env.DeviceUID, err)
		writeError(w, err)
		return
	}
	writeResult(w, reply)
}

// handlePing answers a session-protected ping with the hub's clock, sealed
// under the same session.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	env, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	v, err := s.handshake.Verify(r.Context(), env)
	if err != nil {
		s.logResult("ping rejected", env.DeviceUID, err)
		writeError(w, err)
		return
	}
	defer v.Session.Close()

	var ping protocol.Ping
	if err := secure.Unmarshal(v.Plaintext, &ping); err != nil {
		writeError(w, protocol.ErrSessionExpired)
		return
	}
	reply, err := v.Session.Encode(protocol.Pong{
		ServerTime: protocol.Timestamp(s.now()),
		Timestamp:  ping.Timestamp,
	}, nil)
	if err != nil {
		s.logger.Error("seal pong", zap.Error(err))
		writeError(w, err)
		return
	}
	writeResult(w, reply)
}

func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request) (*secure.Envelope, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var env secure.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, errBadEnvelope)
		return nil, false
	}
	if err := env.Validate(); err != nil {
		writeError(w, errBadEnvelope)
		return nil, false
	}
	return &env, true
}

func (s *Server) logResult(msg, peerID string, err error) {
	if protocol.ResultFromError(err).Code == protocol.CodeInternal {
		s.logger.Error(msg, zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	s.logger.Debug(msg, zap.String("peer_id", peerID), zap.Error(err))
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).Truncate(time.Second).String(),
		"connections": s.router.Len(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cache.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeResult(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, protocol.NewResult(data, nil))
}

func writeError(w http.ResponseWriter, err error) {
	res := protocol.ResultFromError(err)
	status := res.Code.HTTPStatus()
	if errors.Is(err, errRateLimited) {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, res)
}
