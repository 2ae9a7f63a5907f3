// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/lumacast/lumacast/hub/internal/api"
	"github.com/lumacast/lumacast/hub/internal/config"
	"github.com/lumacast/lumacast/hub/internal/gateway"
	"github.com/lumacast/lumacast/hub/internal/handshake"
	"github.com/lumacast/lumacast/hub/internal/kv"
	"github.com/lumacast/lumacast/hub/internal/metrics"
	"github.com/lumacast/lumacast/hub/internal/room"
	"github.com/lumacast/lumacast/hub/internal/router"
)

// Hub is the main hub process.
type Hub struct {
	cfg       *config.Config
	version   string
	cache     kv.Cache
	gateway   gateway.Authorizer
	handshake *handshake.Service
	rooms     *room.Registry
	router    *router.Router
	api       *api.Server
	logger    *zap.Logger

	// stop ends background work owned by components, such as JWKS refresh.
	stop context.CancelFunc
}

// New creates a new hub from configuration.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Hub, error) {
	// Shared cache: challenges, sessions, usage counters.
	backend, err := kv.Open(cfg.Cache.URI)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	cache := kv.WithPrefix(backend, cfg.Cache.Prefix)

	identity, err := handshake.LoadIdentityKey(cfg.Handshake.IdentityKey, cfg.Handshake.IdentityKeyFile)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		gatherer = reg
	}

	ctx, stop := context.WithCancel(context.Background())
	gw, err := gateway.New(ctx, cfg.Gateway, version, logger, m)
	if err != nil {
		stop()
		_ = cache.Close()
		return nil, fmt.Errorf("init gateway: %w", err)
	}

	hs := handshake.NewService(cache, identity, logger, handshake.Options{
		ChallengeTTL:  cfg.Handshake.ChallengeTTL,
		SessionTTL:    cfg.Handshake.SessionTTL,
		ReplayPast:    cfg.Handshake.ReplayPast,
		ReplayFuture:  cfg.Handshake.ReplayFuture,
		BundleIDs:     cfg.Handshake.BundleIDs,
		LatestVersion: cfg.Handshake.LatestVersion,
		DownloadURL:   cfg.Handshake.DownloadURL,
		Metrics:       m,
	})

	rooms := room.NewRegistry(room.Options{
		AudienceLimit:  cfg.Room.AudienceLimit,
		SweepInterval:  cfg.Room.SweepInterval,
		BroadcastDelay: cfg.Room.BroadcastDelay,
		TrialMaxStay:   cfg.Room.TrialMaxStay,
		TrialMaxUsage:  cfg.Room.TrialMaxUsage,
		UsageTTL:       cfg.Room.UsageTTL,
		Gateway:        gw,
		Usage:          cache,
		Logger:         logger,
		Metrics:        m,
	})

	rt := router.New(hs, rooms, gw, logger, router.Options{
		AllowedOrigins:        cfg.Server.AllowedOrigins,
		MaxMessageBytes:       cfg.Server.MaxMessageBytes,
		PingInterval:          cfg.Server.PingInterval,
		IdleTimeout:           cfg.Server.IdleTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		CommandTimeout:        cfg.Server.CommandTimeout,
		JoinFailureCloseDelay: cfg.Server.JoinFailureCloseDelay,
		MaxConnsPerPeer:       cfg.Server.MaxConnsPerPeer,
		RequireLogin:          cfg.Gateway.RequireLogin,
		Metrics:               m,
	})

	apiSrv := api.NewServer(hs, rt, cache, gatherer, cfg, logger)

	h := &Hub{
		cfg:       cfg,
		version:   version,
		cache:     cache,
		gateway:   gw,
		handshake: hs,
		rooms:     rooms,
		router:    rt,
		api:       apiSrv,
		logger:    logger.With(zap.String("component", "hub")),
		stop:      stop,
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			h.logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.Gateway.Provider == "static" && cfg.Gateway.StaticActive {
		h.logger.Warn("static gateway admits every join as activated, do not use in production")
	}

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	launchCtx, cancel := context.WithTimeout(ctx, h.cfg.Gateway.Timeout)
	if err := h.gateway.Launch(launchCtx); err != nil {
		h.logger.Warn("launch notification failed", zap.Error(err))
	}
	cancel()

	h.api.StartBackgroundTasks(ctx)

	if p, ok := h.cache.(kv.Purger); ok && h.cfg.Cache.PurgeInterval > 0 {
		go h.runPurger(ctx, p, h.cfg.Cache.PurgeInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", zap.String("addr", h.cfg.Server.Addr))
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without transport encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown.
		h.router.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", zap.Error(err))
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.Close(shutdownCtx)
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.Close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases the registry and the cache.
func (h *Hub) Close(ctx context.Context) {
	h.rooms.Close(ctx)
	h.stop()
	h.logger.Info("closing cache")
	if err := h.cache.Close(); err != nil {
		h.logger.Warn("close cache", zap.Error(err))
	}
}

func (h *Hub) runPurger(ctx context.Context, p kv.Purger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.Purge(ctx); err != nil {
				h.logger.Warn("cache purge failed", zap.Error(err))
			} else if n > 0 {
				h.logger.Debug("cache purge: deleted expired entries", zap.Int64("count", n))
			}
		}
	}
}
