package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lumacast/lumacast/hub/internal/config"
	"github.com/lumacast/lumacast/hub/internal/metrics"
)

// New creates an Authorizer based on configuration. Background work such as
// JWKS refresh stops when ctx is cancelled.
func New(ctx context.Context, cfg config.GatewayConfig, version string, logger *zap.Logger, m *metrics.Metrics) (Authorizer, error) {
	var tokens *TokenVerifier
	switch {
	case cfg.JWTSecret != "":
		tokens = NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	case cfg.JWKSURL != "":
		v, err := NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		tokens = v
	}

	switch cfg.Provider {
	case "", "static":
		return &Static{Active: cfg.StaticActive, Tokens: tokens}, nil
	case "webhook":
		return NewWebhook(WebhookOptions{
			URL:     cfg.URL,
			Secret:  cfg.Secret,
			Timeout: cfg.Timeout,
			Version: version,
			Tokens:  tokens,
			Logger:  logger,
			Metrics: m,
		}), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider: %q", cfg.Provider)
	}
}
