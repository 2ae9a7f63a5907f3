package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lumacast/lumacast/hub/internal/metrics"
)

// SecretHeader carries the shared gateway secret on every webhook call.
const SecretHeader = "X-Gateway-Secret"

// maxResponseBytes bounds gateway response bodies.
const maxResponseBytes = 1 << 20

// Webhook is an Authorizer backed by an HTTP service.
type Webhook struct {
	base    string
	secret  string
	version string
	client  *http.Client
	tokens  *TokenVerifier
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// WebhookOptions configures a Webhook.
type WebhookOptions struct {
	URL     string
	Secret  string
	Timeout time.Duration
	// Version is reported in the launch notification.
	Version string
	// Tokens verifies login tokens locally instead of calling /auth.
	Tokens  *TokenVerifier
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// NewWebhook creates a webhook authorizer.
func NewWebhook(opts WebhookOptions) *Webhook {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		base:    strings.TrimRight(opts.URL, "/"),
		secret:  opts.Secret,
		version: opts.Version,
		client:  &http.Client{Timeout: timeout},
		tokens:  opts.Tokens,
		logger:  logger.With(zap.String("component", "gateway")),
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type authResponse struct {
	Subject string `json:"subject"`
	Name    string `json:"name,omitempty"`
}

// Authenticate verifies a login token.
func (w *Webhook) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if w.tokens != nil {
		id, err := w.tokens.Verify(ctx, token)
		if err != nil {
			w.metrics.RecordGatewayCall("auth", "denied")
			return nil, &DeniedError{Op: "auth", Message: "invalid token"}
		}
		w.metrics.RecordGatewayCall("auth", "ok")
		return id, nil
	}

	var out authResponse
	if err := w.post(ctx, "auth", struct {
		Token string `json:"token"`
	}{Token: token}, &out); err != nil {
		return nil, err
	}
	return &Identity{Subject: out.Subject, Name: out.Name}, nil
}

// Join asks whether m may enter its room.
func (w *Webhook) Join(ctx context.Context, m Membership) (*JoinResult, error) {
	var out JoinResult
	if err := w.post(ctx, "join", m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Leave reports a member leaving.
func (w *Webhook) Leave(ctx context.Context, m Membership) error {
	return w.post(ctx, "leave", m, nil)
}

// Launch reports a hub start.
func (w *Webhook) Launch(ctx context.Context) error {
	return w.post(ctx, "launch", struct {
		Version   string `json:"version"`
		StartedAt int64  `json:"startedAt"`
	}{Version: w.version, StartedAt: w.now().UnixMilli()}, nil)
}

func (w *Webhook) post(ctx context.Context, op string, in, out any) error {
	err := w.do(ctx, op, in, out)
	switch {
	case err == nil:
		w.metrics.RecordGatewayCall(op, "ok")
	case errors.Is(err, ErrDenied):
		w.metrics.RecordGatewayCall(op, "denied")
	default:
		w.metrics.RecordGatewayCall(op, "error")
		w.logger.Warn("gateway call failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (w *Webhook) do(ctx context.Context, op string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return fmt.Errorf("gateway %s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.base+"/"+op, buf)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SecretHeader, w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("gateway %s: %s", op, resp.Status)
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&env); err != nil {
		return fmt.Errorf("gateway %s: decode response: %w", op, err)
	}
	if env.Code != 0 {
		return &DeniedError{Op: op, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("gateway %s: decode data: %w", op, err)
		}
	}
	return nil
}
