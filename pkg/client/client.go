// Package client is the Go peer SDK for a lumacast hub: it negotiates an
// encrypted session over HTTP and exchanges commands and room events over
// WebSocket.
package client

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lumacast/lumacast/pkg/protocol"
	"github.com/lumacast/lumacast/pkg/secure"
)

// HTTP endpoints served by the hub.
const (
	ChallengePath = "/api/handshake/challenge"
	NegotiatePath = "/api/handshake/negotiate"
	PingPath      = "/api/session/ping"
	WebSocketPath = "/ws"
)

// ErrNoSession is returned by calls that need a negotiated session.
var ErrNoSession = errors.New("client: no session, call Negotiate first")

// Options configures a Client.
type Options struct {
	// BaseURL is the hub's HTTP base, e.g. https://hub.example.com.
	BaseURL   string
	DeviceUID string
	// IdentityPublicKey is the hub's published identity key (65-byte P-256 point).
	IdentityPublicKey []byte
	BundleID          string
	AppVersion        string
	Platform          string
	Attestation       []byte
	HTTPClient        *http.Client
	Now               func() time.Time
}

// Client talks to one hub on behalf of one device.
type Client struct {
	opts     Options
	base     string
	identity *ecdh.PublicKey
	http     *http.Client
	now      func() time.Time

	mu      sync.Mutex
	session *secure.Session
}

// New validates opts and creates a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	if opts.DeviceUID == "" {
		return nil, errors.New("client: device UID is required")
	}
	identity, err := secure.ParsePublicKey(opts.IdentityPublicKey)
	if err != nil {
		return nil, fmt.Errorf("client: identity key: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		opts:     opts,
		base:     strings.TrimRight(opts.BaseURL, "/"),
		identity: identity,
		http:     httpClient,
		now:      now,
	}, nil
}

// NegotiateResult describes an established session.
type NegotiateResult struct {
	ApplicationVersion string
	DownloadURL        string
	SessionTTL         time.Duration
	ServerTime         time.Time
}

// Challenge fetches a single-use challenge.
func (c *Client) Challenge(ctx context.Context) (string, error) {
	var out protocol.Challenge
	if err := c.post(ctx, ChallengePath, nil, &out); err != nil {
		return "", err
	}
	return out.Challenge, nil
}

// Negotiate fetches a challenge and establishes a session with it.
func (c *Client) Negotiate(ctx context.Context) (*NegotiateResult, error) {
	challenge, err := c.Challenge(ctx)
	if err != nil {
		return nil, err
	}
	return c.NegotiateWithChallenge(ctx, challenge)
}

// NegotiateWithChallenge establishes a session using challenge. On success
// the new session replaces any previous one.
func (c *Client) NegotiateWithChallenge(ctx context.Context, challenge string) (*NegotiateResult, error) {
	handshakeKey, err := secure.GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	bootstrap, err := secure.NewSession(c.opts.DeviceUID, handshakeKey.Private(), c.identity)
	if err != nil {
		return nil, err
	}
	defer bootstrap.Close()

	ephemeral, err := secure.GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	req, err := bootstrap.Encode(protocol.NegotiateRequest{
		Challenge:   challenge,
		PublicKey:   ephemeral.PublicBytes(),
		BundleID:    c.opts.BundleID,
		AppVersion:  c.opts.AppVersion,
		Platform:    c.opts.Platform,
		Attestation: c.opts.Attestation,
		Timestamp:   protocol.Timestamp(c.now()),
	}, protocol.HandshakeKey{PublicKey: handshakeKey.PublicBytes()})
	if err != nil {
		return nil, err
	}

	var reply secure.Envelope
	if err := c.post(ctx, NegotiatePath, req, &reply); err != nil {
		return nil, err
	}

	var hk protocol.HandshakeKey
	if err := secure.PeekPayload(&reply, &hk); err != nil {
		return nil, fmt.Errorf("client: negotiate reply: %w", err)
	}
	serverKey, err := secure.ParsePublicKey(hk.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("client: negotiate reply: %w", err)
	}
	sess, err := secure.NewSession(c.opts.DeviceUID, ephemeral.Private(), serverKey)
	if err != nil {
		return nil, err
	}
	var resp protocol.NegotiateResponse
	if err := sess.Decode(&reply, &resp); err != nil {
		sess.Close()
		return nil, fmt.Errorf("client: negotiate reply: %w", err)
	}

	c.mu.Lock()
	if c.session != nil {
		c.session.Close()
	}
	c.session = sess
	c.mu.Unlock()

	return &NegotiateResult{
		ApplicationVersion: resp.ApplicationVersion,
		DownloadURL:        resp.DownloadURL,
		SessionTTL:         time.Duration(resp.SessionTTL) * time.Second,
		ServerTime:         time.UnixMilli(resp.Timestamp),
	}, nil
}

// Session returns the current session, or nil before Negotiate.
func (c *Client) Session() *secure.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Ping checks the session over HTTP and returns the hub's clock.
func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	sess := c.Session()
	if sess == nil {
		return time.Time{}, ErrNoSession
	}
	req, err := sess.Encode(protocol.Ping{Timestamp: protocol.Timestamp(c.now())}, nil)
	if err != nil {
		return time.Time{}, err
	}
	var reply secure.Envelope
	if err := c.post(ctx, PingPath, req, &reply); err != nil {
		return time.Time{}, err
	}
	var pong protocol.Pong
	if err := sess.Decode(&reply, &pong); err != nil {
		return time.Time{}, fmt.Errorf("client: ping reply: %w", err)
	}
	return time.UnixMilli(pong.ServerTime), nil
}

// Close forgets the session.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

type apiResult struct {
	Code    protocol.Code   `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// HTTPError is a hub response that did not carry a result body.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string { return "client: hub returned " + e.Status }

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body := io.Reader(http.NoBody)
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var res apiResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		if resp.StatusCode/100 != 2 {
			return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	if res.Code != protocol.CodeOK {
		return &protocol.Error{Code: res.Code, Message: res.Message}
	}
	if out != nil {
		if len(res.Data) == 0 {
			return fmt.Errorf("client: %s returned no data", path)
		}
		return json.Unmarshal(res.Data, out)
	}
	return nil
}
