// Package handshake negotiates encrypted sessions with devices and opens the
// protected frames they send afterwards.
//
// A device fetches a single-use challenge, then sends a negotiate envelope
// encrypted to the hub's identity key. The hub answers with its own ephemeral
// key, encrypted under the new session, and persists the session record in
// the shared cache so any hub instance can resume it.
package handshake

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lumacast/lumacast/hub/internal/kv"
	"github.com/lumacast/lumacast/hub/internal/metrics"
	"github.com/lumacast/lumacast/pkg/protocol"
	"github.com/lumacast/lumacast/pkg/secure"
)

// State is a device's handshake state as seen by the hub.
type State string

const (
	StateUnnegotiated State = "unnegotiated"
	StateNegotiating  State = "negotiating"
	StateEstablished  State = "established"
)

// Handshake failures reported to devices.
var (
	ErrUnknownApplication = &protocol.Error{Code: protocol.CodeDenied, Message: "unrecognized application"}
	ErrAttestationFailed  = &protocol.Error{Code: protocol.CodeDenied, Message: "attestation failed"}
	ErrStaleFrame         = &protocol.Error{Code: protocol.CodeValidation, Message: "timestamp outside replay window"}
	errMalformed          = &protocol.Error{Code: protocol.CodeValidation, Message: "malformed envelope"}
)

// Attestor checks a device's platform attestation during negotiate. Its
// verdict is opaque to the hub: any error rejects the handshake.
type Attestor interface {
	Attest(ctx context.Context, peerID string, req *protocol.NegotiateRequest) error
}

// AttestorFunc adapts a function to Attestor.
type AttestorFunc func(ctx context.Context, peerID string, req *protocol.NegotiateRequest) error

func (f AttestorFunc) Attest(ctx context.Context, peerID string, req *protocol.NegotiateRequest) error {
	return f(ctx, peerID, req)
}

// Options tunes the service.
type Options struct {
	ChallengeTTL time.Duration
	SessionTTL   time.Duration
	ReplayPast   time.Duration
	ReplayFuture time.Duration
	// BundleIDs lists the accepted application identifiers. Empty accepts any.
	BundleIDs     []string
	LatestVersion string
	DownloadURL   string
	Attestor      Attestor
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Service runs handshakes and verifies protected frames.
type Service struct {
	identity   *IdentityKey
	challenges *ChallengeStore
	sessions   *SessionStore
	opts       Options
	bundleIDs  map[string]bool
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	inflight inflight
}

// NewService creates a handshake service backed by cache.
func NewService(cache kv.Cache, identity *IdentityKey, logger *zap.Logger, opts Options) *Service {
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 60 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 6 * time.Hour
	}
	if opts.ReplayPast <= 0 {
		opts.ReplayPast = 300 * time.Second
	}
	if opts.ReplayFuture <= 0 {
		opts.ReplayFuture = 60 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bundles := make(map[string]bool, len(opts.BundleIDs))
	for _, id := range opts.BundleIDs {
		bundles[id] = true
	}
	return &Service{
		identity:   identity,
		challenges: NewChallengeStore(cache, opts.ChallengeTTL),
		sessions:   NewSessionStore(cache, opts.SessionTTL),
		opts:       opts,
		bundleIDs:  bundles,
		logger:     logger.With(zap.String("component", "handshake")),
		metrics:    opts.Metrics,
		now:        now,
	}
}

// IdentityPublicKey returns the hub's identity public key.
func (s *Service) IdentityPublicKey() []byte { return s.identity.PublicKey() }

// GenerateChallenge issues a single-use challenge.
func (s *Service) GenerateChallenge(ctx context.Context) (string, error) {
	token, err := s.challenges.Issue(ctx)
	if err != nil {
		s.metrics.RecordHandshake("challenge", "error")
		return "", err
	}
	s.metrics.RecordHandshake("challenge", "ok")
	return token, nil
}

// Negotiate runs the server side of the handshake and returns the reply
// envelope. Checks run in order: body decryption, challenge, application
// identity, attestation. The session record is written only after all of
// them pass.
func (s *Service) Negotiate(ctx context.Context, env *secure.Envelope) (*secure.Envelope, error) {
	out, err := s.negotiate(ctx, env)
	s.metrics.RecordHandshake("negotiate", protocol.ResultFromError(err).Code.String())
	return out, err
}

func (s *Service) negotiate(ctx context.Context, env *secure.Envelope) (*secure.Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, errMalformed
	}
	peerID := env.DeviceUID
	log := s.logger.With(zap.String("peer_id", peerID))

	s.inflight.add(peerID)
	defer s.inflight.done(peerID)

	var hk protocol.HandshakeKey
	if err := secure.PeekPayload(env, &hk); err != nil {
		return nil, errMalformed
	}
	deviceKey, err := secure.ParsePublicKey(hk.PublicKey)
	if err != nil {
		return nil, errMalformed
	}

	idSession, err := s.identity.session(peerID, deviceKey)
	if err != nil {
		log.Debug("identity ecdh failed", zap.Error(err))
		return nil, protocol.ErrSessionExpired
	}
	defer idSession.Close()

	var req protocol.NegotiateRequest
	if err := idSession.Decode(env, &req); err != nil {
		log.Debug("negotiate body rejected", zap.Error(err))
		return nil, protocol.ErrSessionExpired
	}

	if err := s.challenges.Consume(ctx, req.Challenge); err != nil {
		log.Debug("challenge rejected", zap.Error(err))
		return nil, err
	}
	if len(s.bundleIDs) > 0 && !s.bundleIDs[req.BundleID] {
		log.Info("unknown application", zap.String("bundle_id", req.BundleID))
		return nil, ErrUnknownApplication
	}
	if s.opts.Attestor != nil {
		if err := s.opts.Attestor.Attest(ctx, peerID, &req); err != nil {
			log.Info("attestation rejected", zap.Error(err))
			return nil, ErrAttestationFailed
		}
	}

	remote, err := secure.ParsePublicKey(req.PublicKey)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "invalid session key")
	}
	local, err := secure.GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	sess, err := secure.NewSession(peerID, local.Private(), remote)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "invalid session key")
	}
	defer sess.Close()

	now := s.now()
	reply, err := sess.Encode(protocol.NegotiateResponse{
		ApplicationVersion: s.opts.LatestVersion,
		DownloadURL:        s.opts.DownloadURL,
		SessionTTL:         int64(s.opts.SessionTTL / time.Second),
		Timestamp:          protocol.Timestamp(now),
	}, protocol.HandshakeKey{PublicKey: local.PublicBytes()})
	if err != nil {
		return nil, err
	}

	priv := local.PrivateBytes()
	defer secure.Wipe(priv)
	rec := &Record{
		PeerID:          peerID,
		LocalPrivateKey: priv,
		RemotePublicKey: req.PublicKey,
		CreatedAt:       protocol.Timestamp(now),
	}
	if err := s.sessions.Save(ctx, rec); err != nil {
		return nil, err
	}

	log.Info("session negotiated",
		zap.String("bundle_id", req.BundleID),
		zap.String("app_version", req.AppVersion),
		zap.String("platform", req.Platform),
	)
	return reply, nil
}

// Resume loads the established session for peerID.
func (s *Service) Resume(ctx context.Context, peerID string) (*secure.Session, error) {
	rec, err := s.sessions.Load(ctx, peerID)
	if errors.Is(err, errCorruptRecord) {
		s.logger.Warn("dropping unreadable session record", zap.String("peer_id", peerID), zap.Error(err))
		return nil, protocol.ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, protocol.ErrSessionExpired
	}
	sess, err := rec.Session()
	if err != nil {
		return nil, protocol.ErrSessionExpired
	}
	return sess, nil
}

// Verified is an authenticated frame.
type Verified struct {
	PeerID    string
	Session   *secure.Session
	Plaintext []byte
	SentAt    time.Time
}

// Verify resumes the sender's session and opens env.
func (s *Service) Verify(ctx context.Context, env *secure.Envelope) (*Verified, error) {
	if err := env.Validate(); err != nil {
		s.metrics.RecordFrame("malformed")
		return nil, errMalformed
	}
	sess, err := s.Resume(ctx, env.DeviceUID)
	if err != nil {
		s.metrics.RecordFrame("no_session")
		return nil, err
	}
	plaintext, sentAt, err := s.Open(sess, env)
	if err != nil {
		return nil, err
	}
	return &Verified{PeerID: env.DeviceUID, Session: sess, Plaintext: plaintext, SentAt: sentAt}, nil
}

// Open authenticates env under an already resumed session and enforces the
// replay window on the plaintext's timestamp.
func (s *Service) Open(sess *secure.Session, env *secure.Envelope) ([]byte, time.Time, error) {
	plaintext, err := sess.Open(env)
	if err != nil {
		s.metrics.RecordFrame("invalid")
		return nil, time.Time{}, protocol.ErrSessionExpired
	}
	var frame struct {
		Timestamp int64 `cbor:"timestamp"`
	}
	if err := secure.Unmarshal(plaintext, &frame); err != nil {
		s.metrics.RecordFrame("invalid")
		return nil, time.Time{}, protocol.ErrSessionExpired
	}
	sentAt := time.UnixMilli(frame.Timestamp)
	now := s.now()
	if sentAt.Before(now.Add(-s.opts.ReplayPast)) || sentAt.After(now.Add(s.opts.ReplayFuture)) {
		s.metrics.RecordFrame("stale")
		return nil, time.Time{}, ErrStaleFrame
	}
	s.metrics.RecordFrame("ok")
	return plaintext, sentAt, nil
}

// State reports the handshake state of peerID.
func (s *Service) State(ctx context.Context, peerID string) (State, error) {
	if s.inflight.has(peerID) {
		return StateNegotiating, nil
	}
	rec, err := s.sessions.Load(ctx, peerID)
	if err != nil && !errors.Is(err, errCorruptRecord) {
		return "", err
	}
	if rec == nil {
		return StateUnnegotiated, nil
	}
	return StateEstablished, nil
}

// Revoke deletes the session of peerID.
func (s *Service) Revoke(ctx context.Context, peerID string) error {
	return s.sessions.Delete(ctx, peerID)
}
