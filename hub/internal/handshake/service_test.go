package handshake

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/lumacast/lumacast/hub/internal/kv"
	"github.com/lumacast/lumacast/pkg/protocol"
	"github.com/lumacast/lumacast/pkg/secure"
)

const testBundle = "app.lumacast.test"

type testDevice struct {
	id       string
	identity []byte
	eph      *secure.KeyPair
}

func newTestService(t *testing.T, opts Options) (*Service, kv.Cache) {
	t.Helper()
	priv, _, err := GenerateIdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	identity, err := LoadIdentityKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	cache := kv.NewMemory(0)
	if opts.BundleIDs == nil {
		opts.BundleIDs = []string{testBundle}
	}
	return NewService(cache, identity, zaptest.NewLogger(t), opts), cache
}

// negotiateEnvelope builds a device's negotiate request.
func (d *testDevice) negotiateEnvelope(t *testing.T, challenge, bundle string) *secure.Envelope {
	t.Helper()
	hsKey, err := secure.GenerateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}
	idPub, err := secure.ParsePublicKey(d.identity)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := secure.NewSession(d.id, hsKey.Private(), idPub)
	if err != nil {
		t.Fatal(err)
	}
	d.eph, err = secure.GenerateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}
	env, err := sess.Encode(protocol.NegotiateRequest{
		Challenge:  challenge,
		PublicKey:  d.eph.PublicBytes(),
		BundleID:   bundle,
		AppVersion: "1.0.0",
		Platform:   "ios",
		Timestamp:  protocol.Timestamp(time.Now()),
	}, protocol.HandshakeKey{PublicKey: hsKey.PublicBytes()})
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// finish completes the device side from the hub's reply.
func (d *testDevice) finish(t *testing.T, reply *secure.Envelope) (*secure.Session, protocol.NegotiateResponse) {
	t.Helper()
	var hk protocol.HandshakeKey
	if err := secure.PeekPayload(reply, &hk); err != nil {
		t.Fatal(err)
	}
	serverPub, err := secure.ParsePublicKey(hk.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := secure.NewSession(d.id, d.eph.Private(), serverPub)
	if err != nil {
		t.Fatal(err)
	}
	var resp protocol.NegotiateResponse
	if err := sess.Decode(reply, &resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return sess, resp
}

func establish(t *testing.T, svc *Service, id string) *secure.Session {
	t.Helper()
	ctx := context.Background()
	dev := &testDevice{id: id, identity: svc.IdentityPublicKey()}
	ch, err := svc.GenerateChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := svc.Negotiate(ctx, dev.negotiateEnvelope(t, ch, testBundle))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	sess, _ := dev.finish(t, reply)
	return sess
}

func TestNegotiateHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{LatestVersion: "2.0.0", DownloadURL: "https://example.com/app", SessionTTL: time.Hour})
	dev := &testDevice{id: "dev-1", identity: svc.IdentityPublicKey()}

	if st, _ := svc.State(ctx, "dev-1"); st != StateUnnegotiated {
		t.Errorf("state before: got %q, want %q", st, StateUnnegotiated)
	}

	ch, err := svc.GenerateChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := svc.Negotiate(ctx, dev.negotiateEnvelope(t, ch, testBundle))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	sess, resp := dev.finish(t, reply)
	if resp.ApplicationVersion != "2.0.0" || resp.DownloadURL != "https://example.com/app" {
		t.Errorf("reply: got %+v", resp)
	}
	if resp.SessionTTL != 3600 {
		t.Errorf("sessionTTL: got %d, want 3600", resp.SessionTTL)
	}

	if st, _ := svc.State(ctx, "dev-1"); st != StateEstablished {
		t.Errorf("state after: got %q, want %q", st, StateEstablished)
	}

	env, err := sess.Encode(protocol.Ping{Timestamp: protocol.Timestamp(time.Now())}, nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := svc.Verify(ctx, env)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.PeerID != "dev-1" {
		t.Errorf("peer: got %q, want %q", v.PeerID, "dev-1")
	}
}

func TestNegotiateRejectsReusedChallenge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	dev := &testDevice{id: "dev-1", identity: svc.IdentityPublicKey()}

	ch, _ := svc.GenerateChallenge(ctx)
	if _, err := svc.Negotiate(ctx, dev.negotiateEnvelope(t, ch, testBundle)); err != nil {
		t.Fatalf("first negotiate: %v", err)
	}
	_, err := svc.Negotiate(ctx, dev.negotiateEnvelope(t, ch, testBundle))
	if !errors.Is(err, protocol.ErrChallengeInvalid) {
		t.Errorf("got %v, want ErrChallengeInvalid", err)
	}
}

func TestNegotiateUnknownChallenge(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	dev := &testDevice{id: "dev-1", identity: svc.IdentityPublicKey()}

	_, err := svc.Negotiate(context.Background(), dev.negotiateEnvelope(t, "never-issued", testBundle))
	if code := protocol.ResultFromError(err).Code; code != protocol.CodeChallengeInvalid {
		t.Errorf("code: got %v, want %v", code, protocol.CodeChallengeInvalid)
	}
}

func TestNegotiateConcurrentChallengeUse(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	ch, _ := svc.GenerateChallenge(ctx)

	envs := make([]*secure.Envelope, 8)
	for i := range envs {
		dev := &testDevice{id: "dev-race", identity: svc.IdentityPublicKey()}
		envs[i] = dev.negotiateEnvelope(t, ch, testBundle)
	}

	var ok atomic.Int32
	var wg sync.WaitGroup
	for _, env := range envs {
		wg.Add(1)
		go func(env *secure.Envelope) {
			defer wg.Done()
			if _, err := svc.Negotiate(ctx, env); err == nil {
				ok.Add(1)
			}
		}(env)
	}
	wg.Wait()
	if got := ok.Load(); got != 1 {
		t.Errorf("successful negotiations: got %d, want 1", got)
	}
}

func TestNegotiateUnknownBundleCommitsNothing(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	dev := &testDevice{id: "dev-1", identity: svc.IdentityPublicKey()}

	ch, _ := svc.GenerateChallenge(ctx)
	_, err := svc.Negotiate(ctx, dev.negotiateEnvelope(t, ch, "com.evil.clone"))
	if !errors.Is(err, ErrUnknownApplication) {
		t.Fatalf("got %v, want ErrUnknownApplication", err)
	}
	if st, _ := svc.State(ctx, "dev-1"); st != StateUnnegotiated {
		t.Errorf("state: got %q, want %q", st, StateUnnegotiated)
	}
	if _, err := svc.Resume(ctx, "dev-1"); !errors.Is(err, protocol.ErrSessionExpired) {
		t.Errorf("resume: got %v, want ErrSessionExpired", err)
	}
}

func TestNegotiateAttestation(t *testing.T) {
	ctx := context.Background()
	var seen string
	svc, _ := newTestService(t, Options{
		Attestor: AttestorFunc(func(_ context.Context, peerID string, req *protocol.NegotiateRequest) error {
			seen = peerID
			if req.Platform != "ios" {
				return errors.New("unsupported platform")
			}
			if peerID == "dev-bad" {
				return errors.New("attestation mismatch")
			}
			return nil
		}),
	})

	establish(t, svc, "dev-good")
	if seen != "dev-good" {
		t.Errorf("attestor peer: got %q, want %q", seen, "dev-good")
	}

	dev := &testDevice{id: "dev-bad", identity: svc.IdentityPublicKey()}
	ch, _ := svc.GenerateChallenge(ctx)
	if _, err := svc.Negotiate(ctx, dev.negotiateEnvelope(t, ch, testBundle)); !errors.Is(err, ErrAttestationFailed) {
		t.Errorf("got %v, want ErrAttestationFailed", err)
	}
	if st, _ := svc.State(ctx, "dev-bad"); st != StateUnnegotiated {
		t.Errorf("state: got %q, want %q", st, StateUnnegotiated)
	}
}

func TestNegotiateWrongIdentityKey(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	other, _ := secure.GenerateKeyPair(nil)
	dev := &testDevice{id: "dev-1", identity: other.PublicBytes()}

	ch, _ := svc.GenerateChallenge(ctx)
	_, err := svc.Negotiate(ctx, dev.negotiateEnvelope(t, ch, testBundle))
	if !errors.Is(err, protocol.ErrSessionExpired) {
		t.Errorf("got %v, want ErrSessionExpired", err)
	}
}

func TestNegotiateMalformed(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	tests := []*secure.Envelope{
		nil,
		{DeviceUID: "dev-1"},
		{DeviceUID: "dev-1", Nonce: make([]byte, secure.NonceSize), Tag: make([]byte, secure.TagSize)},
	}
	for i, env := range tests {
		_, err := svc.Negotiate(context.Background(), env)
		if code := protocol.ResultFromError(err).Code; code != protocol.CodeValidation {
			t.Errorf("case %d: code %v, want %v", i, code, protocol.CodeValidation)
		}
	}
}

func TestVerifyReplayWindow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	sess := establish(t, svc, "dev-1")
	now := time.Now()

	tests := []struct {
		name   string
		sentAt time.Time
		want   error
	}{
		{"fresh", now, nil},
		{"slightly old", now.Add(-4 * time.Minute), nil},
		{"too old", now.Add(-6 * time.Minute), ErrStaleFrame},
		{"slightly ahead", now.Add(30 * time.Second), nil},
		{"too far ahead", now.Add(2 * time.Minute), ErrStaleFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := sess.Encode(protocol.Ping{Timestamp: protocol.Timestamp(tt.sentAt)}, nil)
			if err != nil {
				t.Fatal(err)
			}
			_, err = svc.Verify(ctx, env)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyTamperedFrame(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	sess := establish(t, svc, "dev-1")

	env, _ := sess.Encode(protocol.Ping{Timestamp: protocol.Timestamp(time.Now())}, nil)
	env.Tag[0] ^= 0xff
	if _, err := svc.Verify(ctx, env); !errors.Is(err, protocol.ErrSessionExpired) {
		t.Errorf("got %v, want ErrSessionExpired", err)
	}
}

func TestVerifyWithoutSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	sess := establish(t, svc, "dev-1")

	if err := svc.Revoke(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	env, _ := sess.Encode(protocol.Ping{Timestamp: protocol.Timestamp(time.Now())}, nil)
	if _, err := svc.Verify(ctx, env); !errors.Is(err, protocol.ErrSessionExpired) {
		t.Errorf("got %v, want ErrSessionExpired", err)
	}
}

func TestResumeCorruptRecord(t *testing.T) {
	ctx := context.Background()
	svc, cache := newTestService(t, Options{})
	if err := cache.Set(ctx, sessionPrefix+"dev-1", []byte{0xff, 0x00}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resume(ctx, "dev-1"); !errors.Is(err, protocol.ErrSessionExpired) {
		t.Errorf("got %v, want ErrSessionExpired", err)
	}
}

func TestRenegotiateReplacesSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	old := establish(t, svc, "dev-1")
	fresh := establish(t, svc, "dev-1")

	env, _ := old.Encode(protocol.Ping{Timestamp: protocol.Timestamp(time.Now())}, nil)
	if _, err := svc.Verify(ctx, env); !errors.Is(err, protocol.ErrSessionExpired) {
		t.Errorf("old session: got %v, want ErrSessionExpired", err)
	}
	env, _ = fresh.Encode(protocol.Ping{Timestamp: protocol.Timestamp(time.Now())}, nil)
	if _, err := svc.Verify(ctx, env); err != nil {
		t.Errorf("new session: %v", err)
	}
}

func TestChallengeExpires(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{ChallengeTTL: 20 * time.Millisecond})
	dev := &testDevice{id: "dev-1", identity: svc.IdentityPublicKey()}

	ch, _ := svc.GenerateChallenge(ctx)
	time.Sleep(60 * time.Millisecond)
	if _, err := svc.Negotiate(ctx, dev.negotiateEnvelope(t, ch, testBundle)); !errors.Is(err, protocol.ErrChallengeInvalid) {
		t.Errorf("got %v, want ErrChallengeInvalid", err)
	}
}

func TestLoadIdentityKeyFromFile(t *testing.T) {
	priv, pub, err := GenerateIdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "identity.key")
	if err := os.WriteFile(path, []byte(priv+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	key, err := LoadIdentityKey("", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := base64.StdEncoding.EncodeToString(key.PublicKey()); got != pub {
		t.Errorf("public key: got %s, want %s", got, pub)
	}

	if _, err := LoadIdentityKey("", ""); err == nil {
		t.Error("expected error with no key configured")
	}
	if _, err := LoadIdentityKey("!!!", ""); err == nil {
		t.Error("expected error for bad base64")
	}
}
