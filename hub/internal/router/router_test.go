package router_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/lumacast/lumacast/hub/internal/api"
	"github.com/lumacast/lumacast/hub/internal/config"
	"github.com/lumacast/lumacast/hub/internal/gateway"
	"github.com/lumacast/lumacast/hub/internal/handshake"
	"github.com/lumacast/lumacast/hub/internal/kv"
	"github.com/lumacast/lumacast/hub/internal/room"
	"github.com/lumacast/lumacast/hub/internal/router"
	"github.com/lumacast/lumacast/pkg/client"
	"github.com/lumacast/lumacast/pkg/protocol"
	"github.com/lumacast/lumacast/pkg/secure"
)

const testBundle = "app.lumacast.test"

// denyingGateway refuses joins to rooms named "locked".
type denyingGateway struct {
	gateway.Static
}

func (g *denyingGateway) Join(ctx context.Context, m gateway.Membership) (*gateway.JoinResult, error) {
	if m.Room == "locked" {
		return nil, &gateway.DeniedError{Op: "join", Message: "no license for this room"}
	}
	return &gateway.JoinResult{IsActive: true}, nil
}

func (g *denyingGateway) Authenticate(ctx context.Context, token string) (*gateway.Identity, error) {
	if token == "bad" {
		return nil, &gateway.DeniedError{Op: "auth", Message: "token revoked"}
	}
	return &gateway.Identity{Subject: "user-" + token}, nil
}

type testHub struct {
	srv      *httptest.Server
	rooms    *room.Registry
	router   *router.Router
	identity []byte
}

func newTestHub(t *testing.T, mutate func(*router.Options)) *testHub {
	t.Helper()
	priv, _, err := handshake.GenerateIdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	identity, err := handshake.LoadIdentityKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Handshake.IdentityKey = priv
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000}

	logger := zaptest.NewLogger(t)
	cache := kv.NewMemory(0)
	gw := &denyingGateway{}
	hs := handshake.NewService(cache, identity, logger, handshake.Options{BundleIDs: []string{testBundle}})
	rooms := room.NewRegistry(room.Options{
		BroadcastDelay: 10 * time.Millisecond,
		Gateway:        gw,
		Usage:          cache,
		Logger:         logger,
	})

	opts := router.Options{JoinFailureCloseDelay: 50 * time.Millisecond}
	if mutate != nil {
		mutate(&opts)
	}
	rt := router.New(hs, rooms, gw, logger, opts)
	srv := httptest.NewServer(api.NewServer(hs, rt, cache, nil, cfg, logger).Handler())
	t.Cleanup(func() {
		rt.Close()
		srv.Close()
		rooms.Close(context.Background())
	})
	return &testHub{srv: srv, rooms: rooms, router: rt, identity: identity.PublicKey()}
}

func (h *testHub) newClient(t *testing.T, deviceUID string) *client.Client {
	t.Helper()
	c, err := client.New(client.Options{
		BaseURL:           h.srv.URL,
		DeviceUID:         deviceUID,
		IdentityPublicKey: h.identity,
		BundleID:          testBundle,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

// connect negotiates a session for deviceUID and opens a WebSocket.
func (h *testHub) connect(t *testing.T, deviceUID string) *client.Conn {
	t.Helper()
	c := h.newClient(t, deviceUID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Negotiate(ctx); err != nil {
		t.Fatalf("negotiate %s: %v", deviceUID, err)
	}
	conn, err := c.Dial(ctx)
	if err != nil {
		t.Fatalf("dial %s: %v", deviceUID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func login(t *testing.T, conn *client.Conn, token string) {
	t.Helper()
	if _, err := conn.Login(testCtx(t), token, "camera", ""); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func join(t *testing.T, conn *client.Conn, name string, role protocol.Role) *protocol.Joined {
	t.Helper()
	j, err := conn.Join(testCtx(t), name, role)
	if err != nil {
		t.Fatalf("join %s as %s: %v", name, role, err)
	}
	return j
}

// waitEvent reads broadcasts until match returns true.
func waitEvent(t *testing.T, conn *client.Conn, what string, match func(*protocol.Broadcast) bool) *protocol.Broadcast {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case b, ok := <-conn.Events():
			if !ok {
				t.Fatalf("connection closed while waiting for %s", what)
			}
			if match(b) {
				return b
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func isKickout(b *protocol.Broadcast) bool {
	_, ok := b.Event.(protocol.Kickout)
	return ok
}

func waitClosed(t *testing.T, conn *client.Conn) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection still open")
	}
}

func TestJoinAndPublish(t *testing.T) {
	h := newTestHub(t, nil)
	anchor := h.connect(t, "cam-1")
	viewer := h.connect(t, "phone-1")
	login(t, anchor, "alice")
	login(t, viewer, "bob")

	j := join(t, anchor, "living-room", protocol.RoleAnchor)
	if j.Room != "living-room" || j.Role != protocol.RoleAnchor || j.ClientID == "" {
		t.Fatalf("joined = %+v", j)
	}
	if j.MaxStay != 0 {
		t.Errorf("MaxStay = %d, want 0 for an activated member", j.MaxStay)
	}
	join(t, viewer, "living-room", protocol.RoleAudience)

	n, err := anchor.Publish(testCtx(t), "living-room", map[string]any{"frame": 7})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}

	// The message and the two-member list may arrive in either order.
	var data map[string]any
	var members []protocol.MemberInfo
	waitEvent(t, viewer, "message and member list", func(b *protocol.Broadcast) bool {
		switch ev := b.Event.(type) {
		case protocol.Message:
			if err := secure.Unmarshal(ev.Data, &data); err != nil {
				t.Fatal(err)
			}
		case protocol.Members:
			if len(ev.Members) == 2 {
				members = ev.Members
			}
		}
		return data != nil && members != nil
	})
	if data["frame"] != uint64(7) {
		t.Errorf("message data = %v", data)
	}
	if members[0].Role != protocol.RoleAnchor || members[0].From != "user-alice" {
		t.Errorf("first member = %+v", members[0])
	}
}

func TestAnchorReplacedGetsKickout(t *testing.T) {
	h := newTestHub(t, nil)
	first := h.connect(t, "cam-1")
	second := h.connect(t, "cam-2")
	login(t, first, "alice")
	login(t, second, "alice")

	j := join(t, first, "garage", protocol.RoleAnchor)
	join(t, second, "garage", protocol.RoleAnchor)

	b := waitEvent(t, first, "kickout", isKickout)
	if reason := b.Event.(protocol.Kickout).Reason; reason != protocol.ReasonReplaced {
		t.Errorf("reason = %q, want %q", reason, protocol.ReasonReplaced)
	}
	if b.Room != "garage" {
		t.Errorf("room = %q", b.Room)
	}

	r, ok := h.rooms.Get("garage")
	if !ok {
		t.Fatal("room garage is gone")
	}
	// The kickout is written before the member is removed.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, still := r.Member(j.ClientID); !still {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replaced anchor is still a member")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The evicted connection is no longer a member but stays open.
	_, err := first.Publish(testCtx(t), "garage", "hi")
	if !errors.Is(err, protocol.ErrNotMember) {
		t.Errorf("publish after kickout: err = %v, want ErrNotMember", err)
	}
}

func TestTamperedFrameKeepsConnection(t *testing.T) {
	h := newTestHub(t, nil)
	conn := h.connect(t, "cam-1")

	tests := []struct {
		name  string
		frame []byte
	}{
		{"garbage", []byte("not cbor at all")},
		{"bad tag", tamperedFrame(t)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteFrame(tt.frame); err != nil {
				t.Fatal(err)
			}
			select {
			case resp := <-conn.Unsolicited():
				if resp.RequestID != "" {
					t.Errorf("requestId = %q, want empty", resp.RequestID)
				}
				if !errors.Is(resp.Err(), protocol.ErrSessionExpired) {
					t.Errorf("err = %v, want SessionExpired", resp.Err())
				}
			case <-time.After(3 * time.Second):
				t.Fatal("no response to tampered frame")
			}
		})
	}

	login(t, conn, "alice")
	join(t, conn, "attic", protocol.RoleAnchor)
}

// tamperedFrame is a well-formed envelope whose tag does not authenticate.
func tamperedFrame(t *testing.T) []byte {
	t.Helper()
	a, _ := secure.GenerateKeyPair(nil)
	b, _ := secure.GenerateKeyPair(nil)
	sess, err := secure.NewSession("cam-1", a.Private(), b.Private().PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	env, err := sess.Encode(map[string]any{"timestamp": protocol.Timestamp(time.Now())}, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.Tag[0] ^= 0xff
	frame, err := env.EncodeFrame()
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func TestDialWithoutSession(t *testing.T) {
	h := newTestHub(t, nil)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url+"?"+router.PeerIDParam+"=ghost", nil)
	if err == nil {
		t.Fatal("dial succeeded without a session")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("dial without device id: resp %v err %v, want 400", resp, err)
	}
}

func TestConnectionLimitPerPeer(t *testing.T) {
	h := newTestHub(t, func(o *router.Options) { o.MaxConnsPerPeer = 1 })
	c := h.newClient(t, "cam-1")
	ctx := testCtx(t)
	if _, err := c.Negotiate(ctx); err != nil {
		t.Fatal(err)
	}
	first, err := c.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	_, err = c.Dial(ctx)
	var he *client.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second dial err = %v, want 429", err)
	}
}

func TestJoinFailureClosesConnection(t *testing.T) {
	h := newTestHub(t, nil)
	conn := h.connect(t, "cam-1")
	login(t, conn, "alice")

	_, err := conn.Join(testCtx(t), "locked", protocol.RoleAnchor)
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodeDenied || pe.Message != "no license for this room" {
		t.Fatalf("join err = %v, want AuthorizationDenied from the gateway", err)
	}
	waitClosed(t, conn)

	if r, ok := h.rooms.Get("locked"); ok && r.Len() != 0 {
		t.Errorf("denied join left %d members", r.Len())
	}
}

func TestLoginRequired(t *testing.T) {
	h := newTestHub(t, func(o *router.Options) { o.RequireLogin = true })
	conn := h.connect(t, "cam-1")

	_, err := conn.Join(testCtx(t), "porch", protocol.RoleAnchor)
	if !errors.Is(err, protocol.ErrLoginRequired) {
		t.Fatalf("join before login: err = %v, want ErrLoginRequired", err)
	}
	waitClosed(t, conn)

	conn = h.connect(t, "cam-1")
	if _, err := conn.Login(testCtx(t), "bad", "", ""); err == nil {
		t.Fatal("login with a revoked token succeeded")
	} else {
		var pe *protocol.Error
		if !errors.As(err, &pe) || pe.Code != protocol.CodeDenied {
			t.Fatalf("login err = %v, want AuthorizationDenied", err)
		}
	}
	li, err := conn.Login(testCtx(t), "alice", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if li.Subject != "user-alice" {
		t.Errorf("subject = %q", li.Subject)
	}
	join(t, conn, "porch", protocol.RoleAnchor)
}

func TestCommandsBeforeLogin(t *testing.T) {
	h := newTestHub(t, func(o *router.Options) { o.RequireLogin = true })
	conn := h.connect(t, "cam-1")
	ctx := testCtx(t)

	if _, err := conn.Publish(ctx, "porch", "x"); !errors.Is(err, protocol.ErrLoginRequired) {
		t.Errorf("publish before login: err = %v, want ErrLoginRequired", err)
	}
	if err := conn.Leave(ctx, "porch"); !errors.Is(err, protocol.ErrLoginRequired) {
		t.Errorf("leave before login: err = %v, want ErrLoginRequired", err)
	}

	select {
	case <-conn.Done():
		t.Fatalf("connection closed after a refused publish: %v", conn.Err())
	default:
	}
	login(t, conn, "alice")
	join(t, conn, "porch", protocol.RoleAnchor)
}

func TestLeaveAndUnknownRoom(t *testing.T) {
	h := newTestHub(t, nil)
	anchor := h.connect(t, "cam-1")
	viewer := h.connect(t, "phone-1")
	ctx := testCtx(t)

	if _, err := anchor.Publish(ctx, "nowhere", "x"); !errors.Is(err, protocol.ErrRoomNotFound) {
		t.Errorf("publish to unknown room: err = %v, want ErrRoomNotFound", err)
	}

	join(t, anchor, "den", protocol.RoleAnchor)
	join(t, viewer, "den", protocol.RoleAudience)

	if err := viewer.Leave(ctx, "den"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := viewer.Leave(ctx, "den"); !errors.Is(err, protocol.ErrNotMember) {
		t.Errorf("second leave: err = %v, want ErrNotMember", err)
	}
	n, err := anchor.Publish(ctx, "den", "anyone?")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("delivered = %d, want 0 after the audience left", n)
	}
}

func TestDisconnectUnwindsMembership(t *testing.T) {
	h := newTestHub(t, nil)
	anchor := h.connect(t, "cam-1")
	viewer := h.connect(t, "phone-1")

	join(t, anchor, "hall", protocol.RoleAnchor)
	join(t, viewer, "hall", protocol.RoleAudience)

	_ = viewer.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		r, ok := h.rooms.Get("hall")
		if ok && r.Len() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("viewer still a member after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for h.router.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("router holds %d connections, want 1", h.router.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRouterCloseSendsGoingAway(t *testing.T) {
	h := newTestHub(t, nil)
	conn := h.connect(t, "cam-1")
	h.router.Close()
	waitClosed(t, conn)

	var ce *websocket.CloseError
	if !errors.As(conn.Err(), &ce) || ce.Code != websocket.CloseGoingAway {
		t.Errorf("close err = %v, want going away", conn.Err())
	}
}
