package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumacast/lumacast/hub/internal/gateway"
	"github.com/lumacast/lumacast/hub/internal/room"
	"github.com/lumacast/lumacast/pkg/protocol"
	"github.com/lumacast/lumacast/pkg/secure"
)

var errConnClosed = errors.New("connection closed")

// conn is one device connection. Frames are read and handled on a single
// goroutine, in arrival order.
type conn struct {
	id      string
	peerID  string
	router  *Router
	ws      *websocket.Conn
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	session *secure.Session

	// writeMu serializes writes and guards closed and session use.
	writeMu sync.Mutex
	closed  bool

	mu       sync.Mutex
	rooms    map[string]*room.Room // nil value: join in flight
	identity *gateway.Identity
	source   string
	from     string

	msgTokens   float64
	msgLastTime time.Time

	closeOnce sync.Once
}

func newConn(r *Router, id, peerID string, ws *websocket.Conn, sess *secure.Session, logger *zap.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		id:      id,
		peerID:  peerID,
		router:  r,
		ws:      ws,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		session: sess,
		rooms:   make(map[string]*room.Room),
	}
}

func (c *conn) ID() string     { return c.id }
func (c *conn) PeerID() string { return c.peerID }

// Send encrypts b under the connection's session and writes it.
func (c *conn) Send(b protocol.Broadcast) error {
	return c.write(b)
}

// Evicted drops room from the joined set after a kickout.
func (c *conn) Evicted(name string) {
	c.mu.Lock()
	delete(c.rooms, name)
	c.mu.Unlock()
}

func (c *conn) write(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errConnClosed
	}
	env, err := c.session.Encode(msg, nil)
	if err != nil {
		return err
	}
	data, err := env.EncodeFrame()
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(c.router.now().Add(c.router.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *conn) respond(requestID string, data any, err error) {
	res := protocol.NewResult(data, err)
	if res.Code == protocol.CodeInternal && err != nil {
		c.logger.Warn("command failed", zap.String("request_id", requestID), zap.Error(err))
	}
	resp := protocol.Response{
		RequestID: requestID,
		Timestamp: protocol.Timestamp(c.router.now()),
		Result:    res,
	}
	if werr := c.write(resp); werr != nil && !errors.Is(werr, errConnClosed) {
		c.logger.Debug("response not delivered", zap.String("request_id", requestID), zap.Error(werr))
	}
}

// serve runs the read loop until the connection fails or is closed, then
// unwinds every room membership.
func (c *conn) serve() {
	opts := c.router.opts
	c.ws.SetReadLimit(opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		c.heartbeat()
		return nil
	})

	go c.keepalive()
	defer c.shutdown()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if !c.allowMessage() {
			c.logger.Debug("message rate limited")
			continue
		}
		c.handleFrame(data)
	}
}

// allowMessage is a per-connection token bucket.
func (c *conn) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.msgLastTime.IsZero() {
		c.msgTokens = burst
		c.msgLastTime = now
	}

	elapsed := now.Sub(c.msgLastTime).Seconds()
	c.msgTokens += elapsed * rate
	if c.msgTokens > burst {
		c.msgTokens = burst
	}
	c.msgLastTime = now

	if c.msgTokens < 1 {
		return false
	}
	c.msgTokens--
	return true
}

// joined returns the rooms the connection is a member of.
func (c *conn) joined() []*room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*room.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// close sends a close frame and tears the socket down. The read loop then
// exits and shutdown runs.
func (c *conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.router.opts.WriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		_ = c.ws.Close()
	})
}

// closeAfter closes the connection once delay has passed.
func (c *conn) closeAfter(delay time.Duration, code int, text string) {
	time.AfterFunc(delay, func() { c.close(code, text) })
}

func (c *conn) shutdown() {
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), c.router.opts.CommandTimeout)
	defer cancel()
	for _, r := range c.joined() {
		r.Disconnect(ctx, c.id)
	}
	c.mu.Lock()
	c.rooms = make(map[string]*room.Room)
	c.mu.Unlock()

	c.writeMu.Lock()
	c.closed = true
	c.session.Close()
	c.writeMu.Unlock()

	c.closeOnce.Do(func() { _ = c.ws.Close() })
}
