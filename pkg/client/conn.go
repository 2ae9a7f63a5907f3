package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lumacast/lumacast/pkg/protocol"
	"github.com/lumacast/lumacast/pkg/secure"
)

// ErrClosed is returned by requests on a closed connection.
var ErrClosed = errors.New("client: connection closed")

const eventBuffer = 256

// Conn is a WebSocket connection to the hub. Requests may be issued from
// several goroutines; responses are matched by requestId.
type Conn struct {
	ws      *websocket.Conn
	session *secure.Session
	now     func() time.Time

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	err     error

	events  chan *protocol.Broadcast
	orphans chan *protocol.Response
	done    chan struct{}
}

// Dial opens a WebSocket connection using the negotiated session.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	sess := c.Session()
	if sess == nil {
		return nil, ErrNoSession
	}
	u, err := url.Parse(c.base + WebSocketPath)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{protocol.Subprotocol, c.opts.DeviceUID},
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("client: dial: %w", protocol.ErrSessionExpired)
			}
			return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	conn := &Conn{
		ws:      ws,
		session: sess,
		now:     c.now,
		pending: make(map[string]chan *protocol.Response),
		events:  make(chan *protocol.Broadcast, eventBuffer),
		orphans: make(chan *protocol.Response, eventBuffer),
		done:    make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

// Events delivers room broadcasts. It is closed when the connection ends.
func (c *Conn) Events() <-chan *protocol.Broadcast { return c.events }

// Unsolicited delivers responses without a requestId, sent for frames the
// hub could not open.
func (c *Conn) Unsolicited() <-chan *protocol.Response { return c.orphans }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Request sends cmd and waits for its response. A response carrying an
// error code is returned as is; use Response.Err to inspect it.
func (c *Conn) Request(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	id := uuid.NewString()
	ch := make(chan *protocol.Response, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := protocol.Request{RequestID: id, Timestamp: protocol.Timestamp(c.now()), Command: cmd}
	env, err := c.session.Encode(req, nil)
	if err != nil {
		return nil, err
	}
	frame, err := env.EncodeFrame()
	if err != nil {
		return nil, err
	}
	if err := c.WriteFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteFrame writes a raw frame.
func (c *Conn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Login authenticates the connection.
func (c *Conn) Login(ctx context.Context, token, source, from string) (*protocol.LoggedIn, error) {
	var out protocol.LoggedIn
	if err := c.call(ctx, protocol.Login{Token: token, Source: source, From: from}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Join enters room with role.
func (c *Conn) Join(ctx context.Context, room string, role protocol.Role) (*protocol.Joined, error) {
	var out protocol.Joined
	if err := c.call(ctx, protocol.Join{Room: room, Role: role}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Leave exits room.
func (c *Conn) Leave(ctx context.Context, room string) error {
	return c.call(ctx, protocol.Leave{Room: room}, nil)
}

// Publish sends data to the counterpart role in room and returns how many
// members received it.
func (c *Conn) Publish(ctx context.Context, room string, data any) (int, error) {
	raw, err := secure.Marshal(data)
	if err != nil {
		return 0, err
	}
	var out protocol.Published
	if err := c.call(ctx, protocol.Publish{Room: room, Data: cbor.RawMessage(raw)}, &out); err != nil {
		return 0, err
	}
	return out.Delivered, nil
}

func (c *Conn) call(ctx context.Context, cmd protocol.Command, out any) error {
	resp, err := c.Request(ctx, cmd)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.DecodeData(out)
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		close(c.events)
		close(c.orphans)
	}()

	for {
		var data []byte
		_, data, err = c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, derr := secure.DecodeFrame(data)
		if derr != nil {
			continue
		}
		plaintext, oerr := c.session.Open(env)
		if oerr != nil {
			continue
		}
		msg, merr := protocol.DecodeServerMessage(plaintext)
		if merr != nil {
			continue
		}
		switch m := msg.(type) {
		case *protocol.Response:
			c.deliver(m)
		case *protocol.Broadcast:
			select {
			case c.events <- m:
			default:
			}
		}
	}
}

func (c *Conn) deliver(resp *protocol.Response) {
	if resp.RequestID == "" {
		select {
		case c.orphans <- resp:
		default:
		}
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}
