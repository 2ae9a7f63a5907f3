package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumacast/lumacast/hub/internal/gateway"
	"github.com/lumacast/lumacast/hub/internal/room"
	"github.com/lumacast/lumacast/pkg/protocol"
	"github.com/lumacast/lumacast/pkg/secure"
)

// handlerFunc handles one decoded command. The returned data becomes the
// response's data on success.
type handlerFunc func(ctx context.Context, c *conn, cmd protocol.Command) (any, error)

var handlers = map[protocol.CommandType]handlerFunc{
	protocol.TypeLogin:   handleLogin,
	protocol.TypeJoin:    handleJoin,
	protocol.TypeLeave:   handleLeave,
	protocol.TypePublish: handlePublish,
}

// handleFrame opens one inbound frame and answers it. Frames that cannot be
// opened are answered with an empty requestId and the connection stays up.
func (c *conn) handleFrame(data []byte) {
	env, err := secure.DecodeFrame(data)
	if err != nil {
		c.logger.Debug("undecodable frame", zap.Error(err))
		c.respond("", nil, protocol.ErrSessionExpired)
		return
	}
	plaintext, _, err := c.router.handshake.Open(c.session, env)
	if err != nil {
		c.respond("", nil, err)
		return
	}
	req, err := protocol.DecodeRequest(plaintext)
	if err != nil {
		c.respond(req.RequestID, nil, err)
		return
	}

	typ := req.Command.Type()
	start := time.Now()
	var out any
	if typ != protocol.TypeLogin && !c.loggedIn() {
		err = protocol.ErrLoginRequired
	} else {
		ctx, cancel := c.router.commandContext(c.ctx)
		out, err = handlers[typ](ctx, c, req.Command)
		cancel()
	}
	c.router.metrics.ObserveCommand(string(typ), protocol.ResultFromError(err).Code.String(), time.Since(start))

	c.respond(req.RequestID, out, err)

	if typ == protocol.TypeJoin && err != nil {
		c.logger.Info("join failed, closing connection", zap.Error(err))
		c.closeAfter(c.router.opts.JoinFailureCloseDelay, websocket.ClosePolicyViolation, "join failed")
	}
}

// loggedIn reports whether commands other than login may run. It is always
// true when the router does not require login.
func (c *conn) loggedIn() bool {
	if !c.router.opts.RequireLogin {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != nil
}

func handleLogin(ctx context.Context, c *conn, cmd protocol.Command) (any, error) {
	login := cmd.(protocol.Login)
	id, err := c.router.gateway.Authenticate(ctx, login.Token)
	if err != nil {
		var denied *gateway.DeniedError
		if errors.As(err, &denied) {
			msg := denied.Message
			if msg == "" {
				msg = "login rejected"
			}
			return nil, protocol.Errorf(protocol.CodeDenied, "%s", msg)
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	from := login.From
	if from == "" {
		from = id.Subject
	}
	c.mu.Lock()
	c.identity = id
	c.source = login.Source
	c.from = from
	c.mu.Unlock()

	c.logger.Info("device logged in", zap.String("subject", id.Subject), zap.String("source", login.Source))
	return protocol.LoggedIn{Subject: id.Subject}, nil
}

func handleJoin(ctx context.Context, c *conn, cmd protocol.Command) (any, error) {
	join := cmd.(protocol.Join)

	c.mu.Lock()
	if _, ok := c.rooms[join.Room]; ok {
		c.mu.Unlock()
		return nil, protocol.ErrAlreadyJoined
	}
	c.rooms[join.Room] = nil
	source, from := c.source, c.from
	c.mu.Unlock()

	r, m, err := c.router.rooms.Join(ctx, join.Room, c, room.JoinRequest{
		Role:   join.Role,
		Source: source,
		From:   from,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.rooms, join.Room)
		return nil, err
	}
	// A kickout may already have evicted the member while the join returned.
	if _, ok := c.rooms[join.Room]; ok {
		c.rooms[join.Room] = r
	}
	return protocol.Joined{
		Room:     join.Room,
		ClientID: c.id,
		Role:     m.Role,
		MaxStay:  int64(m.MaxStay / time.Second),
	}, nil
}

// memberRoom returns the joined room called name, or the error describing
// why the connection cannot act in it.
func (c *conn) memberRoom(name string) (*room.Room, error) {
	c.mu.Lock()
	r := c.rooms[name]
	c.mu.Unlock()
	if r != nil {
		return r, nil
	}
	if _, ok := c.router.rooms.Get(name); !ok {
		return nil, protocol.ErrRoomNotFound
	}
	return nil, protocol.ErrNotMember
}

func handleLeave(ctx context.Context, c *conn, cmd protocol.Command) (any, error) {
	leave := cmd.(protocol.Leave)
	r, err := c.memberRoom(leave.Room)
	if err != nil {
		return nil, err
	}
	c.Evicted(leave.Room)
	if err := r.Leave(ctx, c.id); err != nil {
		return nil, err
	}
	return nil, nil
}

func handlePublish(ctx context.Context, c *conn, cmd protocol.Command) (any, error) {
	pub := cmd.(protocol.Publish)
	r, err := c.memberRoom(pub.Room)
	if err != nil {
		return nil, err
	}
	n, err := r.Publish(ctx, c.id, pub.Data)
	if err != nil {
		return nil, err
	}
	return protocol.Published{Delivered: n}, nil
}
