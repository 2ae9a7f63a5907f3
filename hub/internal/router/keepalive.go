package router

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumacast/lumacast/pkg/protocol"
)

// keepalive pings the peer until the connection closes. Each pong extends
// the read deadline and meters room usage.
func (c *conn) keepalive() {
	ticker := time.NewTicker(c.router.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			closed := c.closed
			c.writeMu.Unlock()
			if closed {
				return
			}
			deadline := time.Now().Add(c.router.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// heartbeat reports a pong to every joined room.
func (c *conn) heartbeat() {
	now := c.router.now()
	ctx, cancel := c.router.commandContext(c.ctx)
	defer cancel()
	for _, r := range c.joined() {
		if err := r.Heartbeat(ctx, c.id, now); err != nil && !errors.Is(err, protocol.ErrNotMember) {
			c.logger.Warn("heartbeat failed", zap.String("room", r.Name()), zap.Error(err))
		}
	}
}
