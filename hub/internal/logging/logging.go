// Package logging builds the hub's zap logger and the scoped child loggers
// used per connection and per room member.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a structured logger. format is "json" (default) or "text".
func New(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(strings.ToLower(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	switch strings.ToLower(format) {
	case "", "json":
		cfg.Encoding = "json"
	case "text", "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"

	return cfg.Build()
}

// ForConn scopes l to one WebSocket connection.
func ForConn(l *zap.Logger, connID, peerID string) *zap.Logger {
	return l.With(zap.String("conn_id", connID), zap.String("peer_id", peerID))
}

// ForMember scopes l to one member of a room.
func ForMember(l *zap.Logger, clientID, room, role string) *zap.Logger {
	return l.With(zap.String("client_id", clientID), zap.String("room", room), zap.String("role", role))
}
