// Package gateway talks to the external authorization service that decides
// who may log in and join rooms, and whether a member's plan is activated.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/lumacast/lumacast/pkg/protocol"
)

// ErrDenied matches every refusal returned by the gateway.
var ErrDenied = errors.New("gateway denied")

// DeniedError is a refusal carrying the gateway's message.
type DeniedError struct {
	Op      string
	Message string
}

func (e *DeniedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway denied %s", e.Op)
	}
	return fmt.Sprintf("gateway denied %s: %s", e.Op, e.Message)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Identity is the authenticated principal behind a login token.
type Identity struct {
	Subject string
	Name    string
}

// Membership describes a member entering or leaving a room.
type Membership struct {
	Room      string        `json:"room"`
	Role      protocol.Role `json:"role"`
	Source    string        `json:"source,omitempty"`
	From      string        `json:"from,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// JoinResult is the gateway's verdict on a join.
type JoinResult struct {
	// IsActive is false for trial members whose stay and usage are metered.
	IsActive bool `json:"isActive"`
}

// Authorizer is the hub's view of the authorization gateway.
type Authorizer interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
	Join(ctx context.Context, m Membership) (*JoinResult, error)
	Leave(ctx context.Context, m Membership) error
	// Launch announces a hub start.
	Launch(ctx context.Context) error
}
