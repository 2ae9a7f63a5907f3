package room

import (
	"sync"
	"time"

	"github.com/lumacast/lumacast/pkg/protocol"
)

// Peer is the connection side of a member.
type Peer interface {
	// ID is the connection's client id, unique per connection.
	ID() string
	// PeerID is the device the connection belongs to.
	PeerID() string
	// Send delivers a room event to the peer.
	Send(b protocol.Broadcast) error
	// Evicted tells the connection it no longer belongs to room.
	Evicted(room string)
}

// State is a member's lifecycle state. Terminal states are never left.
type State int

const (
	StateJoining State = iota
	StateActive
	StateLeft
	StateKicked
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeft:
		return "left"
	case StateKicked:
		return "kicked"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends the member's lifecycle.
func (s State) Terminal() bool { return s >= StateLeft }

// JoinRequest carries the member attributes supplied on join.
type JoinRequest struct {
	Role   protocol.Role
	Source string
	From   string
}

// Member is one connection's presence in a room.
type Member struct {
	ClientID string
	Role     protocol.Role
	From     string
	Source   string
	JoinedAt time.Time
	// MaxStay bounds a trial member's time in the room. Zero means the member
	// is activated and unmetered.
	MaxStay time.Duration

	peer Peer
	seq  uint64

	mu            sync.Mutex
	state         State
	lastHeartbeat time.Time
	usage         int64
}

// State returns the member's lifecycle state.
func (m *Member) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Usage returns the cumulative usage in seconds last seen for this member.
func (m *Member) Usage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Activated reports whether the member is exempt from trial limits.
func (m *Member) Activated() bool { return m.MaxStay == 0 }

func (m *Member) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// subject identifies whose usage is metered: the logged-in user when known,
// otherwise the device.
func (m *Member) subject() string {
	if m.From != "" {
		return m.From
	}
	return m.peer.PeerID()
}

// Info returns the member as it appears in member-list broadcasts.
func (m *Member) Info() protocol.MemberInfo {
	return protocol.MemberInfo{
		ClientID: m.ClientID,
		Role:     m.Role,
		From:     m.From,
		Source:   m.Source,
		JoinedAt: protocol.Timestamp(m.JoinedAt),
	}
}
