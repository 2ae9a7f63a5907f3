package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/lumacast/lumacast/pkg/secure"
)

// EventType names a room broadcast.
type EventType string

const (
	EventKickout EventType = "kickout"
	EventMembers EventType = "members"
	EventMessage EventType = "message"
)

// Kickout reasons.
const (
	ReasonReplaced      = "replaced"
	ReasonUsageExceeded = "usage_exceeded"
	ReasonRoomClosed    = "room_closed"
)

// Event is one of Kickout, Members or Message.
type Event interface {
	EventType() EventType
}

// Kickout tells a member it has been removed from the room.
type Kickout struct {
	Reason string
}

// Members is the current member list of a room.
type Members struct {
	Members []MemberInfo
}

// Message is data published by the counterpart role.
type Message struct {
	Data cbor.RawMessage
}

func (Kickout) EventType() EventType { return EventKickout }
func (Members) EventType() EventType { return EventMembers }
func (Message) EventType() EventType { return EventMessage }

// MemberInfo describes one member in a Members event.
type MemberInfo struct {
	ClientID string `cbor:"clientId"`
	Role     Role   `cbor:"role"`
	From     string `cbor:"from,omitempty"`
	Source   string `cbor:"source,omitempty"`
	JoinedAt int64  `cbor:"joinedAt"`
}

// Broadcast is a room event pushed to a member.
type Broadcast struct {
	Room      string
	Timestamp int64
	Event     Event
}

// wireEvent is a broadcast body. Data holds the member list for members
// events and the published value for message events.
type wireEvent struct {
	Type   EventType       `cbor:"type"`
	Reason string          `cbor:"reason,omitempty"`
	Data   cbor.RawMessage `cbor:"data,omitempty"`
}

type wireBroadcast struct {
	Room      string    `cbor:"room"`
	Timestamp int64     `cbor:"timestamp"`
	Body      wireEvent `cbor:"body"`
}

// MarshalCBOR encodes the broadcast in its wire form.
func (b Broadcast) MarshalCBOR() ([]byte, error) {
	w := wireBroadcast{Room: b.Room, Timestamp: b.Timestamp}
	switch e := b.Event.(type) {
	case Kickout:
		w.Body = wireEvent{Type: EventKickout, Reason: e.Reason}
	case Members:
		list := e.Members
		if list == nil {
			list = []MemberInfo{}
		}
		data, err := secure.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode members: %w", err)
		}
		w.Body = wireEvent{Type: EventMembers, Data: data}
	case Message:
		w.Body = wireEvent{Type: EventMessage, Data: e.Data}
	default:
		return nil, fmt.Errorf("protocol: unsupported event %T", b.Event)
	}
	return secure.Marshal(w)
}

func (w wireEvent) event() (Event, error) {
	switch w.Type {
	case EventKickout:
		return Kickout{Reason: w.Reason}, nil
	case EventMembers:
		var list []MemberInfo
		if len(w.Data) > 0 {
			if err := secure.Unmarshal(w.Data, &list); err != nil {
				return nil, fmt.Errorf("protocol: decode members: %w", err)
			}
		}
		return Members{Members: list}, nil
	case EventMessage:
		return Message{Data: w.Data}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown event type %q", w.Type)
	}
}

// serverMessage is the union of Response and Broadcast on the wire. A
// broadcast never carries a requestId; a response never carries a room.
type serverMessage struct {
	RequestID *string         `cbor:"requestId"`
	Room      string          `cbor:"room"`
	Timestamp int64           `cbor:"timestamp"`
	Body      cbor.RawMessage `cbor:"body"`
}

type wireResult struct {
	Code    Code            `cbor:"code"`
	Message string          `cbor:"message"`
	Data    cbor.RawMessage `cbor:"data"`
}

// DecodeServerMessage parses a hub → peer plaintext into *Response or
// *Broadcast.
func DecodeServerMessage(data []byte) (any, error) {
	var m serverMessage
	if err := secure.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: decode server message: %w", err)
	}
	if m.RequestID != nil {
		var r wireResult
		if err := secure.Unmarshal(m.Body, &r); err != nil {
			return nil, fmt.Errorf("protocol: decode response body: %w", err)
		}
		resp := &Response{RequestID: *m.RequestID, Timestamp: m.Timestamp}
		resp.Result = Result{Code: r.Code, Message: r.Message}
		if len(r.Data) > 0 {
			resp.Result.Data = r.Data
		}
		return resp, nil
	}
	if m.Room == "" {
		return nil, fmt.Errorf("protocol: server message without requestId or room")
	}
	var w wireEvent
	if err := secure.Unmarshal(m.Body, &w); err != nil {
		return nil, fmt.Errorf("protocol: decode event body: %w", err)
	}
	ev, err := w.event()
	if err != nil {
		return nil, err
	}
	return &Broadcast{Room: m.Room, Timestamp: m.Timestamp, Event: ev}, nil
}
