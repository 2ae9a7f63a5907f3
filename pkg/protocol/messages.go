// Package protocol defines the plaintext messages exchanged between lumacast
// peers and the hub. Every message travels inside a secure.Envelope; the
// plaintext itself is a CBOR map carrying a millisecond timestamp that the
// receiver checks against its replay window.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/lumacast/lumacast/pkg/secure"
)

// Subprotocol is the WebSocket subprotocol offered by clients. The device
// identifier follows it as a second subprotocol entry.
const Subprotocol = "lumacast.v1"

// Timestamp converts t to the millisecond form used on the wire.
func Timestamp(t time.Time) int64 { return t.UnixMilli() }

// CommandType names a peer command.
type CommandType string

// Command types sent by peers.
const (
	TypeLogin   CommandType = "login"
	TypeJoin    CommandType = "join"
	TypeLeave   CommandType = "leave"
	TypePublish CommandType = "publish"
)

// Role is a member's role in a room.
type Role string

const (
	RoleAnchor   Role = "anchor"
	RoleAudience Role = "audience"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleAnchor || r == RoleAudience }

// Counterpart returns the role that receives r's published messages.
func (r Role) Counterpart() Role {
	if r == RoleAnchor {
		return RoleAudience
	}
	return RoleAnchor
}

// --- Peer → Hub commands ---

// Command is one of Login, Join, Leave or Publish.
type Command interface {
	Type() CommandType
}

// Login authenticates the connection with an opaque token.
type Login struct {
	Token  string
	Source string
	From   string
}

// Join enters a room with a role.
type Join struct {
	Room string
	Role Role
}

// Leave exits a room.
type Leave struct {
	Room string
}

// Publish relays opaque data to the counterpart role in a room.
type Publish struct {
	Room string
	Data cbor.RawMessage
}

func (Login) Type() CommandType   { return TypeLogin }
func (Join) Type() CommandType    { return TypeJoin }
func (Leave) Type() CommandType   { return TypeLeave }
func (Publish) Type() CommandType { return TypePublish }

// Request is a command with its correlation id and send time.
type Request struct {
	RequestID string
	Timestamp int64
	Command   Command
}

type wireCommand struct {
	Type   CommandType     `cbor:"type"`
	Token  string          `cbor:"token,omitempty"`
	Source string          `cbor:"source,omitempty"`
	From   string          `cbor:"from,omitempty"`
	Room   string          `cbor:"room,omitempty"`
	Role   Role            `cbor:"role,omitempty"`
	Data   cbor.RawMessage `cbor:"data,omitempty"`
}

type wireRequest struct {
	RequestID string      `cbor:"requestId"`
	Timestamp int64       `cbor:"timestamp"`
	Body      wireCommand `cbor:"body"`
}

// MarshalCBOR encodes the request in its wire form.
func (r Request) MarshalCBOR() ([]byte, error) {
	w := wireRequest{RequestID: r.RequestID, Timestamp: r.Timestamp}
	switch c := r.Command.(type) {
	case Login:
		w.Body = wireCommand{Type: TypeLogin, Token: c.Token, Source: c.Source, From: c.From}
	case Join:
		w.Body = wireCommand{Type: TypeJoin, Room: c.Room, Role: c.Role}
	case Leave:
		w.Body = wireCommand{Type: TypeLeave, Room: c.Room}
	case Publish:
		w.Body = wireCommand{Type: TypePublish, Room: c.Room, Data: c.Data}
	default:
		return nil, fmt.Errorf("protocol: unsupported command %T", r.Command)
	}
	return secure.Marshal(w)
}

// DecodeRequest parses a request plaintext. On a validation failure the
// returned Request still carries the RequestID when one could be read, so the
// caller can correlate the error response.
func DecodeRequest(data []byte) (Request, error) {
	var w wireRequest
	if err := secure.Unmarshal(data, &w); err != nil {
		return Request{}, Errorf(CodeValidation, "malformed request")
	}
	req := Request{RequestID: w.RequestID, Timestamp: w.Timestamp}
	if w.RequestID == "" {
		return req, Errorf(CodeValidation, "missing requestId")
	}
	cmd, err := w.Body.command()
	if err != nil {
		return req, err
	}
	req.Command = cmd
	return req, nil
}

func (w wireCommand) command() (Command, error) {
	switch w.Type {
	case TypeLogin:
		if w.Token == "" {
			return nil, Errorf(CodeValidation, "login: missing token")
		}
		return Login{Token: w.Token, Source: w.Source, From: w.From}, nil
	case TypeJoin:
		if w.Room == "" {
			return nil, Errorf(CodeValidation, "join: missing room")
		}
		if !w.Role.Valid() {
			return nil, Errorf(CodeValidation, "join: invalid role %q", w.Role)
		}
		return Join{Room: w.Room, Role: w.Role}, nil
	case TypeLeave:
		if w.Room == "" {
			return nil, Errorf(CodeValidation, "leave: missing room")
		}
		return Leave{Room: w.Room}, nil
	case TypePublish:
		if w.Room == "" {
			return nil, Errorf(CodeValidation, "publish: missing room")
		}
		return Publish{Room: w.Room, Data: w.Data}, nil
	case "":
		return nil, Errorf(CodeValidation, "missing command type")
	default:
		return nil, Errorf(CodeValidation, "unknown command type %q", w.Type)
	}
}

// --- Hub → Peer responses ---

// Result is the outcome carried by every response, over WebSocket and HTTP.
type Result struct {
	Code    Code   `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
	Data    any    `json:"data,omitempty" cbor:"data,omitempty"`
}

// NewResult builds the result for a command outcome. All error mapping goes
// through ResultFromError.
func NewResult(data any, err error) Result {
	r := ResultFromError(err)
	if err == nil {
		r.Data = data
	}
	return r
}

// Response answers one Request. When decoded by a client, Result.Data holds
// a cbor.RawMessage.
type Response struct {
	RequestID string `cbor:"requestId"`
	Timestamp int64  `cbor:"timestamp"`
	Result    Result `cbor:"body"`
}

// Err returns the response's error, or nil when Code is OK.
func (r *Response) Err() error {
	if r.Result.Code == CodeOK {
		return nil
	}
	return &Error{Code: r.Result.Code, Message: r.Result.Message}
}

// DecodeData unmarshals the response data into v.
func (r *Response) DecodeData(v any) error {
	raw, ok := r.Result.Data.(cbor.RawMessage)
	if !ok || len(raw) == 0 {
		return errors.New("protocol: response has no data")
	}
	return secure.Unmarshal(raw, v)
}

// Joined is the data of a successful join.
type Joined struct {
	Room     string `cbor:"room"`
	ClientID string `cbor:"clientId"`
	Role     Role   `cbor:"role"`
	// MaxStay is the trial allowance in seconds; 0 means unlimited.
	MaxStay int64 `cbor:"maxStay"`
}

// Published is the data of a successful publish.
type Published struct {
	Delivered int `cbor:"delivered"`
}

// LoggedIn is the data of a successful login.
type LoggedIn struct {
	Subject string `cbor:"subject,omitempty"`
}
