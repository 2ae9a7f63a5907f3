package secure

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the per-message nonce length.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the AEAD authentication tag length.
	TagSize = chacha20poly1305.Overhead
)

// ErrMalformedEnvelope reports an envelope whose fields have the wrong shape.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the authenticated container for every protected message.
//
// Body is ciphertext. Payload is cleartext CBOR that is bound to the body as
// associated data together with DeviceUID, so neither can be swapped without
// failing authentication. Over HTTP the byte fields travel as base64 JSON
// strings; over WebSocket the whole envelope is a CBOR map.
type Envelope struct {
	DeviceUID string `json:"deviceUID" cbor:"deviceUID"`
	Nonce     []byte `json:"nonce" cbor:"nonce"`
	Tag       []byte `json:"tag" cbor:"tag"`
	Body      []byte `json:"body" cbor:"body"`
	Payload   []byte `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// Validate checks field presence and lengths. It does not authenticate.
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil", ErrMalformedEnvelope)
	case e.DeviceUID == "":
		return fmt.Errorf("%w: missing deviceUID", ErrMalformedEnvelope)
	case len(e.DeviceUID) > 0xffff:
		return fmt.Errorf("%w: deviceUID too long", ErrMalformedEnvelope)
	case len(e.Nonce) != NonceSize:
		return fmt.Errorf("%w: nonce must be %d bytes", ErrMalformedEnvelope, NonceSize)
	case len(e.Tag) != TagSize:
		return fmt.Errorf("%w: tag must be %d bytes", ErrMalformedEnvelope, TagSize)
	}
	return nil
}

// EncodeFrame serializes the envelope as a CBOR WebSocket frame.
func (e *Envelope) EncodeFrame() ([]byte, error) {
	return Marshal(e)
}

// DecodeFrame parses and validates a CBOR WebSocket frame.
func DecodeFrame(data []byte) (*Envelope, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// PeekPayload decodes the cleartext payload without authenticating it. The
// handshake uses it to learn the sender's key before any decryption is
// possible; authentication happens when the body is opened.
func PeekPayload(env *Envelope, v any) error {
	if env == nil || len(env.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}
	if err := Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}
	return nil
}
