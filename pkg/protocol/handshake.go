package protocol

// HandshakeKey is the cleartext payload of handshake envelopes. On a request
// it carries the device's handshake public key; on the reply it carries the
// hub's ephemeral session public key.
type HandshakeKey struct {
	PublicKey []byte `cbor:"publicKey"`
}

// NegotiateRequest is the encrypted body of a negotiate request.
type NegotiateRequest struct {
	Challenge   string `cbor:"challenge"`
	PublicKey   []byte `cbor:"publicKey"`
	BundleID    string `cbor:"bundleId"`
	AppVersion  string `cbor:"appVersion,omitempty"`
	Platform    string `cbor:"platform,omitempty"`
	Attestation []byte `cbor:"attestation,omitempty"`
	Timestamp   int64  `cbor:"timestamp"`
}

// NegotiateResponse is the encrypted body of a negotiate reply.
type NegotiateResponse struct {
	ApplicationVersion string `cbor:"applicationVersion,omitempty"`
	DownloadURL        string `cbor:"downloadURL,omitempty"`
	// SessionTTL is in seconds.
	SessionTTL int64 `cbor:"sessionTTL"`
	Timestamp  int64 `cbor:"timestamp"`
}

// Challenge is the data returned by the challenge endpoint.
type Challenge struct {
	Challenge string `json:"challenge"`
}

// Ping is the encrypted body of a session ping.
type Ping struct {
	Timestamp int64 `cbor:"timestamp"`
}

// Pong answers a Ping.
type Pong struct {
	ServerTime int64 `cbor:"serverTime"`
	Timestamp  int64 `cbor:"timestamp"`
}
