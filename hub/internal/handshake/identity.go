package handshake

import (
	"crypto/ecdh"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/lumacast/lumacast/pkg/secure"
)

// IdentityKey is the hub's long-lived P-256 private key. The scalar is kept
// sealed in a memguard enclave and only decrypted while a handshake body is
// opened.
type IdentityKey struct {
	enclave *memguard.Enclave
	public  []byte
}

// NewIdentityKey seals raw. raw is wiped.
func NewIdentityKey(raw []byte) (*IdentityKey, error) {
	kp, err := secure.ParsePrivateKey(raw)
	if err != nil {
		secure.Wipe(raw)
		return nil, fmt.Errorf("identity key: %w", err)
	}
	return &IdentityKey{
		public:  kp.PublicBytes(),
		enclave: memguard.NewEnclave(raw),
	}, nil
}

// LoadIdentityKey reads a base64 scalar either inline or from path. Inline
// wins when both are set.
func LoadIdentityKey(inline, path string) (*IdentityKey, error) {
	encoded := inline
	if encoded == "" {
		if path == "" {
			return nil, fmt.Errorf("identity key: neither inline key nor key file configured")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("identity key: read %s: %w", path, err)
		}
		encoded = string(b)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("identity key: decode base64: %w", err)
	}
	return NewIdentityKey(raw)
}

// GenerateIdentityKey creates a new key and returns its base64 scalar and
// base64 public point, for provisioning.
func GenerateIdentityKey() (private, public string, err error) {
	kp, err := secure.GenerateKeyPair(nil)
	if err != nil {
		return "", "", err
	}
	raw := kp.PrivateBytes()
	defer secure.Wipe(raw)
	return base64.StdEncoding.EncodeToString(raw), base64.StdEncoding.EncodeToString(kp.PublicBytes()), nil
}

// PublicKey returns the uncompressed public point shipped inside clients.
func (k *IdentityKey) PublicKey() []byte {
	return append([]byte(nil), k.public...)
}

// session opens the enclave just long enough to run ECDH against the
// device's handshake key.
func (k *IdentityKey) session(peerID string, device *ecdh.PublicKey) (*secure.Session, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open identity enclave: %w", err)
	}
	defer buf.Destroy()

	kp, err := secure.ParsePrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	return secure.NewSession(peerID, kp.Private(), device)
}
