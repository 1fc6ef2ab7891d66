package capability

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Keyring derives per-thread signing keys from a root secret so that token
// wire encodings minted for different threads cannot be replayed across
// thread boundaries. The root secret never leaves the keyring.
type Keyring struct {
	secret []byte
}

// NewKeyring creates a keyring from a root secret. The secret must be at
// least 32 bytes.
func NewKeyring(secret []byte) (*Keyring, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("capability: keyring secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Keyring{secret: secret}, nil
}

// NewEphemeralKeyring generates a keyring with a random root secret. Suitable
// for single-process kernels where tokens never cross a restart.
func NewEphemeralKeyring() (*Keyring, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("capability: keyring secret generation failed: %w", err)
	}
	return &Keyring{secret: secret}, nil
}

// ThreadKey derives the HMAC signing key for a thread ID via HKDF-SHA256.
// Derivation is deterministic: the same thread ID always yields the same key
// for a given root secret.
func (k *Keyring) ThreadKey(threadID string) ([]byte, error) {
	r := hkdf.New(sha256.New, k.secret, nil, []byte("keel/token/"+threadID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("capability: key derivation failed: %w", err)
	}
	return key, nil
}
