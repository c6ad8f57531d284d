package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeyProvider abstracts the signing backend so an HSM or cloud KMS can be
// swapped in for the in-memory key.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds an Ed25519 keypair in process memory. Suitable for
// tests and single-operator deployments.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: keygen failed: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey { return m.pub }

// VerifySignature checks an Ed25519 signature over msg.
func VerifySignature(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// EncodeKey renders a public key for bundle manifests.
func EncodeKey(pub ed25519.PublicKey) string { return hex.EncodeToString(pub) }

// DecodeKey parses a hex public key from a bundle manifest.
func DecodeKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: public key is not hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
