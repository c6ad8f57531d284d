package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// SaltSource yields one high-entropy salt per commitment record.
type SaltSource interface {
	Salt(step uint64) ([]byte, error)
}

// RandomSaltSource draws salts from crypto/rand. This is the only source
// permitted in adversarial runs.
type RandomSaltSource struct{}

func NewRandomSaltSource() *RandomSaltSource { return &RandomSaltSource{} }

func (s *RandomSaltSource) Salt(step uint64) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt generation failed: %w", err)
	}
	return salt, nil
}

// DerivedSaltSource expands a session seed into per-step salts via HKDF.
// Deterministic, so replayed fixture sessions produce bit-identical ledgers.
// Never use it against a party that could learn the seed.
type DerivedSaltSource struct {
	mu     sync.Mutex
	secret []byte
	cache  map[uint64][]byte
}

// NewDerivedSaltSource builds a deterministic source keyed by seed material.
func NewDerivedSaltSource(seed []byte) *DerivedSaltSource {
	return &DerivedSaltSource{secret: append([]byte(nil), seed...), cache: make(map[uint64][]byte)}
}

func (s *DerivedSaltSource) Salt(step uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if salt, ok := s.cache[step]; ok {
		return salt, nil
	}

	var info [8]byte
	binary.BigEndian.PutUint64(info[:], step)
	r := hkdf.New(sha256.New, s.secret, []byte("mimicproof:salt:v1"), info[:])
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand failed: %w", err)
	}
	s.cache[step] = salt
	return salt, nil
}
