package crypto

import (
	"fmt"
	"math/bits"

	"golang.org/x/crypto/blake2b"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
)

// ProjectionSize is the projection width in bytes (256 bits).
const ProjectionSize = 32

// Projector maps opaque state digests into a fixed bit space so that
// similarity between successive states can be measured without inspecting
// the states themselves. The keyed BLAKE2b keeps parties from grinding
// digests toward favorable projections.
type Projector struct {
	key []byte
}

// NewProjector creates a projector with the given key. Keys are part of the
// published protocol config, committed to the ledger at session start.
func NewProjector(key []byte) (*Projector, error) {
	if len(key) == 0 || len(key) > 64 {
		return nil, fmt.Errorf("crypto: projector key must be 1..64 bytes, got %d", len(key))
	}
	return &Projector{key: append([]byte(nil), key...)}, nil
}

// Project maps a digest to its 256-bit projection.
func (p *Projector) Project(digest contracts.Hash) ([]byte, error) {
	raw, err := canonicalize.DecodeHash(digest)
	if err != nil {
		return nil, err
	}
	h, err := blake2b.New(ProjectionSize, p.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: blake2b init failed: %w", err)
	}
	h.Write(raw)
	return h.Sum(nil), nil
}

// Coherence returns a bounded similarity in [0,1] between two digests:
// 1 − normalized Hamming distance between their projections. Identical
// digests score 1; unrelated digests hover near 0.5.
func (p *Projector) Coherence(a, b contracts.Hash) (float64, error) {
	if a == b {
		return 1.0, nil
	}
	pa, err := p.Project(a)
	if err != nil {
		return 0, err
	}
	pb, err := p.Project(b)
	if err != nil {
		return 0, err
	}
	dist := 0
	for i := range pa {
		dist += bits.OnesCount8(pa[i] ^ pb[i])
	}
	return 1.0 - float64(dist)/float64(ProjectionSize*8), nil
}
