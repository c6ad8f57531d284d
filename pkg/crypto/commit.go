// Package crypto provides the commitment primitive, salt sourcing, bundle
// signing, and the keyed digest projection used by coherence scoring.
//
// Trust model: the harness trusts only SHA-256, BLAKE2b, Ed25519, and the
// JCS canonical form. No component ever sees another party's salt before the
// reveal phase.
package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
)

// commitDomain separates commitment hashes from every other SHA-256 use in
// the protocol.
const commitDomain = "mimicproof:commit:v1"

// SaltSize is the entropy per commitment salt, in bytes.
const SaltSize = 32

// Commit binds salt and state digest into a hiding commitment.
// The commitment is sha256(domain || 0x00 || salt || 0x00 || digest-bytes);
// without the salt the digest cannot be confirmed or denied.
func Commit(digest contracts.Hash, salt []byte) (contracts.Hash, error) {
	if len(salt) != SaltSize {
		return "", fmt.Errorf("crypto: salt has %d bytes, want %d", len(salt), SaltSize)
	}
	digestRaw, err := canonicalize.DecodeHash(digest)
	if err != nil {
		return "", fmt.Errorf("crypto: commit target: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(commitDomain)
	buf.WriteByte(0)
	buf.Write(salt)
	buf.WriteByte(0)
	buf.Write(digestRaw)

	sum := sha256.Sum256(buf.Bytes())
	return contracts.Hash(canonicalize.HashPrefix + hex.EncodeToString(sum[:])), nil
}

// VerifyCommit checks a revealed salt against a prior commitment.
// Comparison is constant-time; a mismatch is an integrity signal, not a
// retryable condition.
func VerifyCommit(commitment, digest contracts.Hash, salt []byte) (bool, error) {
	recomputed, err := Commit(digest, salt)
	if err != nil {
		return false, err
	}
	want, err := canonicalize.DecodeHash(commitment)
	if err != nil {
		return false, fmt.Errorf("crypto: stored commitment: %w", err)
	}
	got, err := canonicalize.DecodeHash(recomputed)
	if err != nil {
		return false, err
	}
	return hmac.Equal(want, got), nil
}
