// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content hashing. Every digest the harness records is a
// SHA-256 over the JCS form, so two independent implementations hashing the
// same record always agree byte for byte.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/gowebpki/jcs"

	"github.com/mimicproof/core/pkg/contracts"
)

// HashPrefix tags every digest with its algorithm.
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
// NaN and Infinity are rejected up front; they have no JSON representation
// and would otherwise surface as a confusing transform error.
func JCS(v interface{}) ([]byte, error) {
	if hasNaNOrInf(reflect.ValueOf(v)) {
		return nil, fmt.Errorf("canonicalize: value contains NaN or Infinity")
	}
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the sha256:-prefixed hex digest of the canonical
// JSON representation of v.
func CanonicalHash(v interface{}) (contracts.Hash, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of raw bytes and returns the prefixed hex form.
func HashBytes(data []byte) contracts.Hash {
	h := sha256.Sum256(data)
	return contracts.Hash(HashPrefix + hex.EncodeToString(h[:]))
}

// DecodeHash strips the prefix and decodes the hex digest.
func DecodeHash(h contracts.Hash) ([]byte, error) {
	s := string(h)
	if len(s) < len(HashPrefix) || s[:len(HashPrefix)] != HashPrefix {
		return nil, fmt.Errorf("canonicalize: digest %q lacks %s prefix", s, HashPrefix)
	}
	raw, err := hex.DecodeString(s[len(HashPrefix):])
	if err != nil {
		return nil, fmt.Errorf("canonicalize: digest %q is not hex: %w", s, err)
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("canonicalize: digest %q has %d bytes, want %d", s, len(raw), sha256.Size)
	}
	return raw, nil
}

func hasNaNOrInf(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return math.IsNaN(f) || math.IsInf(f, 0)
	case reflect.Map:
		for _, key := range v.MapKeys() {
			if hasNaNOrInf(v.MapIndex(key)) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if hasNaNOrInf(v.Index(i)) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if hasNaNOrInf(v.Field(i)) {
				return true
			}
		}
	case reflect.Ptr, reflect.Interface:
		if !v.IsNil() {
			return hasNaNOrInf(v.Elem())
		}
	}
	return false
}
