package contracts

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeScalar packs a task scalar into a step payload.
func EncodeScalar(v float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return buf[:]
}

// DecodeScalar unpacks a step payload produced by EncodeScalar.
func DecodeScalar(p []byte) (float64, error) {
	if len(p) != 8 {
		return 0, fmt.Errorf("contracts: scalar payload has %d bytes, want 8", len(p))
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(p))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("contracts: scalar payload is not finite")
	}
	return v, nil
}
