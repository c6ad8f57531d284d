package orchestrator

import (
	"encoding/binary"
	"math"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/party"
)

// publicInterfaceBytes serializes everything both parties could see for
// free: the published schedule and the full stimulus stream. It primes the
// compressor dictionary so shared protocol vocabulary is charged to neither
// side of the margin.
func publicInterfaceBytes(scheduleBytes []byte, stimuli []contracts.Stimulus) []byte {
	out := append([]byte(nil), scheduleBytes...)
	for _, s := range stimuli {
		var step [8]byte
		binary.BigEndian.PutUint64(step[:], s.Step)
		out = append(out, step[:]...)
		if s.Masked {
			out = append(out, 1)
		} else {
			out = append(out, 0)
			out = append(out, s.Payload...)
		}
	}
	return out
}

// transcriptBytes serializes the engine's observable behavior, the string an
// external party would have to reproduce.
func transcriptBytes(steps []contracts.StepTrace) []byte {
	var out []byte
	for _, st := range steps {
		var step [8]byte
		binary.BigEndian.PutUint64(step[:], st.Step)
		out = append(out, step[:]...)
		out = append(out, st.Output...)
	}
	return out
}

// structureBytes serializes the engine's ledger-registered morphism records,
// the structural audit charged to the engine's side of the margin.
func structureBytes(morphisms []contracts.MorphismRecord) ([]byte, error) {
	return canonicalize.JCS(morphisms)
}

// describe returns a party's self-description when it offers one.
func describe(p party.Party) []byte {
	if d, ok := p.(party.Describable); ok {
		return d.Describe()
	}
	return nil
}

// meanDivergence is the mean absolute difference between two output traces,
// the behavioral-match statistic gating the challenger's recipe.
func meanDivergence(a, b []contracts.StepTrace) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return math.Inf(1)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		va, errA := contracts.DecodeScalar(a[i].Output)
		vb, errB := contracts.DecodeScalar(b[i].Output)
		if errA != nil || errB != nil {
			return math.Inf(1)
		}
		sum += math.Abs(va - vb)
	}
	return sum / float64(n)
}
