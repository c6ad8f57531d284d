// Package mdl estimates the description-length margin between reproducing a
// session transcript from the outside and the engine's own description plus
// its structural audit records. A general-purpose compressor stands in for
// the uncomputable true MDL; margins are directional evidence, not proof.
package mdl

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/mimicproof/core/pkg/contracts"
)

// Estimator compresses byte strings with zstd at maximum level, optionally
// primed with a dictionary of the public interface so shared protocol
// vocabulary is not charged to either side.
type Estimator struct {
	enc  *zstd.Encoder
	name string
}

// NewEstimator builds an estimator. publicInterface may be nil. The
// interface bytes are raw content, not a trained zstd dictionary, so they
// prime the encoder via the raw-content dictionary path.
func NewEstimator(publicInterface []byte) (*Estimator, error) {
	opts := []zstd.EOption{zstd.WithEncoderLevel(zstd.SpeedBestCompression)}
	name := "zstd-best"
	if len(publicInterface) > 0 {
		opts = append(opts, zstd.WithEncoderDictRaw(0, publicInterface))
		name = "zstd-best+dict"
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("mdl: encoder: %w", err)
	}
	return &Estimator{enc: enc, name: name}, nil
}

// Close releases the encoder.
func (e *Estimator) Close() error {
	return e.enc.Close()
}

// Name identifies the compressor configuration, recorded in evidence.
func (e *Estimator) Name() string { return e.name }

// CompressedBits returns the compressed size of data in bits.
func (e *Estimator) CompressedBits(data []byte) int {
	return len(e.enc.EncodeAll(data, nil)) * 8
}

// Inputs collects the byte strings the margin is computed over.
type Inputs struct {
	// Transcript is the lock-step record of stimuli and outputs, the
	// behavior an external party would need to reproduce.
	Transcript []byte

	// ChallengerDesc is the challenger's own reproduction recipe. It is an
	// upper bound on the transcript's description length, but only counts
	// when the challenger actually matched the engine's behavior.
	ChallengerDesc []byte
	Matched        bool

	// EngineDesc and EngineStructure are the engine's self-description and
	// its ledger-registered morphism records, the structure whose necessity
	// the separation claim asserts.
	EngineDesc      []byte
	EngineStructure []byte
}

// Margin computes
//
//	margin = C(transcript | public) - C(engine description + structure)
//
// in bits. A behaviorally matching challenger whose recipe compresses below
// the transcript tightens the left side; a negative margin disproves the
// separation claim for this session.
func (e *Estimator) Margin(in Inputs) contracts.TestResult {
	transcriptBits := e.CompressedBits(in.Transcript)
	contested := in.Matched && len(in.ChallengerDesc) > 0
	if contested {
		if b := e.CompressedBits(in.ChallengerDesc); b < transcriptBits {
			transcriptBits = b
		}
	}
	descriptionBits := e.CompressedBits(append(append([]byte(nil), in.EngineDesc...), in.EngineStructure...))

	// Disproof needs a competing description: a behaviorally matching
	// challenger whose recipe undercuts the engine's. The raw margin stays
	// in evidence either way.
	ev := contracts.MDLEvidence{
		TranscriptBits:  transcriptBits,
		DescriptionBits: descriptionBits,
		Margin:          float64(transcriptBits - descriptionBits),
		Disproved:       contested && transcriptBits < descriptionBits,
		Estimator:       e.name,
	}

	tag := contracts.TestPass
	score := 1.0
	if ev.Disproved {
		tag = contracts.TestFail
		score = 0.0
	}
	return contracts.TestResult{
		Kind:  contracts.TestMDL,
		Tag:   tag,
		Score: score,
		MDL:   &ev,
	}
}
