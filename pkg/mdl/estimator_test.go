package mdl

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimicproof/core/pkg/contracts"
)

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestCompressedBitsOrdering(t *testing.T) {
	e, err := NewEstimator(nil)
	require.NoError(t, err)
	defer e.Close()

	zeros := bytes.Repeat([]byte{0}, 4096)
	noise := randomBytes(t, 4096, 1)

	assert.Less(t, e.CompressedBits(zeros), e.CompressedBits(noise),
		"structure compresses, noise does not")
	assert.GreaterOrEqual(t, e.CompressedBits(noise), 4096*8,
		"incompressible input cannot shrink")
}

func TestDictionaryPriming(t *testing.T) {
	shared := randomBytes(t, 2048, 2)

	plain, err := NewEstimator(nil)
	require.NoError(t, err)
	defer plain.Close()
	primed, err := NewEstimator(shared)
	require.NoError(t, err)
	defer primed.Close()

	assert.Equal(t, "zstd-best", plain.Name())
	assert.Equal(t, "zstd-best+dict", primed.Name())
	assert.Less(t, primed.CompressedBits(shared), plain.CompressedBits(shared),
		"shared vocabulary is not charged to the string")
}

func TestMarginSupportsSeparation(t *testing.T) {
	e, err := NewEstimator(nil)
	require.NoError(t, err)
	defer e.Close()

	res := e.Margin(Inputs{
		Transcript:      randomBytes(t, 4096, 3),
		EngineDesc:      []byte("engine{gain:0.9 rule:x+=gain*(input-x)}"),
		EngineStructure: randomBytes(t, 256, 4),
	})

	assert.Equal(t, contracts.TestMDL, res.Kind)
	assert.Equal(t, contracts.TestPass, res.Tag)
	assert.False(t, res.MDL.Disproved)
	assert.Greater(t, res.MDL.Margin, 0.0)
}

func TestUncontestedSessionCannotDisprove(t *testing.T) {
	e, err := NewEstimator(nil)
	require.NoError(t, err)
	defer e.Close()

	// A short, highly regular transcript compresses below the engine
	// description. With no matched challenger recipe that negative margin
	// is recorded but separation stays undecided.
	res := e.Margin(Inputs{
		Transcript:      bytes.Repeat([]byte("0.5,"), 16),
		EngineDesc:      randomBytes(t, 512, 6),
		EngineStructure: randomBytes(t, 256, 7),
	})

	assert.Equal(t, contracts.TestPass, res.Tag)
	assert.False(t, res.MDL.Disproved)
	assert.Less(t, res.MDL.Margin, 0.0, "the raw margin survives in evidence")
}

func TestRawInterfaceBytesPrimeTheEncoder(t *testing.T) {
	// The interface bytes are arbitrary content, never a trained zstd
	// dictionary. Construction must accept them as-is.
	e, err := NewEstimator([]byte("step{index,stimulus,output} reveal{salt,digest}"))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, "zstd-best+dict", e.Name())
	assert.Greater(t, e.CompressedBits([]byte("step{0,0.84,0.75}")), 0)
}

func TestSmallMatchingChallengerDisproves(t *testing.T) {
	e, err := NewEstimator(nil)
	require.NoError(t, err)
	defer e.Close()

	res := e.Margin(Inputs{
		Transcript:      randomBytes(t, 4096, 3),
		ChallengerDesc:  []byte("table{42}"),
		Matched:         true,
		EngineDesc:      []byte("engine{gain:0.9 rule:x+=gain*(input-x)}"),
		EngineStructure: randomBytes(t, 256, 4),
	})

	assert.Equal(t, contracts.TestFail, res.Tag)
	assert.True(t, res.MDL.Disproved)
	assert.Less(t, res.MDL.Margin, 0.0)
}

func TestUnmatchedChallengerDescIsIgnored(t *testing.T) {
	e, err := NewEstimator(nil)
	require.NoError(t, err)
	defer e.Close()

	in := Inputs{
		Transcript:      randomBytes(t, 4096, 3),
		ChallengerDesc:  []byte("table{42}"),
		Matched:         false,
		EngineDesc:      []byte("engine{gain:0.9 rule:x+=gain*(input-x)}"),
		EngineStructure: randomBytes(t, 256, 4),
	}
	res := e.Margin(in)
	assert.False(t, res.MDL.Disproved, "a recipe that fails to match bounds nothing")
}

func TestPaddedChallengerKeepsPositiveMargin(t *testing.T) {
	e, err := NewEstimator(nil)
	require.NoError(t, err)
	defer e.Close()

	res := e.Margin(Inputs{
		Transcript:      randomBytes(t, 4096, 3),
		ChallengerDesc:  randomBytes(t, 8192, 5),
		Matched:         true,
		EngineDesc:      []byte("engine{gain:0.9 rule:x+=gain*(input-x)}"),
		EngineStructure: randomBytes(t, 256, 4),
	})

	assert.Equal(t, contracts.TestPass, res.Tag)
	assert.Greater(t, res.MDL.Margin, 0.0)
}