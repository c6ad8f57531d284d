package stress

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/crypto"
	"github.com/mimicproof/core/pkg/party"
)

func trajectory(step uint64) float64 {
	return math.Sin(0.1 * float64(step))
}

// runParty drives a party through total steps under a schedule, including
// the morphism proposal loop for engines, and returns the evaluated result.
func runParty(t *testing.T, p party.Party, schedule Schedule, total uint64) contracts.TestResult {
	t.Helper()
	projector, err := crypto.NewProjector([]byte("stress-test-key"))
	require.NoError(t, err)
	h := NewHarness(schedule, projector, nil)
	ctx := context.Background()

	for step := uint64(1); step <= total; step++ {
		h.Before(step, p)
		stimulus := contracts.Stimulus{Step: step, Target: trajectory(step)}
		if h.MaskedAt(step) {
			stimulus.Masked = true
		} else {
			stimulus.Payload = contracts.EncodeScalar(stimulus.Target)
		}
		out, err := p.Step(ctx, stimulus)
		require.NoError(t, err)
		if eng, ok := p.(party.Engine); ok {
			_, err := eng.ProposeMorphism(ctx)
			require.NoError(t, err)
		}
		v, err := contracts.DecodeScalar(out.Output)
		require.NoError(t, err)
		require.NoError(t, h.Observe(step, math.Abs(v-stimulus.Target), out.StateDigest))
	}
	return h.Evaluate()
}

func TestScheduleValidate(t *testing.T) {
	s := Schedule{Windows: []Window{{Kind: MaskInputs, Onset: 10, Duration: 5}}, RecoveryTail: 5}
	assert.NoError(t, s.Validate(100))

	assert.Error(t, Schedule{Windows: []Window{{Kind: MaskInputs, Onset: 10}}}.Validate(100), "zero duration")
	assert.Error(t, Schedule{Windows: []Window{{Kind: MaskInputs, Onset: 98, Duration: 5}}}.Validate(100), "window past session end")
	assert.Error(t, Schedule{Windows: []Window{{Kind: AblateCapability, Onset: 10, Duration: 5}}}.Validate(100), "unnamed capability")
}

func TestRandomizeIsDeterministicPerSeed(t *testing.T) {
	base := Schedule{Windows: []Window{{Kind: RandomizeParam, Onset: 20, Duration: 5}}}
	a := base.Randomize(7)
	b := base.Randomize(7)
	assert.Equal(t, a.Windows, b.Windows)
	assert.Greater(t, a.Windows[0].Factor, 0.0)
	assert.Less(t, a.Windows[0].Factor, 0.1)
	assert.GreaterOrEqual(t, a.Windows[0].Onset, uint64(20))
	assert.LessOrEqual(t, a.Windows[0].Onset, uint64(22))
}

func TestEngineReboundsAfterMask(t *testing.T) {
	schedule := Schedule{Windows: []Window{{Kind: MaskInputs, Onset: 40, Duration: 11}}}.Randomize(1)
	res := runParty(t, party.NewStatefulEngine(party.EngineConfig{}), schedule, 70)

	assert.Equal(t, contracts.TestPass, res.Tag)
	assert.Equal(t, 1.0, res.Score)
	require.Len(t, res.Stress.Windows, 1)
	assert.True(t, res.Stress.Windows[0].Rebound)
	assert.Equal(t, 1, res.Stress.Windows[0].RecoverySteps, "internal model keeps tracking through the mask")
}

func TestMimicRecoversFromMaskWithExtraLag(t *testing.T) {
	schedule := Schedule{Windows: []Window{{Kind: MaskInputs, Onset: 40, Duration: 11}}}.Randomize(1)
	res := runParty(t, party.NewLaggedMimic(party.MimicConfig{Seed: 2}), schedule, 70)

	require.Len(t, res.Stress.Windows, 1)
	if assert.True(t, res.Stress.Windows[0].Rebound, "reconvergence from raw observation is within tolerance") {
		assert.Greater(t, res.Stress.Windows[0].RecoverySteps, 1, "but only after a measurable lag")
	}
}

func TestEngineReboundsAfterParamRandomization(t *testing.T) {
	schedule := Schedule{Windows: []Window{{Kind: RandomizeParam, Onset: 30, Duration: 8}}}.Randomize(3)
	res := runParty(t, party.NewStatefulEngine(party.EngineConfig{}), schedule, 60)

	assert.Equal(t, contracts.TestPass, res.Tag)
	require.Len(t, res.Stress.Windows, 1)
	assert.True(t, res.Stress.Windows[0].Rebound, "retune rule restores the nominal gain")
}

func TestMimicStaysPerturbedAfterParamRandomization(t *testing.T) {
	schedule := Schedule{Windows: []Window{{Kind: RandomizeParam, Onset: 30, Duration: 8}}}.Randomize(3)
	res := runParty(t, party.NewLaggedMimic(party.MimicConfig{Seed: 2}), schedule, 60)

	assert.Equal(t, contracts.TestFail, res.Tag, "nothing in the mimic restores the coefficient")
	require.Len(t, res.Stress.Windows, 1)
	assert.False(t, res.Stress.Windows[0].Rebound)
	assert.Equal(t, []uint64{schedule.Windows[0].Onset}, res.Stress.FailedWindows)
}

func TestAblationRemovesRebound(t *testing.T) {
	// Two perturbations: one the engine recovers from, and one with the
	// closure path ablated for the window. If disabling the mechanism
	// removes the rebound, the mechanism is load-bearing.
	schedule := Schedule{Windows: []Window{
		{Kind: RandomizeParam, Onset: 20, Duration: 8},
		{Kind: AblateCapability, Onset: 50, Duration: 11, Capability: party.CapabilityClosure},
	}}.Randomize(4)
	res := runParty(t, party.NewStatefulEngine(party.EngineConfig{}), schedule, 80)

	require.Len(t, res.Stress.Windows, 2)
	assert.True(t, res.Stress.Windows[0].Rebound)
	assert.False(t, res.Stress.Windows[1].Rebound, "no in-window rebound while the closure path is ablated")
	assert.NotEmpty(t, res.Stress.AblationNote)
	assert.Equal(t, contracts.TestFail, res.Tag)
}

func TestEvaluateEmptyScheduleIndeterminate(t *testing.T) {
	res := Evaluate(Schedule{}, &contracts.StressTrace{Errors: []float64{0.1, 0.1}, Coherence: []float64{1, 1}})
	assert.Equal(t, contracts.TestIndeterminate, res.Tag)
}

func TestObserveRejectsOutOfOrderSteps(t *testing.T) {
	projector, err := crypto.NewProjector([]byte("stress-test-key"))
	require.NoError(t, err)
	h := NewHarness(Schedule{}, projector, nil)
	require.NoError(t, h.Observe(1, 0.1, "sha256:aa"))
	assert.Error(t, h.Observe(3, 0.1, "sha256:bb"))
}

func TestSlopeRange(t *testing.T) {
	decreasing := []float64{5, 4, 3, 2, 1}
	assert.InDelta(t, -1.0, slopeRange(decreasing, 1, 5), 1e-9)

	flat := []float64{2, 2, 2}
	assert.InDelta(t, 0.0, slopeRange(flat, 1, 3), 1e-9)
}
