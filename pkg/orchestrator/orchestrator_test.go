package orchestrator_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/ledger"
	"github.com/mimicproof/core/pkg/oracle"
	"github.com/mimicproof/core/pkg/orchestrator"
	"github.com/mimicproof/core/pkg/party"
	"github.com/mimicproof/core/pkg/stress"
)

func newEngine(defers map[uint64]int) *party.StatefulEngine {
	return party.NewStatefulEngine(party.EngineConfig{ID: "engine-a", DeferSteps: defers})
}

func newMimic() *party.LaggedMimic {
	return party.NewLaggedMimic(party.MimicConfig{ID: "mimic-a", Seed: 7})
}

func resultOf(t *testing.T, v *contracts.Verdict, kind contracts.TestKind) contracts.TestResult {
	t.Helper()
	require.NotNil(t, v)
	for _, res := range v.PerTest {
		if res.Kind == kind {
			return res
		}
	}
	t.Fatalf("verdict for %s has no %s result", v.Party, kind)
	return contracts.TestResult{}
}

func TestSessionSeparatesEngineFromMimic(t *testing.T) {
	cfg := orchestrator.Config{
		Steps: 100,
		Seed:  11,
		Stress: stress.Schedule{
			Windows: []stress.Window{
				{Kind: stress.RandomizeParam, Onset: 30, Duration: 5, Factor: 0.05},
			},
		},
	}
	orc := orchestrator.New(cfg, nil, nil)

	session, err := orc.RunSession(context.Background(), newEngine(nil), newMimic())
	require.NoError(t, err)
	require.Equal(t, contracts.SessionSealed, session.Status)
	require.NotNil(t, session.Engine)
	require.NotNil(t, session.Challenger)
	assert.Len(t, session.Engine.Commitments, 100)
	assert.Len(t, session.Challenger.Commitments, 100)

	// The engine retunes itself after the perturbation and rebounds.
	engineStress := resultOf(t, session.Engine.Verdict, contracts.TestStress)
	assert.Equal(t, contracts.TestPass, engineStress.Tag, "engine stress: %+v", engineStress.Stress)

	// The mimic's perturbed coefficient stays perturbed; no rebound.
	mimicStress := resultOf(t, session.Challenger.Verdict, contracts.TestStress)
	assert.Equal(t, contracts.TestFail, mimicStress.Tag, "mimic stress: %+v", mimicStress.Stress)
	assert.Equal(t, contracts.VerdictStressFail, session.Challenger.Verdict.Tag)

	// The retune morphism was registered and verified applied.
	engineClosure := resultOf(t, session.Engine.Verdict, contracts.TestClosure)
	require.NotNil(t, engineClosure.Closure)
	assert.Equal(t, contracts.TestPass, engineClosure.Tag)
	assert.Equal(t, 1, engineClosure.Closure.Registered)
	assert.Equal(t, 1, engineClosure.Closure.Applied)

	engineDiag := resultOf(t, session.Engine.Verdict, contracts.TestDiagonal)
	assert.Equal(t, contracts.TestPass, engineDiag.Tag)

	engineMDL := resultOf(t, session.Engine.Verdict, contracts.TestMDL)
	require.NotNil(t, engineMDL.MDL)
	assert.False(t, engineMDL.MDL.Disproved)
	assert.Greater(t, engineMDL.MDL.Margin, 0.0)

	assert.Equal(t, contracts.VerdictStructureSupported, session.Engine.Verdict.Tag)
	assert.Greater(t, session.Engine.Verdict.AggregateScore, 0.9)
}

func TestAblatedSessionReadsStressFail(t *testing.T) {
	cfg := orchestrator.Config{
		Steps: 100,
		Seed:  23,
		Stress: stress.Schedule{
			Windows: []stress.Window{
				{
					Kind:       stress.AblateCapability,
					Onset:      40,
					Duration:   11,
					Capability: party.CapabilityClosure,
					Factor:     0.05,
				},
			},
		},
		Oracle: oracle.Config{Queries: 5, MinStep: 60},
	}
	orc := orchestrator.New(cfg, nil, nil)

	session, err := orc.RunSession(context.Background(), newEngine(nil), newMimic())
	require.NoError(t, err)
	require.Equal(t, contracts.SessionSealed, session.Status)

	verdict := session.Engine.Verdict
	require.NotNil(t, verdict)
	assert.Equal(t, contracts.VerdictStressFail, verdict.Tag)

	// No rebound inside the ablated window; the evidence names it.
	stressRes := resultOf(t, verdict, contracts.TestStress)
	require.NotNil(t, stressRes.Stress)
	assert.Equal(t, contracts.TestFail, stressRes.Tag)
	require.Len(t, stressRes.Stress.FailedWindows, 1)
	onset := stressRes.Stress.FailedWindows[0]
	assert.GreaterOrEqual(t, onset, uint64(40))
	assert.LessOrEqual(t, onset, uint64(42))

	// The engine still claimed a retune it could not execute while ablated.
	closureRes := resultOf(t, verdict, contracts.TestClosure)
	require.NotNil(t, closureRes.Closure)
	assert.GreaterOrEqual(t, closureRes.Closure.Registered, 1)
	assert.Equal(t, 0, closureRes.Closure.Applied)
	assert.Equal(t, 0.0, closureRes.Closure.Score)

	// Every post-60 query cites the claimed-but-never-applied morphism.
	diagRes := resultOf(t, verdict, contracts.TestDiagonal)
	require.NotNil(t, diagRes.Diagonal)
	assert.Equal(t, contracts.TestFail, diagRes.Tag)
	assert.Equal(t, 0, diagRes.Diagonal.Correct)
	assert.Len(t, diagRes.Diagonal.Failed, 5)
}

func TestDeferWithinBudgetReadsIncomplete(t *testing.T) {
	cfg := orchestrator.Config{
		Steps:  10,
		Seed:   3,
		Ledger: ledger.Config{DeferBudget: 2},
	}
	orc := orchestrator.New(cfg, nil, nil)

	session, err := orc.RunSession(context.Background(), newEngine(map[uint64]int{4: 2}), nil)
	require.NoError(t, err)
	require.Equal(t, contracts.SessionSealed, session.Status)

	verdict := session.Engine.Verdict
	revealRes := resultOf(t, verdict, contracts.TestReveal)
	require.NotNil(t, revealRes.Reveal)
	assert.Equal(t, contracts.TestIncomplete, revealRes.Tag)
	assert.Equal(t, 10, revealRes.Reveal.Revealed)
	assert.Equal(t, 2, revealRes.Reveal.Defers)
	assert.Empty(t, revealRes.Reveal.Exceeded)
	assert.Equal(t, contracts.VerdictIncomplete, verdict.Tag)
}

func TestDeferPastBudgetReadsRevealFail(t *testing.T) {
	cfg := orchestrator.Config{
		Steps:  10,
		Seed:   3,
		Ledger: ledger.Config{DeferBudget: 2},
	}
	orc := orchestrator.New(cfg, nil, nil)

	session, err := orc.RunSession(context.Background(), newEngine(map[uint64]int{4: 3}), nil)
	require.NoError(t, err)

	verdict := session.Engine.Verdict
	revealRes := resultOf(t, verdict, contracts.TestReveal)
	require.NotNil(t, revealRes.Reveal)
	assert.Equal(t, contracts.TestFail, revealRes.Tag)
	assert.Equal(t, []uint64{4}, revealRes.Reveal.Exceeded)
	assert.Equal(t, 9, revealRes.Reveal.Revealed)
	assert.Equal(t, contracts.VerdictIncomplete, verdict.Tag)
}

// badSaltEngine discloses a wrong salt for one step.
type badSaltEngine struct {
	*party.StatefulEngine
	step uint64
}

func (b *badSaltEngine) Reveal(ctx context.Context, step uint64) ([]byte, error) {
	salt, err := b.StatefulEngine.Reveal(ctx, step)
	if err != nil || step != b.step {
		return salt, err
	}
	forged := append([]byte(nil), salt...)
	forged[0] ^= 0xff
	return forged, nil
}

func TestForgedRevealTaintsSession(t *testing.T) {
	cfg := orchestrator.Config{Steps: 10, Seed: 5}
	orc := orchestrator.New(cfg, nil, nil)

	session, err := orc.RunSession(context.Background(), &badSaltEngine{newEngine(nil), 6}, nil)
	require.Error(t, err)
	var fault contracts.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, contracts.FaultIntegrityViolation, fault.Code)
	assert.Equal(t, uint64(6), fault.Step)

	require.NotNil(t, session)
	assert.Equal(t, contracts.SessionTainted, session.Status)
	require.NotNil(t, session.Engine.Verdict)
	assert.Equal(t, contracts.VerdictIntegrityViolation, session.Engine.Verdict.Tag)
}

func TestSlowChallengerScoredNotCrashed(t *testing.T) {
	cfg := orchestrator.Config{
		Steps:       12,
		Seed:        9,
		StepTimeout: 15 * time.Millisecond,
		StepRetries: 1,
	}
	orc := orchestrator.New(cfg, nil, nil)

	slow := &party.SlowParty{
		Party: newMimic(),
		Delay: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	session, err := orc.RunSession(context.Background(), newEngine(nil), slow)
	require.NoError(t, err)
	require.Equal(t, contracts.SessionSealed, session.Status)

	for _, trace := range session.Challenger.Steps {
		assert.True(t, trace.TimedOut, "step %d", trace.Step)
		assert.Equal(t, 1.0, trace.Error)
	}
	require.NotNil(t, session.Challenger.Verdict)
	timeouts := 0
	for _, f := range session.Challenger.Verdict.Anomalies {
		if f.Code == contracts.FaultTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 12, timeouts)

	// The engine's run is untouched by the challenger's stalling.
	for _, trace := range session.Engine.Steps {
		assert.False(t, trace.TimedOut)
	}
}

func TestSessionRescoresIdenticallyForSameSeed(t *testing.T) {
	cfg := orchestrator.Config{
		SessionID: "rescore-fixture",
		Steps:     80,
		Seed:      17,
		Stress: stress.Schedule{
			Windows: []stress.Window{
				{Kind: stress.RandomizeParam, Onset: 25, Duration: 5, Factor: 0.05},
			},
		},
	}

	run := func() *contracts.ChallengeSession {
		orc := orchestrator.New(cfg, nil, nil)
		session, err := orc.RunSession(context.Background(), newEngine(nil), newMimic())
		require.NoError(t, err)
		return session
	}
	first, second := run(), run()

	assert.Equal(t, first.ProtocolHash, second.ProtocolHash)
	assert.Equal(t, first.Engine.Verdict.Tag, second.Engine.Verdict.Tag)
	assert.Equal(t, first.Challenger.Verdict.Tag, second.Challenger.Verdict.Tag)

	for _, kind := range []contracts.TestKind{contracts.TestClosure, contracts.TestStress, contracts.TestDiagonal} {
		a := resultOf(t, first.Engine.Verdict, kind)
		b := resultOf(t, second.Engine.Verdict, kind)
		assert.Equal(t, a.Tag, b.Tag, "%s tag", kind)
		assert.Equal(t, a.Score, b.Score, "%s score", kind)
	}
}

func TestCancelledSessionAbortsWithEvidence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := orchestrator.Config{Steps: 1000, Seed: 2, StepsPerSecond: 50}
	orc := orchestrator.New(cfg, nil, nil)

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	session, err := orc.RunSession(ctx, newEngine(nil), newMimic())
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, session)
	assert.Equal(t, contracts.SessionAborted, session.Status)
	assert.NotEmpty(t, session.Engine.Commitments)
	assert.Less(t, len(session.Engine.Commitments), 1000)
}

func TestRunTrialsAggregates(t *testing.T) {
	base := orchestrator.Config{
		Steps: 60,
		Stress: stress.Schedule{
			Windows: []stress.Window{
				{Kind: stress.RandomizeParam, Onset: 25, Duration: 5, Factor: 0.05},
			},
		},
	}
	orc := orchestrator.New(base, nil, nil)

	stats, sessions, err := orc.RunTrials(context.Background(), orchestrator.TrialConfig{
		Base:  base,
		Seeds: []int64{101, 102, 103},
		NewEngine: func(seed int64) party.Engine {
			return party.NewStatefulEngine(party.EngineConfig{ID: "engine-a"})
		},
	})
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	assert.Equal(t, 3, stats.Sessions)
	assert.Equal(t, 1.0, stats.StressPassFraction)
	assert.Equal(t, 1.0, stats.ClosureMean)
	assert.False(t, stats.ClosureFailing)
	assert.Equal(t, 0, stats.Disproved)
	assert.Equal(t, 3, stats.Tags[contracts.VerdictStructureSupported])

	ids := map[string]struct{}{}
	for _, s := range sessions {
		ids[s.ID] = struct{}{}
	}
	assert.Len(t, ids, 3)
}

func TestCompactMatchingChallengerDisprovesSeparation(t *testing.T) {
	// The challenger carries the engine's whole generating rule in a few
	// dozen bytes and reproduces its outputs exactly. With no stress windows
	// the engine registers no structure, so the compact recipe undercuts its
	// self-description and the separation claim falls.
	x := 0.0
	rule := func(step uint64) float64 {
		target := math.Sin(0.1 * float64(step))
		x += 0.9 * (target - x)
		return x
	}
	challenger := party.NewLookupChallenger("lookup-a", rule, []byte("x+=0.9*(sin(0.1t)-x)"))

	cfg := orchestrator.Config{Steps: 60, Seed: 23}
	orc := orchestrator.New(cfg, nil, nil)

	session, err := orc.RunSession(context.Background(), newEngine(nil), challenger)
	require.NoError(t, err)
	require.Equal(t, contracts.SessionSealed, session.Status)

	verdict := session.Engine.Verdict
	require.NotNil(t, verdict)
	assert.Equal(t, contracts.VerdictSeparationDisproved, verdict.Tag)

	mdlRes := resultOf(t, verdict, contracts.TestMDL)
	require.NotNil(t, mdlRes.MDL)
	assert.True(t, mdlRes.MDL.Disproved)
	assert.Less(t, mdlRes.MDL.Margin, 0.0)

	found := false
	for _, f := range verdict.Anomalies {
		if f.Code == contracts.FaultSeparationDisproved {
			found = true
		}
	}
	assert.True(t, found, "disproof is recorded as an anomaly")

	// The challenger itself is unremarkable: it kept its commitments and
	// was never offered morphism registration.
	require.NotNil(t, session.Challenger.Verdict)
	assert.Empty(t, session.Challenger.Morphisms)
}
