package party

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
)

// quantum fixes the grid the engine's continuous state is discretized on
// before hashing, so replayed transitions produce bit-identical digests.
const quantum = 1e9

// gainTolerance is how far gain may drift from nominal before the engine
// synthesizes a retune rule.
const gainTolerance = 0.05

// StatefulEngine is a fixture with deliberate self-correcting dynamics.
//
// It tracks a scalar trajectory through a gain-weighted update, predicts
// through masked windows using an internal model of the trajectory, and
// when its gain is perturbed it synthesizes a retune morphism that restores
// the nominal gain — a rule it proposed itself that changes its own future
// behavior. Every snapshot is retained so the engine can honestly replay its
// declared transition for counterfactual checking.
type StatefulEngine struct {
	mu sync.Mutex

	id          contracts.PartyID
	nominalGain float64
	gain        float64
	x           float64
	omega       float64 // trajectory model used while inputs are masked
	amplitude   float64

	step         uint64
	capabilities map[string]bool
	salts        map[uint64][]byte
	deferLeft    map[uint64]int

	pending   *contracts.MorphismRecord
	rules     []engineRule
	snapshots map[uint64]engineSnapshot
	stimuli   map[uint64]contracts.Stimulus
}

// engineRule is a synthesized rule plus the step it takes effect.
// FiredAt records when the rule actually fired in the live run (0 = never);
// a rule whose activation step falls inside an ablation window never fires.
type engineRule struct {
	Morphism contracts.MorphismRecord
	ActiveAt uint64
	FiredAt  uint64
	Gain     float64 // gain restored when the rule fires
}

// engineSnapshot is the full internal state at a step boundary.
type engineSnapshot struct {
	X     float64
	Gain  float64
	Rules int // count of rules in effect
}

// digestBody is the hashed projection of a snapshot. Integer quantization
// keeps the canonical form stable across replays.
type digestBody struct {
	Step  uint64   `json:"step"`
	X     int64    `json:"x"`
	Gain  int64    `json:"gain"`
	Rules []string `json:"rules"`
}

// EngineConfig tunes the fixture.
type EngineConfig struct {
	ID         contracts.PartyID
	Gain       float64 // nominal tracking gain, default 0.9
	Omega      float64 // trajectory angular frequency, default 0.1
	Amplitude  float64 // trajectory amplitude, default 1.0
	DeferSteps map[uint64]int
}

// NewStatefulEngine builds the genuine-engine fixture.
func NewStatefulEngine(cfg EngineConfig) *StatefulEngine {
	if cfg.ID == "" {
		cfg.ID = "stateful-engine"
	}
	if cfg.Gain == 0 {
		cfg.Gain = 0.9
	}
	if cfg.Omega == 0 {
		cfg.Omega = 0.1
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 1.0
	}
	e := &StatefulEngine{
		id:           cfg.ID,
		nominalGain:  cfg.Gain,
		gain:         cfg.Gain,
		omega:        cfg.Omega,
		amplitude:    cfg.Amplitude,
		capabilities: map[string]bool{CapabilityClosure: true},
		salts:        make(map[uint64][]byte),
		deferLeft:    make(map[uint64]int),
		snapshots:    make(map[uint64]engineSnapshot),
		stimuli:      make(map[uint64]contracts.Stimulus),
	}
	for step, n := range cfg.DeferSteps {
		e.deferLeft[step] = n
	}
	return e
}

func (e *StatefulEngine) ID() contracts.PartyID { return e.id }

// Step advances the engine's dynamics one step.
func (e *StatefulEngine) Step(ctx context.Context, stimulus contracts.Stimulus) (contracts.StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return contracts.StepOutput{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.step = stimulus.Step
	e.stimuli[stimulus.Step] = stimulus

	// Fire due rules (self-closure path). A rule only ever fires once; with
	// the closure capability ablated, due rules stay dormant.
	if e.capabilities[CapabilityClosure] {
		for i := range e.rules {
			if e.rules[i].FiredAt == 0 && e.rules[i].ActiveAt <= stimulus.Step {
				e.rules[i].FiredAt = stimulus.Step
				e.gain = e.rules[i].Gain
			}
		}
	}

	e.advance(stimulus)

	// A drifted gain triggers rule synthesis, once per drift episode.
	// Proposing is just a claim; only the firing path above is gated by the
	// closure capability, so an ablated engine still registers rules that
	// never take effect.
	if e.pending == nil && !e.hasDormantRule() && math.Abs(e.gain-e.nominalGain) > gainTolerance {
		e.pending = &contracts.MorphismRecord{
			ID:             uuid.New().String(),
			Kind:           "gain-retune",
			ProducedAtStep: stimulus.Step,
		}
	}

	snap := engineSnapshot{X: e.x, Gain: e.gain, Rules: e.rulesInEffect(stimulus.Step)}
	e.snapshots[stimulus.Step] = snap

	digest, err := e.digestLocked(stimulus.Step, snap)
	if err != nil {
		return contracts.StepOutput{}, err
	}
	return contracts.StepOutput{
		Output:      contracts.EncodeScalar(e.x),
		StateDigest: digest,
	}, nil
}

// advance applies one transition of the tracking dynamics.
func (e *StatefulEngine) advance(stimulus contracts.Stimulus) {
	e.x = transition(e.x, e.gain, e.amplitude, e.omega, stimulus)
}

// transition is the engine's declared transition rule, shared between the
// live path and counterfactual replay.
func transition(x, gain, amplitude, omega float64, stimulus contracts.Stimulus) float64 {
	if stimulus.Masked {
		// No input: follow the internal trajectory model instead.
		predicted := amplitude * math.Sin(omega*float64(stimulus.Step))
		return x + 0.8*(predicted-x)
	}
	if v, err := contracts.DecodeScalar(stimulus.Payload); err == nil {
		return x + gain*(v-x)
	}
	return x
}

// ProposeMorphism emits the pending rule claim, if any. The rule takes
// effect at the step after its proposal.
func (e *StatefulEngine) ProposeMorphism(ctx context.Context) (*contracts.MorphismRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		return nil, nil
	}
	m := *e.pending
	e.pending = nil

	rule := engineRule{Morphism: m, ActiveAt: m.ProducedAtStep + 1, Gain: e.nominalGain}
	digest, err := canonicalize.CanonicalHash(map[string]interface{}{
		"kind":      m.Kind,
		"active_at": rule.ActiveAt,
		"gain":      int64(math.Round(rule.Gain * quantum)),
	})
	if err != nil {
		return nil, err
	}
	m.Digest = digest
	rule.Morphism = m
	e.rules = append(e.rules, rule)
	return &m, nil
}

// ReplayTransition re-simulates the declared transition from the committed
// state at the morphism's origin step through toStep and returns the
// resulting digest.
func (e *StatefulEngine) ReplayTransition(ctx context.Context, fromDigest contracts.Hash, m contracts.MorphismRecord, toStep uint64) (contracts.Hash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	origin := m.ProducedAtStep
	snap, ok := e.snapshots[origin]
	if !ok {
		return "", fmt.Errorf("engine: no snapshot at step %d", origin)
	}
	originDigest, err := e.digestLocked(origin, snap)
	if err != nil {
		return "", err
	}
	if originDigest != fromDigest {
		return "", fmt.Errorf("engine: committed digest at step %d does not match local history", origin)
	}
	if toStep <= origin {
		return "", fmt.Errorf("engine: replay target %d not after origin %d", toStep, origin)
	}

	// Counterfactual: the checked morphism fires at its declared activation
	// step; every other rule fires exactly when it fired in the live run.
	x, gain := snap.X, snap.Gain
	counterfactualIDs := make([]string, 0, len(e.rules))
	for step := origin + 1; step <= toStep; step++ {
		stimulus, ok := e.stimuli[step]
		if !ok {
			return "", fmt.Errorf("engine: no recorded stimulus for step %d", step)
		}
		for _, r := range e.rules {
			if r.Morphism.ID == m.ID {
				if r.ActiveAt == step {
					gain = r.Gain
				}
			} else if r.FiredAt == step {
				gain = r.Gain
			}
		}
		x = transition(x, gain, e.amplitude, e.omega, stimulus)
	}
	for _, r := range e.rules {
		if r.Morphism.ID == m.ID {
			if r.ActiveAt <= toStep {
				counterfactualIDs = append(counterfactualIDs, r.Morphism.ID)
			}
		} else if r.FiredAt != 0 && r.FiredAt <= toStep {
			counterfactualIDs = append(counterfactualIDs, r.Morphism.ID)
		}
	}
	return canonicalize.CanonicalHash(digestBody{
		Step:  toStep,
		X:     int64(math.Round(x * quantum)),
		Gain:  int64(math.Round(gain * quantum)),
		Rules: counterfactualIDs,
	})
}

// Explain cites every morphism the engine proposed at or before step. The
// engine cannot know which claims the verifier later confirmed; it reports
// what it believes was in effect.
func (e *StatefulEngine) Explain(ctx context.Context, step uint64) ([]contracts.Citation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []contracts.Citation
	for _, r := range e.rules {
		if r.Morphism.ProducedAtStep <= step {
			out = append(out, contracts.Citation{
				MorphismID:    r.Morphism.ID,
				ClaimedDigest: r.Morphism.Digest,
			})
		}
	}
	return out, nil
}

func (e *StatefulEngine) HoldSalt(step uint64, salt []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.salts[step] = append([]byte(nil), salt...)
}

// Reveal discloses the salt for step, honoring any configured deferrals.
func (e *StatefulEngine) Reveal(ctx context.Context, step uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if left := e.deferLeft[step]; left > 0 {
		e.deferLeft[step] = left - 1
		return nil, contracts.ErrRevealDeferred
	}
	salt, ok := e.salts[step]
	if !ok {
		return nil, fmt.Errorf("engine: no salt held for step %d", step)
	}
	return salt, nil
}

// SetCapability enables or disables a named internal mechanism.
func (e *StatefulEngine) SetCapability(name string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capabilities[name] = enabled
}

func (e *StatefulEngine) hasDormantRule() bool {
	for _, r := range e.rules {
		if r.FiredAt == 0 {
			return true
		}
	}
	return false
}

// PerturbParam randomizes the tracking gain by the given factor.
func (e *StatefulEngine) PerturbParam(factor float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gain = e.nominalGain * factor
}

// Describe returns the engine's self-description: its parameters and its
// transition rule rendered as a reproduction recipe.
func (e *StatefulEngine) Describe() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	desc := fmt.Sprintf(
		"engine{id:%s gain:%.6f omega:%.6f amplitude:%.6f rule:x+=gain*(input-x) masked:x+=0.8*(A*sin(omega*t)-x) retune:restore-gain-on-drift>%.2f}",
		e.id, e.nominalGain, e.omega, e.amplitude, gainTolerance,
	)
	return []byte(desc)
}

func (e *StatefulEngine) rulesInEffect(step uint64) int {
	n := 0
	for _, r := range e.rules {
		if r.FiredAt != 0 && r.FiredAt <= step {
			n++
		}
	}
	return n
}

func (e *StatefulEngine) digestLocked(step uint64, snap engineSnapshot) (contracts.Hash, error) {
	ids := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		if r.FiredAt != 0 && r.FiredAt <= step {
			ids = append(ids, r.Morphism.ID)
		}
	}
	return canonicalize.CanonicalHash(digestBody{
		Step:  step,
		X:     int64(math.Round(snap.X * quantum)),
		Gain:  int64(math.Round(snap.Gain * quantum)),
		Rules: ids,
	})
}
