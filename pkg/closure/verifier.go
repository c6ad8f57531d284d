// Package closure implements the Self-Closure Verifier: it checks that
// rule syntheses an engine claims are actually applied, by counterfactual
// replay against committed digests. No claim is taken on faith.
package closure

import (
	"context"
	"fmt"
	"sync"

	"github.com/mimicproof/core/pkg/contracts"
)

// Replayer is the engine's declared transition rule, exposed for
// counterfactual checking. The harness supplies the committed origin digest;
// the engine must derive the predicted later digest using only the morphism
// plus that prior state.
type Replayer interface {
	ReplayTransition(ctx context.Context, fromDigest contracts.Hash, m contracts.MorphismRecord, toStep uint64) (contracts.Hash, error)
}

// CommitmentSource resolves committed digests by step. Satisfied by the
// ledger.
type CommitmentSource interface {
	Record(step uint64) (contracts.CommitmentRecord, error)
}

// Config carries the verifier's protocol knobs.
type Config struct {
	// CheckDelta is how many steps after a morphism's origin the replay
	// check is evaluated at.
	CheckDelta uint64

	// FailThreshold is the applied/registered ratio below which the rolling
	// closure finding becomes CLOSURE_FAIL.
	FailThreshold float64
}

// Verifier tracks registered morphisms and their replay outcomes for one
// session party.
type Verifier struct {
	mu  sync.Mutex
	cfg Config

	registered map[string]contracts.MorphismRecord
	order      []string
	applied    map[string]bool
	checked    map[string]bool
}

// New creates a verifier.
func New(cfg Config) *Verifier {
	if cfg.CheckDelta == 0 {
		cfg.CheckDelta = 3
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 0.5
	}
	return &Verifier{
		cfg:        cfg,
		registered: make(map[string]contracts.MorphismRecord),
		applied:    make(map[string]bool),
		checked:    make(map[string]bool),
	}
}

// Register records a claimed new operator.
func (v *Verifier) Register(m contracts.MorphismRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, dup := v.registered[m.ID]; dup {
		return fmt.Errorf("closure: morphism %s already registered", m.ID)
	}
	v.registered[m.ID] = m
	v.order = append(v.order, m.ID)
	return nil
}

// CheckDelta returns the configured replay offset.
func (v *Verifier) CheckDelta() uint64 { return v.cfg.CheckDelta }

// CheckApplied determines whether behavior at laterStep is causally
// consistent with the morphism being in effect: it replays the engine's
// declared transition from the committed origin state and compares the
// predicted digest with the committed digest at laterStep.
func (v *Verifier) CheckApplied(ctx context.Context, replayer Replayer, commits CommitmentSource, morphismID string, laterStep uint64) (bool, error) {
	v.mu.Lock()
	m, ok := v.registered[morphismID]
	v.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("closure: morphism %s not registered", morphismID)
	}
	if laterStep <= m.ProducedAtStep {
		return false, fmt.Errorf("closure: later step %d not after origin %d", laterStep, m.ProducedAtStep)
	}

	origin, err := commits.Record(m.ProducedAtStep)
	if err != nil {
		return false, fmt.Errorf("closure: origin commitment: %w", err)
	}
	observed, err := commits.Record(laterStep)
	if err != nil {
		return false, fmt.Errorf("closure: later commitment: %w", err)
	}

	predicted, err := replayer.ReplayTransition(ctx, origin.Digest, m, laterStep)
	if err != nil {
		// A replay the engine cannot perform counts as an unverified claim,
		// not a harness error.
		v.record(morphismID, false)
		return false, nil
	}

	match := predicted == observed.Digest
	v.record(morphismID, match)
	return match, nil
}

func (v *Verifier) record(morphismID string, applied bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checked[morphismID] = true
	if applied {
		v.applied[morphismID] = true
	}
}

// Evidence summarizes the closure test for the session.
// Registered morphisms that were never checked count as unapplied; a claim
// nobody could verify earns nothing.
func (v *Verifier) Evidence() contracts.ClosureEvidence {
	v.mu.Lock()
	defer v.mu.Unlock()

	ev := contracts.ClosureEvidence{Registered: len(v.order)}
	for _, id := range v.order {
		if v.applied[id] {
			ev.Applied++
		}
	}
	if ev.Registered == 0 {
		ev.Score = 1.0 // nothing claimed, nothing unsubstantiated
	} else {
		ev.Score = float64(ev.Applied) / float64(ev.Registered)
	}
	return ev
}

// Result renders the closure evidence as a test result.
func (v *Verifier) Result() contracts.TestResult {
	ev := v.Evidence()
	tag := contracts.TestPass
	if ev.Registered == 0 {
		tag = contracts.TestIndeterminate
	} else if ev.Score < v.cfg.FailThreshold {
		tag = contracts.TestFail
	}
	return contracts.TestResult{
		Kind:    contracts.TestClosure,
		Tag:     tag,
		Score:   ev.Score,
		Closure: &ev,
	}
}

// Applied reports whether a specific morphism verified as applied.
func (v *Verifier) Applied(morphismID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.applied[morphismID]
}
