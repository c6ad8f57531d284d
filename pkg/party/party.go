// Package party defines the narrow interface the harness consumes from each
// party under test, plus built-in fixtures used by tests and the demo CLI.
//
// The harness never inspects a party's internals. Everything it learns comes
// through Step, Explain, and Reveal — and, for engines only, morphism
// proposals and declared transition replay.
package party

import (
	"context"

	"github.com/mimicproof/core/pkg/contracts"
)

// Party is the input/output surface shared by engines and challengers.
//
// Salt custody: the harness hands each commitment's salt to the committing
// party via HoldSalt immediately after the commit is appended. Reveal must
// later return that salt, or contracts.ErrRevealDeferred under a defer
// policy. The harness retains no salt copies, so a reveal is a genuine
// disclosure test.
type Party interface {
	ID() contracts.PartyID

	// Step advances one step, returning an externally observable output and
	// an opaque digest of internal state. Stateless parties may return a
	// constant digest.
	Step(ctx context.Context, stimulus contracts.Stimulus) (contracts.StepOutput, error)

	// Explain answers a diagonal query: which morphisms does the party claim
	// were in effect at step, with their digests.
	Explain(ctx context.Context, step uint64) ([]contracts.Citation, error)

	// HoldSalt stores the commitment salt for a step.
	HoldSalt(step uint64, salt []byte)

	// Reveal discloses the salt for a prior step.
	Reveal(ctx context.Context, step uint64) ([]byte, error)
}

// Engine extends Party with the capabilities a challenger is never granted:
// registering claimed rule syntheses and replaying its declared transition
// rule for counterfactual checking.
type Engine interface {
	Party

	// ProposeMorphism optionally emits a claimed new rule at the current
	// step. Returns nil when the engine has nothing to claim.
	ProposeMorphism(ctx context.Context) (*contracts.MorphismRecord, error)

	// ReplayTransition applies the engine's declared transition rule for
	// morphism m starting from the state committed as fromDigest, and
	// returns the digest the engine's own rule predicts at toStep.
	ReplayTransition(ctx context.Context, fromDigest contracts.Hash, m contracts.MorphismRecord, toStep uint64) (contracts.Hash, error)
}

// CapabilitySwitch is implemented by parties whose named internal mechanisms
// can be disabled for an ablation window.
type CapabilitySwitch interface {
	SetCapability(name string, enabled bool)
}

// Perturbable is implemented by parties whose internal parameter band can be
// randomized by a stress window.
type Perturbable interface {
	PerturbParam(factor float64)
}

// Describable exposes a party's self-description for MDL estimation. The
// description must be sufficient to reproduce the party's behavior.
type Describable interface {
	Describe() []byte
}

// CapabilityClosure names the self-closure mechanism for ablation.
const CapabilityClosure = "closure"
