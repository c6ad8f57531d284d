// Package stress implements the torsion-stress harness: randomized
// perturbations and ablations applied during a session, with measured
// recovery invariants over the resulting error and coherence traces.
package stress

import (
	"fmt"
	"math/rand"
)

// Kind enumerates perturbation kinds.
type Kind string

const (
	// MaskInputs withholds the external input for the window; the party
	// sees only a masked stimulus.
	MaskInputs Kind = "MASK_INPUTS"

	// RandomizeParam perturbs a party's internal parameter band at onset.
	// Parties without internals are unaffected, which is itself evidence.
	RandomizeParam Kind = "RANDOMIZE_PARAM"

	// AblateCapability disables a named internal mechanism for the window,
	// combined with a parameter perturbation at onset, to test whether
	// claimed recovery is causally attributable to that mechanism.
	AblateCapability Kind = "ABLATE_CAPABILITY"
)

// Window is a single stress application.
type Window struct {
	Kind       Kind    `json:"kind"`
	Onset      uint64  `json:"onset"`
	Duration   uint64  `json:"duration"`
	Capability string  `json:"capability,omitempty"` // for AblateCapability
	Factor     float64 `json:"factor,omitempty"`     // parameter scale at onset; 0 = draw from seed
}

// End returns the last step inside the window.
func (w Window) End() uint64 { return w.Onset + w.Duration - 1 }

// Contains reports whether step falls inside the window.
func (w Window) Contains(step uint64) bool { return step >= w.Onset && step <= w.End() }

// Schedule enumerates the stress applied to one session and the invariant's
// parameters.
type Schedule struct {
	Windows []Window `json:"windows"`
	Seed    int64    `json:"seed"`

	// RecoveryTail is K: the number of post-stress steps within which the
	// rebound must complete.
	RecoveryTail uint64 `json:"recovery_tail"`

	// BaselineSteps is how many pre-onset steps define the baseline error.
	BaselineSteps uint64 `json:"baseline_steps"`

	// ErrorTolerance is the margin over baseline that still counts as
	// recovered.
	ErrorTolerance float64 `json:"error_tolerance"`

	// SlopeTolerance bounds the trend tests: error slope must stay below
	// +SlopeTolerance, coherence slope above -SlopeTolerance.
	SlopeTolerance float64 `json:"slope_tolerance"`

	// ReboundFraction is the fraction of windows (and, across trials,
	// seeds) that must meet the invariant. Default 0.9.
	ReboundFraction float64 `json:"rebound_fraction"`
}

// Validate rejects schedules the harness cannot apply.
func (s Schedule) Validate(totalSteps uint64) error {
	for i, w := range s.Windows {
		if w.Duration == 0 {
			return fmt.Errorf("stress: window %d has zero duration", i)
		}
		if w.Onset == 0 || w.End() > totalSteps {
			return fmt.Errorf("stress: window %d [%d,%d] outside session of %d steps", i, w.Onset, w.End(), totalSteps)
		}
		if w.End()+s.RecoveryTail > totalSteps && w.Kind != AblateCapability {
			return fmt.Errorf("stress: window %d leaves no room for a %d-step recovery tail", i, s.RecoveryTail)
		}
		if w.Kind == AblateCapability && w.Capability == "" {
			return fmt.Errorf("stress: window %d ablates no named capability", i)
		}
	}
	return nil
}

// withDefaults fills unset invariant parameters.
func (s Schedule) withDefaults() Schedule {
	if s.RecoveryTail == 0 {
		s.RecoveryTail = 5
	}
	if s.BaselineSteps == 0 {
		s.BaselineSteps = 5
	}
	if s.ErrorTolerance == 0 {
		s.ErrorTolerance = 0.1
	}
	if s.SlopeTolerance == 0 {
		s.SlopeTolerance = 0.05
	}
	if s.ReboundFraction == 0 {
		s.ReboundFraction = 0.9
	}
	return s
}

// Randomize derives a per-trial schedule: onsets jittered and perturbation
// factors drawn from the trial seed. The invariant parameters are shared
// protocol config and stay fixed.
func (s Schedule) Randomize(seed int64) Schedule {
	out := s.withDefaults()
	out.Seed = seed
	rng := rand.New(rand.NewSource(seed))
	out.Windows = make([]Window, len(s.Windows))
	for i, w := range s.Windows {
		jitter := uint64(rng.Intn(3)) // 0..2 steps later
		w.Onset += jitter
		if w.Factor == 0 {
			w.Factor = 0.02 + 0.08*rng.Float64()
		}
		out.Windows[i] = w
	}
	return out
}
