package stress

import (
	"fmt"
	"log/slog"

	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/crypto"
	"github.com/mimicproof/core/pkg/party"
)

// Harness applies one schedule to one party over one session and records the
// error and coherence traces the invariant is evaluated on.
type Harness struct {
	schedule  Schedule
	projector *crypto.Projector
	logger    *slog.Logger

	errors     []float64
	coherence  []float64
	lastDigest contracts.Hash
}

// NewHarness creates a harness for one party's run.
func NewHarness(schedule Schedule, projector *crypto.Projector, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		schedule:  schedule.withDefaults(),
		projector: projector,
		logger:    logger.With("component", "stress"),
	}
}

// Schedule returns the harness's (defaulted) schedule.
func (h *Harness) Schedule() Schedule { return h.schedule }

// MaskedAt reports whether the input at step is withheld.
func (h *Harness) MaskedAt(step uint64) bool {
	for _, w := range h.schedule.Windows {
		if w.Kind == MaskInputs && w.Contains(step) {
			return true
		}
	}
	return false
}

// Before applies window transitions due at step: perturbation at onsets,
// capability restoration just after ablation windows end. Parties that do
// not expose the relevant hook are left untouched.
func (h *Harness) Before(step uint64, p party.Party) {
	for _, w := range h.schedule.Windows {
		switch {
		case step == w.Onset && (w.Kind == RandomizeParam || w.Kind == AblateCapability):
			if pert, ok := p.(party.Perturbable); ok {
				pert.PerturbParam(w.Factor)
				h.logger.Debug("parameter perturbed", "step", step, "factor", w.Factor)
			}
			if w.Kind == AblateCapability {
				if sw, ok := p.(party.CapabilitySwitch); ok {
					sw.SetCapability(w.Capability, false)
					h.logger.Debug("capability ablated", "step", step, "capability", w.Capability)
				}
			}
		case step == w.End()+1 && w.Kind == AblateCapability:
			if sw, ok := p.(party.CapabilitySwitch); ok {
				sw.SetCapability(w.Capability, true)
				h.logger.Debug("capability restored", "step", step, "capability", w.Capability)
			}
		}
	}
}

// Observe records one step's external error and the coherence between the
// new committed digest and the previous one.
func (h *Harness) Observe(step uint64, taskError float64, digest contracts.Hash) error {
	coh := 1.0
	if h.lastDigest != "" {
		var err error
		coh, err = h.projector.Coherence(h.lastDigest, digest)
		if err != nil {
			return fmt.Errorf("stress: coherence at step %d: %w", step, err)
		}
	}
	if want := uint64(len(h.errors)) + 1; step != want {
		return fmt.Errorf("stress: out-of-order observation: step %d, want %d", step, want)
	}
	h.errors = append(h.errors, taskError)
	h.coherence = append(h.coherence, coh)
	h.lastDigest = digest
	return nil
}

// Trace returns the recorded traces.
func (h *Harness) Trace() *contracts.StressTrace {
	return &contracts.StressTrace{
		Errors:    append([]float64(nil), h.errors...),
		Coherence: append([]float64(nil), h.coherence...),
	}
}

// Evaluate applies the rebound invariant to the recorded traces.
func (h *Harness) Evaluate() contracts.TestResult {
	return Evaluate(h.schedule, h.Trace())
}

// Evaluate applies the rebound invariant to a trace under a schedule. It is
// a pure function so sealed sessions can be re-scored offline.
func Evaluate(schedule Schedule, trace *contracts.StressTrace) contracts.TestResult {
	schedule = schedule.withDefaults()
	ev := contracts.StressEvidence{}
	rebounds := 0
	ablatedFailed := false
	plainPassed := false

	for _, w := range schedule.Windows {
		we := evaluateWindow(schedule, trace, w)
		ev.Windows = append(ev.Windows, we)
		if we.Rebound {
			rebounds++
			if w.Kind != AblateCapability {
				plainPassed = true
			}
		} else {
			ev.FailedWindows = append(ev.FailedWindows, w.Onset)
			if w.Kind == AblateCapability {
				ablatedFailed = true
			}
		}
	}

	if len(ev.Windows) > 0 {
		ev.ReboundRate = float64(rebounds) / float64(len(ev.Windows))
	} else {
		ev.ReboundRate = 1.0
	}
	if ablatedFailed && plainPassed {
		ev.AblationNote = "rebound disappears under ablation: the ablated mechanism is load-bearing"
	}

	tag := contracts.TestPass
	if len(ev.Windows) == 0 {
		tag = contracts.TestIndeterminate
	} else if ev.ReboundRate < schedule.ReboundFraction {
		tag = contracts.TestFail
	}
	return contracts.TestResult{
		Kind:   contracts.TestStress,
		Tag:    tag,
		Score:  ev.ReboundRate,
		Stress: &ev,
	}
}

// evaluateWindow checks one window. Ablation windows must hold the line
// inside the window itself (the ablated mechanism is the only thing that
// could have recovered them); other kinds are judged on the post-window
// recovery tail. Recovery compares the mean error over the judged range
// against the pre-onset baseline, so a single lucky dip does not count.
func evaluateWindow(schedule Schedule, trace *contracts.StressTrace, w Window) contracts.WindowEvidence {
	we := contracts.WindowEvidence{
		Onset:    w.Onset,
		Duration: w.Duration,
		Kind:     string(w.Kind),
		Ablated:  w.Capability,
	}

	var baseFrom uint64 = 1
	if w.Onset > schedule.BaselineSteps {
		baseFrom = w.Onset - schedule.BaselineSteps
	}
	baseline := meanRange(trace.Errors, baseFrom, w.Onset-1)
	recovered := baseline + schedule.ErrorTolerance

	var from, to uint64
	if w.Kind == AblateCapability {
		from, to = w.Onset+1, w.End()
	} else {
		from, to = w.End()+1, w.End()+schedule.RecoveryTail
	}
	if to > uint64(len(trace.Errors)) {
		to = uint64(len(trace.Errors))
	}
	if from > to {
		return we
	}

	we.ErrorSlope = slopeRange(trace.Errors, from, to)
	we.CohSlope = slopeRange(trace.Coherence, from, to)

	switch {
	case meanRange(trace.Errors, from, to) > recovered:
		we.Rebound = false
	case we.ErrorSlope > schedule.SlopeTolerance:
		we.Rebound = false
	case we.CohSlope < -schedule.SlopeTolerance:
		we.Rebound = false
	default:
		we.Rebound = true
		for step := from; step <= to; step++ {
			if trace.Errors[step-1] <= recovered {
				we.RecoverySteps = int(step - from + 1)
				break
			}
		}
	}
	return we
}

// meanRange averages values for steps [from,to], 1-based, clamped.
func meanRange(values []float64, from, to uint64) float64 {
	if from < 1 || from > to {
		from = 1
	}
	if to > uint64(len(values)) {
		to = uint64(len(values))
	}
	if to == 0 || from > to {
		return 0
	}
	sum := 0.0
	for step := from; step <= to; step++ {
		sum += values[step-1]
	}
	return sum / float64(to-from+1)
}

// slopeRange is the least-squares slope of values over steps [from,to].
func slopeRange(values []float64, from, to uint64) float64 {
	n := float64(to - from + 1)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for step := from; step <= to; step++ {
		x := float64(step - from)
		y := values[step-1]
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
