package contracts

import "time"

// TestKind enumerates the four separation tests.
type TestKind string

const (
	TestClosure  TestKind = "closure"
	TestStress   TestKind = "stress"
	TestDiagonal TestKind = "diagonal"
	TestMDL      TestKind = "mdl"

	// TestReveal scores the reveal phase itself: deferral within budget is
	// INCOMPLETE, a soft finding; past the budget it becomes FAIL.
	TestReveal TestKind = "reveal"
)

// TestTag is the outcome of a single test for a single party.
type TestTag string

const (
	TestPass          TestTag = "PASS"
	TestFail          TestTag = "FAIL"
	TestIndeterminate TestTag = "INDETERMINATE"
	TestIncomplete    TestTag = "INCOMPLETE"
)

// TestResult is a tagged union over the four test kinds. Exactly one of the
// evidence pointers is non-nil, matching Kind. Produced once per session per
// party; never mutated after creation.
type TestResult struct {
	Kind     TestKind          `json:"kind"`
	Tag      TestTag           `json:"tag"`
	Score    float64           `json:"score"` // normalized to [0,1], higher is stronger evidence of structure
	Closure  *ClosureEvidence  `json:"closure,omitempty"`
	Stress   *StressEvidence   `json:"stress,omitempty"`
	Diagonal *DiagonalEvidence `json:"diagonal,omitempty"`
	MDL      *MDLEvidence      `json:"mdl,omitempty"`
	Reveal   *RevealEvidence   `json:"reveal,omitempty"`
}

// ClosureEvidence carries the self-closure verifier's numbers.
type ClosureEvidence struct {
	Registered int     `json:"registered"`
	Applied    int     `json:"applied"`
	Score      float64 `json:"score"` // applied/registered, 1.0 when nothing registered
}

// StressEvidence carries rebound statistics for the stress windows of one session.
type StressEvidence struct {
	Windows       []WindowEvidence `json:"windows"`
	ReboundRate   float64          `json:"rebound_rate"` // fraction of windows meeting the invariant
	AblationNote  string           `json:"ablation_note,omitempty"`
	FailedWindows []uint64         `json:"failed_windows,omitempty"` // onset steps of windows without rebound
}

// WindowEvidence is the evaluated outcome of a single stress window.
type WindowEvidence struct {
	Onset         uint64  `json:"onset"`
	Duration      uint64  `json:"duration"`
	Kind          string  `json:"kind"`
	Ablated       string  `json:"ablated,omitempty"`
	ErrorSlope    float64 `json:"error_slope"`     // post-window trend, negative means recovering
	CohSlope      float64 `json:"coherence_slope"` // post-window trend, positive means recovering
	Rebound       bool    `json:"rebound"`
	RecoverySteps int     `json:"recovery_steps"`
}

// DiagonalEvidence carries diagonal query outcomes.
type DiagonalEvidence struct {
	Queries  int      `json:"queries"`
	Correct  int      `json:"correct"`
	Fraction float64  `json:"fraction"`
	Failed   []uint64 `json:"failed_steps,omitempty"`
}

// MDLEvidence carries the description-length margin estimate.
// Margin = MDL(transcript | public interface) − MDL(engine description + ledger).
// Positive margins support the separation claim; a negative margin disproves
// it for this session and must be surfaced, never hidden.
type MDLEvidence struct {
	TranscriptBits  int     `json:"transcript_bits"`
	DescriptionBits int     `json:"description_bits"`
	Margin          float64 `json:"margin"`
	Disproved       bool    `json:"disproved"`
	Estimator       string  `json:"estimator"` // compressor + level; a directional proxy, not true MDL
}

// RevealEvidence carries the reveal phase's numbers for one party.
type RevealEvidence struct {
	Total    int      `json:"total"`    // commitments the party had to open
	Revealed int      `json:"revealed"` // successfully opened and verified
	Defers   int      `json:"defers"`   // deferral rounds across all steps
	Exceeded []uint64 `json:"exceeded,omitempty"` // steps deferred past the budget
	Missing  []uint64 `json:"missing,omitempty"`  // steps the party never opened
}

// VerdictTag is the aggregate finding for one party in one session.
type VerdictTag string

const (
	VerdictStructureSupported  VerdictTag = "STRUCTURE_SUPPORTED"
	VerdictClosureFail         VerdictTag = "CLOSURE_FAIL"
	VerdictStressFail          VerdictTag = "STRESS_FAIL"
	VerdictDiagonalFail        VerdictTag = "DIAGONAL_FAIL"
	VerdictSeparationDisproved VerdictTag = "SEPARATION_DISPROVED"
	VerdictIntegrityViolation  VerdictTag = "INTEGRITY_VIOLATION"
	VerdictIncomplete          VerdictTag = "INCOMPLETE"
	VerdictIndeterminate       VerdictTag = "INDETERMINATE"
)

// Verdict aggregates all test results for a session party. Persisted for
// audit; append-only, never destroyed.
type Verdict struct {
	Party          PartyID      `json:"party"`
	SessionID      string       `json:"session_id"`
	PerTest        []TestResult `json:"per_test"`
	AggregateScore float64      `json:"aggregate_score"`
	Tag            VerdictTag   `json:"verdict_tag"`
	Anomalies      []Fault      `json:"anomalies,omitempty"` // every anomaly observed, nothing recovered silently
	CreatedAt      time.Time    `json:"created_at"`
}
