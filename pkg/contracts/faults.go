package contracts

import (
	"errors"
	"fmt"
)

// FaultCode is the protocol fault taxonomy. Only FaultIntegrityViolation is
// fatal to a session; everything else is recorded as evidence in the Verdict
// and the session runs to completion.
type FaultCode string

const (
	FaultIntegrityViolation  FaultCode = "INTEGRITY_VIOLATION"
	FaultTimeout             FaultCode = "TIMEOUT"
	FaultClosureFail         FaultCode = "CLOSURE_FAIL"
	FaultStressFail          FaultCode = "STRESS_FAIL"
	FaultDiagonalFail        FaultCode = "DIAGONAL_FAIL"
	FaultSeparationDisproved FaultCode = "SEPARATION_DISPROVED"
	FaultIncomplete          FaultCode = "INCOMPLETE"
)

// Fault is a recorded protocol anomaly. Informative faults are first-class
// findings about the party under test, not errors in the harness.
type Fault struct {
	Code   FaultCode `json:"code"`
	Step   uint64    `json:"step,omitempty"`
	Party  PartyID   `json:"party,omitempty"`
	Detail string    `json:"detail"`
}

// Fatal reports whether this fault aborts the session.
func (f Fault) Fatal() bool {
	return f.Code == FaultIntegrityViolation
}

func (f Fault) Error() string {
	if f.Step > 0 {
		return fmt.Sprintf("%s at step %d: %s", f.Code, f.Step, f.Detail)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Detail)
}

// Sentinel errors shared across packages.
var (
	// ErrIntegrityViolation marks a hash mismatch: tamper detected, the
	// session is tainted and aborted, never retried.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrRevealDeferred is returned by a party declining a disclosure under
	// a masking/defer policy. Deferral is allowed; indefinite silence is not.
	ErrRevealDeferred = errors.New("reveal deferred")

	// ErrStepTimeout marks a party exceeding its per-step budget.
	ErrStepTimeout = errors.New("step timed out")

	// ErrSealed is returned for writes against a sealed session or ledger.
	ErrSealed = errors.New("record stream is sealed")
)

// IntegrityFault wraps detail into a fatal fault.
func IntegrityFault(party PartyID, step uint64, detail string) Fault {
	return Fault{Code: FaultIntegrityViolation, Party: party, Step: step, Detail: detail}
}
