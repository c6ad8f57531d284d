// Package contracts defines the protocol types shared by every harness
// component: commitment and morphism records, challenge sessions, stress
// traces, test results, and verdicts.
//
// Invariants:
//   - Every record is immutable once it leaves its open phase
//   - Commitment records are hash-chained; altering one invalidates all later reveals
//   - Challenge sessions are sealed exactly once and never mutated afterwards
package contracts

import (
	"time"
)

// Hash is a sha256:-prefixed, hex-encoded digest string.
type Hash string

// PartyID identifies a party under test within a session.
type PartyID string

// Role distinguishes the engine from its external challenger.
type Role string

const (
	RoleEngine     Role = "ENGINE"
	RoleChallenger Role = "CHALLENGER"
)

// CommitmentRecord binds a party to a state digest before reveal.
// SaltCommitment hides the salt until the reveal phase; ContentHash chains
// the record to its predecessor so past records are tamper-evident.
type CommitmentRecord struct {
	Step           uint64    `json:"step"`
	Digest         Hash      `json:"digest"`
	SaltCommitment Hash      `json:"salt_commitment"`
	PrevHash       Hash      `json:"prev_hash"`
	ContentHash    Hash      `json:"content_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

// RevealRecord discloses the salt for a prior commitment.
type RevealRecord struct {
	Step       uint64    `json:"step"`
	Salt       string    `json:"salt"` // hex-encoded
	Verified   bool      `json:"verified"`
	DeferCount int       `json:"defer_count"`
	RevealedAt time.Time `json:"revealed_at"`
}

// MorphismRecord is a rule or operator the engine claims to have synthesized.
// Applied flips to true only after counterfactual replay confirms a later
// step's behavior is causally consistent with the morphism being in effect.
type MorphismRecord struct {
	ID             string `json:"id"` // uuid
	Kind           string `json:"kind"`
	ProducedAtStep uint64 `json:"produced_at_step"`
	Digest         Hash   `json:"digest"`
	Applied        bool   `json:"applied"`
}

// Citation is one element of a party's answer to a diagonal query.
type Citation struct {
	MorphismID    string `json:"morphism_id"`
	ClaimedDigest Hash   `json:"claimed_digest"`
}

// Stimulus is the externally visible input for one step. Both parties
// receive identical stimuli; Masked marks inputs withheld by a stress window.
type Stimulus struct {
	Step    uint64  `json:"step"`
	Payload []byte  `json:"payload"`
	Masked  bool    `json:"masked"`
	Target  float64 `json:"target"` // task objective for external scoring
}

// StepOutput is what a party returns for one step: an observable output and
// an opaque digest of whatever internal state it maintains.
type StepOutput struct {
	Output      []byte `json:"output"`
	StateDigest Hash   `json:"state_digest"`
}

// StepTrace is the orchestrator's record of one step for one party.
type StepTrace struct {
	Step     uint64        `json:"step"`
	Output   []byte        `json:"output"`
	Digest   Hash          `json:"digest"`
	Error    float64       `json:"error"`
	TimedOut bool          `json:"timed_out"`
	Retries  int           `json:"retries"`
	Duration time.Duration `json:"duration"`
}

// SessionStatus is the lifecycle state of a challenge session.
type SessionStatus string

const (
	SessionOpen    SessionStatus = "OPEN"
	SessionSealed  SessionStatus = "SEALED"
	SessionAborted SessionStatus = "ABORTED"
	// SessionTainted marks an integrity violation: a reveal failed
	// verification or the chain itself was found inconsistent.
	SessionTainted SessionStatus = "TAINTED"
)

// StressTrace is the pair of scalar traces recorded over a session: external
// task error per step and bounded coherence between successive committed
// digests. Index 0 corresponds to step 1.
type StressTrace struct {
	Errors    []float64 `json:"errors"`
	Coherence []float64 `json:"coherence"`
}

// PartyStream holds the per-party evidence accumulated during a session.
type PartyStream struct {
	Party       PartyID            `json:"party"`
	Role        Role               `json:"role"`
	Commitments []CommitmentRecord `json:"commitments"`
	Reveals     []RevealRecord     `json:"reveals"`
	Morphisms   []MorphismRecord   `json:"morphisms"`
	Steps       []StepTrace        `json:"steps"`
	Stress      *StressTrace       `json:"stress,omitempty"`
	Verdict     *Verdict           `json:"verdict,omitempty"`
}

// ChallengeSession groups one run of {engine, optional challenger} across N
// steps. Open while running; sealed (immutable) at session end. Aborted
// sessions still carry their partial streams — audit trails are never
// discarded.
type ChallengeSession struct {
	ID             string        `json:"id"` // uuid
	Status         SessionStatus `json:"status"`
	Steps          uint64        `json:"steps"`
	Seed           int64         `json:"seed"`
	ProtocolHash   Hash          `json:"protocol_hash"` // weighting config, committed at start
	StressSchedule []byte        `json:"stress_schedule,omitempty"`
	Engine         *PartyStream  `json:"engine"`
	Challenger     *PartyStream  `json:"challenger,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	SealedAt       time.Time     `json:"sealed_at,omitempty"`
}
