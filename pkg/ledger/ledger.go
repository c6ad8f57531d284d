// Package ledger implements the Commitment Ledger: an append-only,
// hash-chained log of salted state-digest commitments, opened only after a
// configured reveal delay.
//
// Invariants:
//   - Commits are serialized by step index; step k appends only after k-1
//   - Each record chains to its predecessor; altering any past record
//     invalidates every later reveal
//   - A reveal that fails verification taints the session permanently
//   - Salts are handed to the committing party and never retained here
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/crypto"
)

// genesisHash seeds the chain before the first record.
const genesisHash = contracts.Hash("sha256:genesis")

// Config carries the ledger's protocol knobs.
type Config struct {
	// MinRevealDelay is the minimum number of later commits that must exist
	// before a step may be revealed. This is the anti-cheating core of the
	// scheme: a party cannot pick its committed value after observing the
	// other party.
	MinRevealDelay uint64

	// DeferBudget is the maximum number of times a party may defer a reveal
	// before INCOMPLETE escalates to FAIL.
	DeferBudget int
}

// Ledger is one party's commitment chain for one session.
type Ledger struct {
	mu      sync.Mutex
	party   contracts.PartyID
	cfg     Config
	salts   crypto.SaltSource
	clock   func() time.Time
	sealed  bool
	tainted bool

	records   []contracts.CommitmentRecord
	reveals   map[uint64]*contracts.RevealRecord
	defers    map[uint64]int
	morphisms []contracts.MorphismRecord
	headHash  contracts.Hash
}

// New creates a ledger for a party. Salts come from the given source;
// adversarial runs must use crypto.NewRandomSaltSource.
func New(party contracts.PartyID, cfg Config, salts crypto.SaltSource) *Ledger {
	return &Ledger{
		party:    party,
		cfg:      cfg,
		salts:    salts,
		clock:    time.Now,
		reveals:  make(map[uint64]*contracts.RevealRecord),
		defers:   make(map[uint64]int),
		headHash: genesisHash,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// GenesisFor derives the chain genesis that binds a protocol configuration.
// Chaining the first record off this hash makes post-hoc adjustment of the
// published config an integrity violation.
func GenesisFor(protocol contracts.Hash) (contracts.Hash, error) {
	return canonicalize.CanonicalHash(chainBody{Digest: protocol, Prev: genesisHash})
}

// BindProtocol commits the protocol configuration hash into the chain's
// origin. Must be called before the first commit.
func (l *Ledger) BindProtocol(protocol contracts.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) > 0 {
		return fmt.Errorf("ledger: protocol bound after first commit")
	}
	genesis, err := GenesisFor(protocol)
	if err != nil {
		return err
	}
	l.headHash = genesis
	return nil
}

// chainBody is the hashed portion of a commitment record.
type chainBody struct {
	Step           uint64         `json:"step"`
	Digest         contracts.Hash `json:"digest"`
	SaltCommitment contracts.Hash `json:"salt_commitment"`
	Prev           contracts.Hash `json:"prev"`
}

// Commit appends a salted commitment for the state digest at step. The salt
// is returned to the caller for hand-off to the committing party and is not
// retained.
func (l *Ledger) Commit(step uint64, stateDigest contracts.Hash) (contracts.CommitmentRecord, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return contracts.CommitmentRecord{}, nil, contracts.ErrSealed
	}
	if want := uint64(len(l.records)) + 1; step != want {
		return contracts.CommitmentRecord{}, nil, fmt.Errorf("ledger: out-of-order commit: got step %d, want %d", step, want)
	}

	salt, err := l.salts.Salt(step)
	if err != nil {
		return contracts.CommitmentRecord{}, nil, err
	}
	saltCommitment, err := crypto.Commit(stateDigest, salt)
	if err != nil {
		return contracts.CommitmentRecord{}, nil, err
	}

	contentHash, err := canonicalize.CanonicalHash(chainBody{
		Step:           step,
		Digest:         stateDigest,
		SaltCommitment: saltCommitment,
		Prev:           l.headHash,
	})
	if err != nil {
		return contracts.CommitmentRecord{}, nil, fmt.Errorf("ledger: content hash: %w", err)
	}

	rec := contracts.CommitmentRecord{
		Step:           step,
		Digest:         stateDigest,
		SaltCommitment: saltCommitment,
		PrevHash:       l.headHash,
		ContentHash:    contentHash,
		Timestamp:      l.clock(),
	}
	l.records = append(l.records, rec)
	l.headHash = contentHash
	return rec, salt, nil
}

// Reveal discloses the salt for a committed step and verifies it. A failed
// verification taints the ledger; the caller must abort the session.
func (l *Ledger) Reveal(step uint64, salt []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.recordLocked(step)
	if err != nil {
		return false, err
	}
	// A sealed session has nothing left to cheat on; the reveal phase opens
	// every commitment. Before sealing, the minimum delay holds.
	if head := uint64(len(l.records)); !l.sealed && head < step+l.cfg.MinRevealDelay {
		return false, fmt.Errorf("ledger: reveal for step %d before delay: head %d, need %d",
			step, head, step+l.cfg.MinRevealDelay)
	}
	if _, done := l.reveals[step]; done {
		return false, fmt.Errorf("ledger: step %d already revealed", step)
	}

	ok, err := crypto.VerifyCommit(rec.SaltCommitment, rec.Digest, salt)
	if err != nil {
		return false, err
	}

	l.reveals[step] = &contracts.RevealRecord{
		Step:       step,
		Salt:       fmt.Sprintf("%x", salt),
		Verified:   ok,
		DeferCount: l.defers[step],
		RevealedAt: l.clock(),
	}
	if !ok {
		l.tainted = true
		return false, fmt.Errorf("ledger: step %d salt does not open commitment: %w", step, contracts.ErrIntegrityViolation)
	}
	return true, nil
}

// Defer records that the party declined to reveal step this round.
// Returns the running defer count and whether the budget is now exceeded.
func (l *Ledger) Defer(step uint64) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.recordLocked(step); err != nil {
		return 0, false, err
	}
	if _, done := l.reveals[step]; done {
		return 0, false, fmt.Errorf("ledger: step %d already revealed, cannot defer", step)
	}
	l.defers[step]++
	return l.defers[step], l.defers[step] > l.cfg.DeferBudget, nil
}

// Tail returns the most recent n commitment records, oldest first.
func (l *Ledger) Tail(n int) []contracts.CommitmentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.records) {
		n = len(l.records)
	}
	out := make([]contracts.CommitmentRecord, n)
	copy(out, l.records[len(l.records)-n:])
	return out
}

// Record returns the commitment at step.
func (l *Ledger) Record(step uint64) (contracts.CommitmentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.recordLocked(step)
	if err != nil {
		return contracts.CommitmentRecord{}, err
	}
	return *rec, nil
}

func (l *Ledger) recordLocked(step uint64) (*contracts.CommitmentRecord, error) {
	if step == 0 || step > uint64(len(l.records)) {
		return nil, fmt.Errorf("ledger: no commitment for step %d", step)
	}
	return &l.records[step-1], nil
}

// RevealRecord returns the reveal for a step, if any.
func (l *Ledger) RevealRecord(step uint64) (contracts.RevealRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reveals[step]
	if !ok {
		return contracts.RevealRecord{}, false
	}
	return *r, true
}

// DeferCount returns how often the party has deferred a step's reveal.
func (l *Ledger) DeferCount(step uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.defers[step]
}

// Unrevealed lists committed steps that were never successfully revealed.
func (l *Ledger) Unrevealed() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []uint64
	for _, rec := range l.records {
		if r, ok := l.reveals[rec.Step]; !ok || !r.Verified {
			out = append(out, rec.Step)
		}
	}
	return out
}

// RegisterMorphism appends a claimed rule synthesis to the morphism stream.
func (l *Ledger) RegisterMorphism(m contracts.MorphismRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return contracts.ErrSealed
	}
	for _, existing := range l.morphisms {
		if existing.ID == m.ID {
			return fmt.Errorf("ledger: morphism %s already registered", m.ID)
		}
	}
	m.Applied = false // applied is earned through replay, never asserted
	l.morphisms = append(l.morphisms, m)
	return nil
}

// MarkApplied flips a morphism's applied flag after replay confirms it.
func (l *Ledger) MarkApplied(morphismID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.morphisms {
		if l.morphisms[i].ID == morphismID {
			l.morphisms[i].Applied = true
			return nil
		}
	}
	return fmt.Errorf("ledger: morphism %s not registered", morphismID)
}

// Morphisms returns a copy of the morphism stream.
func (l *Ledger) Morphisms() []contracts.MorphismRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contracts.MorphismRecord, len(l.morphisms))
	copy(out, l.morphisms)
	return out
}

// Length returns the number of commitment records.
func (l *Ledger) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Head returns the chain head hash.
func (l *Ledger) Head() contracts.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash
}

// Tainted reports whether an integrity violation was observed.
func (l *Ledger) Tainted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tainted
}

// Seal closes the ledger to further appends.
func (l *Ledger) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
}

// VerifyChain walks the full chain and recomputes every content hash.
func (l *Ledger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return VerifyRecords(l.records)
}

// Stream snapshots the ledger into the session's evidence format.
func (l *Ledger) Stream(role contracts.Role) *contracts.PartyStream {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := &contracts.PartyStream{
		Party:       l.party,
		Role:        role,
		Commitments: make([]contracts.CommitmentRecord, len(l.records)),
		Morphisms:   make([]contracts.MorphismRecord, len(l.morphisms)),
	}
	copy(s.Commitments, l.records)
	copy(s.Morphisms, l.morphisms)
	for _, step := range sortedRevealSteps(l.reveals) {
		s.Reveals = append(s.Reveals, *l.reveals[step])
	}
	return s
}

// VerifyRecords recomputes the chain over an arbitrary record slice rooted
// at the default genesis.
func VerifyRecords(records []contracts.CommitmentRecord) error {
	return VerifyRecordsFrom(genesisHash, records)
}

// VerifyRecordsFrom recomputes the chain from an explicit genesis, as
// produced by GenesisFor. Used by the offline bundle verifier, which has no
// live Ledger.
func VerifyRecordsFrom(genesis contracts.Hash, records []contracts.CommitmentRecord) error {
	prev := genesis
	for i, rec := range records {
		if rec.PrevHash != prev {
			return fmt.Errorf("ledger: chain broken at record %d: expected prev %s, got %s: %w",
				i+1, prev, rec.PrevHash, contracts.ErrIntegrityViolation)
		}
		computed, err := canonicalize.CanonicalHash(chainBody{
			Step:           rec.Step,
			Digest:         rec.Digest,
			SaltCommitment: rec.SaltCommitment,
			Prev:           rec.PrevHash,
		})
		if err != nil {
			return fmt.Errorf("ledger: rehash record %d: %w", i+1, err)
		}
		if computed != rec.ContentHash {
			return fmt.Errorf("ledger: content hash mismatch at record %d: %w", i+1, contracts.ErrIntegrityViolation)
		}
		prev = rec.ContentHash
	}
	return nil
}

func sortedRevealSteps(reveals map[uint64]*contracts.RevealRecord) []uint64 {
	steps := make([]uint64, 0, len(reveals))
	for s := range reveals {
		steps = append(steps, s)
	}
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j] < steps[j-1]; j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
	return steps
}
