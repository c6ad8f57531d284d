//go:build property
// +build property

// Package ledger_test contains property-based tests for commitment chain
// integrity and tamper evidence.
package ledger_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/crypto"
	"github.com/mimicproof/core/pkg/ledger"
)

func buildLedger(seed []byte, digests []string) (*ledger.Ledger, map[uint64][]byte, error) {
	led := ledger.New("prop-party", ledger.Config{}, crypto.NewDerivedSaltSource(seed))
	salts := make(map[uint64][]byte)
	for i, d := range digests {
		step := uint64(i + 1)
		_, salt, err := led.Commit(step, canonicalize.HashBytes([]byte(d)))
		if err != nil {
			return nil, nil, err
		}
		salts[step] = salt
	}
	return led, salts, nil
}

// TestChainVerifiesForAnyCommitSequence verifies any sequence of commits
// hash-chains correctly.
// Property: VerifyRecords(commitments) == nil for any digests
func TestChainVerifiesForAnyCommitSequence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("commit chains always verify", prop.ForAll(
		func(seed string, digests []string) bool {
			if len(digests) == 0 {
				return true
			}
			led, _, err := buildLedger([]byte(seed), digests)
			if err != nil {
				return false
			}
			led.Seal()
			stream := led.Stream(contracts.RoleEngine)
			return ledger.VerifyRecords(stream.Commitments) == nil
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestTamperedChainNeverVerifies verifies that mutating any commitment
// field breaks chain verification.
// Property: flipping one record's digest makes VerifyRecords fail
func TestTamperedChainNeverVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tampering any record is detected", prop.ForAll(
		func(seed string, n int, victim int) bool {
			digests := make([]string, 2+n%8)
			for i := range digests {
				digests[i] = fmt.Sprintf("digest-%d", i)
			}
			led, _, err := buildLedger([]byte(seed), digests)
			if err != nil {
				return false
			}
			led.Seal()
			stream := led.Stream(contracts.RoleEngine)
			records := stream.Commitments
			idx := victim % len(records)
			records[idx].Digest = canonicalize.HashBytes([]byte("forged"))
			return ledger.VerifyRecords(records) != nil
		},
		gen.AlphaString(),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// TestOnlyCommittedSaltOpens verifies the binding of the commitment scheme.
// Property: Reveal(step, salt) succeeds iff salt is the committed one
func TestOnlyCommittedSaltOpens(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("only the committed salt opens a commitment", prop.ForAll(
		func(seed string) bool {
			digests := []string{"a", "b", "c", "d"}
			led, salts, err := buildLedger([]byte(seed), digests)
			if err != nil {
				return false
			}
			led.Seal()

			ok, err := led.Reveal(2, salts[2])
			if err != nil || !ok {
				return false
			}

			forgedSalt := make([]byte, len(salts[3]))
			copy(forgedSalt, salts[3])
			forgedSalt[0] ^= 0xff
			ok, _ = led.Reveal(3, forgedSalt)
			return !ok
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestDerivedSaltsAreDeterministic verifies the derived salt source.
// Property: same seed and step always yield the same salt
func TestDerivedSaltsAreDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("derived salts are reproducible", prop.ForAll(
		func(seed string, step int) bool {
			s := uint64(step)
			a, err1 := crypto.NewDerivedSaltSource([]byte(seed)).Salt(s)
			b, err2 := crypto.NewDerivedSaltSource([]byte(seed)).Salt(s)
			if err1 != nil || err2 != nil {
				return false
			}
			return string(a) == string(b)
		},
		gen.AlphaString(),
		gen.IntRange(1, 1<<30),
	))

	properties.TestingRun(t)
}
