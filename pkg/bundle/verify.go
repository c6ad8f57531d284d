package bundle

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/crypto"
	"github.com/mimicproof/core/pkg/ledger"
	"github.com/mimicproof/core/pkg/merkle"
	"github.com/mimicproof/core/pkg/stress"
)

// Check is one verification step's outcome.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report collects every check run against a bundle. Verification never
// stops at the first failure; an auditor wants the full picture.
type Report struct {
	SessionID string  `json:"session_id"`
	Checks    []Check `json:"checks"`
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return len(r.Checks) > 0
}

func (r *Report) add(name string, err error) {
	c := Check{Name: name, OK: err == nil}
	if err != nil {
		c.Detail = err.Error()
	}
	r.Checks = append(r.Checks, c)
}

// Verify re-checks a serialized bundle offline: structure, merkle root,
// signature, both commitment chains rooted at the protocol hash, every
// reveal against its commitment, and the stress scoring.
func Verify(data []byte) (*Report, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("bundle: decode: %w", err)
	}
	if b.Version != FormatVersion {
		return nil, fmt.Errorf("bundle: unknown format %q", b.Version)
	}
	if b.Session == nil {
		return nil, fmt.Errorf("bundle: no session")
	}

	report := &Report{SessionID: b.Session.ID}

	tree, err := merkle.Build(treeData(b.Session))
	if err != nil {
		return nil, err
	}
	report.add("merkle-root", func() error {
		if tree.Root != b.MerkleRoot {
			return fmt.Errorf("recomputed %s, bundle claims %s", tree.Root, b.MerkleRoot)
		}
		return nil
	}())

	report.add("signature", func() error {
		pub, err := crypto.DecodeKey(b.PublicKey)
		if err != nil {
			return err
		}
		sig, err := hex.DecodeString(b.Signature)
		if err != nil {
			return fmt.Errorf("signature not hex: %w", err)
		}
		if !crypto.VerifySignature(pub, signedMessage(b.MerkleRoot), sig) {
			return fmt.Errorf("signature does not verify")
		}
		return nil
	}())

	verifyStream(report, "engine", b.Session, b.Session.Engine)
	verifyStream(report, "challenger", b.Session, b.Session.Challenger)

	return report, nil
}

func verifyStream(report *Report, name string, session *contracts.ChallengeSession, stream *contracts.PartyStream) {
	if stream == nil {
		return
	}

	report.add(name+"-chain", func() error {
		genesis, err := ledger.GenesisFor(session.ProtocolHash)
		if err != nil {
			return err
		}
		return ledger.VerifyRecordsFrom(genesis, stream.Commitments)
	}())

	report.add(name+"-reveals", func() error {
		byStep := make(map[uint64]contracts.CommitmentRecord, len(stream.Commitments))
		for _, rec := range stream.Commitments {
			byStep[rec.Step] = rec
		}
		for _, rev := range stream.Reveals {
			rec, ok := byStep[rev.Step]
			if !ok {
				return fmt.Errorf("reveal for uncommitted step %d", rev.Step)
			}
			salt, err := hex.DecodeString(rev.Salt)
			if err != nil {
				return fmt.Errorf("step %d salt not hex: %w", rev.Step, err)
			}
			opened, err := crypto.VerifyCommit(rec.SaltCommitment, rec.Digest, salt)
			if err != nil {
				return fmt.Errorf("step %d: %w", rev.Step, err)
			}
			if opened != rev.Verified {
				return fmt.Errorf("step %d: recorded verified=%t, recomputed %t", rev.Step, rev.Verified, opened)
			}
			if !opened && session.Status != contracts.SessionTainted {
				return fmt.Errorf("step %d failed verification in an untainted session", rev.Step)
			}
		}
		return nil
	}())

	if stream.Stress != nil && stream.Verdict != nil && len(session.StressSchedule) > 0 {
		report.add(name+"-stress-rescore", func() error {
			var schedule stress.Schedule
			if err := json.Unmarshal(session.StressSchedule, &schedule); err != nil {
				return fmt.Errorf("decode schedule: %w", err)
			}
			recomputed := stress.Evaluate(schedule, stream.Stress)
			for _, res := range stream.Verdict.PerTest {
				if res.Kind != contracts.TestStress {
					continue
				}
				if res.Tag != recomputed.Tag || res.Score != recomputed.Score {
					return fmt.Errorf("stored %s/%.3f, recomputed %s/%.3f",
						res.Tag, res.Score, recomputed.Tag, recomputed.Score)
				}
				return nil
			}
			return fmt.Errorf("verdict has no stress result to rescore")
		}())
	}
}
