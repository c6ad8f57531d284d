// Package oracle implements diagonal self-queries: "how did you produce
// step t?", asked after reveal at historical steps the party was never told
// to remember, and checked against the ledger's morphism records.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/mimicproof/core/pkg/contracts"
)

// Explainer answers diagonal queries. Both parties implement it.
type Explainer interface {
	Explain(ctx context.Context, step uint64) ([]contracts.Citation, error)
}

// MorphismSource exposes the ledger's morphism records for one party.
type MorphismSource interface {
	Morphisms() []contracts.MorphismRecord
}

// Config tunes a session's diagonal querying.
type Config struct {
	// Queries is how many historical steps are interrogated. Default 5.
	Queries int

	// MinStep is the earliest step eligible for querying.
	MinStep uint64

	// MinPassFraction is the fraction of queries that must verify. It is
	// deliberately below 1.0: parties may legitimately summarize old
	// history lossily. Default 0.6.
	MinPassFraction float64

	// Seed drives the query step selection.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Queries == 0 {
		c.Queries = 5
	}
	if c.MinStep == 0 {
		c.MinStep = 1
	}
	if c.MinPassFraction == 0 {
		c.MinPassFraction = 0.6
	}
	return c
}

// Oracle issues and scores diagonal queries for one party in one session.
type Oracle struct {
	cfg       Config
	morphisms MorphismSource
	logger    *slog.Logger
}

// New builds an oracle over one party's ledger stream.
func New(cfg Config, morphisms MorphismSource, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		cfg:       cfg.withDefaults(),
		morphisms: morphisms,
		logger:    logger.With("component", "oracle"),
	}
}

// PickSteps draws the query steps for a sealed run of totalSteps. The draw
// is seeded so a sealed session can be re-scored identically, but the party
// under test never sees it in advance.
func (o *Oracle) PickSteps(totalSteps uint64) []uint64 {
	if totalSteps < o.cfg.MinStep {
		return nil
	}
	span := totalSteps - o.cfg.MinStep + 1
	rng := rand.New(rand.NewSource(o.cfg.Seed))

	picked := make(map[uint64]struct{}, o.cfg.Queries)
	for len(picked) < o.cfg.Queries && uint64(len(picked)) < span {
		picked[o.cfg.MinStep+uint64(rng.Int63n(int64(span)))] = struct{}{}
	}
	steps := make([]uint64, 0, len(picked))
	for step := range picked {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
	return steps
}

// VerifyExplanation checks one answer against the ledger. Every cited pair
// must resolve to a registered morphism with a matching digest, produced at
// or before the queried step, and confirmed applied; and every applied
// morphism in effect at the step must be cited. Anything else fails the
// query.
func (o *Oracle) VerifyExplanation(step uint64, answer []contracts.Citation) bool {
	byID := make(map[string]contracts.MorphismRecord)
	for _, m := range o.morphisms.Morphisms() {
		byID[m.ID] = m
	}

	cited := make(map[string]struct{}, len(answer))
	for _, c := range answer {
		m, ok := byID[c.MorphismID]
		switch {
		case !ok:
			o.logger.Debug("citation does not resolve", "step", step, "morphism", c.MorphismID)
			return false
		case m.Digest != c.ClaimedDigest:
			o.logger.Debug("citation digest mismatch", "step", step, "morphism", c.MorphismID)
			return false
		case m.ProducedAtStep > step:
			o.logger.Debug("citation from the future", "step", step, "morphism", c.MorphismID)
			return false
		case !m.Applied:
			o.logger.Debug("cited morphism never verified as applied", "step", step, "morphism", c.MorphismID)
			return false
		}
		cited[c.MorphismID] = struct{}{}
	}

	for _, m := range byID {
		if m.Applied && m.ProducedAtStep <= step {
			if _, ok := cited[m.ID]; !ok {
				o.logger.Debug("applied morphism left uncited", "step", step, "morphism", m.ID)
				return false
			}
		}
	}
	return true
}

// Interrogate runs the full query round against a party and scores it.
func (o *Oracle) Interrogate(ctx context.Context, party Explainer, totalSteps uint64) (contracts.TestResult, error) {
	steps := o.PickSteps(totalSteps)
	ev := contracts.DiagonalEvidence{Queries: len(steps)}

	for _, step := range steps {
		answer, err := party.Explain(ctx, step)
		if err != nil {
			if ctx.Err() != nil {
				return contracts.TestResult{}, fmt.Errorf("oracle: query at step %d: %w", step, err)
			}
			// A party that cannot answer fails the query, not the protocol.
			ev.Failed = append(ev.Failed, step)
			continue
		}
		if o.VerifyExplanation(step, answer) {
			ev.Correct++
		} else {
			ev.Failed = append(ev.Failed, step)
		}
	}

	tag := contracts.TestIndeterminate
	if ev.Queries > 0 {
		ev.Fraction = float64(ev.Correct) / float64(ev.Queries)
		tag = contracts.TestPass
		if ev.Fraction < o.cfg.MinPassFraction {
			tag = contracts.TestFail
		}
	}
	return contracts.TestResult{
		Kind:     contracts.TestDiagonal,
		Tag:      tag,
		Score:    ev.Fraction,
		Diagonal: &ev,
	}, nil
}
