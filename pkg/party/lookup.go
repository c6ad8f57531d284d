package party

import (
	"context"
	"fmt"
	"sync"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
)

// LookupChallenger reproduces the observable trajectory from a closed-form
// rule it carries in full. It matches behavior exactly with a description
// far below the engine's, the fixture that must flip the description-length
// margin negative.
type LookupChallenger struct {
	mu sync.Mutex

	id     contracts.PartyID
	rule   func(step uint64) float64
	desc   []byte
	digest contracts.Hash

	salts map[uint64][]byte
}

// NewLookupChallenger builds the fixture. rule is the generating function it
// claims as its full reproduction recipe; desc is that recipe's serialized
// form.
func NewLookupChallenger(id contracts.PartyID, rule func(step uint64) float64, desc []byte) *LookupChallenger {
	if id == "" {
		id = "lookup-challenger"
	}
	return &LookupChallenger{
		id:     id,
		rule:   rule,
		desc:   desc,
		digest: canonicalize.HashBytes([]byte("lookup-constant-state")),
		salts:  make(map[uint64][]byte),
	}
}

func (c *LookupChallenger) ID() contracts.PartyID { return c.id }

func (c *LookupChallenger) Step(ctx context.Context, stimulus contracts.Stimulus) (contracts.StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return contracts.StepOutput{}, err
	}
	return contracts.StepOutput{
		Output:      contracts.EncodeScalar(c.rule(stimulus.Step)),
		StateDigest: c.digest,
	}, nil
}

func (c *LookupChallenger) Explain(ctx context.Context, step uint64) ([]contracts.Citation, error) {
	return nil, ctx.Err()
}

func (c *LookupChallenger) HoldSalt(step uint64, salt []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.salts[step] = append([]byte(nil), salt...)
}

func (c *LookupChallenger) Reveal(ctx context.Context, step uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	salt, ok := c.salts[step]
	if !ok {
		return nil, fmt.Errorf("lookup: no salt held for step %d", step)
	}
	return salt, nil
}

// Describe returns the full generating rule.
func (c *LookupChallenger) Describe() []byte {
	return append([]byte(nil), c.desc...)
}
