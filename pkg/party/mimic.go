package party

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
)

// LaggedMimic is the black-box challenger fixture. It tracks the observable
// signal with an exponential moving average and tracks it well in nominal
// operation, but it has no model of the underlying dynamics and no way to
// retune itself: a masked window costs it a visible reconvergence lag, and
// a perturbed coefficient stays perturbed for the rest of the session. Its
// state digest is constant, there is no internal structure to commit to.
type LaggedMimic struct {
	mu sync.Mutex

	id    contracts.PartyID
	alpha float64
	ema   float64
	rng   *rand.Rand

	fabricate bool // answer diagonal queries with IDs that resolve to nothing
	padding   []byte

	salts     map[uint64][]byte
	deferLeft map[uint64]int
	digest    contracts.Hash
}

// MimicConfig tunes the challenger fixture.
type MimicConfig struct {
	ID         contracts.PartyID
	Alpha      float64 // EMA coefficient, default 0.6
	Seed       int64
	Fabricate  bool // fabricate citations instead of answering empty
	PadBytes   int  // incompressible description padding, for MDL fixtures
	DeferSteps map[uint64]int
}

// NewLaggedMimic builds the challenger fixture.
func NewLaggedMimic(cfg MimicConfig) *LaggedMimic {
	if cfg.ID == "" {
		cfg.ID = "lagged-mimic"
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 0.6
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	padding := make([]byte, cfg.PadBytes)
	rng.Read(padding)

	m := &LaggedMimic{
		id:        cfg.ID,
		alpha:     cfg.Alpha,
		rng:       rng,
		fabricate: cfg.Fabricate,
		padding:   padding,
		salts:     make(map[uint64][]byte),
		deferLeft: make(map[uint64]int),
		digest:    canonicalize.HashBytes([]byte("mimic-constant-state")),
	}
	for step, n := range cfg.DeferSteps {
		m.deferLeft[step] = n
	}
	return m
}

func (m *LaggedMimic) ID() contracts.PartyID { return m.id }

func (m *LaggedMimic) Step(ctx context.Context, stimulus contracts.Stimulus) (contracts.StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return contracts.StepOutput{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if stimulus.Masked {
		// Nothing observed; the average decays toward zero.
		m.ema *= 1 - m.alpha
	} else if v, err := contracts.DecodeScalar(stimulus.Payload); err == nil {
		m.ema += m.alpha * (v - m.ema)
	}

	return contracts.StepOutput{
		Output:      contracts.EncodeScalar(m.ema),
		StateDigest: m.digest,
	}, nil
}

// Explain cannot consult genuine internal history; it either answers empty
// or fabricates morphism IDs that resolve to nothing.
func (m *LaggedMimic) Explain(ctx context.Context, step uint64) ([]contracts.Citation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fabricate {
		return nil, nil
	}
	return []contracts.Citation{{
		MorphismID:    uuid.New().String(),
		ClaimedDigest: canonicalize.HashBytes([]byte(fmt.Sprintf("fabricated-%d-%d", step, m.rng.Int63()))),
	}}, nil
}

func (m *LaggedMimic) HoldSalt(step uint64, salt []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.salts[step] = append([]byte(nil), salt...)
}

func (m *LaggedMimic) Reveal(ctx context.Context, step uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if left := m.deferLeft[step]; left > 0 {
		m.deferLeft[step] = left - 1
		return nil, contracts.ErrRevealDeferred
	}
	salt, ok := m.salts[step]
	if !ok {
		return nil, fmt.Errorf("mimic: no salt held for step %d", step)
	}
	return salt, nil
}

// PerturbParam scales the tracking coefficient. Nothing in the mimic ever
// restores it, which is exactly what separates it from the engine.
func (m *LaggedMimic) PerturbParam(factor float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alpha *= factor
}

// Describe returns the mimic's reproduction recipe plus any configured
// incompressible padding.
func (m *LaggedMimic) Describe() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	desc := []byte(fmt.Sprintf("mimic{id:%s rule:ema+=%.4f*(input-ema)}", m.id, m.alpha))
	return append(desc, m.padding...)
}

// SlowParty wraps a Party and delays every step, for timeout-path tests.
type SlowParty struct {
	Party
	Delay func(ctx context.Context) error
}

func (s *SlowParty) Step(ctx context.Context, stimulus contracts.Stimulus) (contracts.StepOutput, error) {
	if s.Delay != nil {
		if err := s.Delay(ctx); err != nil {
			return contracts.StepOutput{}, err
		}
	}
	return s.Party.Step(ctx, stimulus)
}
