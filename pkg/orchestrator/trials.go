package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mimicproof/core/pkg/closure"
	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/party"
)

// TrialConfig drives a repeated-trial campaign. Each trial is an independent
// session with its own seed and fresh parties.
type TrialConfig struct {
	Base  Config
	Seeds []int64

	// Concurrency caps parallel sessions. Default 4.
	Concurrency int

	// NewEngine and NewChallenger build fresh parties per trial so no state
	// leaks across sessions. NewChallenger may be nil.
	NewEngine     func(seed int64) party.Engine
	NewChallenger func(seed int64) party.Party
}

// TrialStats aggregates verdicts across a campaign. The headline number is
// the engine's stress pass fraction, which the protocol expects to stay high
// across seeds when the engine really carries internal structure.
type TrialStats struct {
	Sessions           int                         `json:"sessions"`
	EngineStressPassed int                         `json:"engine_stress_passed"`
	StressPassFraction float64                     `json:"stress_pass_fraction"`
	ClosureMean        float64                     `json:"closure_mean"`
	ClosureFailing     bool                        `json:"closure_failing"`
	Disproved          int                         `json:"disproved"`
	Tags               map[contracts.VerdictTag]int `json:"tags"`
}

// RunTrials executes one session per seed and aggregates the verdicts.
// Sessions run concurrently; a fatal error in any one cancels the rest.
func (o *Orchestrator) RunTrials(ctx context.Context, cfg TrialConfig) (*TrialStats, []*contracts.ChallengeSession, error) {
	if cfg.NewEngine == nil {
		return nil, nil, fmt.Errorf("orchestrator: trials need an engine factory")
	}
	if len(cfg.Seeds) == 0 {
		return nil, nil, fmt.Errorf("orchestrator: trials need at least one seed")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	sessions := make([]*contracts.ChallengeSession, len(cfg.Seeds))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, seed := range cfg.Seeds {
		i, seed := i, seed
		g.Go(func() error {
			trialCfg := cfg.Base
			trialCfg.Seed = seed
			trialCfg.SessionID = uuid.New().String()

			runner := New(trialCfg, o.audit, o.logger)
			runner.clock = o.clock
			runner.obs = o.obs

			var challenger party.Party
			if cfg.NewChallenger != nil {
				challenger = cfg.NewChallenger(seed)
			}
			session, err := runner.RunSession(gctx, cfg.NewEngine(seed), challenger)
			if err != nil {
				return fmt.Errorf("trial seed %d: %w", seed, err)
			}
			mu.Lock()
			sessions[i] = session
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	stats := aggregate(sessions)
	return stats, sessions, nil
}

func aggregate(sessions []*contracts.ChallengeSession) *TrialStats {
	stats := &TrialStats{Tags: make(map[contracts.VerdictTag]int)}
	rolling := closure.NewRolling(len(sessions))

	for _, session := range sessions {
		if session == nil || session.Engine == nil || session.Engine.Verdict == nil {
			continue
		}
		verdict := session.Engine.Verdict
		stats.Sessions++
		stats.Tags[verdict.Tag]++

		for _, res := range verdict.PerTest {
			switch res.Kind {
			case contracts.TestStress:
				if res.Tag == contracts.TestPass {
					stats.EngineStressPassed++
				}
			case contracts.TestClosure:
				if res.Tag != contracts.TestIndeterminate {
					rolling.Add(res.Score)
				}
			case contracts.TestMDL:
				if res.MDL != nil && res.MDL.Disproved {
					stats.Disproved++
				}
			}
		}
	}

	if stats.Sessions > 0 {
		stats.StressPassFraction = float64(stats.EngineStressPassed) / float64(stats.Sessions)
	}
	stats.ClosureMean = rolling.Mean()
	stats.ClosureFailing = rolling.Failing(0.5)
	return stats
}
