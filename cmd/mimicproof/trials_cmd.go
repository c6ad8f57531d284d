package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mimicproof/core/pkg/config"
	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/orchestrator"
	"github.com/mimicproof/core/pkg/party"
	"github.com/mimicproof/core/pkg/store"
)

// runTrialsCmd implements `mimicproof trials`: one session per seed,
// aggregated into campaign statistics. A structural claim is only as good
// as its replication across seeds.
//
// Exit codes:
//
//	0 = campaign completed, rolling closure healthy
//	1 = campaign completed, rolling closure failing
//	2 = runtime error
func runTrialsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("trials", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilePath string
		seedList    string
		count       int
		concurrency int
		dbPath      string
		jsonOutput  bool
	)

	cmd.StringVar(&profilePath, "profile", "", "Path to profile YAML (REQUIRED)")
	cmd.StringVar(&seedList, "seeds", "", "Comma-separated seeds (default: derived from the profile seed)")
	cmd.IntVar(&count, "count", 10, "Number of seeds to derive when --seeds is not given")
	cmd.IntVar(&concurrency, "concurrency", 4, "Parallel sessions")
	cmd.StringVar(&dbPath, "db", "", "SQLite path for session persistence (default from profile)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output statistics as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if profilePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --profile is required")
		cmd.Usage()
		return 2
	}

	profile, err := config.LoadFile(profilePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cfg, err := profile.Orchestrator()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if dbPath == "" {
		dbPath = profile.Store.SQLitePath
	}

	seeds, err := parseSeeds(seedList, count, cfg.Seed)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, nil, slog.Default())
	stats, sessions, err := orch.RunTrials(ctx, orchestrator.TrialConfig{
		Base:        cfg,
		Seeds:       seeds,
		Concurrency: concurrency,
		NewEngine: func(seed int64) party.Engine {
			return party.NewStatefulEngine(party.EngineConfig{})
		},
		NewChallenger: func(seed int64) party.Party {
			return party.NewLaggedMimic(party.MimicConfig{Seed: seed})
		},
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: campaign failed: %v\n", err)
		return 2
	}

	if dbPath != "" {
		for _, session := range sessions {
			if session.Status == contracts.SessionOpen {
				continue
			}
			if err := persistSession(ctx, dbPath, session); err != nil && !errors.Is(err, store.ErrDuplicate) {
				_, _ = fmt.Fprintf(stderr, "Error: persist session %s: %v\n", session.ID, err)
				return 2
			}
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(stats, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Sessions:             %d\n", stats.Sessions)
		_, _ = fmt.Fprintf(stdout, "Stress pass fraction: %.2f\n", stats.StressPassFraction)
		_, _ = fmt.Fprintf(stdout, "Closure mean:         %.2f\n", stats.ClosureMean)
		_, _ = fmt.Fprintf(stdout, "Disproved:            %d\n", stats.Disproved)
		for tag, n := range stats.Tags {
			_, _ = fmt.Fprintf(stdout, "  %-22s %d\n", tag, n)
		}
	}

	if stats.ClosureFailing {
		_, _ = fmt.Fprintln(stderr, "Rolling closure mean below threshold: CLOSURE_FAIL")
		return 1
	}
	return 0
}

// parseSeeds resolves the campaign's seed list. Derived seeds come from a
// generator keyed on the base seed so a campaign is reproducible by name.
func parseSeeds(seedList string, count int, base int64) ([]int64, error) {
	if seedList != "" {
		parts := strings.Split(seedList, ",")
		seeds := make([]int64, 0, len(parts))
		for _, part := range parts {
			seed, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad seed %q: %w", part, err)
			}
			seeds = append(seeds, seed)
		}
		return seeds, nil
	}
	if count <= 0 {
		return nil, fmt.Errorf("seed count must be positive")
	}
	rng := rand.New(rand.NewSource(base))
	seeds := make([]int64, count)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}
	return seeds, nil
}
