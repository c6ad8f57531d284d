package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mimicproof/core/pkg/audit"
	"github.com/mimicproof/core/pkg/bundle"
	"github.com/mimicproof/core/pkg/config"
	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/crypto"
	"github.com/mimicproof/core/pkg/observability"
	"github.com/mimicproof/core/pkg/orchestrator"
	"github.com/mimicproof/core/pkg/party"
	"github.com/mimicproof/core/pkg/store"
)

// runRunCmd implements `mimicproof run`: one challenge session between the
// stateful engine fixture and the lagged mimic, from a YAML profile.
//
// Exit codes:
//
//	0 = session sealed
//	1 = session tainted or aborted
//	2 = runtime error
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilePath string
		seed        int64
		dbPath      string
		archiveDir  string
		outPath     string
		auditPath   string
		otlp        string
		jsonOutput  bool
	)

	cmd.StringVar(&profilePath, "profile", "", "Path to profile YAML (REQUIRED)")
	cmd.Int64Var(&seed, "seed", 0, "Override the profile seed")
	cmd.StringVar(&dbPath, "db", "", "SQLite path for session persistence (default from profile)")
	cmd.StringVar(&archiveDir, "archive-dir", "", "Directory for content-addressed bundle archive (default from profile)")
	cmd.StringVar(&outPath, "out", "", "Write the signed evidence bundle to this path")
	cmd.StringVar(&auditPath, "audit", "", "Append audit events (JSONL) to this file")
	cmd.StringVar(&otlp, "otlp", "", "OTLP gRPC endpoint for traces and metrics")
	cmd.BoolVar(&jsonOutput, "json", false, "Output verdicts as JSON")

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
	if seed != 0 {
		cfg.Seed = seed
	}
	if dbPath == "" {
		dbPath = profile.Store.SQLitePath
	}
	if archiveDir == "" {
		archiveDir = profile.Store.ArchiveDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var auditLog audit.Logger
	if auditPath != "" {
		f, err := os.OpenFile(auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: audit log: %v\n", err)
			return 2
		}
		defer f.Close()
		auditLog = audit.NewLoggerWithWriter(f)
	}

	orch := orchestrator.New(cfg, auditLog, slog.Default())
	if otlp != "" {
		obs, err := observability.New(ctx, &observability.Config{
			ServiceName:    "mimicproof",
			ServiceVersion: version,
			OTLPEndpoint:   otlp,
			SampleRate:     1.0,
			Enabled:        true,
			Insecure:       true,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
			return 2
		}
		defer obs.Shutdown(context.Background())
		orch = orch.WithObservability(obs)
	}

	engine := party.NewStatefulEngine(party.EngineConfig{})
	challenger := party.NewLaggedMimic(party.MimicConfig{Seed: cfg.Seed})

	session, runErr := orch.RunSession(ctx, engine, challenger)
	if session == nil {
		_, _ = fmt.Fprintf(stderr, "Error: session failed: %v\n", runErr)
		return 2
	}

	if dbPath != "" && session.Status != contracts.SessionOpen {
		if err := persistSession(ctx, dbPath, session); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: persist session: %v\n", err)
			return 2
		}
	}

	if outPath != "" || archiveDir != "" || profile.Store.S3Bucket != "" {
		if code := exportSession(ctx, session, outPath, archiveDir, profile.Store, stdout, stderr); code != 0 {
			return code
		}
	}

	printSession(stdout, session, jsonOutput)

	switch session.Status {
	case contracts.SessionSealed:
		return 0
	default:
		if runErr != nil {
			_, _ = fmt.Fprintf(stderr, "Session %s: %v\n", session.Status, runErr)
		}
		return 1
	}
}

func persistSession(ctx context.Context, dbPath string, session *contracts.ChallengeSession) error {
	db, err := store.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	st, err := store.NewSQLiteSessionStore(db)
	if err != nil {
		return err
	}
	return st.Put(ctx, session)
}

// exportSession signs and exports the session bundle, writing it to disk
// and to the configured archive. Open sessions are not exportable; the
// caller has already reported why.
func exportSession(ctx context.Context, session *contracts.ChallengeSession, outPath, archiveDir string, storeCfg config.StoreConfig, stdout, stderr io.Writer) int {
	if session.Status == contracts.SessionOpen {
		return 0
	}
	signer, err := crypto.NewMemoryKeyProvider()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: signing key: %v\n", err)
		return 2
	}
	_, data, err := bundle.Export(session, signer)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export bundle: %v\n", err)
		return 2
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write bundle: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Bundle written: %s\n", outPath)
	}

	var archive store.Archive
	switch {
	case storeCfg.S3Bucket != "":
		archive, err = store.NewS3Archive(ctx, store.S3Config{
			Bucket:   storeCfg.S3Bucket,
			Region:   storeCfg.S3Region,
			Endpoint: storeCfg.S3Endpoint,
			Prefix:   storeCfg.S3Prefix,
		})
	case archiveDir != "":
		archive, err = store.NewFileArchive(archiveDir)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: archive: %v\n", err)
		return 2
	}
	if archive != nil {
		hash, err := archive.Put(ctx, data)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: archive bundle: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Bundle archived: %s\n", hash)
	}
	return 0
}

func printSession(stdout io.Writer, session *contracts.ChallengeSession, jsonOutput bool) {
	if jsonOutput {
		result := map[string]any{
			"session_id":    session.ID,
			"status":        session.Status,
			"steps":         session.Steps,
			"seed":          session.Seed,
			"protocol_hash": session.ProtocolHash,
		}
		if session.Engine != nil && session.Engine.Verdict != nil {
			result["engine_verdict"] = session.Engine.Verdict
		}
		if session.Challenger != nil && session.Challenger.Verdict != nil {
			result["challenger_verdict"] = session.Challenger.Verdict
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return
	}

	_, _ = fmt.Fprintf(stdout, "Session:  %s (%s)\n", session.ID, session.Status)
	_, _ = fmt.Fprintf(stdout, "Protocol: %s\n", session.ProtocolHash)
	printVerdict(stdout, "Engine", session.Engine)
	printVerdict(stdout, "Mimic", session.Challenger)
}

func printVerdict(stdout io.Writer, label string, stream *contracts.PartyStream) {
	if stream == nil || stream.Verdict == nil {
		return
	}
	v := stream.Verdict
	_, _ = fmt.Fprintf(stdout, "%-8s  %s (score %.3f)\n", label+":", v.Tag, v.AggregateScore)
	for _, res := range v.PerTest {
		_, _ = fmt.Fprintf(stdout, "  %-10s %-13s %.3f\n", res.Kind, res.Tag, res.Score)
	}
	for _, f := range v.Anomalies {
		_, _ = fmt.Fprintf(stdout, "  anomaly: %s step=%d %s\n", f.Code, f.Step, f.Detail)
	}
}
