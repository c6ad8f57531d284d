package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/mimicproof/core/pkg/store"
)

// runSessionsCmd implements `mimicproof sessions`: lists stored sessions
// and prints the engine verdict tag histogram. With --id it dumps one
// stored session in full.
//
// Exit codes:
//
//	0 = ok
//	1 = session not found
//	2 = runtime error
func runSessionsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sessions", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath     string
		id         string
		limit      int
		jsonOutput bool
	)

	cmd.StringVar(&dbPath, "db", "", "SQLite path (REQUIRED)")
	cmd.StringVar(&id, "id", "", "Dump one session in full")
	cmd.IntVar(&limit, "limit", 20, "Maximum sessions to list")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dbPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --db is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	db, err := store.OpenSQLite(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer db.Close()
	st, err := store.NewSQLiteSessionStore(db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if id != "" {
		session, err := st.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			_, _ = fmt.Fprintf(stderr, "Session not found: %s\n", id)
			return 1
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		data, _ := json.MarshalIndent(session, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	summaries, err := st.List(ctx, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	counts, err := st.TagCounts(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"sessions":   summaries,
			"tag_counts": counts,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	for _, s := range summaries {
		_, _ = fmt.Fprintf(stdout, "%s  %-8s steps=%-5d seed=%-12d %s\n",
			s.ID, s.Status, s.Steps, s.Seed, s.EngineTag)
	}
	_, _ = fmt.Fprintln(stdout, "")
	for tag, n := range counts {
		_, _ = fmt.Fprintf(stdout, "  %-22s %d\n", tag, n)
	}
	return 0
}
