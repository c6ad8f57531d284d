package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mimicproof/core/pkg/bundle"
)

// runVerifyCmd implements `mimicproof verify`: offline verification of a
// sealed evidence bundle. No network, no trust in the exporting process;
// everything is recomputed from the bundle bytes.
//
// Exit codes:
//
//	0 = all checks passed
//	1 = one or more checks failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		jsonOutput bool
	)

	cmd.StringVar(&bundlePath, "bundle", "", "Path to evidence bundle JSON (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verification report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(bundlePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report, err := bundle.Verify(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if report.OK() {
		_, _ = fmt.Fprintf(stdout, "Bundle verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Session: %s\n", report.SessionID)
		_, _ = fmt.Fprintf(stdout, "Checks:  %d\n", len(report.Checks))
	} else {
		_, _ = fmt.Fprintf(stdout, "Bundle verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "Session: %s\n", report.SessionID)
		for _, c := range report.Checks {
			if !c.OK {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Detail)
			}
		}
	}

	if !report.OK() {
		return 1
	}
	return 0
}
