package main

import (
	"fmt"
	"io"
	"os"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "trials":
		return runTrialsCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "sessions":
		return runSessionsCmd(args[2:], stdout, stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "mimicproof %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%smimicproof %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	fmt.Fprintf(w, "%sCommit first. Explain later. Get caught or don't.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  mimicproof <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SESSIONS")
	printCommand(w, "run", "Run one challenge session (--profile, --seed, --db, --out)")
	printCommand(w, "trials", "Run a multi-seed campaign (--profile, --seeds, --concurrency)")

	printSection(w, "EVIDENCE")
	printCommand(w, "verify", "Verify a sealed evidence bundle offline (--bundle, --json)")
	printCommand(w, "sessions", "List stored sessions and verdict counts (--db, --json)")
	printCommand(w, "archive", "Verify and archive a bundle (--bundle, --dir | --s3-bucket)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}
