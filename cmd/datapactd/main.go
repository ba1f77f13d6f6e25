package main

import (
	"fmt"
	"io"
	"os"
)

const version = "v0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to a subcommand and returns the process exit code. It is
// the entrypoint for tests; main only binds it to the real streams.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "selfcheck":
		return runSelfcheck(stdout, stderr)
	case "verify":
		return runVerifyChain(args[2:], stdout, stderr)
	case "anchor":
		return runAnchor(args[2:], stdout, stderr)
	case "events":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: datapactd events <drain|requeue> [flags]")
			return 2
		}
		return runEvents(args[2], args[3:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "datapactd %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "DataPact Core %s\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  datapactd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the platform core (default)")
	printCommand(w, "selfcheck", "Validate configuration and key material")
	printCommand(w, "verify", "Verify the audit chain (--audit-db, --receipt)")
	printCommand(w, "anchor", "Anchor unanchored receipts (--audit-db)")
	printCommand(w, "events", "Operate the event outbox (drain|requeue)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}
