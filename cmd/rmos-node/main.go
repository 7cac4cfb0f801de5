// Command rmos-node runs the orchestration server and its operational
// subcommands.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. It exists separately from main so tests
// can drive the CLI without spawning a process.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "truth":
		return runTruthCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "import-evidence":
		return runImportCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: rmos-node <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Run the orchestration server (default)")
	fmt.Fprintln(w, "  truth            Print or validate the routing-truth snapshot")
	fmt.Fprintln(w, "  replay           Re-run stored executions and report divergences")
	fmt.Fprintln(w, "  export           Export runs and attachments to a zip bundle")
	fmt.Fprintln(w, "  import-evidence  Ingest a measurement evidence pack")
	fmt.Fprintln(w, "  help             Show this help")
}
