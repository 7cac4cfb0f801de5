package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/lutherie-works/rmos/pkg/config"
	"github.com/lutherie-works/rmos/pkg/engines"
	"github.com/lutherie-works/rmos/pkg/feasibility"
	"github.com/lutherie-works/rmos/pkg/replay"
	"github.com/lutherie-works/rmos/pkg/store"
)

// runReplayCmd recomputes stored executions and reports any byte
// divergence. Exit code 1 means at least one execution no longer
// reproduces.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		sessionID = cmd.String("session", "", "restrict to one session")
		batch     = cmd.String("batch", "", "restrict to one batch label")
		tool      = cmd.String("tool", "", "restrict to one tool kind")
		limit     = cmd.Int("limit", 0, "cap the number of executions checked")
	)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	log := newLogger(stderr, cfg.LogLevel)
	ctx := context.Background()

	backend, closeBackend, err := buildBackend(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "backend init: %v\n", err)
		return 1
	}
	defer closeBackend()

	reg := engines.NewRegistry()
	if err := reg.Register(engines.SawBatchEngine{}); err != nil {
		fmt.Fprintf(stderr, "engine registration: %v\n", err)
		return 1
	}
	if err := reg.Register(engines.RosetteEngine{}); err != nil {
		fmt.Fprintf(stderr, "engine registration: %v\n", err)
		return 1
	}

	runner := replay.New(backend, feasibility.New(), reg, log)
	report, err := runner.Run(ctx, store.ArtifactQuery{
		SessionID:  *sessionID,
		BatchLabel: *batch,
		ToolKind:   *tool,
		Limit:      *limit,
	})
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "marshal report: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	if !report.Clean() {
		return 1
	}
	return 0
}
