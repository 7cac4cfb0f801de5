package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lutherie-works/rmos/pkg/advisory"
	"github.com/lutherie-works/rmos/pkg/api"
	"github.com/lutherie-works/rmos/pkg/auth"
	"github.com/lutherie-works/rmos/pkg/config"
	"github.com/lutherie-works/rmos/pkg/engines"
	"github.com/lutherie-works/rmos/pkg/feasibility"
	"github.com/lutherie-works/rmos/pkg/feedback"
	"github.com/lutherie-works/rmos/pkg/lanes"
	"github.com/lutherie-works/rmos/pkg/pipeline"
	"github.com/lutherie-works/rmos/pkg/store"
)

// runTruthCmd prints or validates the routing-truth snapshot. The route
// table is static, so the snapshot is built against an in-memory
// backend; no storage is touched.
func runTruthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("truth", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	truthFile := cmd.String("file", "", "committed truth file to validate against; omit to print the live snapshot")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	srv, deprecations, err := buildRouteOnlyServer(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "build routes: %v\n", err)
		return 1
	}
	live := srv.Truth()

	if *truthFile == "" {
		out, err := lanes.MarshalTruthFile(&lanes.TruthFile{
			Generated:    time.Now().UTC().Format(time.RFC3339),
			Report:       live,
			Deprecations: deprecations,
		})
		if err != nil {
			fmt.Fprintf(stderr, "marshal truth file: %v\n", err)
			return 1
		}
		fmt.Fprint(stdout, string(out))
		return 0
	}

	data, err := os.ReadFile(*truthFile)
	if err != nil {
		fmt.Fprintf(stderr, "read truth file: %v\n", err)
		return 1
	}
	committed, err := lanes.ParseTruthFile(data)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	diff := lanes.CompareTruth(committed.Report, live)
	fmt.Fprintln(stdout, diff.String())
	if !diff.Clean() {
		return 1
	}
	return 0
}

func buildRouteOnlyServer(cfg *config.Config) (*api.Server, []lanes.Deprecation, error) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := store.NewMemoryStore().Backend()

	reg := engines.NewRegistry()
	if err := reg.Register(engines.SawBatchEngine{}); err != nil {
		return nil, nil, err
	}
	if err := reg.Register(engines.RosetteEngine{}); err != nil {
		return nil, nil, err
	}

	feas := feasibility.New()
	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return nil, nil, err
	}
	orch, err := pipeline.New(backend, feas, reg, pcfg, log)
	if err != nil {
		return nil, nil, err
	}
	fb, err := feedback.NewService(backend, pcfg, nil, log)
	if err != nil {
		return nil, nil, err
	}

	successors := []api.DeprecationSuccessor{{
		Prefix:          "/api/art-studio/",
		SuccessorPrefix: "/api/art",
		LaneKey:         "legacy_art_studio_lane",
		SunsetDate:      cfg.DeprecationSunsetDate,
	}}
	srv, err := api.NewServer(orch, advisory.NewService(backend, log), fb, backend,
		auth.NewVerifier([]byte("truth-snapshot"), cfg.JWTIssuer), feas, reg, nil, successors, log)
	if err != nil {
		return nil, nil, err
	}

	deprecations := make([]lanes.Deprecation, 0, len(successors))
	for _, d := range successors {
		deprecations = append(deprecations, lanes.Deprecation{
			Prefix:          d.Prefix,
			SuccessorPrefix: d.SuccessorPrefix,
			LaneKey:         d.LaneKey,
			SunsetDate:      d.SunsetDate,
		})
	}
	return srv, deprecations, nil
}
