package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/lutherie-works/rmos/pkg/config"
	"github.com/lutherie-works/rmos/pkg/ingest"
	"github.com/lutherie-works/rmos/pkg/store"
)

// runExportCmd writes a run-export bundle to disk.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		sessionID = cmd.String("session", "", "restrict to one session")
		batch     = cmd.String("batch", "", "restrict to one batch label")
		tool      = cmd.String("tool", "", "restrict to one tool kind")
		outPath   = cmd.String("out", "", "output zip path (REQUIRED)")
	)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *outPath == "" {
		fmt.Fprintln(stderr, "--out is required")
		cmd.Usage()
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

	bundle, err := ingest.NewExporter(backend, log).ExportRuns(ctx, store.ArtifactQuery{
		SessionID:  *sessionID,
		BatchLabel: *batch,
		ToolKind:   *tool,
	})
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*outPath, bundle, 0o644); err != nil {
		fmt.Fprintf(stderr, "write %s: %v\n", *outPath, err)
		return 1
	}
	fmt.Fprintf(stdout, "exported %d bytes to %s\n", len(bundle), *outPath)
	return 0
}

// runImportCmd ingests a measurement evidence pack.
func runImportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("import-evidence", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	packPath := cmd.String("pack", "", "evidence pack zip path (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *packPath == "" {
		fmt.Fprintln(stderr, "--pack is required")
		cmd.Usage()
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

	pack, err := os.ReadFile(*packPath)
	if err != nil {
		fmt.Fprintf(stderr, "read %s: %v\n", *packPath, err)
		return 1
	}
	result, err := ingest.NewImporter(backend, log).ImportEvidencePack(ctx, pack)
	if err != nil {
		fmt.Fprintf(stderr, "import: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "imported %d files (bundle %s)\n", result.FilesStored, result.BundleSHA256)
	return 0
}
