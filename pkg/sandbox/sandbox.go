// Package sandbox confines advisory producers. Producers run as WASM
// modules under WASI with no filesystem, no network, and no environment:
// they read the run context from stdin and write their advisory payload
// to stdout. The module binary itself lives in the blob store, addressed
// by digest like any other attachment.
//
// Producers can only propose. The sandbox holds a read-only blob handle
// for module resolution and returns bytes; attaching the result to a run
// goes back through the advisory service.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/lutherie-works/rmos/pkg/advisory"
	"github.com/lutherie-works/rmos/pkg/store"
)

// OutputMaxBytes caps a producer's stdout. Larger advisories indicate a
// runaway module.
const OutputMaxBytes = 1 << 20

// Violation codes for limit breaches, stable for audit logs.
const (
	ErrTimeExhausted   = "ERR_PRODUCER_TIME_EXHAUSTED"
	ErrMemoryExhausted = "ERR_PRODUCER_MEMORY_EXHAUSTED"
	ErrOutputExhausted = "ERR_PRODUCER_OUTPUT_EXHAUSTED"
)

// LimitError is a typed limit violation.
type LimitError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Limits bound one producer execution.
type Limits struct {
	MemoryLimitBytes int64
	WallClockLimit   time.Duration
}

// DefaultLimits returns the stock producer budget.
func DefaultLimits() Limits {
	return Limits{MemoryLimitBytes: 64 << 20, WallClockLimit: 10 * time.Second}
}

// WASIHost runs advisory producer modules under deny-by-default WASI.
type WASIHost struct {
	runtime wazero.Runtime
	blobs   store.BlobStore
	limits  Limits
}

// NewWASIHost builds the shared runtime with the memory ceiling applied.
func NewWASIHost(ctx context.Context, blobs store.BlobStore, limits Limits) (*WASIHost, error) {
	cfg := wazero.NewRuntimeConfig()
	if limits.MemoryLimitBytes > 0 {
		// wazero counts memory in 64 KiB pages.
		pages := uint32(limits.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: wasi instantiate: %w", err)
	}
	return &WASIHost{runtime: r, blobs: blobs, limits: limits}, nil
}

// RunProducer executes the module stored under moduleSHA with input on
// stdin and returns its stdout. No filesystem, clock, or random source is
// wired in, so a well-formed producer is deterministic.
func (h *WASIHost) RunProducer(ctx context.Context, moduleSHA string, input []byte) ([]byte, error) {
	wasmBytes, err := h.blobs.Get(ctx, moduleSHA)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve module %s: %w", moduleSHA, err)
	}

	if h.limits.WallClockLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.limits.WallClockLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("rmos-producer").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile module %s: %w", moduleSHA, err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := h.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &LimitError{
				Code:    ErrTimeExhausted,
				Message: fmt.Sprintf("producer exceeded %s", h.limits.WallClockLimit),
			}
		}
		if isMemoryError(err) {
			return nil, &LimitError{
				Code:    ErrMemoryExhausted,
				Message: fmt.Sprintf("producer exceeded %d bytes", h.limits.MemoryLimitBytes),
			}
		}
		return nil, fmt.Errorf("sandbox: producer failed: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stdout.Len()+stderr.Len() > OutputMaxBytes {
		return nil, &LimitError{
			Code:    ErrOutputExhausted,
			Message: fmt.Sprintf("output %d exceeds %d bytes", stdout.Len()+stderr.Len(), OutputMaxBytes),
		}
	}
	return stdout.Bytes(), nil
}

// Producer adapts a stored module into an advisory producer. The output
// must be valid JSON; anything else fails the slot rather than the run.
func (h *WASIHost) Producer(moduleSHA string, input []byte) advisory.Producer {
	return func(ctx context.Context) (any, error) {
		out, err := h.RunProducer(ctx, moduleSHA, input)
		if err != nil {
			return nil, err
		}
		if !json.Valid(out) {
			return nil, fmt.Errorf("sandbox: producer %s emitted non-JSON output", moduleSHA)
		}
		return json.RawMessage(out), nil
	}
}

// Close releases the shared runtime.
func (h *WASIHost) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
