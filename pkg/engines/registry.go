// Package engines hosts the pluggable computation engines the pipeline
// invokes after approval. Engines are pure with respect to their declared
// inputs: identical payload, context, and engine versions must produce
// byte-identical blobs. Non-determinism is a contract violation surfaced
// by the replay tooling.
package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// ProducedBlob is one output asset of a computation run.
type ProducedBlob struct {
	Kind     contracts.AttachmentKind
	Filename string
	MIME     string
	Role     string
	Bytes    []byte
}

// Result is what an engine returns on success. Summary is a structured
// operation digest persisted as the EXECUTION payload.
type Result struct {
	Blobs   []ProducedBlob
	Summary json.RawMessage
}

// Engine computes machine output for one tool kind.
type Engine interface {
	Name() string
	Version() string
	PostProcessorVersion() string
	Compute(ctx context.Context, specPayload json.RawMessage, mctx contracts.MachiningContext, verdict *contracts.Verdict) (*Result, error)
}

// Registry maps tool kinds to their registered engine. Registration
// happens at startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine. The name must be a known tool kind and both
// version stamps must parse as semantic versions.
func (r *Registry) Register(e Engine) error {
	name := e.Name()
	if !contracts.KnownToolKind(name) {
		return fmt.Errorf("engines: %q is not a known tool kind", name)
	}
	if _, err := semver.NewVersion(e.Version()); err != nil {
		return fmt.Errorf("engines: %s version %q: %w", name, e.Version(), err)
	}
	if _, err := semver.NewVersion(e.PostProcessorVersion()); err != nil {
		return fmt.Errorf("engines: %s post-processor version %q: %w", name, e.PostProcessorVersion(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[name]; exists {
		return fmt.Errorf("engines: %s already registered", name)
	}
	r.engines[name] = e
	return nil
}

// Lookup returns the engine for a tool kind.
func (r *Registry) Lookup(tool string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[tool]
	if !ok {
		return nil, fmt.Errorf("engines: no engine registered for tool %q", tool)
	}
	return e, nil
}

// EngineInfo is the registry view exposed by health and introspection.
type EngineInfo struct {
	Name                 string `json:"name"`
	Version              string `json:"version"`
	PostProcessorVersion string `json:"post_processor_version"`
}

// List returns registered engines sorted by name.
func (r *Registry) List() []EngineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]EngineInfo, 0, len(r.engines))
	for _, e := range r.engines {
		infos = append(infos, EngineInfo{
			Name:                 e.Name(),
			Version:              e.Version(),
			PostProcessorVersion: e.PostProcessorVersion(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
