package lanes

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TruthFile is the committed routing-truth snapshot. CI regenerates the
// live report and diffs it against this file; a route change without a
// matching truth-file change fails the build.
type TruthFile struct {
	Generated    string        `yaml:"generated,omitempty"`
	Report       TruthReport   `yaml:"report"`
	Deprecations []Deprecation `yaml:"deprecations,omitempty"`
}

// ParseTruthFile decodes a committed truth file.
func ParseTruthFile(data []byte) (*TruthFile, error) {
	var tf TruthFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("lanes: parse truth file: %w", err)
	}
	return &tf, nil
}

// MarshalTruthFile renders a truth file for committing.
func MarshalTruthFile(tf *TruthFile) ([]byte, error) {
	return yaml.Marshal(tf)
}

// TruthDiff is the outcome of comparing live routes against the
// committed snapshot.
type TruthDiff struct {
	// Missing routes exist live but not in the committed file. Fails
	// the gate.
	Missing []string
	// Stale routes exist in the committed file but not live. Fails the
	// gate.
	Stale []string
	// Changed routes exist on both sides with different lane,
	// deprecation flag, or method set. Fails the gate.
	Changed []string
}

// Clean reports whether the diff passes the gate.
func (d TruthDiff) Clean() bool {
	return len(d.Missing) == 0 && len(d.Stale) == 0 && len(d.Changed) == 0
}

func (d TruthDiff) String() string {
	if d.Clean() {
		return "routing truth matches"
	}
	var b strings.Builder
	for _, p := range d.Missing {
		fmt.Fprintf(&b, "missing from truth file: %s\n", p)
	}
	for _, p := range d.Stale {
		fmt.Fprintf(&b, "stale in truth file: %s\n", p)
	}
	for _, p := range d.Changed {
		fmt.Fprintf(&b, "changed: %s\n", p)
	}
	return b.String()
}

// CompareTruth diffs the live report against the committed one. Both
// sides are keyed by path; method sets are compared as sorted joins.
func CompareTruth(committed, live TruthReport) TruthDiff {
	var diff TruthDiff
	want := make(map[string]TruthRoute, len(committed.Routes))
	for _, rt := range committed.Routes {
		want[rt.Path] = rt
	}
	got := make(map[string]TruthRoute, len(live.Routes))
	for _, rt := range live.Routes {
		got[rt.Path] = rt
	}

	for path, rt := range got {
		base, ok := want[path]
		if !ok {
			diff.Missing = append(diff.Missing, path)
			continue
		}
		if base.Lane != rt.Lane || base.Deprecated != rt.Deprecated ||
			methodKey(base.Methods) != methodKey(rt.Methods) {
			diff.Changed = append(diff.Changed, path)
		}
	}
	for path := range want {
		if _, ok := got[path]; !ok {
			diff.Stale = append(diff.Stale, path)
		}
	}
	sort.Strings(diff.Missing)
	sort.Strings(diff.Stale)
	sort.Strings(diff.Changed)
	return diff
}

func methodKey(methods []string) string {
	sorted := append([]string(nil), methods...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
