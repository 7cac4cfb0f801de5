// Package lanes is the route governance layer. Every mounted route
// carries a lane label; OPERATION routes invoke the pipeline and are the
// only routes allowed to write artifacts. The registry is explicit and
// composed at startup, and the routing-truth endpoint reads it directly.
package lanes

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

// Lane classifies a route for governance.
type Lane string

const (
	LaneCore       Lane = "CORE"
	LaneMeta       Lane = "META"
	LaneOperation  Lane = "OPERATION"
	LaneRMOS       Lane = "RMOS"
	LaneCAM        Lane = "CAM"
	LaneTooling    Lane = "TOOLING"
	LaneArt        Lane = "ART"
	LaneCompare    Lane = "COMPARE"
	LaneSimulation Lane = "SIMULATION"
	LaneLegacy     Lane = "LEGACY"
	LaneUtility    Lane = "UTILITY"
)

// KnownLane reports membership in the closed lane vocabulary.
func KnownLane(l Lane) bool {
	switch l {
	case LaneCore, LaneMeta, LaneOperation, LaneRMOS, LaneCAM, LaneTooling,
		LaneArt, LaneCompare, LaneSimulation, LaneLegacy, LaneUtility:
		return true
	}
	return false
}

// Route is one mounted endpoint. Components expose a Routes() slice and
// the server composes them into the registry at startup.
type Route struct {
	Path             string
	Methods          []string
	Name             string
	Lane             Lane
	Handler          http.Handler
	Deprecated       bool
	DeprecatedReason string
}

// Deprecation declares a sunset path prefix. Matching requests are served
// normally but carry the deprecation headers and log at WARN.
type Deprecation struct {
	Prefix          string `yaml:"prefix" json:"prefix"`
	SuccessorPrefix string `yaml:"successor_prefix" json:"successor_prefix"`
	LaneKey         string `yaml:"lane_key" json:"lane_key"`
	SunsetDate      string `yaml:"sunset_date" json:"sunset_date"`
}

// Registry holds the mounted routes and deprecation declarations. Built
// once at startup and on explicit reload; reads afterwards are wait-free.
type Registry struct {
	routes       []Route
	deprecations []Deprecation
	log          *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log}
}

// Add mounts routes, validating lanes and rejecting duplicate
// (path, method) pairs.
func (r *Registry) Add(routes ...Route) error {
	for _, rt := range routes {
		if !KnownLane(rt.Lane) {
			return fmt.Errorf("lanes: route %s has unknown lane %q", rt.Path, rt.Lane)
		}
		if rt.Path == "" || !strings.HasPrefix(rt.Path, "/") {
			return fmt.Errorf("lanes: route %q must start with /", rt.Path)
		}
		if len(rt.Methods) == 0 {
			return fmt.Errorf("lanes: route %s declares no methods", rt.Path)
		}
		if rt.Handler == nil {
			return fmt.Errorf("lanes: route %s has no handler", rt.Path)
		}
		for _, m := range rt.Methods {
			for _, existing := range r.routes {
				if existing.Path == rt.Path && hasMethod(existing.Methods, m) {
					return fmt.Errorf("lanes: duplicate route %s %s", m, rt.Path)
				}
			}
		}
		r.routes = append(r.routes, rt)
	}
	return nil
}

// Deprecate declares a deprecated path prefix.
func (r *Registry) Deprecate(d Deprecation) {
	r.deprecations = append(r.deprecations, d)
}

func hasMethod(methods []string, m string) bool {
	for _, x := range methods {
		if x == m {
			return true
		}
	}
	return false
}

// Handler builds the composed mux. Every handler is wrapped with the
// deprecation middleware.
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, rt := range r.routes {
		for _, m := range rt.Methods {
			mux.Handle(m+" "+rt.Path, r.deprecationMiddleware(rt.Handler))
		}
	}
	return mux
}

// deprecationMiddleware adds the sunset headers on matching prefixes.
// Deprecated endpoints stay functional; the body is untouched.
func (r *Registry) deprecationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		for _, d := range r.deprecations {
			if !strings.HasPrefix(req.URL.Path, d.Prefix) {
				continue
			}
			w.Header().Set("Deprecation", "true")
			w.Header().Set("Sunset", d.SunsetDate)
			w.Header().Set("X-Deprecated-Lane", d.LaneKey)
			w.Header().Set("Link", fmt.Sprintf("<%s>; rel=%q", d.SuccessorPrefix, "successor-version"))
			r.log.Warn("deprecated lane hit",
				"lane", d.LaneKey,
				"method", req.Method,
				"path", req.URL.Path,
				"successor", d.SuccessorPrefix)
			break
		}
		next.ServeHTTP(w, req)
	})
}

// TruthRoute is one row of the routing-truth table.
type TruthRoute struct {
	Path             string   `yaml:"path" json:"path"`
	Methods          []string `yaml:"methods" json:"methods"`
	Name             string   `yaml:"name" json:"name"`
	Lane             Lane     `yaml:"lane" json:"lane"`
	Deprecated       bool     `yaml:"deprecated" json:"deprecated"`
	DeprecatedReason string   `yaml:"deprecated_reason,omitempty" json:"deprecated_reason,omitempty"`
}

// TruthReport is the routing-truth snapshot, sorted by (path, methods)
// for stable diffs across environments and restarts.
type TruthReport struct {
	Count           int          `yaml:"count" json:"count"`
	DeprecatedCount int          `yaml:"deprecated_count" json:"deprecated_count"`
	Routes          []TruthRoute `yaml:"routes" json:"routes"`
}

// Truth builds the current routing-truth snapshot.
func (r *Registry) Truth() TruthReport {
	report := TruthReport{Routes: make([]TruthRoute, 0, len(r.routes))}
	for _, rt := range r.routes {
		deprecated := rt.Deprecated
		reason := rt.DeprecatedReason
		for _, d := range r.deprecations {
			if strings.HasPrefix(rt.Path, d.Prefix) {
				deprecated = true
				if reason == "" {
					reason = "superseded by " + d.SuccessorPrefix
				}
			}
		}
		methods := append([]string(nil), rt.Methods...)
		sort.Strings(methods)
		report.Routes = append(report.Routes, TruthRoute{
			Path:             rt.Path,
			Methods:          methods,
			Name:             rt.Name,
			Lane:             rt.Lane,
			Deprecated:       deprecated,
			DeprecatedReason: reason,
		})
		if deprecated {
			report.DeprecatedCount++
		}
	}
	sort.Slice(report.Routes, func(i, j int) bool {
		if report.Routes[i].Path != report.Routes[j].Path {
			return report.Routes[i].Path < report.Routes[j].Path
		}
		return strings.Join(report.Routes[i].Methods, ",") < strings.Join(report.Routes[j].Methods, ",")
	})
	report.Count = len(report.Routes)
	return report
}
