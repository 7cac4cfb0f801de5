package lanes

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddValidation(t *testing.T) {
	r := NewRegistry(testLogger())

	err := r.Add(Route{Path: "/api/x", Methods: []string{"GET"}, Lane: Lane("BOGUS"), Handler: ok()})
	assert.ErrorContains(t, err, "unknown lane")

	err = r.Add(Route{Path: "api/x", Methods: []string{"GET"}, Lane: LaneRMOS, Handler: ok()})
	assert.ErrorContains(t, err, "must start with /")

	err = r.Add(Route{Path: "/api/x", Methods: nil, Lane: LaneRMOS, Handler: ok()})
	assert.ErrorContains(t, err, "no methods")

	err = r.Add(Route{Path: "/api/x", Methods: []string{"GET"}, Lane: LaneRMOS, Handler: nil})
	assert.ErrorContains(t, err, "no handler")

	require.NoError(t, r.Add(Route{Path: "/api/x", Methods: []string{"GET"}, Lane: LaneRMOS, Handler: ok()}))
	err = r.Add(Route{Path: "/api/x", Methods: []string{"GET"}, Lane: LaneRMOS, Handler: ok()})
	assert.ErrorContains(t, err, "duplicate route")

	// Same path, different method is allowed.
	require.NoError(t, r.Add(Route{Path: "/api/x", Methods: []string{"POST"}, Lane: LaneOperation, Handler: ok()}))
}

func TestDeprecationHeaders(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Add(
		Route{Path: "/api/art-studio/rosette/preview", Methods: []string{"POST"}, Name: "rosette_preview_legacy", Lane: LaneLegacy, Handler: ok()},
		Route{Path: "/api/art/rosette/preview", Methods: []string{"POST"}, Name: "rosette_preview", Lane: LaneArt, Handler: ok()},
	))
	r.Deprecate(Deprecation{
		Prefix:          "/api/art-studio/",
		SuccessorPrefix: "/api/art",
		LaneKey:         "legacy_art_studio_lane",
		SunsetDate:      "2026-12-31",
	})
	h := r.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/art-studio/rosette/preview", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Deprecation"))
	assert.Equal(t, "2026-12-31", rec.Header().Get("Sunset"))
	assert.Equal(t, "legacy_art_studio_lane", rec.Header().Get("X-Deprecated-Lane"))
	assert.Contains(t, rec.Header().Get("Link"), "</api/art>")
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	// Successor lane carries no deprecation headers.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/art/rosette/preview", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Deprecation"))
	assert.Empty(t, rec.Header().Get("X-Deprecated-Lane"))
}

func TestTruthSortedAndCounted(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Add(
		Route{Path: "/api/rmos/runs", Methods: []string{"GET"}, Name: "runs_list", Lane: LaneRMOS, Handler: ok()},
		Route{Path: "/api/saw/batch/spec", Methods: []string{"POST"}, Name: "saw_spec", Lane: LaneOperation, Handler: ok()},
		Route{Path: "/api/art-studio/rosette/preview", Methods: []string{"POST"}, Name: "rosette_legacy", Lane: LaneLegacy, Handler: ok()},
	))
	r.Deprecate(Deprecation{
		Prefix:          "/api/art-studio/",
		SuccessorPrefix: "/api/art",
		LaneKey:         "legacy_art_studio_lane",
		SunsetDate:      "2026-12-31",
	})

	report := r.Truth()
	assert.Equal(t, 3, report.Count)
	assert.Equal(t, 1, report.DeprecatedCount)
	require.Len(t, report.Routes, 3)
	assert.Equal(t, "/api/art-studio/rosette/preview", report.Routes[0].Path)
	assert.Equal(t, "/api/rmos/runs", report.Routes[1].Path)
	assert.Equal(t, "/api/saw/batch/spec", report.Routes[2].Path)
	assert.True(t, report.Routes[0].Deprecated)
	assert.Equal(t, "superseded by /api/art", report.Routes[0].DeprecatedReason)

	// Two calls produce identical snapshots.
	assert.Equal(t, report, r.Truth())
}

func TestCompareTruth(t *testing.T) {
	committed := TruthReport{Routes: []TruthRoute{
		{Path: "/api/rmos/runs", Methods: []string{"GET"}, Lane: LaneRMOS},
		{Path: "/api/old", Methods: []string{"GET"}, Lane: LaneLegacy},
	}}
	live := TruthReport{Routes: []TruthRoute{
		{Path: "/api/rmos/runs", Methods: []string{"GET"}, Lane: LaneRMOS},
		{Path: "/api/new", Methods: []string{"POST"}, Lane: LaneOperation},
	}}

	diff := CompareTruth(committed, live)
	assert.False(t, diff.Clean())
	assert.Equal(t, []string{"/api/new"}, diff.Missing)
	assert.Equal(t, []string{"/api/old"}, diff.Stale)
	assert.Empty(t, diff.Changed)

	// Lane drift on an existing path is a change.
	live2 := TruthReport{Routes: []TruthRoute{
		{Path: "/api/rmos/runs", Methods: []string{"GET"}, Lane: LaneLegacy},
		{Path: "/api/old", Methods: []string{"GET"}, Lane: LaneLegacy},
	}}
	diff = CompareTruth(committed, live2)
	assert.Equal(t, []string{"/api/rmos/runs"}, diff.Changed)

	diff = CompareTruth(committed, committed)
	assert.True(t, diff.Clean())
	assert.Equal(t, "routing truth matches", diff.String())
}

func TestTruthFileRoundtrip(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Add(
		Route{Path: "/api/rmos/runs", Methods: []string{"GET"}, Name: "runs_list", Lane: LaneRMOS, Handler: ok()},
	))
	tf := &TruthFile{Generated: "2026-08-24", Report: r.Truth()}

	data, err := MarshalTruthFile(tf)
	require.NoError(t, err)
	parsed, err := ParseTruthFile(data)
	require.NoError(t, err)
	assert.Equal(t, tf.Report, parsed.Report)
	assert.True(t, CompareTruth(parsed.Report, r.Truth()).Clean())

	_, err = ParseTruthFile([]byte("routes: ["))
	assert.Error(t, err)
}

func TestScanRoutingSource(t *testing.T) {
	clean := []byte(`package api

func routes() {
	// wiring only
	mount("GET", "/api/rmos/runs", listRuns)
	mount("POST", "/api/saw/batch/spec", createSpec)
}
`)
	assert.Empty(t, ScanRoutingSource("routes.go", clean))

	trig := []byte(`package api

func preview() float64 {
	return math.Sin(0.5) * radius
}
`)
	findings := ScanRoutingSource("routes.go", trig)
	require.NotEmpty(t, findings)
	assert.Equal(t, "no-trig-in-routing", findings[0].Rule)
	assert.Contains(t, findings[0].Detail, "math.Sin")
	assert.Equal(t, 4, findings[0].Line)

	dense := []byte(`package api

var a = 1.5
var b = 2.75
var c = 3.25
var d = 9.125
`)
	findings = ScanRoutingSource("routes.go", dense)
	require.Len(t, findings, 1)
	assert.Equal(t, "numeric-density", findings[0].Rule)
}
