package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lutherie-works/rmos/pkg/advisory"
	"github.com/lutherie-works/rmos/pkg/auth"
	"github.com/lutherie-works/rmos/pkg/contracts"
	"github.com/lutherie-works/rmos/pkg/engines"
	"github.com/lutherie-works/rmos/pkg/feasibility"
	"github.com/lutherie-works/rmos/pkg/feedback"
	"github.com/lutherie-works/rmos/pkg/lanes"
	"github.com/lutherie-works/rmos/pkg/pipeline"
	"github.com/lutherie-works/rmos/pkg/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// DeprecationSuccessor declares a legacy prefix retirement; the server
// turns it into lane deprecation headers.
type DeprecationSuccessor struct {
	Prefix          string
	SuccessorPrefix string
	LaneKey         string
	SunsetDate      string
}

// ProducerHost runs a stored advisory producer module and adapts it to
// the advisory callback. The sandbox host satisfies this.
type ProducerHost interface {
	Producer(moduleSHA string, input []byte) advisory.Producer
}

// Server composes the HTTP surface. Construction mounts every route
// into the lane registry; the routing-truth endpoint reads the same
// registry the mux is built from.
type Server struct {
	orchestrator *pipeline.Orchestrator
	advisories   *advisory.Service
	feedback     *feedback.Service
	backend      store.Backend
	verifier     *auth.Verifier
	feas         *feasibility.Engine
	engines      *engines.Registry
	registry     *lanes.Registry
	limiter      Limiter
	producers    ProducerHost
	log          *slog.Logger
}

// SetProducerHost installs the sandboxed producer runtime. Without one
// the produce endpoint answers 503.
func (s *Server) SetProducerHost(h ProducerHost) { s.producers = h }

// NewServer wires the handlers and mounts the route registry.
func NewServer(
	orch *pipeline.Orchestrator,
	adv *advisory.Service,
	fb *feedback.Service,
	backend store.Backend,
	verifier *auth.Verifier,
	feas *feasibility.Engine,
	reg *engines.Registry,
	limiter Limiter,
	deprecations []DeprecationSuccessor,
	log *slog.Logger,
) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		orchestrator: orch,
		advisories:   adv,
		feedback:     fb,
		backend:      backend,
		verifier:     verifier,
		feas:         feas,
		engines:      reg,
		registry:     lanes.NewRegistry(log),
		limiter:      limiter,
		log:          log,
	}
	if err := s.mountRoutes(); err != nil {
		return nil, err
	}
	for _, d := range deprecations {
		s.registry.Deprecate(lanes.Deprecation{
			Prefix:          d.Prefix,
			SuccessorPrefix: d.SuccessorPrefix,
			LaneKey:         d.LaneKey,
			SunsetDate:      d.SunsetDate,
		})
	}
	return s, nil
}

// mountRoutes is the explicit route composition. Adding an endpoint
// means adding a line here; nothing is mounted implicitly.
func (s *Server) mountRoutes() error {
	// Every tool gets an OPERATION lane under /api/<tool>, with
	// underscores opening path segments: saw_batch at /api/saw/batch.
	for _, tool := range contracts.ToolKinds {
		base := "/api/" + strings.ReplaceAll(tool, "_", "/")
		if err := s.mountToolLane(tool, tool, base); err != nil {
			return err
		}
	}

	// The rosette lane is also reachable under the art prefix, the
	// successor surface of the retired art-studio lane.
	if err := s.mountToolLane("rosette", "art_rosette", "/api/art/rosette"); err != nil {
		return err
	}

	// Legacy art-studio lane, kept routable until its sunset date. GET
	// stays mounted so deprecation headers reach probing clients.
	if err := s.registry.Add(
		lanes.Route{Path: "/api/art-studio/rosette/preview", Methods: []string{"GET", "POST"}, Name: "rosette_preview_legacy", Lane: lanes.LaneLegacy, Handler: s.handleCreateSpec("rosette")},
	); err != nil {
		return err
	}

	if err := s.registry.Add(
		lanes.Route{Path: "/api/rmos/runs", Methods: []string{"GET"}, Name: "runs_list", Lane: lanes.LaneRMOS, Handler: http.HandlerFunc(s.handleListRuns)},
		lanes.Route{Path: "/api/rmos/runs/{id}", Methods: []string{"GET"}, Name: "run_get", Lane: lanes.LaneRMOS, Handler: http.HandlerFunc(s.handleGetRun)},
		lanes.Route{Path: "/api/rmos/runs/{id}/lineage", Methods: []string{"GET"}, Name: "run_lineage", Lane: lanes.LaneRMOS, Handler: http.HandlerFunc(s.handleLineage)},
		lanes.Route{Path: "/api/rmos/runs/{id}/attachments", Methods: []string{"GET"}, Name: "run_attachments", Lane: lanes.LaneRMOS, Handler: http.HandlerFunc(s.handleRunAttachments)},
		lanes.Route{Path: "/api/rmos/runs/{id}/attachments/verify", Methods: []string{"GET"}, Name: "run_attachments_verify", Lane: lanes.LaneRMOS, Handler: http.HandlerFunc(s.handleVerifyAttachments)},
		lanes.Route{Path: "/api/rmos/runs/{id}/advisories", Methods: []string{"GET"}, Name: "run_advisories", Lane: lanes.LaneRMOS, Handler: http.HandlerFunc(s.handleListAdvisories)},
		lanes.Route{Path: "/api/rmos/runs/{id}/suggest-and-attach", Methods: []string{"POST"}, Name: "run_suggest_and_attach", Lane: lanes.LaneRMOS, Handler: http.HandlerFunc(s.handleSuggestAndAttach)},
		lanes.Route{Path: "/api/rmos/runs/{id}/advisories/produce", Methods: []string{"POST"}, Name: "run_produce_advisory", Lane: lanes.LaneRMOS, Handler: http.HandlerFunc(s.handleProduceAdvisory)},
		lanes.Route{Path: "/api/rmos/acoustics/attachments/{sha256}", Methods: []string{"GET"}, Name: "attachment_download", Lane: lanes.LaneRMOS, Handler: http.HandlerFunc(s.handleDownload)},
		lanes.Route{Path: "/api/rmos/acoustics/index/attachment_meta", Methods: []string{"GET"}, Name: "attachments_meta_scan", Lane: lanes.LaneRMOS, Handler: http.HandlerFunc(s.handleMetaScan)},
		lanes.Route{Path: "/api/rmos/acoustics/index/rebuild_attachment_meta", Methods: []string{"POST"}, Name: "attachments_meta_rebuild", Lane: lanes.LaneUtility, Handler: http.HandlerFunc(s.handleMetaRebuild)},
	); err != nil {
		return err
	}

	return s.registry.Add(
		lanes.Route{Path: "/api/_meta/routing-truth", Methods: []string{"GET"}, Name: "routing_truth", Lane: lanes.LaneMeta, Handler: http.HandlerFunc(s.handleRoutingTruth)},
		lanes.Route{Path: "/api/health", Methods: []string{"GET"}, Name: "health", Lane: lanes.LaneCore, Handler: http.HandlerFunc(s.handleHealth)},
	)
}

// mountToolLane mounts the per-tool pipeline surface. Approval is
// reachable both with the plan id in the path and with it in the body;
// toolpaths and execute are the same operation under both names.
func (s *Server) mountToolLane(tool, name, base string) error {
	return s.registry.Add(
		lanes.Route{Path: base + "/spec", Methods: []string{"POST"}, Name: name + "_spec_create", Lane: lanes.LaneOperation, Handler: s.handleCreateSpec(tool)},
		lanes.Route{Path: base + "/plan", Methods: []string{"POST"}, Name: name + "_plan_create", Lane: lanes.LaneOperation, Handler: s.handleCreatePlan()},
		lanes.Route{Path: base + "/approve", Methods: []string{"POST"}, Name: name + "_approve", Lane: lanes.LaneOperation, Handler: s.handleDecide(true)},
		lanes.Route{Path: base + "/reject", Methods: []string{"POST"}, Name: name + "_reject", Lane: lanes.LaneOperation, Handler: s.handleDecide(false)},
		lanes.Route{Path: base + "/plan/{id}/approve", Methods: []string{"POST"}, Name: name + "_plan_approve", Lane: lanes.LaneOperation, Handler: s.handleDecide(true)},
		lanes.Route{Path: base + "/plan/{id}/reject", Methods: []string{"POST"}, Name: name + "_plan_reject", Lane: lanes.LaneOperation, Handler: s.handleDecide(false)},
		lanes.Route{Path: base + "/toolpaths", Methods: []string{"POST"}, Name: name + "_execute", Lane: lanes.LaneOperation, Handler: s.handleExecute()},
		lanes.Route{Path: base + "/execute", Methods: []string{"POST"}, Name: name + "_execute_alias", Lane: lanes.LaneOperation, Handler: s.handleExecute()},
		lanes.Route{Path: base + "/executions/{id}/retry", Methods: []string{"POST"}, Name: name + "_execution_retry", Lane: lanes.LaneOperation, Handler: s.handleRetry()},
		lanes.Route{Path: base + "/job-log", Methods: []string{"POST"}, Name: name + "_job_log", Lane: lanes.LaneOperation, Handler: s.handleJobLog()},
	)
}

// Handler returns the composed mux behind the middleware chain.
func (s *Server) Handler() http.Handler {
	h := s.registry.Handler()
	h = RateLimit(s.limiter)(h)
	h = AccessLog(s.log)(h)
	return RequestID(h)
}

// Truth exposes the live routing-truth snapshot.
func (s *Server) Truth() lanes.TruthReport {
	return s.registry.Truth()
}

// Envelope wraps every successful JSON response.
type Envelope struct {
	RequestID  string `json:"request_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Data       any    `json:"data,omitempty"`
}

func (s *Server) writeArtifact(w http.ResponseWriter, r *http.Request, status int, a *contracts.Artifact) {
	s.writeJSON(w, r, status, Envelope{
		RequestID:  GetRequestID(r.Context()),
		ArtifactID: a.ArtifactID,
		Data:       a,
	})
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	s.writeJSON(w, r, status, Envelope{
		RequestID: GetRequestID(r.Context()),
		Data:      data,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("response encode failed",
			"path", r.URL.Path, "error", err)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &pipeline.ValidationError{Message: fmt.Sprintf("request body: %v", err)}
	}
	return body, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, into); err != nil {
		return &pipeline.ValidationError{Message: fmt.Sprintf("request body: %v", err)}
	}
	return nil
}

func (s *Server) handleCreateSpec(tool string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		artifact, err := s.orchestrator.CreateSpec(r.Context(), tool, body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.writeArtifact(w, r, http.StatusCreated, artifact)
	})
}

func (s *Server) handleCreatePlan() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.PlanRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		artifact, err := s.orchestrator.CreatePlan(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.writeArtifact(w, r, http.StatusCreated, artifact)
	})
}

type decideRequest struct {
	PlanArtifactID string   `json:"plan_artifact_id,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	SetupOrder     []string `json:"setup_order,omitempty"`
	OpOrder        []string `json:"op_order,omitempty"`
}

// handleDecide serves approve and reject. The approver identity comes
// from the verified token, never from the body.
func (s *Server) handleDecide(approve bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, err := s.verifier.FromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		var req decideRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		planID := r.PathValue("id")
		if planID == "" {
			planID = req.PlanArtifactID
		}
		if planID == "" {
			writeError(w, r, &pipeline.ValidationError{Message: "plan_artifact_id is required"})
			return
		}
		payload := pipeline.DecisionPayload{SetupOrder: req.SetupOrder, OpOrder: req.OpOrder}

		var artifact *contracts.Artifact
		if approve {
			artifact, err = s.orchestrator.Approve(r.Context(), planID, operator.ID, req.Reason, payload)
		} else {
			artifact, err = s.orchestrator.Reject(r.Context(), planID, operator.ID, req.Reason, payload)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.writeArtifact(w, r, http.StatusCreated, artifact)
	})
}

func (s *Server) handleExecute() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DecisionArtifactID string `json:"decision_artifact_id"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.DecisionArtifactID == "" {
			writeError(w, r, &pipeline.ValidationError{Message: "decision_artifact_id is required"})
			return
		}
		// Engine failures surface as artifacts with status ERROR, not as
		// HTTP errors; only pre-write failures map to non-2xx.
		artifact, err := s.orchestrator.Execute(r.Context(), req.DecisionArtifactID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.writeArtifact(w, r, http.StatusCreated, artifact)
	})
}

func (s *Server) handleRetry() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		artifact, err := s.orchestrator.RetryExecution(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.writeArtifact(w, r, http.StatusCreated, artifact)
	})
}

func (s *Server) handleJobLog() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExecutionArtifactID string               `json:"execution_artifact_id"`
			Metrics             contracts.JobMetrics `json:"metrics"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.ExecutionArtifactID == "" {
			writeError(w, r, &pipeline.ValidationError{Message: "execution_artifact_id is required"})
			return
		}
		artifact, err := s.feedback.WriteJobLog(r.Context(), req.ExecutionArtifactID, req.Metrics)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.writeArtifact(w, r, http.StatusCreated, artifact)
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := store.ArtifactQuery{
		Kind:       r.URL.Query().Get("kind"),
		Stage:      contracts.Stage(r.URL.Query().Get("stage")),
		SessionID:  r.URL.Query().Get("session_id"),
		BatchLabel: r.URL.Query().Get("batch_label"),
		ToolKind:   r.URL.Query().Get("tool"),
	}
	// by_spec, by_plan, by_decision are filtered projections over the
	// same query, selecting children linked through that relation.
	for _, alias := range []struct{ param, rel string }{
		{"by_spec", contracts.RelSpec},
		{"by_plan", contracts.RelPlan},
		{"by_decision", contracts.RelDecision},
	} {
		v := r.URL.Query().Get(alias.param)
		if v == "" {
			continue
		}
		if q.ParentID != "" {
			writeError(w, r, &pipeline.ValidationError{Message: "at most one of by_spec, by_plan, by_decision may be set"})
			return
		}
		q.ParentRel, q.ParentID = alias.rel, v
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, &pipeline.ValidationError{Message: "limit must be a non-negative integer"})
			return
		}
		q.Limit = limit
	}
	runs, err := s.backend.Artifacts.QueryArtifacts(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"count": len(runs), "runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.backend.Artifacts.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeArtifact(w, r, http.StatusOK, artifact)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.backend.Artifacts.GetLineage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"count": len(chain), "lineage": chain})
}

func (s *Server) handleRunAttachments(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	artifact, err := s.backend.Artifacts.GetArtifact(r.Context(), runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	advisories, err := s.advisories.ListAdvisories(r.Context(), runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	refs := artifact.AttachmentRefs
	if refs == nil {
		refs = []contracts.AttachmentRef{}
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"attachment_refs": refs,
		"advisory_inputs": advisories,
	})
}

func (s *Server) handleVerifyAttachments(w http.ResponseWriter, r *http.Request) {
	missing, err := s.advisories.VerifyRunAttachments(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"ok":      len(missing) == 0,
		"missing": missing,
	})
}

func (s *Server) handleListAdvisories(w http.ResponseWriter, r *http.Request) {
	refs, err := s.advisories.ListAdvisories(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"count": len(refs), "advisories": refs})
}

func (s *Server) handleSuggestAndAttach(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProducerID string          `json:"producer_id"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProducerID == "" || len(req.Payload) == 0 {
		writeError(w, r, &pipeline.ValidationError{Message: "producer_id and payload are required"})
		return
	}
	result, err := s.advisories.SuggestAndAttach(r.Context(), r.PathValue("id"), req.ProducerID, req.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, result)
}

// handleProduceAdvisory runs a stored producer module against the run.
// The slot is appended PENDING; the sandboxed module resolves it to
// READY or FAILED in the background.
func (s *Server) handleProduceAdvisory(w http.ResponseWriter, r *http.Request) {
	if s.producers == nil {
		writeError(w, r, fmt.Errorf("producer runtime not configured: %w", store.ErrUnavailable))
		return
	}
	var req struct {
		ProducerID   string          `json:"producer_id"`
		ModuleSHA256 string          `json:"module_sha256"`
		Input        json.RawMessage `json:"input"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProducerID == "" || req.ModuleSHA256 == "" {
		writeError(w, r, &pipeline.ValidationError{Message: "producer_id and module_sha256 are required"})
		return
	}
	result, err := s.advisories.SuggestAndAttachAsync(r.Context(), r.PathValue("id"),
		req.ProducerID, s.producers.Producer(req.ModuleSHA256, req.Input))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusAccepted, result)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	data, meta, err := s.advisories.Download(r.Context(), r.PathValue("sha256"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", meta.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if meta.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleMetaScan(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, &pipeline.ValidationError{Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	items, next, err := s.backend.Meta.QueryMeta(r.Context(),
		contracts.AttachmentKind(r.URL.Query().Get("kind")),
		r.URL.Query().Get("mime_prefix"),
		store.MetaCursor(r.URL.Query().Get("cursor")),
		limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"count":       len(items),
		"items":       items,
		"next_cursor": next,
	})
}

func (s *Server) handleMetaRebuild(w http.ResponseWriter, r *http.Request) {
	stats, err := store.RebuildMetaIndex(r.Context(), s.backend)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, stats)
}

// handleRoutingTruth serves the live registry snapshot, not the
// committed file; the truth subcommand diffs the two.
func (s *Server) handleRoutingTruth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.registry.Truth())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":             "ok",
		"time_utc":           time.Now().UTC().Format(time.RFC3339),
		"feasibility_engine": s.feas.Version(),
		"engines":            s.engines.List(),
	})
}
