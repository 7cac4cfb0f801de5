// Package api is the HTTP surface of the orchestration core. Handlers
// translate requests into orchestrator, advisory, and feedback calls and
// map the error taxonomy onto status codes; all error bodies are RFC 7807
// problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lutherie-works/rmos/pkg/auth"
	"github.com/lutherie-works/rmos/pkg/pipeline"
	"github.com/lutherie-works/rmos/pkg/store"
)

// ProblemDetail implements RFC 7807. Every non-2xx response uses this
// shape.
type ProblemDetail struct {
	Type     string                `json:"type"`
	Title    string                `json:"title"`
	Status   int                   `json:"status"`
	Detail   string                `json:"detail,omitempty"`
	Instance string                `json:"instance,omitempty"`
	TraceID  string                `json:"trace_id,omitempty"`
	Fields   []pipeline.FieldError `json:"fields,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Type = fmt.Sprintf("https://rmos.lutherie.works/errors/%d", p.Status)
	p.Instance = r.URL.Path
	p.TraceID = w.Header().Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError maps the error taxonomy onto HTTP status codes. Validation
// and governance failures are the client's fault; drift and feasibility
// blocks are conflicts with current server state; timeouts and store
// outages are server-side.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *pipeline.ValidationError
	switch {
	case errors.As(err, &ve):
		writeProblem(w, r, &ProblemDetail{
			Title: "Validation Failed", Status: http.StatusBadRequest,
			Detail: ve.Message, Fields: ve.Fields,
		})
	case errors.Is(err, auth.ErrNoToken), errors.Is(err, auth.ErrInvalidToken):
		writeProblem(w, r, &ProblemDetail{
			Title: "Unauthorized", Status: http.StatusUnauthorized,
			Detail: "a valid operator token is required",
		})
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, r, &ProblemDetail{
			Title: "Not Found", Status: http.StatusNotFound, Detail: err.Error(),
		})
	case errors.Is(err, store.ErrMissingParent):
		writeProblem(w, r, &ProblemDetail{
			Title: "Missing Parent", Status: http.StatusUnprocessableEntity, Detail: err.Error(),
		})
	case errors.Is(err, store.ErrDuplicate):
		writeProblem(w, r, &ProblemDetail{
			Title: "Duplicate Artifact", Status: http.StatusConflict, Detail: err.Error(),
		})
	case errors.Is(err, pipeline.ErrFeasibilityBlocked):
		writeProblem(w, r, &ProblemDetail{
			Title: "Feasibility Blocked", Status: http.StatusConflict,
			Detail: "the plan's verdict is RED; it cannot be approved or executed",
		})
	case errors.Is(err, pipeline.ErrDriftDetected):
		writeProblem(w, r, &ProblemDetail{
			Title: "Drift Detected", Status: http.StatusConflict,
			Detail: "server state changed since the plan was approved; re-plan before executing",
		})
	case errors.Is(err, store.ErrInvariantViolation), errors.Is(err, store.ErrImmutable):
		writeProblem(w, r, &ProblemDetail{
			Title: "Invariant Violation", Status: http.StatusConflict, Detail: err.Error(),
		})
	case errors.Is(err, pipeline.ErrTimeout):
		writeProblem(w, r, &ProblemDetail{
			Title: "Stage Timeout", Status: http.StatusGatewayTimeout,
			Detail: "the stage exceeded its budget before any artifact was written",
		})
	case errors.Is(err, store.ErrUnavailable):
		writeProblem(w, r, &ProblemDetail{
			Title: "Store Unavailable", Status: http.StatusServiceUnavailable,
			Detail: "persistent storage is unavailable; retry",
		})
	default:
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		writeProblem(w, r, &ProblemDetail{
			Title: "Internal Server Error", Status: http.StatusInternalServerError,
			Detail: "an unexpected error occurred",
		})
	}
}
