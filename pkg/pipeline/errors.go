package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the orchestrator result taxonomy. Store sentinels
// (NotFound, MissingParent, InvariantViolation, Duplicate, Unavailable)
// pass through unwrapped so callers match on one vocabulary.
var (
	// ErrFeasibilityBlocked is returned on an attempt to approve or
	// execute a plan whose verdict is RED.
	ErrFeasibilityBlocked = errors.New("pipeline: feasibility blocked")
	// ErrDriftDetected is returned when the recomputed feasibility
	// fingerprint differs from the one stored on the plan.
	ErrDriftDetected = errors.New("pipeline: drift detected")
	// ErrTimeout is returned when a stage exceeds its budget before any
	// artifact write.
	ErrTimeout = errors.New("pipeline: stage budget exceeded")
)

// FieldError is one schema or request failure with its JSON location.
type FieldError struct {
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

// ValidationError carries field-level detail for malformed requests. No
// artifact is written when one is returned.
type ValidationError struct {
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "pipeline: validation: " + e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Path, f.Detail))
	}
	return "pipeline: validation: " + e.Message + " (" + strings.Join(parts, "; ") + ")"
}

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
