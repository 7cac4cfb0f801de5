package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// Per-tool SPEC request schemas. Unknown request fields are rejected;
// value-range problems (zero thickness, absurd feeds) are the feasibility
// engine's job, so the schemas stay structural.
const sawBatchSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["session_id", "batch_label", "items", "op_type"],
	"additionalProperties": false,
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"batch_label": {"type": "string", "minLength": 1},
		"op_type": {"type": "string", "minLength": 1},
		"blade_id": {"type": "string"},
		"machine_profile": {"type": "string"},
		"items": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["part_id", "material_family", "thickness_mm", "width_mm", "length_mm"],
				"additionalProperties": false,
				"properties": {
					"part_id": {"type": "string", "minLength": 1},
					"material_family": {"type": "string"},
					"thickness_mm": {"type": "number"},
					"width_mm": {"type": "number"},
					"length_mm": {"type": "number"}
				}
			}
		}
	}
}`

const rosetteSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["session_id", "batch_label", "rings"],
	"additionalProperties": false,
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"batch_label": {"type": "string", "minLength": 1},
		"op_type": {"type": "string"},
		"material_id": {"type": "string"},
		"rings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["radius_mm", "depth_mm"],
				"additionalProperties": false,
				"properties": {
					"radius_mm": {"type": "number"},
					"depth_mm": {"type": "number"}
				}
			}
		}
	}
}`

// genericSpecSchema covers tools without a dedicated request schema yet.
// Session and batch identity are always required.
const genericSpecSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["session_id", "batch_label"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"batch_label": {"type": "string", "minLength": 1}
	}
}`

var toolSchemas = map[string]string{
	"saw_batch": sawBatchSchema,
	"rosette":   rosetteSchema,
}

// SchemaSet holds the compiled per-tool SPEC request schemas.
type SchemaSet struct {
	byTool  map[string]*jsonschema.Schema
	generic *jsonschema.Schema
}

// CompileSchemas compiles every tool schema once at startup.
func CompileSchemas() (*SchemaSet, error) {
	compiler := jsonschema.NewCompiler()
	for tool, src := range toolSchemas {
		if err := compiler.AddResource(tool+".json", strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("pipeline: schema %s: %w", tool, err)
		}
	}
	if err := compiler.AddResource("generic.json", strings.NewReader(genericSpecSchema)); err != nil {
		return nil, fmt.Errorf("pipeline: generic schema: %w", err)
	}

	set := &SchemaSet{byTool: make(map[string]*jsonschema.Schema, len(toolSchemas))}
	for tool := range toolSchemas {
		sch, err := compiler.Compile(tool + ".json")
		if err != nil {
			return nil, fmt.Errorf("pipeline: compile schema %s: %w", tool, err)
		}
		set.byTool[tool] = sch
	}
	generic, err := compiler.Compile("generic.json")
	if err != nil {
		return nil, fmt.Errorf("pipeline: compile generic schema: %w", err)
	}
	set.generic = generic
	return set, nil
}

// Validate checks a SPEC request against the tool's schema, falling back
// to the generic schema for tools without one.
func (s *SchemaSet) Validate(tool string, request json.RawMessage) error {
	if !contracts.KnownToolKind(tool) {
		return validationf("unknown tool kind %q", tool)
	}
	var doc any
	if err := json.Unmarshal(request, &doc); err != nil {
		return validationf("request is not valid JSON: %v", err)
	}
	sch, ok := s.byTool[tool]
	if !ok {
		sch = s.generic
	}
	if err := sch.Validate(doc); err != nil {
		return schemaError(err)
	}
	return nil
}

// schemaError flattens a jsonschema validation failure into field-level
// detail.
func schemaError(err error) *ValidationError {
	ve := &ValidationError{Message: "request failed schema validation"}
	var jerr *jsonschema.ValidationError
	if !asValidationError(err, &jerr) {
		ve.Fields = append(ve.Fields, FieldError{Path: "", Detail: err.Error()})
		return ve
	}
	for _, leaf := range leaves(jerr) {
		ve.Fields = append(ve.Fields, FieldError{
			Path:   leaf.InstanceLocation,
			Detail: leaf.Message,
		})
	}
	return ve
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	v, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = v
	}
	return ok
}

func leaves(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var out []*jsonschema.ValidationError
	for _, c := range err.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
