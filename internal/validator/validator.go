// Package validator provides JSON schema validation for registered graph
// definitions: the structural shape jsonschema can express directly
// (required fields, the node-kind enum, predicate length), leaving
// cross-reference and cycle checks to internal/graph.Validate.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates registered graph definitions against the
// graph-definition JSON schema.
type Validator struct {
	graphSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with the embedded graph-definition schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("graphdef.json", strings.NewReader(graphDefSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add graph definition schema: %w", err)
	}

	graphSchema, err := compiler.Compile("graphdef.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph definition schema: %w", err)
	}

	return &Validator{graphSchema: graphSchema}, nil
}

// ValidateGraphDef validates a decoded graph definition's shape: every node
// has a name and a known kind, predicates are bounded in length, mutate
// nodes name a target. It does not check cross-references or acyclicity —
// those require graph-wide context the schema doesn't have.
func (v *Validator) ValidateGraphDef(def map[string]interface{}) *ValidationResult {
	return v.validate(v.graphSchema, def)
}

// ValidateGraphDefJSON validates a JSON-encoded graph definition.
func (v *Validator) ValidateGraphDefJSON(data []byte) *ValidationResult {
	var def map[string]interface{}
	if err := json.Unmarshal(data, &def); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateGraphDef(def)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errs []ValidationError

	if verr.Message != "" {
		errs = append(errs, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errs = append(errs, extractErrors(cause)...)
	}

	return errs
}

// graphDefSchemaJSON mirrors pkg/types.GraphDef's JSON shape: a ref
// (name+version) and a map of node name to NodeDef.
const graphDefSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "graphdef.json",
  "title": "Graph Definition",
  "description": "Schema for registered dataflow graph definitions",
  "type": "object",
  "required": ["ref", "nodes"],
  "properties": {
    "ref": {
      "type": "object",
      "required": ["name", "version"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string", "minLength": 1}
      }
    },
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["name", "kind"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "kind": {
            "type": "string",
            "enum": ["input", "compute", "schedule_once", "schedule_recurring", "mutate"]
          },
          "depends_on": {
            "type": "array",
            "items": {"type": "string"}
          },
          "upstream_predicate": {
            "type": "string",
            "maxLength": 4096
          },
          "function_ref": {"type": "string"},
          "mutates": {"type": "string"},
          "max_attempts": {"type": "integer", "minimum": 0},
          "attempt_timeout_seconds": {"type": "integer", "minimum": 0}
        },
        "allOf": [
          {
            "if": {"properties": {"kind": {"const": "mutate"}}, "required": ["kind"]},
            "then": {"required": ["mutates"]}
          }
        ]
      }
    }
  }
}`
