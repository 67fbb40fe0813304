// Package validate implements JSON-Schema validation of the opaque
// request-spec payloads engine adapters receive, so a misshapen inputs or
// params value is rejected as RequestValidation before it ever reaches an
// engine's AddRequest.
package validate

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema wraps a compiled JSON Schema document.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile parses and compiles a JSON Schema document. schemaJSON must be a
// valid JSON Schema draft document.
func Compile(schemaJSON []byte) (*Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("validate: unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	const resourceName = "request-spec.json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("validate: add schema resource: %w", err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("validate: compile schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// ValidateValue checks a decoded JSON-like value (the result of
// json.Unmarshal into `any`, or an equivalent map/slice/scalar tree)
// against the schema.
func (s *Schema) ValidateValue(v any) error {
	if s == nil {
		return nil
	}
	return s.compiled.Validate(v)
}

// ValidateJSON unmarshals payload and validates it against the schema in
// one step.
func (s *Schema) ValidateJSON(payload []byte) error {
	if s == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("validate: unmarshal payload: %w", err)
	}
	return s.compiled.Validate(doc)
}
