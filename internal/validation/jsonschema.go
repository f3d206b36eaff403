package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/chainflow/pkg/schema"
)

const definitionSchemaURL = "https://chainflow.dev/schemas/chain-definition.json"

// definitionSchemaJSON is the structural schema of a chain definition.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chainflow.dev/schemas/chain-definition.json",
  "type": "object",
  "required": ["name", "trigger_event_type", "steps"],
  "properties": {
    "id": { "type": "string" },
    "family_id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "is_enabled": { "type": "boolean" },
    "is_template": { "type": "boolean" },
    "trigger_event_type": { "type": "string", "minLength": 1 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["alias", "action_type", "step_order"],
      "properties": {
        "id": { "type": "string" },
        "alias": {
          "type": "string",
          "pattern": "^[A-Za-z0-9_-]+$"
        },
        "name": { "type": "string" },
        "action_type": { "type": "string", "minLength": 1 },
        "action_version": { "type": "string" },
        "input_mapping": { "type": "string" },
        "condition": { "type": "string" },
        "condition_engine": {
          "type": "string",
          "enum": ["", "cel", "expr", "jq"]
        },
        "is_compensatable": { "type": "boolean" },
        "compensation_action_type": { "type": "string" },
        "max_retries": { "type": "integer", "minimum": 0 },
        "output_transform": { "type": "string" },
        "input_schema": { "type": "object" },
        "step_order": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions against the chain definition
// schema and step inputs against per-step schemas. It is safe for
// concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	// mu guards the compiled input schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks the shape of def.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.ChainDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "chain definition is nil")
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize chain definition").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to decode chain definition").WithCause(err)
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		return toChainError(err)
	}
	return nil
}

// ValidateInput checks input against schemaDoc. An empty schema accepts
// anything; an empty input is validated as {}.
func (v *JSONSchemaValidator) ValidateInput(schemaDoc, input json.RawMessage) error {
	if len(bytes.TrimSpace(schemaDoc)) == 0 {
		return nil
	}

	compiled, err := v.compile(schemaDoc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "input is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toChainError(err)
	}
	return nil
}

// CheckSchema reports whether schemaDoc compiles.
func (v *JSONSchemaValidator) CheckSchema(schemaDoc json.RawMessage) error {
	_, err := v.compile(schemaDoc)
	return err
}

// compile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) compile(schemaDoc json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaDoc)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("chainflow://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toChainError flattens a jsonschema validation error into a ChainError
// listing every leaf violation.
func toChainError(err error) *schema.ChainError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
