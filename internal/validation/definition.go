package validation

import (
	"encoding/json"

	"github.com/rendis/chainflow/pkg/schema"
)

// DefinitionValidator runs the three validation stages in order:
//  1. Structural (JSON Schema)
//  2. Semantic (aliases, orders, engines, expressions, actions)
//  3. Ordering (step references point backwards)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	conditions ConditionChecker
}

// NewDefinitionValidator creates a DefinitionValidator. lookup and
// conditions may be nil to skip action and expression checks.
func NewDefinitionValidator(lookup ActionLookup, conditions ConditionChecker) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{
		jsonSchema: jsv,
		actions:    lookup,
		conditions: conditions,
	}, nil
}

// Validate returns every issue found. Structural errors short-circuit the
// later stages; semantic errors skip the ordering stage.
func (dv *DefinitionValidator) Validate(def *schema.ChainDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "chain definition is nil")
		return r
	}

	result := validateStructural(dv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, semanticDeps{
		actions:    dv.actions,
		conditions: dv.conditions,
		schemas:    dv.jsonSchema,
	}))

	if result.Valid() {
		result.Merge(validateOrdering(def))
	}
	return result
}

// ValidateDefinition satisfies Validator.
func (dv *DefinitionValidator) ValidateDefinition(def *schema.ChainDefinition) error {
	return dv.Validate(def).ToError()
}

// ValidateInput delegates to the JSON Schema validator.
func (dv *DefinitionValidator) ValidateInput(schemaDoc, input json.RawMessage) error {
	return dv.jsonSchema.ValidateInput(schemaDoc, input)
}

func validateStructural(v *JSONSchemaValidator, def *schema.ChainDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	ce, ok := err.(*schema.ChainError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := ce.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, ce.Message)
	return result
}

var (
	_ Validator = (*DefinitionValidator)(nil)
	_ Validator = (*JSONSchemaValidator)(nil)
)
