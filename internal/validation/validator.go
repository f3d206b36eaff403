package validation

import (
	"encoding/json"

	"github.com/rendis/chainflow/pkg/schema"
)

// Validator checks chain definitions before they are stored and step inputs
// before they reach a handler. Schemas are JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.ChainDefinition) error
	ValidateInput(schemaDoc, input json.RawMessage) error
}

// ActionLookup reports whether a handler is registered for an action.
type ActionLookup interface {
	Has(actionType, version string) bool
}

// ConditionChecker compiles a step condition without evaluating it.
type ConditionChecker interface {
	Check(engine, expression string) error
}
