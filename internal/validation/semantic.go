package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// highRetryThreshold is the max_retries above which a warning is raised.
const highRetryThreshold = 10

// semanticDeps are the optional collaborators of the semantic stage.
type semanticDeps struct {
	actions    ActionLookup
	conditions ConditionChecker
	schemas    *JSONSchemaValidator
}

// validateSemantic checks what the structural schema cannot: unique aliases
// and orders, known engines, compilable expressions, compensation wiring and
// registered actions.
func validateSemantic(def *schema.ChainDefinition, deps semanticDeps) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	aliases := make(map[string]int, len(def.Steps))
	orders := make(map[int]string, len(def.Steps))
	for i, st := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)

		if prev, dup := aliases[st.Alias]; dup {
			result.AddError(path+".alias", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step alias %q (also steps[%d])", st.Alias, prev))
		} else {
			aliases[st.Alias] = i
		}
		if other, dup := orders[st.StepOrder]; dup {
			result.AddError(path+".step_order", schema.ErrCodeValidation,
				fmt.Sprintf("step_order %d is already used by %q", st.StepOrder, other))
		} else {
			orders[st.StepOrder] = st.Alias
		}

		validateStepSemantic(&def.Steps[i], path, deps, result)
	}
	return result
}

func validateStepSemantic(st *schema.ChainDefinitionStep, path string, deps semanticDeps, result *schema.ValidationResult) {
	if deps.actions != nil && st.ActionType != "" && !deps.actions.Has(st.ActionType, st.ActionVersion) {
		result.AddError(path+".action_type", schema.ErrCodeActionUnavailable,
			fmt.Sprintf("action %s@%s not registered", st.ActionType, st.ActionVersion))
	}

	if !expressions.KnownEngine(st.ConditionEngine) {
		result.AddError(path+".condition_engine", schema.ErrCodeValidation,
			fmt.Sprintf("unknown condition engine %q", st.ConditionEngine))
	} else if deps.conditions != nil && strings.TrimSpace(st.Condition) != "" {
		if err := deps.conditions.Check(st.ConditionEngine, st.Condition); err != nil {
			result.AddError(path+".condition", schema.ErrCodeExpression,
				fmt.Sprintf("condition does not compile: %s", issueMessage(err)))
		}
	}

	if deps.conditions != nil && strings.TrimSpace(st.OutputTransform) != "" {
		if err := deps.conditions.Check(expressions.EngineJQ, st.OutputTransform); err != nil {
			result.AddError(path+".output_transform", schema.ErrCodeExpression,
				fmt.Sprintf("output transform does not compile: %s", issueMessage(err)))
		}
	}

	validateCompensation(st, path, deps.actions, result)

	if deps.schemas != nil && len(st.InputSchema) > 0 {
		if err := deps.schemas.CheckSchema(st.InputSchema); err != nil {
			result.AddError(path+".input_schema", schema.ErrCodeValidation,
				fmt.Sprintf("input schema does not compile: %s", err.Error()))
		}
	}

	if st.MaxRetries != nil && *st.MaxRetries > highRetryThreshold {
		result.AddWarning(path+".max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", *st.MaxRetries))
	}
}

func validateCompensation(st *schema.ChainDefinitionStep, path string, lookup ActionLookup, result *schema.ValidationResult) {
	compType := ""
	if st.CompensationActionType != nil {
		compType = strings.TrimSpace(*st.CompensationActionType)
	}

	switch {
	case st.IsCompensatable && compType == "":
		result.AddError(path+".compensation_action_type", schema.ErrCodeValidation,
			"compensatable step requires a compensation_action_type")
	case !st.IsCompensatable && compType != "":
		result.AddWarning(path+".compensation_action_type", schema.ErrCodeValidation,
			"compensation_action_type is ignored because the step is not compensatable")
	case compType != "" && lookup != nil && !lookup.Has(compType, st.ActionVersion):
		result.AddError(path+".compensation_action_type", schema.ErrCodeActionUnavailable,
			fmt.Sprintf("compensation action %s@%s not registered", compType, st.ActionVersion))
	}
}

func issueMessage(err error) string {
	if ce, ok := err.(*schema.ChainError); ok {
		return ce.Message
	}
	return err.Error()
}
