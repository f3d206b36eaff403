package validation

import (
	"fmt"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// validateOrdering checks that every {{steps.<alias>}} reference in an input
// mapping or built-in condition names a step that runs earlier. Steps run
// strictly by step_order, so a later or unknown step never has output.
func validateOrdering(def *schema.ChainDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	orderOf := make(map[string]int, len(def.Steps))
	for _, st := range def.Steps {
		orderOf[st.Alias] = st.StepOrder
	}

	for i, st := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		checkRefs(st, path+".input_mapping", st.InputMapping, orderOf, result)
		if st.ConditionEngine == expressions.EngineBuiltin {
			checkRefs(st, path+".condition", st.Condition, orderOf, result)
		}
	}
	return result
}

func checkRefs(st schema.ChainDefinitionStep, path, template string, orderOf map[string]int, result *schema.ValidationResult) {
	for _, ref := range expressions.ReferencedSteps(template) {
		order, ok := orderOf[ref]
		switch {
		case !ok:
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", ref))
		case ref == st.Alias:
			result.AddError(path, schema.ErrCodeValidation,
				"references its own output")
		case order >= st.StepOrder:
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("references step %q which does not run before it", ref))
		}
	}
}
