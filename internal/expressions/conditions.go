package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/chainflow/pkg/schema"
)

// Condition engine names accepted on a chain definition step.
const (
	EngineBuiltin = ""
	EngineCEL     = "cel"
	EngineExpr    = "expr"
	EngineJQ      = "jq"
)

// KnownEngine reports whether name selects a supported condition engine.
func KnownEngine(name string) bool {
	switch name {
	case EngineBuiltin, EngineCEL, EngineExpr, EngineJQ:
		return true
	}
	return false
}

// ConditionEvaluator dispatches a step condition to the engine it names.
// The built-in engine is ExecutionContext.EvaluateCondition.
type ConditionEvaluator struct {
	engines map[string]Engine
}

// NewConditionEvaluator builds an evaluator with the CEL, Expr and jq engines.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{engines: map[string]Engine{
		EngineCEL:  celEngine,
		EngineExpr: NewExprEngine(),
		EngineJQ:   NewGoJQEngine(),
	}}, nil
}

// Engine returns a registered engine by name.
func (ce *ConditionEvaluator) Engine(name string) (Engine, bool) {
	e, ok := ce.engines[name]
	return e, ok
}

// Evaluate returns whether the step should run. Blank conditions are true.
// An engine error, an unknown engine or a non-boolean result fails open:
// the result is true and the error describes why.
func (ce *ConditionEvaluator) Evaluate(ctx context.Context, ec *ExecutionContext, engine, expression string) (bool, error) {
	if engine == EngineBuiltin {
		return ec.EvaluateCondition(expression), nil
	}
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	e, ok := ce.engines[engine]
	if !ok {
		return true, schema.NewErrorf(schema.ErrCodeExpression, "unknown condition engine %q", engine)
	}

	out, err := e.Evaluate(ctx, expression, ec.Data())
	if err != nil {
		return true, err
	}

	b, ok := out.(bool)
	if !ok {
		return true, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q evaluated to %s, not a boolean", expression, describe(out)).
			WithDetails(map[string]any{"expression": expression, "engine": engine})
	}
	return b, nil
}

// Check compiles a condition without evaluating it.
func (ce *ConditionEvaluator) Check(engine, expression string) error {
	if engine == EngineBuiltin || strings.TrimSpace(expression) == "" {
		return nil
	}
	e, ok := ce.engines[engine]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeExpression, "unknown condition engine %q", engine)
	}
	c, ok := e.(interface{ Compile(string) error })
	if !ok {
		return nil
	}
	return c.Compile(expression)
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
