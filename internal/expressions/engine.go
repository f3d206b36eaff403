package expressions

import "context"

// Engine evaluates an expression against the context document
// {"trigger": ..., "steps": {...}}.
// Implementations: CEL and Expr for conditions, jq for conditions and output transforms.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
