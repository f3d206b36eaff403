package expressions

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/chainflow/pkg/schema"
)

const (
	nsTrigger = "trigger"
	nsSteps   = "steps"
)

// ExecutionContext is the data plane of one chain execution: a JSON object
// with a "trigger" namespace holding the triggering event and a "steps"
// namespace keyed by step alias holding each step's recorded output.
// Numbers keep their literal text so round-trips through ToJSON are lossless.
type ExecutionContext struct {
	mu  sync.RWMutex
	doc map[string]any
}

// NewExecutionContext returns an empty context document.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{doc: map[string]any{}}
}

// ParseExecutionContext rehydrates a context from its persisted JSON form.
// An empty or null input yields an empty document.
func ParseExecutionContext(raw json.RawMessage) (*ExecutionContext, error) {
	ec := NewExecutionContext()
	if isBlank(raw) {
		return ec, nil
	}
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid execution context JSON").WithCause(err)
	}
	if v == nil {
		return ec, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution context must be a JSON object")
	}
	ec.doc = m
	return ec, nil
}

// SetTriggerData replaces the trigger namespace with the parsed JSON.
func (c *ExecutionContext) SetTriggerData(raw json.RawMessage) error {
	v, err := decodeOrEmpty(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid trigger payload JSON").WithCause(err)
	}
	c.mu.Lock()
	c.doc[nsTrigger] = v
	c.mu.Unlock()
	return nil
}

// SetStepOutput records the parsed JSON as steps.<alias>, creating the steps
// namespace when absent.
func (c *ExecutionContext) SetStepOutput(alias string, raw json.RawMessage) error {
	v, err := decodeOrEmpty(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid output JSON").WithStep(alias).WithCause(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	steps, ok := c.doc[nsSteps].(map[string]any)
	if !ok {
		steps = map[string]any{}
		c.doc[nsSteps] = steps
	}
	steps[alias] = v
	return nil
}

// StepOutput returns the recorded output of a step as JSON, if any.
func (c *ExecutionContext) StepOutput(alias string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	steps, ok := c.doc[nsSteps].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := steps[alias]
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

// GetValue walks the document by dot-separated segments. Strings come back
// unquoted, other scalars in their literal form, objects and arrays as
// compact JSON. A missing segment or a JSON null reports not found.
// Numeric segments index into arrays.
func (c *ExecutionContext) GetValue(path string) (string, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var node any = c.doc
	for _, seg := range strings.Split(path, ".") {
		switch n := node.(type) {
		case map[string]any:
			next, ok := n[seg]
			if !ok {
				return "", false
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(n) {
				return "", false
			}
			node = n[idx]
		default:
			return "", false
		}
	}
	return renderScalar(node)
}

// ToJSON serializes the whole document.
func (c *ExecutionContext) ToJSON() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, err := json.Marshal(c.doc)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// Data returns a detached copy of the document with numbers as float64,
// the shape the CEL, Expr and jq engines expect.
func (c *ExecutionContext) Data() map[string]any {
	out := map[string]any{}
	if err := json.Unmarshal(c.ToJSON(), &out); err != nil {
		return map[string]any{}
	}
	if _, ok := out[nsTrigger]; !ok {
		out[nsTrigger] = map[string]any{}
	}
	if _, ok := out[nsSteps]; !ok {
		out[nsSteps] = map[string]any{}
	}
	return out
}

func renderScalar(node any) (string, bool) {
	switch v := node.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeOrEmpty(raw []byte) (any, error) {
	if isBlank(raw) {
		return map[string]any{}, nil
	}
	return decodeJSON(raw)
}

func isBlank(raw []byte) bool {
	s := bytes.TrimSpace(raw)
	return len(s) == 0 || bytes.Equal(s, []byte("null"))
}
