package actions

import (
	"context"
	"encoding/json"
	"strings"
)

// Builtin action types.
const (
	NoopAction        = "noop"
	HTTPRequestAction = "http.request"
	BuiltinVersion    = "v1"
)

// RegisterBuiltins registers noop@v1 and http.request@v1.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	if err := reg.Register(NoopAction, BuiltinVersion, NoopHandler{}); err != nil {
		return err
	}
	return reg.Register(HTTPRequestAction, BuiltinVersion, NewHTTPHandler(httpCfg))
}

// NoopHandler echoes its input as output. Useful for wiring and dry runs.
type NoopHandler struct{}

func (NoopHandler) Execute(_ context.Context, ac *ActionExecutionContext) (*ActionResult, error) {
	out := ac.Input
	if len(strings.TrimSpace(string(out))) == 0 {
		out = json.RawMessage(`{}`)
	}
	return Succeeded(out), nil
}

func (NoopHandler) Compensate(context.Context, *ActionExecutionContext) error { return nil }

func (NoopHandler) Description() string { return "Echo the resolved input as the step output." }
