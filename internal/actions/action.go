package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/chainflow/internal/expressions"
)

// Handler is the business logic a chain step invokes.
// Execute reports handler-level failure through ActionResult.Success;
// a returned error is treated the same way by the step pipeline.
type Handler interface {
	Execute(ctx context.Context, ac *ActionExecutionContext) (*ActionResult, error)
	Compensate(ctx context.Context, ac *ActionExecutionContext) error
}

// HandlerRegistry resolves an action type and version to a handler.
type HandlerRegistry interface {
	GetActionHandler(actionType, version string) (Handler, bool)
}

// Describer is optionally implemented by handlers to show up in listings.
type Describer interface {
	Description() string
}

// ActionExecutionContext is what a handler receives for one invocation.
type ActionExecutionContext struct {
	Input         json.RawMessage
	Context       *expressions.ExecutionContext
	CorrelationID string
	ExecutionID   string
	StepAlias     string
}

// CreatedEntity declares a business entity produced by a step.
type CreatedEntity struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Module     string `json:"module"`
}

// ActionResult is the outcome of Execute.
type ActionResult struct {
	Success         bool            `json:"success"`
	OutputPayload   json.RawMessage `json:"output_payload,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedEntities []CreatedEntity `json:"created_entities,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(output json.RawMessage, entities ...CreatedEntity) *ActionResult {
	return &ActionResult{Success: true, OutputPayload: output, CreatedEntities: entities}
}

// Failed builds a handler-signalled failure.
func Failed(message string) *ActionResult {
	return &ActionResult{Success: false, ErrorMessage: message}
}

// HandlerFuncs adapts plain functions to Handler. A nil CompensateFn is a no-op.
type HandlerFuncs struct {
	ExecuteFn    func(ctx context.Context, ac *ActionExecutionContext) (*ActionResult, error)
	CompensateFn func(ctx context.Context, ac *ActionExecutionContext) error
	Desc         string
}

func (h *HandlerFuncs) Execute(ctx context.Context, ac *ActionExecutionContext) (*ActionResult, error) {
	if h.ExecuteFn == nil {
		return Succeeded(json.RawMessage(`{}`)), nil
	}
	return h.ExecuteFn(ctx, ac)
}

func (h *HandlerFuncs) Compensate(ctx context.Context, ac *ActionExecutionContext) error {
	if h.CompensateFn == nil {
		return nil
	}
	return h.CompensateFn(ctx, ac)
}

func (h *HandlerFuncs) Description() string { return h.Desc }
