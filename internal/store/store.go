package store

import (
	"context"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// Store is the definition and execution repository contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	SaveDefinition(ctx context.Context, def *schema.ChainDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.ChainDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.ChainDefinition, error)
	GetEnabledByTriggerEventType(ctx context.Context, eventType string) ([]*schema.ChainDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Executions. CreateExecution persists the execution and its steps atomically;
	// GetExecution returns it with steps ordered by StepOrder.
	CreateExecution(ctx context.Context, exec *ChainExecution) error
	GetExecution(ctx context.Context, id string) (*ChainExecution, error)
	UpdateExecution(ctx context.Context, exec *ChainExecution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ChainExecution, error)
	DeleteExecution(ctx context.Context, id string) error

	// Step executions
	GetStepExecution(ctx context.Context, id string) (*StepExecution, error)
	UpdateStepExecution(ctx context.Context, step *StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)
	// ListStaleSteps returns pending or running steps of running executions
	// last updated before the cutoff, ordered by execution then step order.
	ListStaleSteps(ctx context.Context, before time.Time, limit int) ([]*StepExecution, error)

	// Entity mappings (append-only)
	AddEntityMapping(ctx context.Context, m *ChainEntityMapping) error
	ListEntityMappings(ctx context.Context, executionID string) ([]*ChainEntityMapping, error)

	// Event log (append-only, per-execution sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	Migrate(ctx context.Context) error
	Close() error
}
