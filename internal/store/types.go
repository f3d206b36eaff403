package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// ChainExecution is one run of a chain definition in response to one event.
// It owns its StepExecutions.
type ChainExecution struct {
	ID               string             `json:"id"`
	DefinitionID     string             `json:"definition_id"`
	FamilyID         string             `json:"family_id"`
	CorrelationID    string             `json:"correlation_id"`
	Status           schema.ChainStatus `json:"status"`
	TriggerEventType string             `json:"trigger_event_type"`
	TriggerEventID   string             `json:"trigger_event_id"`
	TriggerPayload   json.RawMessage    `json:"trigger_payload,omitempty"`
	Context          json.RawMessage    `json:"context,omitempty"`
	CurrentStepIndex int                `json:"current_step_index"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
	Steps            []*StepExecution   `json:"steps,omitempty"`
}

// StepByAlias returns the step execution snapshotted for alias, or nil.
func (e *ChainExecution) StepByAlias(alias string) *StepExecution {
	for _, s := range e.Steps {
		if s.StepAlias == alias {
			return s
		}
	}
	return nil
}

// StepExecution is the snapshot of one definition step inside an execution.
// Alias, name and action are denormalized at trigger time.
type StepExecution struct {
	ID            string            `json:"id"`
	ExecutionID   string            `json:"execution_id"`
	StepAlias     string            `json:"step_alias"`
	StepName      string            `json:"step_name"`
	ActionType    string            `json:"action_type"`
	ActionVersion string            `json:"action_version"`
	Status        schema.StepStatus `json:"status"`
	InputPayload  json.RawMessage   `json:"input_payload,omitempty"`
	OutputPayload json.RawMessage   `json:"output_payload,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	StepOrder     int               `json:"step_order"`
	ScheduledAt   *time.Time        `json:"scheduled_at,omitempty"`
	PickedUpAt    *time.Time        `json:"picked_up_at,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// CanRetry reports whether the retry budget allows another attempt.
func (s *StepExecution) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

// ChainEntityMapping records a business entity created by a step.
// Written once on success, never mutated.
type ChainEntityMapping struct {
	ID              string    `json:"id"`
	ExecutionID     string    `json:"execution_id"`
	StepExecutionID string    `json:"step_execution_id"`
	StepAlias       string    `json:"step_alias"`
	EntityType      string    `json:"entity_type"`
	EntityID        string    `json:"entity_id"`
	Module          string    `json:"module"`
	CreatedAt       time.Time `json:"created_at"`
}

// Event is an immutable entry in an execution's lifecycle log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepAlias   string          `json:"step_alias,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// DefinitionFilter narrows ListDefinitions.
type DefinitionFilter struct {
	FamilyID         string
	TriggerEventType string
	EnabledOnly      bool
	Limit            int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	DefinitionID string
	FamilyID     string
	Status       *schema.ChainStatus
	Since        *time.Time
	Limit        int
	Offset       int
}
