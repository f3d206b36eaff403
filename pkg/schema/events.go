package schema

// Event type constants for the chain event log.
const (
	EventChainTriggered          = "chain_triggered"
	EventChainStarted            = "chain_started"
	EventChainCompleted          = "chain_completed"
	EventChainPartiallyCompleted = "chain_partially_completed"
	EventChainFailed             = "chain_failed"

	EventStepStarted      = "step_started"
	EventStepCompleted    = "step_completed"
	EventStepFailed       = "step_failed"
	EventStepSkipped      = "step_skipped"
	EventStepCompensating = "step_compensating"
	EventStepCompensated  = "step_compensated"
	EventStepRetryAttempt = "step_retry_attempt"
	EventStepResumed      = "step_resumed"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"

	EventEntityCreated = "entity_created"
)

// ChainStatus represents the lifecycle state of a chain execution.
type ChainStatus string

const (
	ChainStatusPending            ChainStatus = "pending"
	ChainStatusRunning            ChainStatus = "running"
	ChainStatusCompleted          ChainStatus = "completed"
	ChainStatusPartiallyCompleted ChainStatus = "partially_completed"
	ChainStatusFailed             ChainStatus = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s ChainStatus) IsTerminal() bool {
	return s == ChainStatusCompleted || s == ChainStatusPartiallyCompleted || s == ChainStatusFailed
}

// StepStatus represents the lifecycle state of a step execution.
type StepStatus string

const (
	StepStatusPending      StepStatus = "pending"
	StepStatusRunning      StepStatus = "running"
	StepStatusCompleted    StepStatus = "completed"
	StepStatusSkipped      StepStatus = "skipped"
	StepStatusFailed       StepStatus = "failed"
	StepStatusCompensating StepStatus = "compensating"
	StepStatusCompensated  StepStatus = "compensated"
)

// IsTerminal reports whether the step has settled.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusSkipped, StepStatusFailed, StepStatusCompensated:
		return true
	}
	return false
}
