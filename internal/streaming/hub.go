package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// StreamEvent is a chain lifecycle event delivered to live subscribers.
type StreamEvent struct {
	ExecutionID string          `json:"execution_id"`
	StepAlias   string          `json:"step_alias,omitempty"`
	EventType   string          `json:"event_type"`
	Sequence    int64           `json:"sequence"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	StepAlias   string   `json:"step_alias,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for chain lifecycle events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
