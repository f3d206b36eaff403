package schema

import (
	"encoding/json"
	"sort"
	"time"
)

// ChainDefinition is a declarative, event-triggered sequence of steps.
type ChainDefinition struct {
	ID               string                `json:"id" yaml:"id"`
	FamilyID         string                `json:"family_id" yaml:"family_id"`
	Name             string                `json:"name" yaml:"name"`
	Description      string                `json:"description,omitempty" yaml:"description,omitempty"`
	IsEnabled        bool                  `json:"is_enabled" yaml:"is_enabled"`
	IsTemplate       bool                  `json:"is_template,omitempty" yaml:"is_template,omitempty"`
	TriggerEventType string                `json:"trigger_event_type" yaml:"trigger_event_type"`
	Steps            []ChainDefinitionStep `json:"steps" yaml:"steps"`
	CreatedAt        time.Time             `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt        time.Time             `json:"updated_at,omitempty" yaml:"-"`
}

// ChainDefinitionStep describes one step of a chain definition.
type ChainDefinitionStep struct {
	ID                     string          `json:"id,omitempty" yaml:"id,omitempty"`
	Alias                  string          `json:"alias" yaml:"alias"`
	Name                   string          `json:"name" yaml:"name"`
	ActionType             string          `json:"action_type" yaml:"action_type"`
	ActionVersion          string          `json:"action_version" yaml:"action_version"`
	InputMapping           string          `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	Condition              string          `json:"condition,omitempty" yaml:"condition,omitempty"`
	ConditionEngine        string          `json:"condition_engine,omitempty" yaml:"condition_engine,omitempty"` // "" (builtin) | cel | expr | jq
	IsCompensatable        bool            `json:"is_compensatable,omitempty" yaml:"is_compensatable,omitempty"`
	CompensationActionType *string         `json:"compensation_action_type,omitempty" yaml:"compensation_action_type,omitempty"`
	MaxRetries             *int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	OutputTransform        string          `json:"output_transform,omitempty" yaml:"output_transform,omitempty"` // jq
	InputSchema            json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
	StepOrder              int             `json:"step_order" yaml:"step_order"`
}

// CanCompensate reports whether a failed execution of this step should be compensated.
func (s *ChainDefinitionStep) CanCompensate() bool {
	return s.IsCompensatable && s.CompensationActionType != nil && *s.CompensationActionType != ""
}

// OrderedSteps returns a copy of the steps sorted by StepOrder.
func (d *ChainDefinition) OrderedSteps() []ChainDefinitionStep {
	steps := make([]ChainDefinitionStep, len(d.Steps))
	copy(steps, d.Steps)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].StepOrder < steps[j].StepOrder
	})
	return steps
}

// StepByAlias returns the step with the given alias, or nil.
func (d *ChainDefinition) StepByAlias(alias string) *ChainDefinitionStep {
	for i := range d.Steps {
		if d.Steps[i].Alias == alias {
			return &d.Steps[i]
		}
	}
	return nil
}

// DomainEvent is the inbound trigger contract: anything with a type name and
// a unique id that serializes to JSON.
type DomainEvent interface {
	EventType() string
	EventID() string
}

// GenericEvent is a DomainEvent built from an explicit type, id and payload.
// The payload is what gets serialized as the trigger data.
type GenericEvent struct {
	Type    string          `json:"-"`
	ID      string          `json:"-"`
	Payload json.RawMessage `json:"-"`
}

func (e GenericEvent) EventType() string { return e.Type }
func (e GenericEvent) EventID() string   { return e.ID }

// MarshalJSON serializes the payload verbatim, or {} when empty.
func (e GenericEvent) MarshalJSON() ([]byte, error) {
	if len(e.Payload) == 0 {
		return []byte("{}"), nil
	}
	return e.Payload, nil
}
