package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainflow/pkg/schema"
)

// MemoryStore is a process-local Store. Records are copied on the way in and
// out, so callers never share memory with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*schema.ChainDefinition
	executions  map[string]*ChainExecution
	steps       map[string]*StepExecution
	mappings    map[string][]*ChainEntityMapping
	events      map[string][]*Event
	nextEventID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.ChainDefinition),
		executions:  make(map[string]*ChainExecution),
		steps:       make(map[string]*StepExecution),
		mappings:    make(map[string][]*ChainEntityMapping),
		events:      make(map[string][]*Event),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Definitions ---

func (m *MemoryStore) SaveDefinition(_ context.Context, def *schema.ChainDefinition) error {
	aliases := map[string]bool{}
	orders := map[int]bool{}
	for _, st := range def.Steps {
		if aliases[st.Alias] {
			return schema.NewErrorf(schema.ErrCodeConflict, "duplicate step alias %q", st.Alias)
		}
		if orders[st.StepOrder] {
			return schema.NewErrorf(schema.ErrCodeConflict, "duplicate step order %d", st.StepOrder)
		}
		aliases[st.Alias] = true
		orders[st.StepOrder] = true
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	for i := range def.Steps {
		if def.Steps[i].ID == "" {
			def.Steps[i].ID = uuid.NewString()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.definitions[def.ID]; ok {
		def.CreatedAt = prev.CreatedAt
	}
	def.CreatedAt = timeOrNow(def.CreatedAt)
	def.UpdatedAt = time.Now().UTC()
	m.definitions[def.ID] = cloneDefinition(def)
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*schema.ChainDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[id]
	if !ok {
		return nil, storeNotFound("chain definition", id)
	}
	return cloneDefinition(def), nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*schema.ChainDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.ChainDefinition
	for _, def := range m.definitions {
		if filter.FamilyID != "" && def.FamilyID != filter.FamilyID {
			continue
		}
		if filter.TriggerEventType != "" && def.TriggerEventType != filter.TriggerEventType {
			continue
		}
		if filter.EnabledOnly && (!def.IsEnabled || def.IsTemplate) {
			continue
		}
		out = append(out, cloneDefinition(def))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetEnabledByTriggerEventType(ctx context.Context, eventType string) ([]*schema.ChainDefinition, error) {
	return m.ListDefinitions(ctx, DefinitionFilter{TriggerEventType: eventType, EnabledOnly: true})
}

func (m *MemoryStore) DeleteDefinition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[id]; !ok {
		return storeNotFound("chain definition", id)
	}
	delete(m.definitions, id)
	return nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *ChainExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)
	for _, st := range exec.Steps {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		st.ExecutionID = exec.ID
		st.CreatedAt = timeOrNow(st.CreatedAt)
		st.UpdatedAt = timeOrNow(st.UpdatedAt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "chain execution %q already exists", exec.ID)
	}
	row := cloneExecution(exec)
	row.Steps = nil
	m.executions[exec.ID] = row
	for _, st := range exec.Steps {
		m.steps[st.ID] = cloneStep(st)
	}
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*ChainExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("chain execution", id)
	}
	out := cloneExecution(exec)
	out.Steps = m.stepsOf(id)
	return out, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, exec *ChainExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return storeNotFound("chain execution", exec.ID)
	}
	exec.UpdatedAt = time.Now().UTC()
	row := cloneExecution(exec)
	row.Steps = nil
	m.executions[exec.ID] = row
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*ChainExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ChainExecution
	for _, exec := range m.executions {
		if filter.DefinitionID != "" && exec.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.FamilyID != "" && exec.FamilyID != filter.FamilyID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && exec.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, cloneExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[id]; !ok {
		return storeNotFound("chain execution", id)
	}
	delete(m.executions, id)
	for sid, st := range m.steps {
		if st.ExecutionID == id {
			delete(m.steps, sid)
		}
	}
	delete(m.mappings, id)
	return nil
}

// --- Step executions ---

func (m *MemoryStore) GetStepExecution(_ context.Context, id string) (*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.steps[id]
	if !ok {
		return nil, storeNotFound("step execution", id)
	}
	return cloneStep(st), nil
}

func (m *MemoryStore) UpdateStepExecution(_ context.Context, st *StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[st.ID]; !ok {
		return storeNotFound("step execution", st.ID)
	}
	st.UpdatedAt = time.Now().UTC()
	m.steps[st.ID] = cloneStep(st)
	return nil
}

func (m *MemoryStore) ListStepExecutions(_ context.Context, executionID string) ([]*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stepsOf(executionID), nil
}

func (m *MemoryStore) ListStaleSteps(_ context.Context, before time.Time, limit int) ([]*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StepExecution
	for _, st := range m.steps {
		exec, ok := m.executions[st.ExecutionID]
		if !ok || exec.Status != schema.ChainStatusRunning {
			continue
		}
		if st.Status != schema.StepStatusPending && st.Status != schema.StepStatusRunning {
			continue
		}
		if !st.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, cloneStep(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionID != out[j].ExecutionID {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StepOrder < out[j].StepOrder
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// stepsOf must be called with m.mu held.
func (m *MemoryStore) stepsOf(executionID string) []*StepExecution {
	var out []*StepExecution
	for _, st := range m.steps {
		if st.ExecutionID == executionID {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

// --- Entity mappings ---

func (m *MemoryStore) AddEntityMapping(_ context.Context, em *ChainEntityMapping) error {
	if em.ID == "" {
		em.ID = uuid.NewString()
	}
	em.CreatedAt = timeOrNow(em.CreatedAt)
	cp := *em

	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[em.ExecutionID] = append(m.mappings[em.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) ListEntityMappings(_ context.Context, executionID string) ([]*ChainEntityMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ChainEntityMapping
	for _, em := range m.mappings[executionID] {
		cp := *em
		out = append(out, &cp)
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	event.ID = m.nextEventID
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	cp.Payload = cloneRaw(event.Payload)
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			cp.Payload = cloneRaw(e.Payload)
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Copies ---

func cloneDefinition(def *schema.ChainDefinition) *schema.ChainDefinition {
	cp := *def
	cp.Steps = make([]schema.ChainDefinitionStep, len(def.Steps))
	for i, st := range def.Steps {
		s := st
		if st.CompensationActionType != nil {
			v := *st.CompensationActionType
			s.CompensationActionType = &v
		}
		if st.MaxRetries != nil {
			v := *st.MaxRetries
			s.MaxRetries = &v
		}
		s.InputSchema = cloneRaw(st.InputSchema)
		cp.Steps[i] = s
	}
	sort.SliceStable(cp.Steps, func(i, j int) bool { return cp.Steps[i].StepOrder < cp.Steps[j].StepOrder })
	return &cp
}

func cloneExecution(exec *ChainExecution) *ChainExecution {
	cp := *exec
	cp.TriggerPayload = cloneRaw(exec.TriggerPayload)
	cp.Context = cloneRaw(exec.Context)
	cp.StartedAt = cloneTime(exec.StartedAt)
	cp.CompletedAt = cloneTime(exec.CompletedAt)
	cp.Steps = nil
	for _, st := range exec.Steps {
		cp.Steps = append(cp.Steps, cloneStep(st))
	}
	return &cp
}

func cloneStep(st *StepExecution) *StepExecution {
	cp := *st
	cp.InputPayload = cloneRaw(st.InputPayload)
	cp.OutputPayload = cloneRaw(st.OutputPayload)
	cp.ScheduledAt = cloneTime(st.ScheduledAt)
	cp.PickedUpAt = cloneTime(st.PickedUpAt)
	cp.StartedAt = cloneTime(st.StartedAt)
	cp.CompletedAt = cloneTime(st.CompletedAt)
	return &cp
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
