package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// Orchestrator matches domain events to chain definitions and drives chain
// executions through their lifecycle.
type Orchestrator interface {
	// TryTriggerChains starts one execution per enabled definition whose
	// trigger event type matches. Executions run detached; the call returns
	// once they are persisted and dispatched. A failure for one definition
	// never prevents the others.
	TryTriggerChains(ctx context.Context, event schema.DomainEvent) (*TriggerResult, error)

	// ExecuteChain runs every step of exec in order and records the final
	// status. The returned error is the one recorded on the execution when
	// the run itself was aborted; step failures are not returned.
	ExecuteChain(ctx context.Context, exec *store.ChainExecution, def *schema.ChainDefinition) error

	// ResumeStep re-runs a single step through the pipeline. Siblings are not
	// touched and the chain status is not recomputed.
	ResumeStep(ctx context.Context, stepExecutionID string) (*store.StepExecution, error)

	// Reconcile settles a running execution whose steps have all settled and
	// that no goroutine in this process is driving.
	Reconcile(ctx context.Context, executionID string) (*store.ChainExecution, error)

	GetExecution(ctx context.Context, id string) (*store.ChainExecution, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ChainExecution, error)
	ListStepExecutions(ctx context.Context, executionID string) ([]*store.StepExecution, error)
	ListEntityMappings(ctx context.Context, executionID string) ([]*store.ChainEntityMapping, error)
	GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error)

	// Shutdown stops accepting triggers and waits for in-flight chains.
	Shutdown(ctx context.Context) error
}

// TriggerResult reports what a trigger started.
type TriggerResult struct {
	EventType    string           `json:"event_type"`
	EventID      string           `json:"event_id"`
	ExecutionIDs []string         `json:"execution_ids"`
	Failures     []TriggerFailure `json:"failures,omitempty"`
}

// TriggerFailure is a definition that could not be started.
type TriggerFailure struct {
	DefinitionID string `json:"definition_id"`
	Error        string `json:"error"`
}

const (
	// DefaultPoolSize is the default number of concurrently running chains.
	DefaultPoolSize = 10
	// DefaultMaxRetries applies to definition steps without their own budget.
	DefaultMaxRetries = 3
)

// OrchestratorConfig holds configuration for the orchestrator.
type OrchestratorConfig struct {
	PoolSize          int
	DefaultMaxRetries int
	Retry             RetryPolicy
	CircuitBreaker    CircuitBreakerConfig
	// Breaker overrides the registry built from CircuitBreaker.
	Breaker CircuitBreaker

	Logger      *slog.Logger
	Metrics     MetricsCollector
	Tracer      trace.Tracer
	Hub         streaming.EventHub
	Conditions  *expressions.ConditionEvaluator
	Transformer OutputTransformer
	Validator   InputValidator
	// Middleware replaces the default pipeline stages when non-empty.
	Middleware []Middleware
}

type orchestrator struct {
	store      store.Store
	registry   actions.HandlerRegistry
	conditions *expressions.ConditionEvaluator
	pipeline   *StepPipeline
	chainFSM   *ChainFSM
	tracker    *StepTracker
	events     *EventRecorder
	pool       *WorkerPool
	config     OrchestratorConfig
	logger     *slog.Logger
	metrics    MetricsCollector

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool

	// active holds the ids of executions driven by this process.
	active sync.Map
}

// NewOrchestrator wires an orchestrator over a store and an action registry.
func NewOrchestrator(s store.Store, registry actions.HandlerRegistry, cfg OrchestratorConfig) (Orchestrator, error) {
	if s == nil || registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator requires a store and an action registry")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Conditions == nil {
		ce, err := expressions.NewConditionEvaluator()
		if err != nil {
			return nil, err
		}
		cfg.Conditions = ce
	}
	if cfg.Transformer == nil {
		if jq, ok := cfg.Conditions.Engine(expressions.EngineJQ); ok {
			if t, ok := jq.(OutputTransformer); ok {
				cfg.Transformer = t
			}
		}
	}

	o := &orchestrator{
		store:      s,
		registry:   registry,
		conditions: cfg.Conditions,
		config:     cfg,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		pool:       NewWorkerPool(cfg.PoolSize, cfg.Logger),
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	o.events = NewEventRecorder(s, cfg.Hub, cfg.Logger)
	o.chainFSM = NewChainFSM(o.events)
	o.tracker = NewStepTracker(s, o.events)

	if cfg.Breaker == nil {
		bc := cfg.CircuitBreaker
		userHook := bc.OnStateChange
		bc.OnStateChange = func(actionType string, from, to CircuitState) {
			o.onCircuitChange(actionType, from, to)
			if userHook != nil {
				userHook(actionType, from, to)
			}
		}
		cfg.Breaker = NewCircuitBreakerRegistry(bc)
		o.config.Breaker = cfg.Breaker
	}

	if len(cfg.Middleware) > 0 {
		o.pipeline = NewStepPipeline(o.tracker, cfg.Logger, cfg.Middleware...)
	} else {
		o.pipeline = DefaultPipeline(PipelineDeps{
			Registry:    registry,
			Breaker:     cfg.Breaker,
			Retry:       cfg.Retry,
			Recorder:    o.tracker,
			Logger:      cfg.Logger,
			Tracer:      cfg.Tracer,
			Metrics:     cfg.Metrics,
			Transformer: cfg.Transformer,
			Validator:   cfg.Validator,
		})
	}
	return o, nil
}

// --- Trigger ---

func (o *orchestrator) TryTriggerChains(ctx context.Context, event schema.DomainEvent) (*TriggerResult, error) {
	if o.closed.Load() {
		return nil, schema.NewError(schema.ErrCodeCancelled, "orchestrator is shut down")
	}
	if event == nil || strings.TrimSpace(event.EventType()) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event type is required")
	}

	eventType := event.EventType()
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "serialize %s event: %s", eventType, err.Error()).WithCause(err)
	}

	defs, err := o.store.GetEnabledByTriggerEventType(ctx, eventType)
	if err != nil {
		return nil, err
	}

	result := &TriggerResult{EventType: eventType, EventID: event.EventID(), ExecutionIDs: []string{}}
	for _, def := range defs {
		exec, err := o.createExecution(ctx, def, event, payload)
		if err != nil {
			o.logger.ErrorContext(ctx, "failed to trigger chain",
				"definition_id", def.ID, "event_type", eventType, "error", err.Error())
			result.Failures = append(result.Failures, TriggerFailure{DefinitionID: def.ID, Error: errorMessage(err)})
			continue
		}
		o.metrics.ChainTriggered(eventType)

		if err := o.dispatch(ctx, exec, def); err != nil {
			o.logger.ErrorContext(ctx, "failed to dispatch chain",
				"definition_id", def.ID, "execution_id", exec.ID, "error", err.Error())
			o.failExecution(ctx, exec, err)
			result.Failures = append(result.Failures, TriggerFailure{DefinitionID: def.ID, Error: err.Error()})
			continue
		}
		result.ExecutionIDs = append(result.ExecutionIDs, exec.ID)
	}

	o.logger.InfoContext(ctx, "event processed",
		"event_type", eventType, "event_id", result.EventID,
		"matched", len(defs), "started", len(result.ExecutionIDs))
	return result, nil
}

// createExecution snapshots def into a pending execution with one pending
// step per definition step.
func (o *orchestrator) createExecution(ctx context.Context, def *schema.ChainDefinition, event schema.DomainEvent, payload json.RawMessage) (*store.ChainExecution, error) {
	now := time.Now().UTC()
	correlationID := logging.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	exec := &store.ChainExecution{
		ID:               uuid.NewString(),
		DefinitionID:     def.ID,
		FamilyID:         def.FamilyID,
		CorrelationID:    correlationID,
		Status:           schema.ChainStatusPending,
		TriggerEventType: event.EventType(),
		TriggerEventID:   event.EventID(),
		TriggerPayload:   payload,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, sd := range def.OrderedSteps() {
		maxRetries := o.config.DefaultMaxRetries
		if sd.MaxRetries != nil {
			maxRetries = *sd.MaxRetries
		}
		scheduled := now
		exec.Steps = append(exec.Steps, &store.StepExecution{
			ID:            uuid.NewString(),
			ExecutionID:   exec.ID,
			StepAlias:     sd.Alias,
			StepName:      sd.Name,
			ActionType:    sd.ActionType,
			ActionVersion: sd.ActionVersion,
			Status:        schema.StepStatusPending,
			MaxRetries:    maxRetries,
			StepOrder:     sd.StepOrder,
			ScheduledAt:   &scheduled,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	o.events.Emit(ctx, exec.ID, "", schema.EventChainTriggered, map[string]any{
		"definition_id": def.ID,
		"event_type":    exec.TriggerEventType,
		"event_id":      exec.TriggerEventID,
		"steps":         len(exec.Steps),
	})
	return exec, nil
}

// dispatch hands the execution to the pool. The detached run keeps the
// caller's context values but not its cancellation; it is cancelled only
// when a shutdown gives up waiting.
func (o *orchestrator) dispatch(ctx context.Context, exec *store.ChainExecution, def *schema.ChainDefinition) error {
	runCtx := logging.WithExecution(context.WithoutCancel(ctx), exec.ID, exec.CorrelationID)
	return o.pool.Go(runCtx, "chain "+exec.ID, func(ctx context.Context) error {
		ctx, stop := o.bind(ctx)
		defer stop()
		return o.ExecuteChain(ctx, exec, def)
	})
}

func (o *orchestrator) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// --- Chain execution ---

func (o *orchestrator) ExecuteChain(ctx context.Context, exec *store.ChainExecution, def *schema.ChainDefinition) (err error) {
	if exec == nil || def == nil {
		return schema.NewError(schema.ErrCodeValidation, "execution and definition are required")
	}
	ctx = logging.WithExecution(ctx, exec.ID, exec.CorrelationID)

	if _, loaded := o.active.LoadOrStore(exec.ID, struct{}{}); loaded {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", exec.ID)
	}
	defer o.active.Delete(exec.ID)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "chain execution panicked: %v", r)
		}
		if err != nil {
			o.logger.ErrorContext(ctx, "chain execution aborted", "error", err.Error())
			o.failExecution(ctx, exec, err)
			o.metrics.ChainFinished(schema.ChainStatusFailed, time.Since(start))
			return
		}
		o.metrics.ChainFinished(exec.Status, time.Since(start))
	}()

	return o.runChain(ctx, exec, def)
}

func (o *orchestrator) runChain(ctx context.Context, exec *store.ChainExecution, def *schema.ChainDefinition) error {
	if err := o.chainFSM.Transition(ctx, exec.ID, exec.Status, schema.ChainStatusRunning,
		map[string]any{"definition_id": def.ID}); err != nil {
		return err
	}
	now := time.Now().UTC()
	exec.Status = schema.ChainStatusRunning
	exec.StartedAt = &now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	if len(exec.Steps) == 0 {
		steps, err := o.store.ListStepExecutions(ctx, exec.ID)
		if err != nil {
			return err
		}
		exec.Steps = steps
	}

	ec, err := rehydrate(exec)
	if err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "chain started", "definition_id", def.ID, "steps", len(exec.Steps))

	hasFailures := false
	for i, sd := range def.OrderedSteps() {
		step := exec.StepByAlias(sd.Alias)
		if step == nil {
			o.logger.DebugContext(ctx, "no step execution for definition step", "step_alias", sd.Alias)
			continue
		}
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "chain execution cancelled").WithCause(err)
		}

		exec.CurrentStepIndex = i
		if o.runStep(ctx, exec, &sd, step, ec) {
			hasFailures = true
		}

		exec.Context = ec.ToJSON()
		if err := o.store.UpdateExecution(ctx, exec); err != nil {
			o.logger.WarnContext(ctx, "failed to checkpoint execution context", "error", err.Error())
		}
	}

	exec.Context = ec.ToJSON()
	return o.finish(ctx, exec, AggregateStatus(exec.Steps, hasFailures))
}

// runStep runs one definition step and reports whether it failed.
func (o *orchestrator) runStep(ctx context.Context, exec *store.ChainExecution, sd *schema.ChainDefinitionStep, step *store.StepExecution, ec *expressions.ExecutionContext) bool {
	ctx = logging.WithStepAlias(ctx, step.StepAlias)

	run, condErr := o.conditions.Evaluate(ctx, ec, sd.ConditionEngine, sd.Condition)
	if condErr != nil {
		o.logger.WarnContext(ctx, "condition could not be evaluated, running step",
			"condition", sd.Condition, "engine", sd.ConditionEngine, "error", condErr.Error())
	}
	if !run {
		o.logger.InfoContext(ctx, "condition false, skipping step", "condition", sd.Condition)
		if err := o.tracker.Mark(ctx, step, schema.StepStatusSkipped, ""); err != nil {
			o.logger.WarnContext(ctx, "failed to mark step skipped", "error", err.Error())
		}
		return false
	}

	if err := o.prepareInput(ctx, sd, step, ec); err != nil {
		o.logger.ErrorContext(ctx, "step input rejected", "error", err.Error())
		if markErr := o.tracker.Mark(ctx, step, schema.StepStatusFailed, errorMessage(err)); markErr != nil {
			o.logger.WarnContext(ctx, "failed to mark step failed", "error", markErr.Error())
		}
		return true
	}

	pc := &StepPipelineContext{
		Step:          step,
		Execution:     exec,
		Definition:    sd,
		Context:       ec,
		CorrelationID: exec.CorrelationID,
	}
	if err := o.pipeline.Execute(ctx, pc); err != nil {
		return true
	}
	o.recordEntities(ctx, step, pc.Result)
	return false
}

// prepareInput resolves the step's input template and persists it.
func (o *orchestrator) prepareInput(ctx context.Context, sd *schema.ChainDefinitionStep, step *store.StepExecution, ec *expressions.ExecutionContext) error {
	input := strings.TrimSpace(ec.ResolveInputMappings(sd.InputMapping))
	if input == "" {
		input = "{}"
	}
	if !json.Valid([]byte(input)) {
		return schema.NewError(schema.ErrCodeValidation, "resolved input is not valid JSON").
			WithStep(step.StepAlias).
			WithDetails(map[string]any{"input": input})
	}
	step.InputPayload = json.RawMessage(input)
	return o.tracker.Save(ctx, step)
}

func (o *orchestrator) recordEntities(ctx context.Context, step *store.StepExecution, result *actions.ActionResult) {
	if result == nil {
		return
	}
	for _, ent := range result.CreatedEntities {
		m := &store.ChainEntityMapping{
			ID:              uuid.NewString(),
			ExecutionID:     step.ExecutionID,
			StepExecutionID: step.ID,
			StepAlias:       step.StepAlias,
			EntityType:      ent.EntityType,
			EntityID:        ent.EntityID,
			Module:          ent.Module,
			CreatedAt:       time.Now().UTC(),
		}
		if err := o.store.AddEntityMapping(ctx, m); err != nil {
			o.logger.ErrorContext(ctx, "failed to record created entity",
				"entity_type", ent.EntityType, "entity_id", ent.EntityID, "error", err.Error())
			continue
		}
		o.tracker.Emit(ctx, step, schema.EventEntityCreated, ent)
	}
}

// AggregateStatus computes a chain's final status. Without failures the
// chain completed, skipped steps included. With failures it failed only if
// every step ended Failed or Skipped; a compensated step makes the chain
// partially completed.
func AggregateStatus(steps []*store.StepExecution, hasFailures bool) schema.ChainStatus {
	if !hasFailures {
		return schema.ChainStatusCompleted
	}
	for _, s := range steps {
		switch s.Status {
		case schema.StepStatusFailed, schema.StepStatusSkipped:
		default:
			return schema.ChainStatusPartiallyCompleted
		}
	}
	return schema.ChainStatusFailed
}

func (o *orchestrator) finish(ctx context.Context, exec *store.ChainExecution, status schema.ChainStatus) error {
	var payload map[string]any
	if status != schema.ChainStatusCompleted {
		payload = map[string]any{"failed_steps": failedAliases(exec.Steps)}
	}
	if err := o.chainFSM.Transition(ctx, exec.ID, exec.Status, status, payload); err != nil {
		return err
	}
	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	if status != schema.ChainStatusCompleted {
		exec.ErrorMessage = fmt.Sprintf("failed steps: %s", strings.Join(failedAliases(exec.Steps), ", "))
	}
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "chain finished", "status", string(status))
	return nil
}

func failedAliases(steps []*store.StepExecution) []string {
	var out []string
	for _, s := range steps {
		if s.Status == schema.StepStatusFailed || s.Status == schema.StepStatusCompensated {
			out = append(out, s.StepAlias)
		}
	}
	return out
}

// failExecution records err on the execution. Persistence errors are logged.
func (o *orchestrator) failExecution(ctx context.Context, exec *store.ChainExecution, cause error) {
	ctx = context.WithoutCancel(ctx)
	if exec.Status.IsTerminal() {
		o.logger.WarnContext(ctx, "execution already settled, not recording failure",
			"status", string(exec.Status), "error", errorMessage(cause))
		return
	}
	if err := o.chainFSM.Transition(ctx, exec.ID, exec.Status, schema.ChainStatusFailed,
		map[string]any{"error": errorMessage(cause)}); err != nil {
		o.logger.WarnContext(ctx, "failed to emit chain failure", "error", err.Error())
	}
	now := time.Now().UTC()
	exec.Status = schema.ChainStatusFailed
	exec.ErrorMessage = errorMessage(cause)
	exec.CompletedAt = &now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist chain failure", "error", err.Error())
	}
}

func rehydrate(exec *store.ChainExecution) (*expressions.ExecutionContext, error) {
	ec, err := expressions.ParseExecutionContext(exec.Context)
	if err != nil {
		return nil, err
	}
	if err := ec.SetTriggerData(exec.TriggerPayload); err != nil {
		return nil, err
	}
	return ec, nil
}

// --- Resume ---

func (o *orchestrator) ResumeStep(ctx context.Context, stepExecutionID string) (*store.StepExecution, error) {
	loaded, err := o.store.GetStepExecution(ctx, stepExecutionID)
	if err != nil {
		return nil, err
	}
	if _, running := o.active.Load(loaded.ExecutionID); running {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is running in this process", loaded.ExecutionID).WithStep(loaded.StepAlias)
	}

	exec, err := o.store.GetExecution(ctx, loaded.ExecutionID)
	if err != nil {
		return nil, err
	}
	def, err := o.store.GetDefinition(ctx, exec.DefinitionID)
	if err != nil {
		return nil, err
	}
	sd := def.StepByAlias(loaded.StepAlias)
	if sd == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"definition %s has no step %q", def.ID, loaded.StepAlias).WithStep(loaded.StepAlias)
	}
	step := exec.StepByAlias(loaded.StepAlias)
	if step == nil {
		step = loaded
	}

	ctx = logging.WithStepAlias(logging.WithExecution(ctx, exec.ID, exec.CorrelationID), step.StepAlias)
	ec, err := rehydrate(exec)
	if err != nil {
		return nil, err
	}

	if step.Status == schema.StepStatusPending {
		o.tracker.Emit(ctx, step, schema.EventStepResumed, nil)
	} else if err := o.tracker.Mark(ctx, step, schema.StepStatusPending, ""); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "resuming step", "previous_status", string(loaded.Status))

	var runErr error
	if err := o.prepareInput(ctx, sd, step, ec); err != nil {
		runErr = err
		if markErr := o.tracker.Mark(ctx, step, schema.StepStatusFailed, errorMessage(err)); markErr != nil {
			o.logger.WarnContext(ctx, "failed to mark step failed", "error", markErr.Error())
		}
	} else {
		pc := &StepPipelineContext{
			Step:          step,
			Execution:     exec,
			Definition:    sd,
			Context:       ec,
			CorrelationID: exec.CorrelationID,
		}
		runErr = o.pipeline.Execute(ctx, pc)
		if runErr == nil {
			o.recordEntities(ctx, step, pc.Result)
		}
	}

	exec.Context = ec.ToJSON()
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist execution context", "error", err.Error())
		if runErr == nil {
			runErr = err
		}
	}
	return step, runErr
}

func (o *orchestrator) Reconcile(ctx context.Context, executionID string) (*store.ChainExecution, error) {
	if _, running := o.active.Load(executionID); running {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is running in this process", executionID)
	}
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ChainStatusRunning {
		return exec, nil
	}

	hasFailures := false
	for _, s := range exec.Steps {
		if !s.Status.IsTerminal() {
			return exec, nil
		}
		if s.Status == schema.StepStatusFailed || s.Status == schema.StepStatusCompensated {
			hasFailures = true
		}
	}

	ctx = logging.WithExecution(ctx, exec.ID, exec.CorrelationID)
	status := AggregateStatus(exec.Steps, hasFailures)
	if err := o.finish(ctx, exec, status); err != nil {
		return nil, err
	}
	if exec.StartedAt != nil {
		o.metrics.ChainFinished(status, time.Since(*exec.StartedAt))
	}
	return exec, nil
}

// --- Queries ---

func (o *orchestrator) GetExecution(ctx context.Context, id string) (*store.ChainExecution, error) {
	return o.store.GetExecution(ctx, id)
}

func (o *orchestrator) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ChainExecution, error) {
	return o.store.ListExecutions(ctx, filter)
}

func (o *orchestrator) ListStepExecutions(ctx context.Context, executionID string) ([]*store.StepExecution, error) {
	return o.store.ListStepExecutions(ctx, executionID)
}

func (o *orchestrator) ListEntityMappings(ctx context.Context, executionID string) ([]*store.ChainEntityMapping, error) {
	return o.store.ListEntityMappings(ctx, executionID)
}

func (o *orchestrator) GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	return o.store.GetEvents(ctx, executionID, since)
}

// --- Lifecycle ---

func (o *orchestrator) Shutdown(ctx context.Context) error {
	o.closed.Store(true)
	err := o.pool.Shutdown(ctx)
	o.cancel()
	if err != nil {
		o.logger.Warn("shutdown deadline reached, cancelled in-flight chains", "error", err.Error())
		return schema.NewError(schema.ErrCodeCancelled, "shutdown interrupted in-flight chains").WithCause(err)
	}
	return nil
}

func (o *orchestrator) onCircuitChange(actionType string, from, to CircuitState) {
	o.metrics.CircuitStateChanged(actionType, to)

	var eventType string
	switch to {
	case CircuitOpen:
		eventType = schema.EventCircuitBreakerOpen
		o.logger.Warn("circuit opened", "action_type", actionType, "from", from.String())
	case CircuitHalfOpen:
		eventType = schema.EventCircuitBreakerHalfOpen
		o.logger.Info("circuit half-open, allowing trial", "action_type", actionType)
	case CircuitClosed:
		eventType = schema.EventCircuitBreakerClosed
		o.logger.Info("circuit closed", "action_type", actionType, "from", from.String())
	}

	if o.config.Hub == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"action_type": actionType, "from": from.String(), "to": to.String()})
	_ = o.config.Hub.Publish(context.Background(), streaming.StreamEvent{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
