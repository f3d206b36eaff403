package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chainflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/path/to/chainflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One writer keeps per-execution event sequences gap free.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow instead of Exec.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Definitions ---

const definitionCols = `id, family_id, name, description, is_enabled, is_template, trigger_event_type, created_at, updated_at`

const definitionStepCols = `id, alias, name, action_type, action_version, input_mapping, condition_expr, condition_engine,
	is_compensatable, compensation_action_type, max_retries, output_transform, input_schema, step_order`

func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.ChainDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	def.CreatedAt = timeOrNow(def.CreatedAt)
	def.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin save definition", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chain_definitions (`+definitionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET family_id=excluded.family_id, name=excluded.name,
		   description=excluded.description, is_enabled=excluded.is_enabled, is_template=excluded.is_template,
		   trigger_event_type=excluded.trigger_event_type, updated_at=excluded.updated_at`,
		def.ID, def.FamilyID, def.Name, nullStr(def.Description), def.IsEnabled, def.IsTemplate,
		def.TriggerEventType, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return storeErr("save definition", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chain_definition_steps WHERE definition_id = ?`, def.ID); err != nil {
		return storeErr("replace definition steps", err)
	}
	for i := range def.Steps {
		st := &def.Steps[i]
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chain_definition_steps (definition_id, `+definitionStepCols+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			def.ID, st.ID, st.Alias, st.Name, st.ActionType, st.ActionVersion,
			nullStr(st.InputMapping), nullStr(st.Condition), nullStr(st.ConditionEngine),
			st.IsCompensatable, nullStrPtr(st.CompensationActionType), nullIntPtr(st.MaxRetries),
			nullStr(st.OutputTransform), nullRaw(st.InputSchema), st.StepOrder,
		)
		if err != nil {
			return storeErr(fmt.Sprintf("insert step %q", st.Alias), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit definition", err)
	}
	return nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.ChainDefinition, error) {
	def, err := scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT `+definitionCols+` FROM chain_definitions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("chain definition", id)
	}
	if err != nil {
		return nil, storeErr("get definition", err)
	}
	if def.Steps, err = s.definitionSteps(ctx, id); err != nil {
		return nil, err
	}
	return def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.ChainDefinition, error) {
	var where []string
	var args []any

	if filter.FamilyID != "" {
		where = append(where, "family_id = ?")
		args = append(args, filter.FamilyID)
	}
	if filter.TriggerEventType != "" {
		where = append(where, "trigger_event_type = ?")
		args = append(args, filter.TriggerEventType)
	}
	if filter.EnabledOnly {
		where = append(where, "is_enabled = 1 AND is_template = 0")
	}

	query := `SELECT ` + definitionCols + ` FROM chain_definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list definitions", err)
	}
	var defs []*schema.ChainDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			rows.Close()
			return nil, storeErr("scan definition", err)
		}
		defs = append(defs, def)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("list definitions", err)
	}

	// Steps are loaded after the cursor is closed: the pool has one connection.
	for _, def := range defs {
		if def.Steps, err = s.definitionSteps(ctx, def.ID); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// GetEnabledByTriggerEventType returns enabled, non-template definitions for the event type.
func (s *LibSQLStore) GetEnabledByTriggerEventType(ctx context.Context, eventType string) ([]*schema.ChainDefinition, error) {
	return s.ListDefinitions(ctx, DefinitionFilter{TriggerEventType: eventType, EnabledOnly: true})
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chain_definitions WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete definition", err)
	}
	return checkRowsAffected(res, "chain definition", id)
}

func (s *LibSQLStore) definitionSteps(ctx context.Context, definitionID string) ([]schema.ChainDefinitionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+definitionStepCols+` FROM chain_definition_steps WHERE definition_id = ? ORDER BY step_order`,
		definitionID)
	if err != nil {
		return nil, storeErr("list definition steps", err)
	}
	defer rows.Close()

	var steps []schema.ChainDefinitionStep
	for rows.Next() {
		var (
			st                               schema.ChainDefinitionStep
			mapping, cond, engine, transform sql.NullString
			compAction, inputSchema          sql.NullString
			maxRetries                       sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &st.Alias, &st.Name, &st.ActionType, &st.ActionVersion,
			&mapping, &cond, &engine, &st.IsCompensatable, &compAction, &maxRetries,
			&transform, &inputSchema, &st.StepOrder); err != nil {
			return nil, storeErr("scan definition step", err)
		}
		st.InputMapping = mapping.String
		st.Condition = cond.String
		st.ConditionEngine = engine.String
		st.OutputTransform = transform.String
		st.InputSchema = rawOrNil(inputSchema)
		if compAction.Valid {
			v := compAction.String
			st.CompensationActionType = &v
		}
		if maxRetries.Valid {
			v := int(maxRetries.Int64)
			st.MaxRetries = &v
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanDefinition(r rowScanner) (*schema.ChainDefinition, error) {
	def := &schema.ChainDefinition{}
	var desc sql.NullString
	if err := r.Scan(&def.ID, &def.FamilyID, &def.Name, &desc, &def.IsEnabled, &def.IsTemplate,
		&def.TriggerEventType, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	def.Description = desc.String
	return def, nil
}

// --- Executions ---

const executionCols = `id, definition_id, family_id, correlation_id, status, trigger_event_type, trigger_event_id,
	trigger_payload, context, current_step_index, error_message, created_at, started_at, completed_at, updated_at`

const stepCols = `id, execution_id, step_alias, step_name, action_type, action_version, status,
	input_payload, output_payload, error_message, retry_count, max_retries, step_order,
	scheduled_at, picked_up_at, started_at, completed_at, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *ChainExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create execution", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chain_executions (`+executionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.DefinitionID, exec.FamilyID, exec.CorrelationID, string(exec.Status),
		exec.TriggerEventType, exec.TriggerEventID, nullRaw(exec.TriggerPayload), nullRaw(exec.Context),
		exec.CurrentStepIndex, nullStr(exec.ErrorMessage), exec.CreatedAt,
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt,
	)
	if err != nil {
		return storeErr("insert execution", err)
	}

	for _, st := range exec.Steps {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		st.ExecutionID = exec.ID
		st.CreatedAt = timeOrNow(st.CreatedAt)
		st.UpdatedAt = timeOrNow(st.UpdatedAt)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO step_executions (`+stepCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.ExecutionID, st.StepAlias, st.StepName, st.ActionType, st.ActionVersion, string(st.Status),
			nullRaw(st.InputPayload), nullRaw(st.OutputPayload), nullStr(st.ErrorMessage),
			st.RetryCount, st.MaxRetries, st.StepOrder,
			nullTime(st.ScheduledAt), nullTime(st.PickedUpAt), nullTime(st.StartedAt), nullTime(st.CompletedAt),
			st.CreatedAt, st.UpdatedAt,
		)
		if err != nil {
			return storeErr(fmt.Sprintf("insert step execution %q", st.StepAlias), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit execution", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*ChainExecution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionCols+` FROM chain_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("chain execution", id)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	if exec.Steps, err = s.ListStepExecutions(ctx, id); err != nil {
		return nil, err
	}
	return exec, nil
}

// UpdateExecution saves the execution row. Steps are saved individually.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, exec *ChainExecution) error {
	exec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE chain_executions SET status = ?, context = ?, current_step_index = ?, error_message = ?,
		   started_at = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(exec.Status), nullRaw(exec.Context), exec.CurrentStepIndex, nullStr(exec.ErrorMessage),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt, exec.ID,
	)
	if err != nil {
		return storeErr("update execution", err)
	}
	return checkRowsAffected(res, "chain execution", exec.ID)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ChainExecution, error) {
	var where []string
	var args []any

	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.FamilyID != "" {
		where = append(where, "family_id = ?")
		args = append(args, filter.FamilyID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + executionCols + ` FROM chain_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var out []*ChainExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, storeErr("scan execution", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chain_executions WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete execution", err)
	}
	return checkRowsAffected(res, "chain execution", id)
}

func scanExecution(r rowScanner) (*ChainExecution, error) {
	exec := &ChainExecution{}
	var (
		status                   string
		payload, ctxJSON, errMsg sql.NullString
		startedAt, completedAt   sql.NullTime
	)
	if err := r.Scan(&exec.ID, &exec.DefinitionID, &exec.FamilyID, &exec.CorrelationID, &status,
		&exec.TriggerEventType, &exec.TriggerEventID, &payload, &ctxJSON, &exec.CurrentStepIndex,
		&errMsg, &exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ChainStatus(status)
	exec.TriggerPayload = rawOrNil(payload)
	exec.Context = rawOrNil(ctxJSON)
	exec.ErrorMessage = errMsg.String
	exec.StartedAt = timePtr(startedAt)
	exec.CompletedAt = timePtr(completedAt)
	return exec, nil
}

// --- Step executions ---

func (s *LibSQLStore) GetStepExecution(ctx context.Context, id string) (*StepExecution, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx, `SELECT `+stepCols+` FROM step_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("step execution", id)
	}
	if err != nil {
		return nil, storeErr("get step execution", err)
	}
	return st, nil
}

func (s *LibSQLStore) UpdateStepExecution(ctx context.Context, st *StepExecution) error {
	st.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, input_payload = ?, output_payload = ?, error_message = ?,
		   retry_count = ?, max_retries = ?, scheduled_at = ?, picked_up_at = ?, started_at = ?,
		   completed_at = ?, updated_at = ? WHERE id = ?`,
		string(st.Status), nullRaw(st.InputPayload), nullRaw(st.OutputPayload), nullStr(st.ErrorMessage),
		st.RetryCount, st.MaxRetries, nullTime(st.ScheduledAt), nullTime(st.PickedUpAt),
		nullTime(st.StartedAt), nullTime(st.CompletedAt), st.UpdatedAt, st.ID,
	)
	if err != nil {
		return storeErr("update step execution", err)
	}
	return checkRowsAffected(res, "step execution", st.ID)
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	return s.querySteps(ctx,
		`SELECT `+stepCols+` FROM step_executions WHERE execution_id = ? ORDER BY step_order`, executionID)
}

func (s *LibSQLStore) ListStaleSteps(ctx context.Context, before time.Time, limit int) ([]*StepExecution, error) {
	query := `SELECT ` + prefixCols("s", stepCols) + ` FROM step_executions s
		JOIN chain_executions e ON e.id = s.execution_id
		WHERE e.status = ? AND s.status IN (?, ?) AND s.updated_at < ?
		ORDER BY s.execution_id, s.step_order`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySteps(ctx, query,
		string(schema.ChainStatusRunning), string(schema.StepStatusPending), string(schema.StepStatusRunning),
		before.UTC())
}

func (s *LibSQLStore) querySteps(ctx context.Context, query string, args ...any) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list step executions", err)
	}
	defer rows.Close()

	var out []*StepExecution
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, storeErr("scan step execution", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanStep(r rowScanner) (*StepExecution, error) {
	st := &StepExecution{}
	var (
		status                                     string
		input, output, errMsg                      sql.NullString
		scheduledAt, pickedUpAt, startedAt, doneAt sql.NullTime
	)
	if err := r.Scan(&st.ID, &st.ExecutionID, &st.StepAlias, &st.StepName, &st.ActionType, &st.ActionVersion,
		&status, &input, &output, &errMsg, &st.RetryCount, &st.MaxRetries, &st.StepOrder,
		&scheduledAt, &pickedUpAt, &startedAt, &doneAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Status = schema.StepStatus(status)
	st.InputPayload = rawOrNil(input)
	st.OutputPayload = rawOrNil(output)
	st.ErrorMessage = errMsg.String
	st.ScheduledAt = timePtr(scheduledAt)
	st.PickedUpAt = timePtr(pickedUpAt)
	st.StartedAt = timePtr(startedAt)
	st.CompletedAt = timePtr(doneAt)
	return st, nil
}

// --- Entity mappings ---

func (s *LibSQLStore) AddEntityMapping(ctx context.Context, m *ChainEntityMapping) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = timeOrNow(m.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chain_entity_mappings (id, execution_id, step_execution_id, step_alias, entity_type, entity_id, module, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ExecutionID, m.StepExecutionID, m.StepAlias, m.EntityType, m.EntityID, m.Module, m.CreatedAt,
	)
	if err != nil {
		return storeErr("add entity mapping", err)
	}
	return nil
}

func (s *LibSQLStore) ListEntityMappings(ctx context.Context, executionID string) ([]*ChainEntityMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_execution_id, step_alias, entity_type, entity_id, module, created_at
		 FROM chain_entity_mappings WHERE execution_id = ? ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, storeErr("list entity mappings", err)
	}
	defer rows.Close()

	var out []*ChainEntityMapping
	for rows.Next() {
		m := &ChainEntityMapping{}
		if err := rows.Scan(&m.ID, &m.ExecutionID, &m.StepExecutionID, &m.StepAlias,
			&m.EntityType, &m.EntityID, &m.Module, &m.CreatedAt); err != nil {
			return nil, storeErr("scan entity mapping", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent assigns the next per-execution sequence number and inserts the event.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin append event", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM chain_events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return storeErr("next event sequence", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chain_events (execution_id, step_alias, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepAlias), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return storeErr("insert event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	return nil
}

// GetEvents returns events with sequence > since, in sequence order.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_alias, event_type, payload, timestamp, sequence
		 FROM chain_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`, executionID, since)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var alias, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &alias, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.StepAlias = alias.String
		e.Payload = rawOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStrPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullIntPtr(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
