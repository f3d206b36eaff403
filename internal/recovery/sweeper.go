// Package recovery resumes chain executions interrupted by a process exit.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// Defaults applied by NewSweeper.
const (
	DefaultSchedule   = "@every 1m"
	DefaultStaleAfter = 5 * time.Minute
	DefaultBatchSize  = 100
)

// Store is the read side the sweeper needs.
type Store interface {
	ListStaleSteps(ctx context.Context, before time.Time, limit int) ([]*store.StepExecution, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ChainExecution, error)
}

// Resumer re-runs steps and settles executions. Satisfied by the
// orchestrator.
type Resumer interface {
	ResumeStep(ctx context.Context, stepExecutionID string) (*store.StepExecution, error)
	Reconcile(ctx context.Context, executionID string) (*store.ChainExecution, error)
}

// Config tunes the sweeper.
type Config struct {
	// Schedule is a five-field cron expression or a descriptor such as
	// "@every 30s".
	Schedule string
	// StaleAfter is how long a step must go untouched before it is resumed.
	StaleAfter time.Duration
	// BatchSize caps the steps examined per sweep.
	BatchSize int
	Now       func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	Resumed    int `json:"resumed"`
	Failed     int `json:"failed"`
	Busy       int `json:"busy"`
	Reconciled int `json:"reconciled"`
}

// Sweeper periodically resumes stale steps of running executions and settles
// executions whose steps all finished. It is single-node: executions driven
// by this process are reported busy by the resumer and left alone.
type Sweeper struct {
	store    Store
	resumer  Resumer
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // execution ids being swept
}

// NewSweeper validates cfg and creates a sweeper.
func NewSweeper(s Store, resumer Resumer, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		store:    s,
		resumer:  resumer,
		cfg:      cfg,
		schedule: schedule,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}, nil
}

// ParseSchedule parses a five-field cron expression or descriptor.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse sweep schedule %q: %s", expr, err.Error()).WithCause(err)
	}
	return schedule, nil
}

// Start sweeps once immediately, then on every schedule tick until Stop or
// ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("recovery sweeper started",
		"schedule", s.cfg.Schedule, "stale_after", s.cfg.StaleAfter.String())
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.runOnce(ctx)
	for {
		now := s.cfg.Now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("recovery sweep failed", "error", err.Error())
		return
	}
	if report.Resumed+report.Failed+report.Reconciled > 0 {
		s.logger.Info("recovery sweep finished",
			"resumed", report.Resumed, "failed", report.Failed,
			"busy", report.Busy, "reconciled", report.Reconciled)
	}
}

// Stop ends the loop and waits for an in-progress sweep.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("recovery sweeper stopped")
	return nil
}

// Sweep runs one recovery pass. Stale steps are resumed in step order per
// execution, then the execution is reconciled. Running executions with no
// stale step but untouched since the cutoff are reconciled as well.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	cutoff := s.cfg.Now().UTC().Add(-s.cfg.StaleAfter)
	report := &Report{}

	steps, err := s.store.ListStaleSteps(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale steps: %w", err)
	}

	swept := make(map[string]bool)
	for _, group := range groupByExecution(steps) {
		execID := group[0].ExecutionID
		swept[execID] = true
		if !s.tryAcquire(execID) {
			report.Busy++
			continue
		}
		s.sweepExecution(ctx, execID, group, report)
		s.release(execID)
	}

	running := schema.ChainStatusRunning
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{Status: &running, Limit: s.cfg.BatchSize})
	if err != nil {
		return report, fmt.Errorf("list running executions: %w", err)
	}
	for _, exec := range execs {
		if swept[exec.ID] || !exec.UpdatedAt.Before(cutoff) {
			continue
		}
		if !s.tryAcquire(exec.ID) {
			continue
		}
		s.reconcile(ctx, exec.ID, report)
		s.release(exec.ID)
	}
	return report, nil
}

func (s *Sweeper) sweepExecution(ctx context.Context, execID string, steps []*store.StepExecution, report *Report) {
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return
		}
		_, err := s.resumer.ResumeStep(ctx, st.ID)
		switch {
		case err == nil:
			report.Resumed++
		case schema.IsCode(err, schema.ErrCodeConflict):
			s.logger.DebugContext(ctx, "execution is active, leaving it alone", "execution_id", execID)
			report.Busy++
			return
		default:
			s.logger.WarnContext(ctx, "resumed step failed",
				"execution_id", execID, "step_alias", st.StepAlias, "error", err.Error())
			report.Failed++
		}
	}
	s.reconcile(ctx, execID, report)
}

func (s *Sweeper) reconcile(ctx context.Context, execID string, report *Report) {
	exec, err := s.resumer.Reconcile(ctx, execID)
	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			s.logger.WarnContext(ctx, "reconcile failed", "execution_id", execID, "error", err.Error())
		}
		return
	}
	if exec != nil && exec.Status.IsTerminal() {
		report.Reconciled++
	}
}

// groupByExecution splits steps, already ordered by execution and step
// order, into one slice per execution.
func groupByExecution(steps []*store.StepExecution) [][]*store.StepExecution {
	var groups [][]*store.StepExecution
	for _, st := range steps {
		n := len(groups)
		if n > 0 && groups[n-1][0].ExecutionID == st.ExecutionID {
			groups[n-1] = append(groups[n-1], st)
			continue
		}
		groups = append(groups, []*store.StepExecution{st})
	}
	return groups
}

func (s *Sweeper) tryAcquire(execID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[execID]; ok {
		return false
	}
	s.inflight[execID] = struct{}{}
	return true
}

func (s *Sweeper) release(execID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, execID)
}
