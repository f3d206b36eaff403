package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/definitions"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/recovery"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cmd := "serve"
	var args []string
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "chainflow: %v\n", err)
			os.Exit(1)
		}
	case "validate":
		os.Exit(runValidate(args))
	case "version", "--version", "-v":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "usage: chainflow [serve | validate <file>... | version]\n")
		os.Exit(2)
	}
}

// runServe starts the orchestrator, the recovery sweeper, the metrics
// endpoint and the MCP stdio server, and blocks until stdin closes or a
// termination signal arrives.
func runServe() error {
	cfg, err := loadConfig(settingsPath())
	if err != nil {
		return err
	}
	durs, err := cfg.durations()
	if err != nil {
		return err
	}

	// stdout carries the MCP protocol.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(libsqlDSN(cfg.DBPath))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.HTTPConfig{}); err != nil {
		return err
	}

	conditions, err := expressions.NewConditionEvaluator()
	if err != nil {
		return err
	}
	validator, err := validation.NewDefinitionValidator(registry, conditions)
	if err != nil {
		return err
	}
	loader := definitions.NewLoader(st, validator, logger)
	if err := loadDefinitions(ctx, loader, cfg.DefinitionsDir, logger); err != nil {
		return err
	}

	tracer, shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := streaming.NewMemoryHub(256)
	orch, err := engine.NewOrchestrator(st, registry, engine.OrchestratorConfig{
		PoolSize:          cfg.PoolSize,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		Retry:             engine.RetryPolicy{BaseDelay: durs.RetryBaseDelay, Jitter: cfg.RetryJitter},
		CircuitBreaker: engine.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			RecoveryWindow:   durs.BreakerRecovery,
		},
		Logger:     logger,
		Metrics:    engine.NewPrometheusCollector(promRegistry),
		Tracer:     tracer,
		Hub:        hub,
		Conditions: conditions,
		Validator:  validator,
	})
	if err != nil {
		return err
	}

	sweeper, err := recovery.NewSweeper(st, orch, recovery.Config{
		Schedule:   cfg.SweepSchedule,
		StaleAfter: durs.StaleAfter,
	}, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = startMetricsServer(cfg.MetricsAddr, promRegistry, logger)
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Orchestrator: orch,
		Definitions:  st,
		Definer:      loader,
		Actions:      registry,
		Events:       hub,
		Logger:       logger,
		Version:      version,
	})
	logger.Info("chainflow started",
		"version", version, "db_path", cfg.DBPath, "pool_size", cfg.PoolSize, "metrics_addr", cfg.MetricsAddr, "otlp_endpoint", cfg.OTLPEndpoint)

	serveErr := srv.Serve(ctx)
	if serveErr != nil && errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sweeper.Stop(); err != nil {
		logger.Warn("sweeper stop failed", "error", err.Error())
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", "error", err.Error())
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err.Error())
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("trace flush failed", "error", err.Error())
	}
	return serveErr
}

// loadDefinitions loads every definition file in dir. A missing directory
// is skipped; bad files are logged and skipped.
func loadDefinitions(ctx context.Context, loader *definitions.Loader, dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Debug("definitions dir not found, skipping", "dir", dir)
		return nil
	}
	report, err := loader.LoadDir(ctx, dir)
	if err != nil {
		return err
	}
	for _, f := range report.Failures {
		logger.Warn("chain definition rejected",
			"file", f.File, "definition_id", f.DefinitionID, "error", f.Error)
	}
	return nil
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err.Error())
		}
	}()
	return srv
}

// runValidate checks definition files against the builtin action set and
// prints one line per definition. Returns the process exit code.
func runValidate(paths []string) int {
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chainflow validate <file>...")
		return 2
	}

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.HTTPConfig{}); err != nil {
		fmt.Fprintf(os.Stderr, "chainflow: %v\n", err)
		return 1
	}
	conditions, err := expressions.NewConditionEvaluator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainflow: %v\n", err)
		return 1
	}
	validator, err := validation.NewDefinitionValidator(registry, conditions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainflow: %v\n", err)
		return 1
	}

	code := 0
	for _, path := range paths {
		defs, err := definitions.ParseFile(path)
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", path, err)
			code = 1
			continue
		}
		for _, def := range defs {
			result := validator.Validate(def)
			for _, w := range result.Warnings {
				fmt.Printf("WARN %s %s: %s\n", path, def.Name, w.String())
			}
			if !result.Valid() {
				for _, e := range result.Errors {
					fmt.Printf("FAIL %s %s: %s\n", path, def.Name, e.String())
				}
				code = 1
				continue
			}
			fmt.Printf("ok   %s %s\n", path, def.Name)
		}
	}
	return code
}
