package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/recovery"
)

// Config holds all chainflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string  `json:"db_path"`
	LogLevel          string  `json:"log_level"`
	LogFormat         string  `json:"log_format"`
	PoolSize          int     `json:"pool_size"`
	DefinitionsDir    string  `json:"definitions_dir"`
	SweepSchedule     string  `json:"sweep_schedule"`
	StaleAfter        string  `json:"stale_after"`
	DefaultMaxRetries int     `json:"default_max_retries"`
	RetryBaseDelay    string  `json:"retry_base_delay"`
	RetryJitter       float64 `json:"retry_jitter"`
	BreakerThreshold  int     `json:"breaker_threshold"`
	BreakerRecovery   string  `json:"breaker_recovery"`
	MetricsAddr       string  `json:"metrics_addr"`
	OTLPEndpoint      string  `json:"otlp_endpoint"`
	TraceSampleRatio  float64 `json:"trace_sample_ratio"`
}

// durations is the parsed form of the duration-valued settings.
type durations struct {
	StaleAfter      time.Duration
	RetryBaseDelay  time.Duration
	BreakerRecovery time.Duration
}

func defaultConfig() Config {
	breaker := engine.DefaultCircuitBreakerConfig()
	retry := engine.DefaultRetryPolicy()
	return Config{
		DBPath:            filepath.Join(chainflowDir(), "chainflow.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          engine.DefaultPoolSize,
		DefinitionsDir:    filepath.Join(chainflowDir(), "chains"),
		SweepSchedule:     recovery.DefaultSchedule,
		StaleAfter:        recovery.DefaultStaleAfter.String(),
		DefaultMaxRetries: engine.DefaultMaxRetries,
		RetryBaseDelay:    retry.BaseDelay.String(),
		RetryJitter:       retry.Jitter,
		BreakerThreshold:  breaker.FailureThreshold,
		BreakerRecovery:   breaker.RecoveryWindow.String(),
		MetricsAddr:       ":9464",
		TraceSampleRatio:  1,
	}
}

func chainflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainflow"
	}
	return filepath.Join(home, ".chainflow")
}

func settingsPath() string {
	return filepath.Join(chainflowDir(), "settings.json")
}

// loadConfig layers settings.json at path and CHAINFLOW_* variables over
// the defaults. A missing settings file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	strVars := map[string]*string{
		"CHAINFLOW_DB_PATH":          &cfg.DBPath,
		"CHAINFLOW_LOG_LEVEL":        &cfg.LogLevel,
		"CHAINFLOW_LOG_FORMAT":       &cfg.LogFormat,
		"CHAINFLOW_DEFINITIONS_DIR":  &cfg.DefinitionsDir,
		"CHAINFLOW_SWEEP_SCHEDULE":   &cfg.SweepSchedule,
		"CHAINFLOW_STALE_AFTER":      &cfg.StaleAfter,
		"CHAINFLOW_RETRY_BASE_DELAY": &cfg.RetryBaseDelay,
		"CHAINFLOW_BREAKER_RECOVERY": &cfg.BreakerRecovery,
		"CHAINFLOW_METRICS_ADDR":     &cfg.MetricsAddr,
		"CHAINFLOW_OTLP_ENDPOINT":    &cfg.OTLPEndpoint,
	}
	for key, dst := range strVars {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"CHAINFLOW_POOL_SIZE":           &cfg.PoolSize,
		"CHAINFLOW_DEFAULT_MAX_RETRIES": &cfg.DefaultMaxRetries,
		"CHAINFLOW_BREAKER_THRESHOLD":   &cfg.BreakerThreshold,
	}
	for key, dst := range intVars {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	floatVars := map[string]*float64{
		"CHAINFLOW_RETRY_JITTER":       &cfg.RetryJitter,
		"CHAINFLOW_TRACE_SAMPLE_RATIO": &cfg.TraceSampleRatio,
	}
	for key, dst := range floatVars {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
	}

	return cfg, nil
}

// durations parses the duration-valued settings.
func (c Config) durations() (durations, error) {
	var d durations
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"stale_after", c.StaleAfter, &d.StaleAfter},
		{"retry_base_delay", c.RetryBaseDelay, &d.RetryBaseDelay},
		{"breaker_recovery", c.BreakerRecovery, &d.BreakerRecovery},
	}
	for _, f := range fields {
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return d, fmt.Errorf("%s: %w", f.name, err)
		}
		if v <= 0 {
			return d, fmt.Errorf("%s must be positive, got %s", f.name, f.raw)
		}
		*f.dst = v
	}
	return d, nil
}

// libsqlDSN turns a plain path into the file URI the libSQL driver expects.
func libsqlDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}
