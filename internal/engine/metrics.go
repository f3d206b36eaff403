package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/chainflow/pkg/schema"
)

// Step outcomes reported to a MetricsCollector.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// MetricsCollector receives chain and step measurements.
type MetricsCollector interface {
	ChainTriggered(eventType string)
	ChainFinished(status schema.ChainStatus, d time.Duration)
	StepFinished(actionType, outcome string, d time.Duration)
	StepRetried(actionType string)
	StepCompensated(actionType string, ok bool)
	CircuitStateChanged(actionType string, state CircuitState)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ChainTriggered(string) {}
func (NopMetrics) ChainFinished(schema.ChainStatus, time.Duration) {}
func (NopMetrics) StepFinished(string, string, time.Duration) {}
func (NopMetrics) StepRetried(string) {}
func (NopMetrics) StepCompensated(string, bool) {}
func (NopMetrics) CircuitStateChanged(string, CircuitState) {}

// PrometheusCollector exports engine measurements. Labels are bounded by
// action type, event type and status; execution ids are never labels.
type PrometheusCollector struct {
	chainsTriggered *prometheus.CounterVec
	chainsFinished  *prometheus.CounterVec
	chainDuration   *prometheus.HistogramVec
	stepsFinished   *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	stepRetries     *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
}

// NewPrometheusCollector registers the engine metrics on registry, or on the
// default registerer when nil.
func NewPrometheusCollector(registry prometheus.Registerer) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusCollector{
		chainsTriggered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainflow_chains_triggered_total",
				Help: "Chain executions created, by trigger event type",
			},
			[]string{"event_type"},
		),
		chainsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainflow_chains_finished_total",
				Help: "Chain executions that reached a final status",
			},
			[]string{"status"},
		),
		chainDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainflow_chain_duration_seconds",
				Help:    "Wall time of chain executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		stepsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainflow_steps_finished_total",
				Help: "Step pipeline runs by action type and outcome",
			},
			[]string{"action_type", "outcome"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainflow_step_duration_seconds",
				Help:    "Step pipeline duration including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action_type", "outcome"},
		),
		stepRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainflow_step_retries_total",
				Help: "Retry attempts scheduled, by action type",
			},
			[]string{"action_type"},
		),
		compensations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainflow_compensations_total",
				Help: "Compensation attempts by action type and result",
			},
			[]string{"action_type", "result"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainflow_circuit_state",
				Help: "Circuit breaker state per action type (0 closed, 1 open, 2 half-open)",
			},
			[]string{"action_type"},
		),
	}
}

func (c *PrometheusCollector) ChainTriggered(eventType string) {
	c.chainsTriggered.WithLabelValues(eventType).Inc()
}

func (c *PrometheusCollector) ChainFinished(status schema.ChainStatus, d time.Duration) {
	c.chainsFinished.WithLabelValues(string(status)).Inc()
	c.chainDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (c *PrometheusCollector) StepFinished(actionType, outcome string, d time.Duration) {
	c.stepsFinished.WithLabelValues(actionType, outcome).Inc()
	c.stepDuration.WithLabelValues(actionType, outcome).Observe(d.Seconds())
}

func (c *PrometheusCollector) StepRetried(actionType string) {
	c.stepRetries.WithLabelValues(actionType).Inc()
}

func (c *PrometheusCollector) StepCompensated(actionType string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.compensations.WithLabelValues(actionType, result).Inc()
}

func (c *PrometheusCollector) CircuitStateChanged(actionType string, state CircuitState) {
	c.circuitState.WithLabelValues(actionType).Set(float64(state))
}

var (
	_ MetricsCollector = NopMetrics{}
	_ MetricsCollector = (*PrometheusCollector)(nil)
)
