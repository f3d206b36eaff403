package engine

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, steps are bypassed
	CircuitHalfOpen                     // One trial call in flight
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is the narrow contract the step pipeline needs from
// breaker state. Keys are action types.
type CircuitBreaker interface {
	IsOpen(actionType string) bool
	RecordSuccess(actionType string)
	RecordFailure(actionType string)
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures that opens the circuit.
	FailureThreshold int
	// RecoveryWindow is how long an open circuit bypasses calls before a
	// half-open trial is let through.
	RecoveryWindow time.Duration
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
	// OnStateChange is called outside the breaker lock after every transition.
	OnStateChange func(actionType string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns threshold 5 and a one minute window.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryWindow:   time.Minute,
	}
}

// circuitBreaker tracks failure state for a single action type.
type circuitBreaker struct {
	mu            sync.Mutex
	state         CircuitState
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

// CircuitBreakerRegistry holds one breaker per action type and is shared by
// every execution that touches that action type.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.RecoveryWindow <= 0 {
		config.RecoveryWindow = def.RecoveryWindow
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// IsOpen reports whether a call for actionType must be bypassed. Once the
// recovery window has elapsed the circuit moves to half-open and exactly one
// caller gets false; others keep getting true until that trial reports back.
func (r *CircuitBreakerRegistry) IsOpen(actionType string) bool {
	cb := r.getOrCreate(actionType)
	cb.mu.Lock()

	from := cb.state
	open := false
	switch cb.state {
	case CircuitOpen:
		if r.config.Now().Sub(cb.lastFailure) < r.config.RecoveryWindow {
			open = true
			break
		}
		cb.state = CircuitHalfOpen
		cb.trialInFlight = true
	case CircuitHalfOpen:
		if cb.trialInFlight {
			open = true
			break
		}
		cb.trialInFlight = true
	}
	to := cb.state
	cb.mu.Unlock()

	r.notify(actionType, from, to)
	return open
}

// RecordSuccess resets the failure count and closes the circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(actionType string) {
	cb := r.getOrCreate(actionType)
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	cb.trialInFlight = false
	cb.state = CircuitClosed
	cb.mu.Unlock()

	r.notify(actionType, from, CircuitClosed)
}

// RecordFailure counts a failure. A failed half-open trial reopens the
// circuit immediately; otherwise the circuit opens at the threshold.
func (r *CircuitBreakerRegistry) RecordFailure(actionType string) {
	cb := r.getOrCreate(actionType)
	cb.mu.Lock()
	from := cb.state
	cb.failures++
	cb.lastFailure = r.config.Now()
	cb.trialInFlight = false

	if cb.state == CircuitHalfOpen || cb.failures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	to := cb.state
	cb.mu.Unlock()

	r.notify(actionType, from, to)
}

// GetState returns the current state of the circuit for an action type
// without advancing it.
func (r *CircuitBreakerRegistry) GetState(actionType string) CircuitState {
	cb := r.getOrCreate(actionType)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(actionType string) map[string]any {
	cb := r.getOrCreate(actionType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := map[string]any{
		"action_type":       actionType,
		"state":             cb.state.String(),
		"failures":          cb.failures,
		"failure_threshold": r.config.FailureThreshold,
		"recovery_window":   r.config.RecoveryWindow.String(),
	}
	if cb.state == CircuitOpen {
		remaining := r.config.RecoveryWindow - r.config.Now().Sub(cb.lastFailure)
		if remaining < 0 {
			remaining = 0
		}
		stats["recovery_remaining"] = remaining.String()
	}
	return stats
}

func (r *CircuitBreakerRegistry) notify(actionType string, from, to CircuitState) {
	if from == to || r.config.OnStateChange == nil {
		return
	}
	r.config.OnStateChange(actionType, from, to)
}

func (r *CircuitBreakerRegistry) getOrCreate(actionType string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[actionType]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[actionType] = cb
	}
	return cb
}

var _ CircuitBreaker = (*CircuitBreakerRegistry)(nil)
