package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/logger"
	"github.com/alertai/alertai/internal/observability/metrics"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed means sends flow normally.
	StateClosed CircuitState = iota
	// StateHalfOpen means one trial send is allowed to test recovery.
	StateHalfOpen
	// StateOpen means sends are rejected without reaching the provider.
	StateOpen
)

// String returns the string representation of CircuitState.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while a provider's circuit is open.
	ErrCircuitOpen = errors.NewStd("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open trial is already in progress.
	ErrTooManyRequests = errors.NewStd("circuit breaker is half-open, too many requests")
)

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive retriable failures before opening.
	MaxFailures int
	// Timeout is how long to wait before moving from open to half-open.
	Timeout time.Duration
	// HalfOpenMaxRequests is the number of trial sends allowed while half-open.
	HalfOpenMaxRequests int
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker stops calling a provider after repeated connection or
// timeout failures and lets a single trial through once Timeout has passed.
// Terminal failures such as a rejected payload do not count.
type CircuitBreaker struct {
	config           CircuitBreakerConfig
	provider         string
	metrics          *metrics.NotificationMetrics
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastStateChange  time.Time
	halfOpenRequests int
}

// NewCircuitBreaker creates a closed breaker for provider. m may be nil.
func NewCircuitBreaker(config CircuitBreakerConfig, provider string, m *metrics.NotificationMetrics) *CircuitBreaker {
	if config.MaxFailures < 1 {
		config.MaxFailures = 1
	}
	if config.HalfOpenMaxRequests < 1 {
		config.HalfOpenMaxRequests = 1
	}
	m.UpdateCircuitBreakerState(provider, int(StateClosed))
	return &CircuitBreaker{
		config:          config,
		provider:        provider,
		metrics:         m,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call executes fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		state, failures := cb.snapshot()
		return fmt.Errorf("circuit breaker rejected request (%v, %d consecutive failures): %w",
			state, failures, err)
	}

	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastStateChange) >= cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenRequests = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenRequests++
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}

	// Cancellation by the caller says nothing about provider health.
	if errors.Is(err, context.Canceled) {
		return
	}
	if !Classify(err).Retriable() {
		if cb.state == StateHalfOpen {
			// The provider answered, so it is reachable again.
			cb.failures = 0
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateOpen:
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(newState CircuitState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.halfOpenRequests = 0
	cb.metrics.UpdateCircuitBreakerState(cb.provider, int(newState))

	GetLogger().Info("circuit breaker state transition",
		logger.String("provider", cb.provider),
		logger.String("old_state", oldState.String()),
		logger.String("new_state", newState.String()),
		logger.Int("consecutive_failures", cb.failures))
}

func (cb *CircuitBreaker) snapshot() (CircuitState, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	s, _ := cb.snapshot()
	return s
}

// Failures returns the current number of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	_, f := cb.snapshot()
	return f
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(StateClosed)
}
