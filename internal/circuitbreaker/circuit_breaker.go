package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

type Config struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
	MaxRequests int
	// IsFailure decides whether an error returned by the guarded call counts
	// against the upstream. Nil counts every error.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from State, to State)
}

// Snapshot is a point-in-time copy of a breaker's counters.
type Snapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	TotalRequests   int64     `json:"total_requests"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
	Rejected        int64     `json:"rejected"`
	StateChanges    int64     `json:"state_changes"`
	MaxFailures     int       `json:"max_failures"`
	TimeoutSeconds  float64   `json:"timeout_seconds"`
	LastFailure     time.Time `json:"last_failure"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker guards calls to one upstream (payment gateway, asset host).
type CircuitBreaker struct {
	name          string
	maxFailures   int
	timeout       time.Duration
	maxRequests   int
	isFailure     func(err error) bool
	onStateChange func(name string, from State, to State)

	mutex        sync.Mutex
	state        State
	failures     int
	requests     int
	lastFailTime time.Time

	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	rejected        int64
	stateChanges    int64
	lastStateChange time.Time

	now    func() time.Time
	logger *logrus.Logger
}

func New(config Config, logger *logrus.Logger) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "unnamed"
		logger.Warn("Circuit breaker created without name, using 'unnamed'")
	}
	if config.MaxFailures <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.MaxFailures,
			"default_value":   5,
		}).Warn("Invalid MaxFailures value, using default")
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.Timeout,
			"default_value":   "30s",
		}).Warn("Invalid Timeout value, using default")
		config.Timeout = 30 * time.Second
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &CircuitBreaker{
		name:          config.Name,
		maxFailures:   config.MaxFailures,
		timeout:       config.Timeout,
		maxRequests:   config.MaxRequests,
		isFailure:     config.IsFailure,
		onStateChange: config.OnStateChange,
		state:         StateClosed,
		now:           time.Now,
		logger:        logger,
	}
}

// Execute runs fn unless the breaker is open. A cancelled ctx is returned
// without touching the failure count.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch {
	case err == nil:
		cb.totalSuccesses++
		cb.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		cb.releaseProbe()
	case cb.isFailure(err):
		cb.totalFailures++
		cb.onFailure()
	default:
		// The upstream answered; the error is about the request itself.
		cb.totalSuccesses++
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailTime) <= cb.timeout {
			cb.rejected++
			return ErrCircuitBreakerOpen
		}
		cb.setState(StateHalfOpen)
		cb.requests = 0
	}

	if cb.state == StateHalfOpen && cb.requests >= cb.maxRequests {
		cb.rejected++
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"requests":        cb.requests,
			"max_requests":    cb.maxRequests,
		}).Debug("Circuit breaker half-open max requests reached")
		return ErrCircuitBreakerOpen
	}

	cb.totalRequests++
	if cb.state == StateHalfOpen {
		cb.requests++
	}
	return nil
}

func (cb *CircuitBreaker) releaseProbe() {
	if cb.state == StateHalfOpen && cb.requests > 0 {
		cb.requests--
	}
	cb.totalRequests--
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.requests = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailTime = cb.now()

	if (cb.state == StateClosed && cb.failures >= cb.maxFailures) || cb.state == StateHalfOpen {
		cb.setState(StateOpen)
		cb.requests = 0
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChanges++
	cb.lastStateChange = cb.now()

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from_state":      oldState.String(),
		"to_state":        newState.String(),
	}).Warn("Circuit breaker state changed")

	if cb.onStateChange != nil {
		go cb.notify(oldState, newState)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"panic":           r,
			}).Error("Circuit breaker state change callback panicked")
		}
	}()
	cb.onStateChange(cb.name, from, to)
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Snapshot{
		Name:            cb.name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		Rejected:        cb.rejected,
		StateChanges:    cb.stateChanges,
		MaxFailures:     cb.maxFailures,
		TimeoutSeconds:  cb.timeout.Seconds(),
		LastFailure:     cb.lastFailTime,
		LastStateChange: cb.lastStateChange,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.requests = 0
	cb.lastFailTime = time.Time{}
}

func (cb *CircuitBreaker) String() string {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return fmt.Sprintf("CircuitBreaker(name=%s, state=%s, failures=%d/%d)",
		cb.name, cb.state.String(), cb.failures, cb.maxFailures)
}
