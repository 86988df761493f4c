// Package circuit implements a closed/open/half-open circuit breaker for
// calls to the node, the broker and the databases.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/kawpool/pkg/errors"
)

// State represents the circuit breaker state
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string
	MaxFailures     int           // consecutive failures that open the circuit
	SuccessRequired int           // half-open successes needed to close again
	Timeout         time.Duration // open period before a probe is allowed
	ResetTimeout    time.Duration // closed-state failure counter lifetime
}

func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	now    func() time.Time

	mu            sync.RWMutex
	state         State
	failures      int
	successes     int
	rejected      uint64
	lastFailTime  time.Time
	lastResetTime time.Time
}

func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config:        config,
		now:           time.Now,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

func (cb *Breaker) openError() error {
	return errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open").
		WithContext("breaker", cb.config.Name).
		WithContext("state", cb.GetState().String())
}

// Execute runs fn unless the circuit is open.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn under cb and returns its result.
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if !cb.allow() {
		return zero, cb.openError()
	}

	result, err := fn()
	cb.record(err)
	return result, err
}

func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		return true
	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		cb.rejected++
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// record updates the state machine. Caller cancellation is not a failure of
// the protected dependency and is ignored.
func (cb *Breaker) record(err error) {
	if err != nil && stderrors.Is(err, context.Canceled) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()
		switch {
		case cb.state == StateClosed && cb.failures >= cb.config.MaxFailures:
			cb.state = StateOpen
			cb.successes = 0
		case cb.state == StateHalfOpen:
			cb.state = StateOpen
			cb.successes = 0
		}
		return
	}

	cb.successes++
	if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
		cb.state = StateClosed
		cb.failures = 0
		cb.successes = 0
		cb.lastResetTime = cb.now()
	}
}

func (cb *Breaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a snapshot of breaker counters.
type Stats struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Failures     int       `json:"failures"`
	Successes    int       `json:"successes"`
	Rejected     uint64    `json:"rejected"`
	LastFailTime time.Time `json:"last_fail_time"`
}

func (cb *Breaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		Name:         cb.config.Name,
		State:        cb.state.String(),
		Failures:     cb.failures,
		Successes:    cb.successes,
		Rejected:     cb.rejected,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset forces the breaker closed.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = cb.now()
}
