// Package circuit provides circuit breaker functionality for resilient LLM calls.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/config"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing service failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Testing if service recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a breaker.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // half-open successes that close it again
	Timeout          time.Duration // cool-down before a half-open probe
	// OnStateChange, if set, is called with the breaker lock held; it must not call back into the breaker.
	OnStateChange func(from, to State)
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 3,
	Timeout:          30 * time.Second,
}

// FromConfig converts the resilience.circuit_breaker section of the project config.
func FromConfig(cc config.CircuitBreakerConfig) Config {
	c := DefaultConfig
	if cc.FailureThreshold > 0 {
		c.FailureThreshold = cc.FailureThreshold
	}
	if cc.SuccessThreshold > 0 {
		c.SuccessThreshold = cc.SuccessThreshold
	}
	if cc.Timeout > 0 {
		c.Timeout = cc.Timeout
	}
	return c
}

// Error is returned instead of calling the provider while the circuit is open.
type Error struct {
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Breaker guards one model. Only infrastructure failures should be recorded as
// failures; a bad answer from a healthy provider is a success here.
type Breaker interface {
	Allow() bool
	Record(success bool)
	GetState() State
	Reset()
}

type breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	state    State
	failures int // consecutive, while closed
	probes   int // successful probes, while half-open
	openedAt time.Time
}

// New creates a closed breaker.
func New(cfg Config) Breaker {
	return newBreaker(cfg, time.Now)
}

func newBreaker(cfg Config, now func() time.Time) *breaker {
	return &breaker{cfg: cfg, now: now, state: Closed}
}

// Allow reports whether a call may proceed. An open breaker lets a probe through
// once its cool-down has elapsed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cfg.Timeout {
			return false
		}
		b.probes = 0
		b.setState(HalfOpen)
	}
	return true
}

// Record feeds a call outcome into the state machine.
func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case success && b.state == HalfOpen:
		b.probes++
		if b.probes >= b.cfg.SuccessThreshold {
			b.failures, b.probes = 0, 0
			b.setState(Closed)
		}
	case success:
		b.failures = 0
	case b.state == HalfOpen:
		b.trip()
	default:
		b.failures++
		if b.state == Closed && b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.probes = 0, 0
	b.setState(Closed)
}

func (b *breaker) trip() {
	b.openedAt = b.now()
	b.probes = 0
	b.setState(Open)
}

func (b *breaker) setState(to State) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
