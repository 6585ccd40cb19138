package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "revnotify/internal/errors"
)

// State is the circuit breaker's operational state.
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

// CircuitBreakerConfig configures a [CircuitBreaker].  Zero values take
// the defaults noted on each field.
type CircuitBreakerConfig struct {
	MaxFailures   int           // consecutive failures before opening (5)
	ResetTimeout  time.Duration // open duration before a probe (30s)
	HalfOpenMax   int           // probe successes needed to close (1)
	OnStateChange func(from, to State)

	now func() time.Time // test hook
}

// CircuitBreaker stops the supervisor from restarting an endpoint that
// keeps faulting: after MaxFailures consecutive failures it refuses
// further attempts until ResetTimeout has passed.
type CircuitBreaker struct {
	mu        sync.Mutex
	cfg       CircuitBreakerConfig
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a circuit breaker.  A nil cfg uses defaults.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	var c CircuitBreakerConfig
	if cfg != nil {
		c = *cfg
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	if c.now == nil {
		c.now = time.Now
	}
	return &CircuitBreaker{cfg: c}
}

// Allow reports whether an attempt may proceed.  It returns an error
// wrapping [ncerr.ErrCircuitOpen] while the circuit is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	elapsed := cb.cfg.now().Sub(cb.openedAt)
	if elapsed >= cb.cfg.ResetTimeout {
		cb.transition(StateHalfOpen)
		return nil
	}
	return fmt.Errorf("%w: %d consecutive failures, retry in %v",
		ncerr.ErrCircuitOpen, cb.failures, (cb.cfg.ResetTimeout - elapsed).Truncate(time.Second))
}

// Record feeds the outcome of an attempt into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.openedAt = cb.cfg.now()
			cb.transition(StateOpen)
		}
		return
	}

	cb.successes++
	if cb.state == StateHalfOpen && cb.successes < cb.cfg.HalfOpenMax {
		return
	}
	cb.failures = 0
	cb.transition(StateClosed)
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// CurrentState returns the current state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.successes = 0, 0
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
