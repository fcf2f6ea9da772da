package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned by Execute when the breaker is not allowing calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a sliding-window circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker.
	Name string

	// FailureThreshold is the number of failures within FailureWindow
	// that opens the circuit.
	FailureThreshold int

	// FailureWindow bounds how far back a failure still counts toward
	// the threshold. Failures outside the window are pruned on every
	// record.
	FailureWindow time.Duration

	// Cooldown is how long the circuit stays OPEN before it is allowed
	// to transition to HALF_OPEN on the next state check.
	Cooldown time.Duration

	// OnStateChange is called, asynchronously, when the circuit's
	// externally-observable state changes. The gateway uses this to
	// pause/resume the paired broker consumer.
	OnStateChange func(from, to string)
}

func (c *CircuitBreakerConfig) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
}

// CircuitBreaker counts failures in a trailing time window rather than a
// consecutive-failure streak: a burst of 5 failures inside the window
// opens the circuit even if older successes are mixed in further back.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	state    string
	failures []time.Time
	openedAt time.Time
}

// NewCircuitBreaker creates a circuit breaker in the CLOSED state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.setDefaults()
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.IsAllowed() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// ExecuteWithResult runs a value-returning fn with circuit breaker protection.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !cb.IsAllowed() {
		return zero, ErrCircuitOpen
	}
	result, err := fn(ctx)
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return result, err
}

// GetState returns the current state, auto-promoting OPEN to HALF_OPEN
// once the cooldown has elapsed.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.getStateLocked()
}

func (cb *CircuitBreaker) getStateLocked() string {
	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.config.Cooldown {
		cb.setStateLocked(CircuitHalfOpen)
	}
	return cb.state
}

// IsAllowed reports whether a call may proceed: true in CLOSED or HALF_OPEN.
func (cb *CircuitBreaker) IsAllowed() bool {
	state := cb.GetState()
	return state == CircuitClosed || state == CircuitHalfOpen
}

// RecordFailure timestamps a failure, prunes the window, and opens the
// circuit once the threshold is reached. A failure observed while
// HALF_OPEN re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.getStateLocked() == CircuitHalfOpen {
		cb.failures = nil
		cb.setStateLocked(CircuitOpen)
		return
	}

	cb.failures = append(cb.failures, now)
	cb.pruneLocked(now)

	if len(cb.failures) >= cb.config.FailureThreshold {
		cb.setStateLocked(CircuitOpen)
	}
}

// RecordSuccess clears accumulated failures. In HALF_OPEN or OPEN this
// immediately returns the breaker to CLOSED.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = nil
	if cb.state != CircuitClosed {
		cb.setStateLocked(CircuitClosed)
	}
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.FailureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

func (cb *CircuitBreaker) setStateLocked(newState string) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	if newState == CircuitOpen {
		cb.openedAt = time.Now()
	}
	if newState == CircuitClosed {
		cb.failures = nil
	}
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState)
	}
}

// Reset forces the breaker back to CLOSED, discarding failure history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = nil
	cb.setStateLocked(CircuitClosed)
}

// Stats is a snapshot of a breaker's current counters.
type CircuitBreakerStats struct {
	Name     string
	State    string
	Failures int
}

// Stats returns a point-in-time snapshot.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:     cb.config.Name,
		State:    cb.getStateLocked(),
		Failures: len(cb.failures),
	}
}

// CircuitBreakerRegistry lazily creates and retains one breaker per name.
// The gateway keys breakers by target agent id; the router keys a
// separate registry by the same ids to maintain its own, independent
// breaker state (see internal/orchestration).
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry that stamps config.Name
// onto each breaker it creates.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig) *CircuitBreakerRegistry {
	defaults.setDefaults()
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns or creates the breaker for name.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	config := r.defaults
	config.Name = name
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Stats returns a snapshot of every breaker in the registry.
func (r *CircuitBreakerRegistry) Stats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// OpenNames returns the names of breakers currently reporting OPEN.
func (r *CircuitBreakerRegistry) OpenNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var open []string
	for name, cb := range r.breakers {
		if cb.GetState() == CircuitOpen {
			open = append(open, name)
		}
	}
	return open
}
