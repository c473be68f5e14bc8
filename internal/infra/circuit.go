package infra

import (
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

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the underlying function.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this breaker (the endpoint key).
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before admitting
	// a half-open probe.
	RecoveryTimeout time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(name, from, to string)
}

// CircuitBreaker guards one endpoint with the closed/open/half-open state
// machine. In half-open, exactly one probe call is admitted; its outcome
// decides the next state.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	state    string
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Allow reports whether a call may proceed. The caller must follow up with
// exactly one Record for every successful Allow.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen)
			cb.probing = true
			return nil
		}
		return ErrCircuitOpen

	case CircuitHalfOpen:
		// One probe at a time.
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil

	default:
		return nil
	}
}

// Record reports the outcome of a call previously admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.probing = false
		if err != nil {
			cb.transitionTo(CircuitOpen)
			cb.openedAt = time.Now()
		} else {
			cb.transitionTo(CircuitClosed)
		}
		return
	}

	if err != nil {
		cb.failures++
		if cb.state == CircuitClosed && cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
			cb.openedAt = time.Now()
		}
		return
	}

	cb.failures = 0
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// transitionTo changes state. Must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	cb.failures = 0

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current state, accounting for an elapsed recovery
// timeout (an open breaker past its timeout reports half-open).
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:     cb.config.Name,
		State:    cb.state,
		Failures: cb.failures,
		OpenedAt: cb.openedAt,
	}
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
}

// CircuitBreakerStats is a point-in-time snapshot of one breaker.
type CircuitBreakerStats struct {
	Name     string
	State    string
	Failures int
	OpenedAt time.Time
}

// CircuitBreakerRegistry manages per-endpoint circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry using defaults for new
// breakers.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig) *CircuitBreakerRegistry {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = 5
	}
	if defaults.RecoveryTimeout <= 0 {
		defaults.RecoveryTimeout = 60 * time.Second
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns or creates the breaker for an endpoint.
func (r *CircuitBreakerRegistry) Get(endpoint string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[endpoint]; ok {
		return cb
	}

	config := r.defaults
	config.Name = endpoint
	cb = NewCircuitBreaker(config)
	r.breakers[endpoint] = cb
	return cb
}

// Stats returns snapshots for all known breakers.
func (r *CircuitBreakerRegistry) Stats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// OpenCircuits returns the endpoints whose breakers are currently open.
func (r *CircuitBreakerRegistry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for endpoint, cb := range r.breakers {
		if cb.State() == CircuitOpen {
			open = append(open, endpoint)
		}
	}
	return open
}

// ResetAll closes every breaker.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
