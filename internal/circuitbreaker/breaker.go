// Package circuitbreaker guards webhook targets and other flaky downstreams
// against repeated failures.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if the target recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned without invoking the operation while the circuit is
// open. Matches any circuit-open error by code.
var ErrOpen = mesherr.New(mesherr.CodeCircuitOpen, "circuit breaker is open")

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this circuit breaker
	Name string

	// FailureThreshold is the number of windowed failures that trips the
	// circuit from closed to open
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open state that
	// close the circuit again
	SuccessThreshold int

	// OpenTimeout is the period of open state before the next probe is let
	// through in half-open state
	OpenTimeout time.Duration

	// Window bounds how long a failure counts against the threshold
	Window time.Duration

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns a reasonable default configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
		Window:           60 * time.Second,
	}
}

func (cfg *Config) normalize() {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker tracks failures over a sliding window. Failures within the
// window trip it open; after OpenTimeout one caller at a time probes the
// target until SuccessThreshold successes close it again.
type CircuitBreaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	generation    uint64
	failureTimes  []time.Time
	failureCount  int
	successCount  int
	nextAttemptAt time.Time

	now func() time.Time
}

// New creates a new circuit breaker
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	cfg.normalize()

	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

// Allow reports whether a request would pass right now. An open circuit
// returns a typed circuit-open error.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.now())
	if state == StateOpen {
		return mesherr.Newf(mesherr.CodeCircuitOpen, "circuit %q is open", cb.cfg.Name)
	}
	return nil
}

// Execute runs op if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(op func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = op()
	cb.afterRequest(generation, err == nil)
	return err
}

// ExecuteContext runs op with a context if the circuit allows it.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, op func(context.Context) error) error {
	return cb.Execute(func() error { return op(ctx) })
}

// Reset force-returns the circuit to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed, cb.now())
	cb.clearLocked()
}

// beforeRequest checks if the request is allowed and returns the generation
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(cb.now())
	if state == StateOpen {
		return generation, mesherr.Newf(mesherr.CodeCircuitOpen, "circuit %q is open", cb.cfg.Name)
	}
	return generation, nil
}

// afterRequest records the result, ignoring results from a previous
// generation
func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		if len(cb.failureTimes) > 0 {
			cb.failureTimes = cb.failureTimes[1:]
		}
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed, now)
			cb.clearLocked()
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.failureTimes = append(cb.failureTimes, now)
		cb.pruneLocked(now)
		cb.failureCount = len(cb.failureTimes)
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.trip(now)
		}
	case StateHalfOpen:
		cb.trip(now)
	}
}

// pruneLocked drops failure timestamps that fell out of the window
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.Window)
	kept := cb.failureTimes[:0]
	for _, t := range cb.failureTimes {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failureTimes = kept
}

func (cb *CircuitBreaker) trip(now time.Time) {
	cb.setState(StateOpen, now)
	cb.nextAttemptAt = now.Add(cb.cfg.OpenTimeout)
}

// currentState returns the current state, moving open to half-open once the
// open timeout lapsed
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && !now.Before(cb.nextAttemptAt) {
		cb.setState(StateHalfOpen, now)
		cb.successCount = 0
	}
	return cb.state, cb.generation
}

// setState changes the circuit breaker state
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prevState := cb.state
	cb.state = state
	cb.generation++

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prevState, state)
	}
}

func (cb *CircuitBreaker) clearLocked() {
	cb.failureTimes = nil
	cb.failureCount = 0
	cb.successCount = 0
	cb.nextAttemptAt = time.Time{}
}

// ============================================================================
// STATS
// ============================================================================

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// Snapshot returns the current stats
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.now())
	return Stats{
		Name:          cb.cfg.Name,
		State:         state.String(),
		FailureCount:  cb.failureCount,
		SuccessCount:  cb.successCount,
		NextAttemptAt: cb.nextAttemptAt,
	}
}

// ============================================================================
// CIRCUIT BREAKER MANAGER
// ============================================================================

// Manager manages one circuit breaker per delivery target
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config // Default config for new breakers
}

// NewManager creates a new circuit breaker manager
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	defaultCfg.normalize()

	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns a circuit breaker by name, creating it from the default
// config when necessary
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	cfg := *m.cfg
	cfg.Name = name
	cb = New(&cfg)
	m.breakers[name] = cb

	return cb
}

// Remove drops a circuit breaker
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

// List returns all circuit breaker names
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// Stats returns a snapshot of every managed breaker
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = cb.Snapshot()
	}
	return stats
}

// ExecuteWithFallback runs a request through the breaker and hands any
// failure, including fail-fast rejections, to the fallback.
func ExecuteWithFallback[T any](
	cb *CircuitBreaker,
	request func() (T, error),
	fallback func(error) (T, error),
) (T, error) {
	var result T
	err := cb.Execute(func() error {
		var reqErr error
		result, reqErr = request()
		return reqErr
	})
	if err != nil {
		return fallback(err)
	}
	return result, nil
}
