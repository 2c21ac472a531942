package resilience

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the mode of one tool's breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// Breaker is the per-tool failure-isolation state machine:
// Closed -> (threshold consecutive failures) -> Open -> (reset timeout)
// -> HalfOpen -> (success) -> Closed, (failure) -> Open.
type Breaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	probing          bool
	failureThreshold int
	resetTimeout     time.Duration
	fallback         string
}

// Allow reports whether a call may proceed. While Open it returns
// ErrCircuitOpen until the reset timeout elapses, at which point the
// breaker transitions to HalfOpen and admits a single probe; further
// callers are rejected until that probe records its outcome.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if time.Since(b.lastFailure) >= b.resetTimeout {
			b.state = CircuitHalfOpen
			b.probing = true
			return nil
		}
		return fmt.Errorf("%w: retry after %s", ErrCircuitOpen, b.resetTimeout)
	case CircuitHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: probe in flight", ErrCircuitOpen)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.state = CircuitClosed
}

// RecordFailure counts a consecutive failure; it trips the breaker at
// the threshold, and reopens immediately from HalfOpen. Reports whether
// this failure tripped the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	b.probing = false
	if b.state == CircuitHalfOpen || b.failures >= b.failureThreshold {
		tripped := b.state != CircuitOpen
		b.state = CircuitOpen
		return tripped
	}
	return false
}

// State returns the current mode.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Fallback returns the configured fallback tool name, if any.
func (b *Breaker) Fallback() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fallback
}

// Registry holds one breaker per tool name. It is an explicit value
// injected into the Executor so tests can construct independent
// registries; breaker state lives for the process lifetime and is not
// persisted.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	resetTimeout     time.Duration
	fallbacks        map[string]string
}

type RegistryOption func(*Registry)

func WithFailureThreshold(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.failureThreshold = n
		}
	}
}

func WithResetTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.resetTimeout = d
		}
	}
}

// WithFallback routes calls for toolName to fallbackTool while the
// breaker for toolName is open.
func WithFallback(toolName, fallbackTool string) RegistryOption {
	return func(r *Registry) {
		if toolName != "" && fallbackTool != "" {
			r.fallbacks[toolName] = fallbackTool
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: defaultFailureThreshold,
		resetTimeout:     defaultResetTimeout,
		fallbacks:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the breaker for toolName, creating it on first use.
func (r *Registry) Breaker(toolName string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[toolName]
	if !ok {
		b = &Breaker{
			state:            CircuitClosed,
			failureThreshold: r.failureThreshold,
			resetTimeout:     r.resetTimeout,
			fallback:         r.fallbacks[toolName],
		}
		r.breakers[toolName] = b
	}
	return b
}

// States snapshots the current mode of every known breaker.
func (r *Registry) States() map[string]CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]CircuitState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
