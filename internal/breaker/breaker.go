// Package breaker implements per-dependency circuit breakers for the
// external services the cube talks to (OpenRouter, Home Assistant).
//
// Each breaker is a three-state machine: closed (calls pass through),
// open (calls rejected for a cool-down period), half-open (a limited
// number of trial calls probe whether the dependency recovered). One
// breaker instance exists per dependency name for the process lifetime,
// held in a Registry owned by the composition root.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's current position in the state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name used in logs and health output.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrOpen is returned when a call is rejected because the breaker is open.
// It is classified as transient: the retry coordinator may retry a
// rejected call, but the rejection never counts against the dependency's
// own failure counter (it never reached the dependency).
type ErrOpen struct {
	// Name is the dependency this breaker guards.
	Name string
	// RetryAfter is how long until the breaker will allow a trial call.
	RetryAfter time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry in %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Retryable marks breaker rejections as transient for retry purposes.
func (e *ErrOpen) Retryable() bool { return true }

// Config controls a breaker's thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the
	// closed state that opens the circuit (default: 5).
	FailureThreshold int

	// OpenFor is how long the circuit stays open before the next call
	// is allowed through as a half-open trial (default: 30s).
	OpenFor time.Duration

	// HalfOpenSuccesses is how many consecutive trial successes close
	// the circuit again (default: 1).
	HalfOpenSuccesses int
}

// DefaultConfig returns the standard thresholds: open after 5 consecutive
// failures, stay open for 30 seconds, close on the first trial success.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		OpenFor:           30 * time.Second,
		HalfOpenSuccesses: 1,
	}
}

// Snapshot is a point-in-time view of a breaker, suitable for JSON
// serialization in health endpoints.
type Snapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
}

// Breaker guards calls to a single named dependency. All state
// transitions are serialized under the mutex so concurrent callers see
// a consistent machine (only one caller wins the open→half-open flip).
type Breaker struct {
	name   string
	config Config
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	failureCount  int
	trialSuccess  int
	trialInFlight bool
	lastFailureAt time.Time

	// now is swapped in tests to control the cool-down clock.
	now func() time.Time
}

// New creates a closed breaker for the named dependency. Zero-value
// config fields are replaced with defaults.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = defaults.OpenFor
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = defaults.HalfOpenSuccesses
	}
	return &Breaker{
		name:   name,
		config: cfg,
		logger: logger.With("breaker", name),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. A rejected call returns
// *ErrOpen. Callers must report the outcome of an allowed call via
// Success or Failure.
//
// In the half-open state only one trial call is admitted at a time;
// concurrent callers are rejected until the trial reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureAt)
		if elapsed < b.config.OpenFor {
			return &ErrOpen{Name: b.name, RetryAfter: b.config.OpenFor - elapsed}
		}
		// Cool-down elapsed: this caller becomes the half-open trial.
		b.state = StateHalfOpen
		b.trialSuccess = 0
		b.trialInFlight = true
		b.logger.Info("circuit breaker half-open, allowing trial call")
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return &ErrOpen{Name: b.name, RetryAfter: b.config.OpenFor}
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// Success records a successful call. In the half-open state, enough
// consecutive successes close the circuit and reset the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.trialSuccess++
		if b.trialSuccess >= b.config.HalfOpenSuccesses {
			b.state = StateClosed
			b.failureCount = 0
			b.trialSuccess = 0
			b.logger.Info("circuit breaker closed after recovery")
		}
	}
}

// Failure records a failed call. In the closed state, reaching the
// threshold opens the circuit. In the half-open state, a failed trial
// re-opens it and restarts the cool-down.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			b.logger.Warn("circuit breaker opened",
				"failures", b.failureCount,
				"open_for", b.config.OpenFor.String(),
			)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.trialInFlight = false
		b.trialSuccess = 0
		b.logger.Warn("circuit breaker re-opened after failed trial")
	}
}

// Do runs fn under the breaker: rejected immediately with *ErrOpen when
// the circuit is open, otherwise fn's outcome feeds the state machine.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed regardless of counters. Used by
// operational recovery paths (admin endpoint, health self-heal).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.logger.Info("circuit breaker reset", "from_state", b.state.String())
	}
	b.state = StateClosed
	b.failureCount = 0
	b.trialSuccess = 0
	b.trialInFlight = false
}

// Snapshot returns a point-in-time view for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:          b.name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
	}
}

// Registry holds one breaker per dependency name, lazily created on
// first use and retained for the process lifetime.
type Registry struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		config:   cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.config, r.logger)
	r.breakers[name] = b
	return b
}

// Reset forces the named breaker closed. Returns false if no breaker
// with that name exists yet.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshots returns a view of every registered breaker, keyed by name.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
