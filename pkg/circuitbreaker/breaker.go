package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateOpen
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateOpen:
		return "circuit_open"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of String; unknown values map to StateHealthy.
func ParseState(s string) State {
	switch s {
	case "degraded":
		return StateDegraded
	case "circuit_open":
		return StateOpen
	case "recovering":
		return StateRecovering
	default:
		return StateHealthy
	}
}

type Config struct {
	// DegradedThreshold consecutive failures mark the breaker degraded.
	DegradedThreshold uint32
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// CoolDown is how long the circuit stays open before one probe is let through.
	CoolDown      time.Duration
	OnStateChange func(name string, from State, to State)
	Now           func() time.Time
	Logger        *zap.Logger
}

// Counts is a snapshot of the breaker's counters.
type Counts struct {
	ConsecutiveFailures uint32
	TotalFailures       uint64
	TotalSuccesses      uint64
	LastError           string
	LastErrorAt         time.Time
	LastSuccessAt       time.Time
	OpenedAt            time.Time
}

// Ticket is handed out by Allow and must be passed back to Done exactly once.
type Ticket struct {
	generation uint64
	probe      bool
}

type CircuitBreaker struct {
	name              string
	degradedThreshold uint32
	failureThreshold  uint32
	coolDown          time.Duration
	onStateChange     func(name string, from State, to State)
	now               func() time.Time
	logger            *zap.Logger

	mu            sync.Mutex
	state         State
	generation    uint64
	probeInFlight bool
	counts        Counts
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:              name,
		degradedThreshold: cfg.DegradedThreshold,
		failureThreshold:  cfg.FailureThreshold,
		coolDown:          cfg.CoolDown,
		onStateChange:     cfg.OnStateChange,
		now:               cfg.Now,
		logger:            cfg.Logger,
	}

	if cb.failureThreshold == 0 {
		cb.failureThreshold = 5
	}
	if cb.degradedThreshold == 0 || cb.degradedThreshold > cb.failureThreshold {
		cb.degradedThreshold = 1
	}
	if cb.coolDown == 0 {
		cb.coolDown = 60 * time.Second
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	if cb.logger == nil {
		cb.logger = zap.NewNop()
	}

	return cb
}

// Restore seeds the breaker from persisted state, e.g. after a restart.
func (cb *CircuitBreaker) Restore(state State, counts Counts) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if state == StateRecovering {
		// the probe that was in flight died with the previous process
		state = StateOpen
	}
	cb.state = state
	cb.counts = counts
	cb.generation++
}

// Execute runs fn if the circuit allows it. failure decides whether a non-nil
// error counts against the breaker; nil means every error does.
func (cb *CircuitBreaker) Execute(fn func() error, failure func(error) bool) error {
	ticket, err := cb.Allow()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.Done(ticket, errors.New("panic"), true)
			panic(r)
		}
	}()

	err = fn()
	countAsFailure := err != nil && (failure == nil || failure(err))
	cb.Done(ticket, err, countAsFailure)
	return err
}

// Allow reserves a slot for one call. While the circuit is open it fails
// immediately; once the cool-down elapses exactly one probe is admitted.
func (cb *CircuitBreaker) Allow() (Ticket, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		if now.Sub(cb.counts.OpenedAt) < cb.coolDown {
			return Ticket{}, ErrCircuitOpen
		}
		cb.setState(StateRecovering)
		cb.probeInFlight = true
		return Ticket{generation: cb.generation, probe: true}, nil
	case StateRecovering:
		if cb.probeInFlight {
			return Ticket{}, ErrCircuitOpen
		}
		cb.probeInFlight = true
		return Ticket{generation: cb.generation, probe: true}, nil
	}

	return Ticket{generation: cb.generation}, nil
}

// Done records the outcome of a call admitted by Allow. Errors that do not
// count as failures still complete a probe without changing the state.
func (cb *CircuitBreaker) Done(t Ticket, err error, countAsFailure bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if t.probe {
		if t.generation != cb.generation {
			return
		}
		cb.probeInFlight = false
	} else if cb.state == StateOpen || cb.state == StateRecovering {
		// late result of a call admitted before the circuit opened
		return
	}

	now := cb.now()
	switch {
	case err == nil:
		cb.onSuccess(now)
	case countAsFailure:
		cb.onFailure(err, now)
	}
}

func (cb *CircuitBreaker) onSuccess(now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveFailures = 0
	cb.counts.LastSuccessAt = now

	if cb.state != StateHealthy {
		cb.setState(StateHealthy)
	}
}

func (cb *CircuitBreaker) onFailure(err error, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.LastError = err.Error()
	cb.counts.LastErrorAt = now

	switch {
	case cb.state == StateRecovering:
		cb.open(now)
	case cb.counts.ConsecutiveFailures >= cb.failureThreshold:
		cb.open(now)
	case cb.counts.ConsecutiveFailures >= cb.degradedThreshold && cb.state == StateHealthy:
		cb.setState(StateDegraded)
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.counts.OpenedAt = now
	cb.setState(StateOpen)
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++
	if state != StateRecovering {
		cb.probeInFlight = false
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.Uint32("failures", cb.counts.ConsecutiveFailures),
	)
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

// Reset closes the circuit and clears the failure run.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.ConsecutiveFailures = 0
	cb.counts.OpenedAt = time.Time{}
	cb.setState(StateHealthy)
	cb.generation++
}
