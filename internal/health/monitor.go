// Package health tracks per-component failure runs and short-circuits calls to
// components whose circuit is open.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/metrics"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/circuitbreaker"
	"github.com/appeal-assistant/evolution/pkg/config"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

// Well-known component names. Scheduled jobs register under their job name.
const (
	ComponentLLM        = "llm"
	ComponentStore      = "store"
	ComponentRuleLoader = "rule_loader"
)

type Monitor struct {
	store    storage.HealthStore
	cfg      config.HealthConfig
	now      func() time.Time
	log      *zap.Logger
	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(store storage.HealthStore, cfg config.HealthConfig, opts ...Option) *Monitor {
	m := &Monitor{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		log:      logger.Named("health"),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) breaker(component string) *circuitbreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[component]; ok {
		return b
	}
	b := circuitbreaker.NewCircuitBreaker(component, circuitbreaker.Config{
		DegradedThreshold: uint32(m.cfg.DegradedThreshold),
		FailureThreshold:  uint32(m.cfg.CircuitThreshold),
		CoolDown:          m.cfg.CoolDown(),
		Now:               m.now,
		Logger:            m.log,
		OnStateChange:     onStateChange,
	})
	m.breakers[component] = b
	return b
}

func onStateChange(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	metrics.ComponentState.WithLabelValues(name).Set(float64(to))
	if to == circuitbreaker.StateOpen {
		metrics.CircuitOpened.WithLabelValues(name).Inc()
	}
}

// Call runs fn under component's circuit. While the circuit is open fn is not
// invoked and a CircuitOpenError is returned. Only infrastructure errors count
// as failures; every other error is handed back untouched.
func (m *Monitor) Call(ctx context.Context, component string, fn func(ctx context.Context) error) (err error) {
	b := m.breaker(component)

	ticket, allowErr := b.Allow()
	if allowErr != nil {
		metrics.ComponentCalls.WithLabelValues(component, "short_circuit").Inc()
		m.log.Debug("Call short-circuited", zap.String("component", component))
		return &apperr.CircuitOpenError{Component: component}
	}

	defer func() {
		if r := recover(); r != nil {
			b.Done(ticket, fmt.Errorf("panic: %v", r), true)
			m.persist(ctx, component, b)
			panic(r)
		}
	}()

	err = fn(ctx)
	infra := apperr.IsInfrastructure(err)
	b.Done(ticket, err, infra)

	switch {
	case err == nil:
		metrics.ComponentCalls.WithLabelValues(component, "success").Inc()
	case infra:
		metrics.ComponentCalls.WithLabelValues(component, "failure").Inc()
		m.log.Warn("Component call failed",
			zap.String("component", component),
			zap.String("state", b.State().String()),
			zap.Error(err),
		)
	default:
		metrics.ComponentCalls.WithLabelValues(component, "caller_error").Inc()
	}

	if err == nil || infra {
		m.persist(ctx, component, b)
	}
	return err
}

// Do is Call for operations that return a value.
func Do[T any](ctx context.Context, m *Monitor, component string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := m.Call(ctx, component, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// persist writes the component row outside the monitored path: a failing
// health write is logged and never feeds back into a circuit.
func (m *Monitor) persist(ctx context.Context, component string, b *circuitbreaker.CircuitBreaker) {
	if m.store == nil {
		return
	}
	row := toRow(component, b)
	if err := m.store.UpsertHealth(context.WithoutCancel(ctx), &row); err != nil {
		m.log.Warn("Failed to persist component health", zap.String("component", component), zap.Error(err))
	}
}

func toRow(component string, b *circuitbreaker.CircuitBreaker) models.EngineHealth {
	counts := b.Counts()
	state := b.State()
	row := models.EngineHealth{
		Component:    component,
		Status:       state.String(),
		ErrorCount:   int(counts.ConsecutiveFailures),
		SuccessCount: int64(counts.TotalSuccesses),
		LastError:    counts.LastError,
		Metadata: map[string]string{
			"total_failures": fmt.Sprintf("%d", counts.TotalFailures),
		},
	}
	if !counts.LastSuccessAt.IsZero() {
		t := counts.LastSuccessAt
		row.LastSuccessAt = &t
	}
	if !counts.LastErrorAt.IsZero() {
		t := counts.LastErrorAt
		row.LastErrorAt = &t
	}
	if state == circuitbreaker.StateOpen || state == circuitbreaker.StateRecovering {
		t := counts.OpenedAt
		row.CircuitOpenAt = &t
	}
	return row
}

// Status reports the in-process view of one component.
func (m *Monitor) Status(component string) models.EngineHealth {
	return toRow(component, m.breaker(component))
}

// Statuses reports every component seen by this process, sorted by name.
func (m *Monitor) Statuses() []models.EngineHealth {
	m.mu.Lock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	out := make([]models.EngineHealth, 0, len(names))
	for _, name := range names {
		out = append(out, m.Status(name))
	}
	return out
}

// Restore seeds breakers from persisted rows so an open circuit survives a restart.
func (m *Monitor) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rows, err := m.store.ListHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to load component health: %w", err)
	}
	for _, row := range rows {
		counts := circuitbreaker.Counts{
			ConsecutiveFailures: uint32(row.ErrorCount),
			TotalSuccesses:      uint64(row.SuccessCount),
			LastError:           row.LastError,
		}
		if row.LastSuccessAt != nil {
			counts.LastSuccessAt = *row.LastSuccessAt
		}
		if row.LastErrorAt != nil {
			counts.LastErrorAt = *row.LastErrorAt
		}
		if row.CircuitOpenAt != nil {
			counts.OpenedAt = *row.CircuitOpenAt
		}
		state := circuitbreaker.ParseState(row.Status)
		m.breaker(row.Component).Restore(state, counts)
		metrics.ComponentState.WithLabelValues(row.Component).Set(float64(state))
	}
	m.log.Info("Component health restored", zap.Int("components", len(rows)))
	return nil
}

// Reset closes one component's circuit.
func (m *Monitor) Reset(ctx context.Context, component string) {
	b := m.breaker(component)
	b.Reset()
	m.persist(ctx, component, b)
	m.log.Info("Component circuit reset", zap.String("component", component))
}
