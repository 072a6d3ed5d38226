package rules

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/cache/redis"
	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/metrics"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const (
	defaultCacheTTL = 5 * time.Minute
	cacheType       = "active_rules"
)

// Mirror shares the active-rule snapshot with other processes.
type Mirror interface {
	PublishSnapshot(ctx context.Context, rules []models.Rule, ttl time.Duration) error
	GetSnapshot(ctx context.Context) (*redis.Snapshot, bool, error)
	InvalidateSnapshot(ctx context.Context) error
	SubscribeInvalidations(ctx context.Context, fn func())
}

type snapshot struct {
	rules      []models.Rule
	generation uint64
	loadedAt   time.Time
}

// Loader serves the active-rule set from an in-memory snapshot. Invalidate
// bumps the generation; the next reader refreshes synchronously while any
// concurrent reader keeps getting the previous snapshot.
type Loader struct {
	store   storage.RuleStore
	monitor *health.Monitor
	mirror  Mirror
	ttl     time.Duration
	now     func() time.Time
	log     *zap.Logger

	current    atomic.Pointer[snapshot]
	generation atomic.Uint64
	refreshing atomic.Bool
}

type LoaderOption func(*Loader)

func WithMirror(mirror Mirror) LoaderOption {
	return func(l *Loader) { l.mirror = mirror }
}

func WithLoaderClock(now func() time.Time) LoaderOption {
	return func(l *Loader) { l.now = now }
}

func NewLoader(store storage.RuleStore, monitor *health.Monitor, ttl time.Duration, opts ...LoaderOption) *Loader {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	l := &Loader{
		store:   store,
		monitor: monitor,
		ttl:     ttl,
		now:     time.Now,
		log:     logger.Named("rule_loader"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GetActiveRules returns active rules, optionally restricted to categories,
// ordered by category, key and version.
func (l *Loader) GetActiveRules(ctx context.Context, categories ...models.RuleCategory) ([]models.Rule, error) {
	snap, err := l.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return filter(snap.rules, categories), nil
}

func (l *Loader) snapshot(ctx context.Context) (*snapshot, error) {
	snap := l.current.Load()
	if snap != nil && !l.stale(snap) {
		metrics.CacheHits.WithLabelValues(cacheType).Inc()
		return snap, nil
	}
	metrics.CacheMisses.WithLabelValues(cacheType).Inc()

	if snap != nil && !l.refreshing.CompareAndSwap(false, true) {
		return snap, nil
	}
	if snap != nil {
		defer l.refreshing.Store(false)
	}

	fresh, err := l.refresh(ctx)
	if err != nil {
		if snap != nil {
			l.log.Warn("Rule refresh failed, serving previous snapshot", zap.Error(err))
			return snap, nil
		}
		return nil, err
	}
	return fresh, nil
}

func (l *Loader) stale(snap *snapshot) bool {
	return snap.generation != l.generation.Load() || l.now().Sub(snap.loadedAt) >= l.ttl
}

func (l *Loader) refresh(ctx context.Context) (*snapshot, error) {
	gen := l.generation.Load()

	active, err := health.Do(ctx, l.monitor, health.ComponentRuleLoader, func(ctx context.Context) ([]models.Rule, error) {
		return l.store.ListRules(ctx, storage.RuleFilter{Status: models.StatusActive})
	})
	if err != nil {
		shared, ok := l.fromMirror(ctx)
		if !ok {
			return nil, err
		}
		active = shared
	} else if l.mirror != nil {
		if perr := l.mirror.PublishSnapshot(ctx, active, l.ttl); perr != nil {
			l.log.Warn("Failed to publish rule snapshot", zap.Error(perr))
		}
	}

	snap := &snapshot{rules: active, generation: gen, loadedAt: l.now()}
	l.current.Store(snap)
	recordActive(active)

	l.log.Debug("Active rules refreshed", zap.Int("rules", len(active)), zap.Uint64("generation", gen))
	return snap, nil
}

func (l *Loader) fromMirror(ctx context.Context) ([]models.Rule, bool) {
	if l.mirror == nil {
		return nil, false
	}
	shared, ok, err := l.mirror.GetSnapshot(ctx)
	if err != nil || !ok {
		return nil, false
	}
	l.log.Warn("Rule store unavailable, using shared snapshot", zap.Int64("generation", shared.Generation))
	return shared.Rules, true
}

// Invalidate marks the current snapshot stale here and in other processes.
func (l *Loader) Invalidate(ctx context.Context) {
	l.invalidateLocal()
	if l.mirror == nil {
		return
	}
	if err := l.mirror.InvalidateSnapshot(context.WithoutCancel(ctx)); err != nil {
		l.log.Warn("Failed to invalidate shared rule snapshot", zap.Error(err))
	}
}

func (l *Loader) invalidateLocal() {
	gen := l.generation.Add(1)
	l.log.Debug("Rule cache invalidated", zap.Uint64("generation", gen))
}

// Watch applies invalidations published by other processes until ctx ends.
func (l *Loader) Watch(ctx context.Context) {
	if l.mirror == nil {
		return
	}
	l.mirror.SubscribeInvalidations(ctx, l.invalidateLocal)
}

func filter(rules []models.Rule, categories []models.RuleCategory) []models.Rule {
	out := make([]models.Rule, 0, len(rules))
	for _, r := range rules {
		if len(categories) == 0 || containsCategory(categories, r.Category) {
			out = append(out, r)
		}
	}
	return out
}

func containsCategory(categories []models.RuleCategory, c models.RuleCategory) bool {
	for _, known := range categories {
		if known == c {
			return true
		}
	}
	return false
}

func recordActive(rules []models.Rule) {
	counts := make(map[models.RuleCategory]int, len(models.RuleCategories))
	for _, r := range rules {
		counts[r.Category]++
	}
	for _, c := range models.RuleCategories {
		metrics.ActiveRules.WithLabelValues(string(c)).Set(float64(counts[c]))
	}
}
