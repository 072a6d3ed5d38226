// Package knowledge rolls analyzed conversations up into daily learning
// metrics and pattern clusters.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/evaluation"
	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/internal/tagging"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const (
	dateLayout            = "2006-01-02"
	productRecommendation = "product_recommendation"
)

type Store interface {
	storage.AnalysisStore
	storage.TagStore
	storage.KnowledgeStore
	CountChanges(ctx context.Context, actions []models.ChangeAction, from, to time.Time) (int, error)
}

type Aggregator struct {
	store   Store
	monitor *health.Monitor
	cfg     config.KnowledgeConfig
	now     func() time.Time
	log     *zap.Logger

	// mu serialises incremental merges against wholesale refreshes.
	mu sync.Mutex
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(store Store, monitor *health.Monitor, cfg config.KnowledgeConfig, opts ...Option) *Aggregator {
	if cfg.TargetSampleSize <= 0 {
		cfg.TargetSampleSize = 50
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	a := &Aggregator{
		store:   store,
		monitor: monitor,
		cfg:     cfg,
		now:     time.Now,
		log:     logger.Named("knowledge"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AggregateDaily recomputes the learning metric of the calendar day holding
// date and upserts it. Running it again for the same day yields the same row.
func (g *Aggregator) AggregateDaily(ctx context.Context, date time.Time) (*models.LearningMetric, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	end := start.AddDate(0, 0, 1)

	analyses, err := g.analyses(ctx, storage.AnalysisFilter{Since: start, Until: end})
	if err != nil {
		return nil, err
	}
	tags, err := g.tags(ctx, start)
	if err != nil {
		return nil, err
	}

	metric := summarise(analyses, tags, g.cfg.TopN)
	metric.MetricDate = start.Format(dateLayout)

	metric.RulesGenerated, err = g.countChanges(ctx, []models.ChangeAction{models.ActionCreated}, start, end)
	if err != nil {
		return nil, err
	}
	metric.RulesPromoted, err = g.countChanges(ctx, []models.ChangeAction{models.ActionAutoPromoted, models.ActionActivated}, start, end)
	if err != nil {
		return nil, err
	}

	err = g.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return g.store.UpsertLearningMetric(ctx, &metric)
	})
	if err != nil {
		return nil, err
	}

	g.log.Info("Daily metrics aggregated",
		zap.String("metric_date", metric.MetricDate),
		zap.Int("conversations", metric.TotalConversations),
		zap.Int("rules_generated", metric.RulesGenerated),
		zap.Int("rules_promoted", metric.RulesPromoted),
	)
	return &metric, nil
}

func summarise(analyses []models.Analysis, tags map[string]models.Tag, topN int) models.LearningMetric {
	m := models.LearningMetric{TotalConversations: len(analyses)}
	if len(analyses) == 0 {
		return m
	}

	var turns, completion []float64
	var satisfaction, professionalism, appeal []float64
	dropOffs := make(map[string]int)
	improvements := make(map[string]int)

	for i := range analyses {
		a := &analyses[i]
		turns = append(turns, float64(a.CollectionTurns))
		completion = append(completion, a.CompletionRate)
		satisfaction = appendScore(satisfaction, a.UserSatisfaction)
		professionalism = appendScore(professionalism, a.ProfessionalismScore)
		appeal = appendScore(appeal, a.AppealSuccessRate)

		if outcomeOf(a, tags) == models.OutcomeCompleted {
			m.CompletionCount++
		}
		if a.DropOffPoint != nil {
			m.DropOffCount++
			dropOffs[*a.DropOffPoint]++
		}

		recommended := false
		for _, s := range a.Suggestions {
			target := s.Field
			if target == "" {
				target = s.Category
			}
			improvements[target]++
			if s.Category == productRecommendation {
				recommended = true
			}
		}
		if recommended {
			m.ProductRecommendationCount++
		}
	}

	m.AvgCollectionTurns = evaluation.Mean(turns)
	m.AvgCompletionRate = evaluation.Mean(completion)
	m.AvgUserSatisfaction = evaluation.Mean(satisfaction)
	m.AvgProfessionalism = evaluation.Mean(professionalism)
	m.AvgAppealSuccess = evaluation.Mean(appeal)
	m.TopDropOffFields = topCounts(dropOffs, topN)
	m.TopImprovements = topCounts(improvements, topN)
	return m
}

func appendScore(xs []float64, v *float64) []float64 {
	if v == nil {
		return xs
	}
	return append(xs, *v)
}

func outcomeOf(a *models.Analysis, tags map[string]models.Tag) models.Outcome {
	if tag, ok := tags[a.SessionID]; ok {
		return tag.Outcome
	}
	return tagging.Classify(a).Outcome
}

func topCounts(counts map[string]int, n int) []models.FieldCount {
	out := make([]models.FieldCount, 0, len(counts))
	for field, count := range counts {
		if field == "" {
			continue
		}
		out = append(out, models.FieldCount{Field: field, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Field < out[j].Field
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Ingest merges one analyzed conversation into its industry and violation
// clusters without waiting for the next refresh.
func (g *Aggregator) Ingest(ctx context.Context, _ *models.Conversation, a *models.Analysis, tag *models.Tag) error {
	if tag == nil {
		t := tagging.Classify(a)
		tag = &t
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, target := range []struct {
		kind models.ClusterType
		key  string
	}{
		{models.ClusterIndustry, tag.IndustryCluster},
		{models.ClusterViolation, tag.ViolationCluster},
	} {
		if err := g.merge(ctx, target.kind, target.key, a, tag); err != nil {
			return fmt.Errorf("failed to merge %s cluster %s: %w", target.kind, target.key, err)
		}
	}
	return nil
}

func (g *Aggregator) merge(ctx context.Context, kind models.ClusterType, key string, a *models.Analysis, tag *models.Tag) error {
	existing, err := health.Do(ctx, g.monitor, health.ComponentStore, func(ctx context.Context) (*models.Cluster, error) {
		return g.store.GetCluster(ctx, kind, key)
	})
	if errors.Is(err, apperr.ErrNotFound) {
		existing, err = &models.Cluster{Type: kind, Key: key, Name: key}, nil
	}
	if err != nil {
		return err
	}

	acc := resumePattern(existing)
	acc.add(a, tag)
	cluster := acc.cluster(kind, key, g.now(), g.cfg)

	return g.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return g.store.UpsertCluster(ctx, &cluster)
	})
}

func (g *Aggregator) Clusters(ctx context.Context, kind models.ClusterType) ([]models.Cluster, error) {
	return health.Do(ctx, g.monitor, health.ComponentStore, func(ctx context.Context) ([]models.Cluster, error) {
		return g.store.ListClusters(ctx, kind)
	})
}

func (g *Aggregator) Metrics(ctx context.Context, from, to string) ([]models.LearningMetric, error) {
	return health.Do(ctx, g.monitor, health.ComponentStore, func(ctx context.Context) ([]models.LearningMetric, error) {
		return g.store.ListLearningMetrics(ctx, from, to)
	})
}

func (g *Aggregator) analyses(ctx context.Context, filter storage.AnalysisFilter) ([]models.Analysis, error) {
	return health.Do(ctx, g.monitor, health.ComponentStore, func(ctx context.Context) ([]models.Analysis, error) {
		return g.store.ListAnalyses(ctx, filter)
	})
}

func (g *Aggregator) tags(ctx context.Context, since time.Time) (map[string]models.Tag, error) {
	list, err := health.Do(ctx, g.monitor, health.ComponentStore, func(ctx context.Context) ([]models.Tag, error) {
		return g.store.ListTags(ctx, since)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Tag, len(list))
	for _, t := range list {
		out[t.SessionID] = t
	}
	return out, nil
}

func (g *Aggregator) countChanges(ctx context.Context, actions []models.ChangeAction, from, to time.Time) (int, error) {
	return health.Do(ctx, g.monitor, health.ComponentStore, func(ctx context.Context) (int, error) {
		return g.store.CountChanges(ctx, actions, from, to)
	})
}
