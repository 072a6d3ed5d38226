package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/analysis"
	"github.com/appeal-assistant/evolution/internal/exploration"
	"github.com/appeal-assistant/evolution/internal/rules"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const (
	JobBatchAnalysis    = "batch_analysis"
	JobEvaluation       = "effectiveness_evaluation"
	JobDailyAggregation = "daily_aggregation"
	JobExplorationCycle = "exploration_cycle"
)

type Analyzer interface {
	RunBatch(ctx context.Context) (analysis.BatchResult, error)
}

type Generator interface {
	GenerateFromBatch(ctx context.Context, analyses []models.Analysis) ([]models.Rule, error)
}

type AnalysisSource interface {
	ListAnalyses(ctx context.Context, filter storage.AnalysisFilter) ([]models.Analysis, error)
}

type Lifecycle interface {
	List(ctx context.Context, filter storage.RuleFilter) ([]models.Rule, error)
	AutoReview(ctx context.Context, ruleID string) (*rules.ReviewResult, error)
	EvaluateEffectiveness(ctx context.Context) (*rules.EffectivenessReport, error)
	AutoPromote(ctx context.Context) (*rules.PromotionReport, error)
}

type Aggregator interface {
	AggregateDaily(ctx context.Context, date time.Time) (*models.LearningMetric, error)
	RefreshClusters(ctx context.Context, kind models.ClusterType) ([]models.Cluster, error)
}

type Explorer interface {
	RunCycle(ctx context.Context) (*exploration.CycleReport, error)
}

// Pipeline is the set of services the standard jobs drive.
type Pipeline struct {
	Analyzer   Analyzer
	Generator  Generator
	Analyses   AnalysisSource
	Lifecycle  Lifecycle
	Aggregator Aggregator
	Explorer   Explorer
	Now        func() time.Time
}

type BatchReport struct {
	Analysis       analysis.BatchResult `json:"analysis"`
	RulesGenerated int                  `json:"rules_generated"`
}

type EvaluationReport struct {
	Reviewed      int                        `json:"reviewed"`
	Effectiveness *rules.EffectivenessReport `json:"effectiveness"`
	Promotion     *rules.PromotionReport     `json:"promotion"`
}

type DailyReport struct {
	Metric   *models.LearningMetric `json:"metric"`
	Clusters int                    `json:"clusters"`
}

// RegisterDefaults registers the four engine jobs on their configured
// schedules. A job whose spec is empty is manual-only.
func (s *Scheduler) RegisterDefaults(cfg config.SchedulerConfig, p Pipeline) error {
	if p.Now == nil {
		p.Now = time.Now
	}
	specs := []struct {
		name string
		spec string
		job  Job
	}{
		{JobBatchAnalysis, cfg.BatchAnalysis, p.batchAnalysis},
		{JobEvaluation, cfg.Evaluation, p.evaluation},
		{JobDailyAggregation, cfg.DailyAggregate, p.dailyAggregation},
		{JobExplorationCycle, cfg.ExplorationSpec, p.explorationCycle},
	}
	for _, j := range specs {
		spec := j.spec
		if !cfg.Enabled {
			spec = ""
		}
		if err := s.Register(j.name, spec, j.job); err != nil {
			return err
		}
	}
	return nil
}

// batchAnalysis analyzes pending conversations, then drafts rules from the
// analyses it just produced.
func (p Pipeline) batchAnalysis(ctx context.Context) (any, error) {
	started := p.Now()
	result, err := p.Analyzer.RunBatch(ctx)
	report := &BatchReport{Analysis: result}
	if err != nil {
		return report, err
	}
	if result.Analyzed == 0 {
		return report, nil
	}

	fresh, err := p.Analyses.ListAnalyses(ctx, storage.AnalysisFilter{Since: started})
	if err != nil {
		return report, err
	}
	created, err := p.Generator.GenerateFromBatch(ctx, fresh)
	report.RulesGenerated = len(created)
	if errors.Is(err, apperr.ErrMalformedResponse) {
		logger.Named("scheduler").Warn("Rule generation returned unusable output", zap.Error(err))
		return report, nil
	}
	return report, err
}

// evaluation reviews pending rules that have no decision yet, rescores
// active rules, then promotes and demotes.
func (p Pipeline) evaluation(ctx context.Context) (any, error) {
	report := &EvaluationReport{}

	pending, err := p.Lifecycle.List(ctx, storage.RuleFilter{Status: models.StatusPendingReview})
	if err != nil {
		return report, err
	}
	for _, r := range pending {
		if r.ReviewDecision != "" || r.ReviewedAt != nil {
			continue
		}
		_, err := p.Lifecycle.AutoReview(ctx, r.ID)
		if err == nil {
			report.Reviewed++
			continue
		}
		if apperr.IsInfrastructure(err) || errors.Is(err, apperr.ErrCircuitOpen) {
			return report, err
		}
		logger.Named("scheduler").Warn("Auto-review skipped", zap.String("rule_id", r.ID), zap.Error(err))
	}

	if report.Effectiveness, err = p.Lifecycle.EvaluateEffectiveness(ctx); err != nil {
		return report, err
	}
	report.Promotion, err = p.Lifecycle.AutoPromote(ctx)
	return report, err
}

// dailyAggregation settles yesterday's metric, refreshes today's running row
// and rebuilds every cluster type.
func (p Pipeline) dailyAggregation(ctx context.Context) (any, error) {
	now := p.Now()
	report := &DailyReport{}
	if _, err := p.Aggregator.AggregateDaily(ctx, now.AddDate(0, 0, -1)); err != nil {
		return report, err
	}
	metric, err := p.Aggregator.AggregateDaily(ctx, now)
	if err != nil {
		return report, err
	}
	report.Metric = metric

	clusters, err := p.Aggregator.RefreshClusters(ctx, "")
	report.Clusters = len(clusters)
	return report, err
}

func (p Pipeline) explorationCycle(ctx context.Context) (any, error) {
	return p.Explorer.RunCycle(ctx)
}
