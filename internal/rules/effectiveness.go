package rules

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/evaluation"
	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
)

type EffectivenessReport struct {
	Evaluated int                `json:"evaluated"`
	Skipped   int                `json:"skipped"`
	Scores    map[string]float64 `json:"scores"`
}

// EvaluateEffectiveness rescores every active rule that has been consulted
// and has new analyses since its last evaluation. A rule's conversations in
// the evaluation window are compared against the window's conversations that
// did not consult it.
func (m *Manager) EvaluateEffectiveness(ctx context.Context) (*EffectivenessReport, error) {
	now := m.now()
	since := now.Add(-time.Duration(m.cfg.EvaluationWindowDays) * 24 * time.Hour)

	active, err := m.List(ctx, storage.RuleFilter{Status: models.StatusActive})
	if err != nil {
		return nil, err
	}
	analyses, err := health.Do(ctx, m.monitor, health.ComponentStore, func(ctx context.Context) ([]models.Analysis, error) {
		return m.store.ListAnalyses(ctx, storage.AnalysisFilter{Since: since})
	})
	if err != nil {
		return nil, err
	}

	weights := evaluation.EffectivenessWeights{
		Completion:   m.cfg.CompletionWeight,
		Satisfaction: m.cfg.SatisfactionWeight,
		LiftScale:    m.cfg.LiftScale,
	}
	report := &EffectivenessReport{Scores: make(map[string]float64)}

	for i := range active {
		rule := &active[i]
		if rule.UsageCount == 0 {
			report.Skipped++
			continue
		}

		var with, without, all evaluation.Sample
		fresh := false
		for j := range analyses {
			a := &analyses[j]
			all.Add(a.CompletionRate, a.UserSatisfaction)
			if !a.UsedRule(rule.ID) {
				without.Add(a.CompletionRate, a.UserSatisfaction)
				continue
			}
			with.Add(a.CompletionRate, a.UserSatisfaction)
			if rule.LastEvaluatedAt == nil || a.AnalyzedAt.After(*rule.LastEvaluatedAt) {
				fresh = true
			}
		}
		if with.Completion.N == 0 || !fresh {
			report.Skipped++
			continue
		}

		baseline := without
		if baseline.Completion.N == 0 {
			baseline = all
		}
		score := evaluation.Effectiveness(with, baseline, weights)

		belowSince := rule.BelowThresholdSince
		if score >= m.cfg.DemoteThreshold {
			belowSince = nil
		} else if belowSince == nil {
			belowSince = &now
		}

		err := m.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
			return m.store.UpdateRuleEvaluation(ctx, rule.ID, score, now, belowSince)
		})
		if err != nil {
			return report, err
		}
		report.Evaluated++
		report.Scores[rule.ID] = score

		m.log.Debug("Rule effectiveness updated",
			zap.String("rule_id", rule.ID),
			zap.Float64("score", score),
			zap.Int("samples", with.Completion.N),
		)
	}

	m.log.Info("Effectiveness evaluation finished",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}
