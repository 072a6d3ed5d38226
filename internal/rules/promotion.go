package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
)

const reasonLowEffectiveness = "effectiveness below threshold"

type PromotionReport struct {
	Promoted []string `json:"promoted"`
	Archived []string `json:"archived"`
	// Deferred lists approved rules held back by the category cap.
	Deferred []string `json:"deferred"`
}

// AutoPromote demotes active rules that have stayed below the demotion
// threshold for the whole window, then activates approved pending rules while
// their category has room under the cap.
func (m *Manager) AutoPromote(ctx context.Context) (*PromotionReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := &PromotionReport{}
	changed := false
	defer func() {
		if changed {
			m.cache.Invalidate(ctx)
		}
	}()

	now := m.now()
	window := time.Duration(m.cfg.DemoteWindowHours) * time.Hour

	active, err := m.List(ctx, storage.RuleFilter{Status: models.StatusActive})
	if err != nil {
		return nil, err
	}
	for _, rule := range active {
		if !m.shouldDemote(&rule, now, window) {
			continue
		}
		reason := fmt.Sprintf("%s: %.1f < %.1f", reasonLowEffectiveness, rule.EffectivenessScore, m.cfg.DemoteThreshold)
		_, err := m.transitionLocked(ctx, rule.ID, transition{
			from:   []models.RuleStatus{models.StatusActive},
			to:     models.StatusArchived,
			action: models.ActionArchived,
			verb:   "demote",
		}, reason, models.ActorSystem)
		if errors.Is(err, apperr.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return report, err
		}
		changed = true
		report.Archived = append(report.Archived, rule.ID)
	}

	pending, err := m.List(ctx, storage.RuleFilter{Status: models.StatusPendingReview})
	if err != nil {
		return report, err
	}
	approved := pending[:0]
	for _, rule := range pending {
		if rule.ReviewDecision == models.DecisionApprove {
			approved = append(approved, rule)
		}
	}
	sort.SliceStable(approved, func(i, j int) bool {
		si, sj := score(approved[i].ReviewScore), score(approved[j].ReviewScore)
		if si != sj {
			return si > sj
		}
		return approved[i].CreatedAt.Before(approved[j].CreatedAt)
	})

	for i := range approved {
		rule := &approved[i]
		room, err := m.hasRoom(ctx, rule)
		if err != nil {
			return report, err
		}
		if !room {
			report.Deferred = append(report.Deferred, rule.ID)
			continue
		}

		reason := fmt.Sprintf("approved by review (score %.0f)", score(rule.ReviewScore))
		promoted, err := m.transitionLocked(ctx, rule.ID, transition{
			from:   []models.RuleStatus{models.StatusPendingReview},
			to:     models.StatusActive,
			action: models.ActionAutoPromoted,
			verb:   "auto-promote",
		}, reason, models.ActorSystem)
		if errors.Is(err, apperr.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return report, err
		}
		changed = true
		report.Promoted = append(report.Promoted, rule.ID)

		if err := m.supersedeLocked(ctx, promoted, models.ActorSystem); err != nil {
			return report, err
		}
	}

	m.log.Info("Auto-promotion finished",
		zap.Int("promoted", len(report.Promoted)),
		zap.Int("archived", len(report.Archived)),
		zap.Int("deferred", len(report.Deferred)),
	)
	return report, nil
}

func (m *Manager) shouldDemote(rule *models.Rule, now time.Time, window time.Duration) bool {
	if rule.BelowThresholdSince == nil || rule.EffectivenessScore >= m.cfg.DemoteThreshold {
		return false
	}
	if rule.UsageCount < int64(m.cfg.MinUsageForDemotion) {
		return false
	}
	return now.Sub(*rule.BelowThresholdSince) >= window
}

// hasRoom reports whether activating rule keeps its category under the cap.
// A rule replacing an active version of its own key always fits.
func (m *Manager) hasRoom(ctx context.Context, rule *models.Rule) (bool, error) {
	if m.cfg.CategoryCap <= 0 {
		return true, nil
	}
	siblings, err := m.List(ctx, storage.RuleFilter{Category: rule.Category, Key: rule.Key, Status: models.StatusActive})
	if err != nil {
		return false, err
	}
	if len(siblings) > 0 {
		return true, nil
	}
	count, err := health.Do(ctx, m.monitor, health.ComponentStore, func(ctx context.Context) (int, error) {
		return m.store.CountRules(ctx, rule.Category, models.StatusActive)
	})
	if err != nil {
		return false, err
	}
	return count < m.cfg.CategoryCap, nil
}

func score(s *float64) float64 {
	if s == nil {
		return 0
	}
	return *s
}
