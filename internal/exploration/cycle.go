package exploration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
)

type CycleReport struct {
	Evaluated int      `json:"evaluated"`
	Decided   int      `json:"decided"`
	Aborted   int      `json:"aborted"`
	Started   []string `json:"started"`
}

// RunCycle evaluates running experiments, aborts those past the maximum
// duration and opens experiments for rules the reviewer could not decide on.
func (r *Runner) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{}
	maxAge := time.Duration(r.cfg.MaxDurationHours) * time.Hour

	running, err := r.list(ctx, models.ExperimentRunning)
	if err != nil {
		return nil, err
	}
	for _, exp := range running {
		res, err := r.Evaluate(ctx, exp.ID)
		if err != nil {
			return report, err
		}
		report.Evaluated++
		if res.Status != models.ExperimentRunning {
			report.Decided++
			continue
		}
		if r.now().Sub(exp.StartedAt) >= maxAge {
			if _, err := r.Abort(ctx, exp.ID, ReasonTimeout); err != nil && !isGone(err) {
				return report, err
			}
			report.Aborted++
		}
	}

	started, err := r.startForUndecided(ctx)
	report.Started = started
	if err != nil {
		return report, err
	}

	r.log.Info("Exploration cycle finished",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("decided", report.Decided),
		zap.Int("aborted", report.Aborted),
		zap.Int("started", len(report.Started)),
	)
	return report, nil
}

func (r *Runner) startForUndecided(ctx context.Context) ([]string, error) {
	pending, err := r.lifecycle.List(ctx, storage.RuleFilter{Status: models.StatusPendingReview})
	if err != nil {
		return nil, err
	}

	tested, err := r.testedRules(ctx)
	if err != nil {
		return nil, err
	}

	var started []string
	for _, rule := range pending {
		if rule.ReviewDecision != models.DecisionNeedsReview || tested[rule.ID] {
			continue
		}

		baseline, err := r.baseline(ctx, &rule)
		if err != nil {
			return started, err
		}
		exp, err := r.StartExperiment(ctx, Spec{
			Name:       fmt.Sprintf("%s/%s-v%d", rule.Category, rule.Key, rule.Version),
			Hypothesis: fmt.Sprintf("Version %d of %s improves completion over the current baseline", rule.Version, rule.Key),
			RuleID:     rule.ID,
			VariantA:   models.VariantDefinition{Label: "candidate", RuleID: rule.ID, Content: rule.Content},
			VariantB:   baseline,
		})
		if errors.Is(err, apperr.ErrValidation) {
			break
		}
		if err != nil {
			return started, err
		}
		started = append(started, exp.ID)
	}
	return started, nil
}

// testedRules lists rules that already had an experiment of any status.
func (r *Runner) testedRules(ctx context.Context) (map[string]bool, error) {
	all, err := r.list(ctx, "")
	if err != nil {
		return nil, err
	}
	tested := make(map[string]bool, len(all))
	for _, exp := range all {
		if exp.RuleID != "" {
			tested[exp.RuleID] = true
		}
	}
	return tested, nil
}

// baseline is the active version of the candidate's key, or an empty variant
// meaning "no rule" when the key is new.
func (r *Runner) baseline(ctx context.Context, candidate *models.Rule) (models.VariantDefinition, error) {
	active, err := r.lifecycle.List(ctx, storage.RuleFilter{
		Category: candidate.Category,
		Key:      candidate.Key,
		Status:   models.StatusActive,
	})
	if err != nil {
		return models.VariantDefinition{}, err
	}
	if len(active) == 0 {
		return models.VariantDefinition{Label: "baseline"}, nil
	}
	latest := active[len(active)-1]
	return models.VariantDefinition{Label: "baseline", RuleID: latest.ID, Content: latest.Content}, nil
}

// Sink feeds analyzed conversations into the experiments they were routed to.
type Sink struct {
	runner *Runner
}

func NewSink(runner *Runner) *Sink {
	return &Sink{runner: runner}
}

func (s *Sink) Ingest(ctx context.Context, conv *models.Conversation, a *models.Analysis, tag *models.Tag) error {
	for expID, variant := range conv.Experiments {
		obs := Observation{
			Completion:   a.CompletionRate,
			Satisfaction: a.UserSatisfaction,
			Converted:    tag != nil && tag.Outcome == models.OutcomeCompleted,
		}
		_, err := s.runner.RecordObservation(ctx, expID, variant, obs)
		if isGone(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to record observation for experiment %s: %w", expID, err)
		}
	}
	return nil
}
