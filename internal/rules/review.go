package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
)

const (
	opReview          = "auto_review"
	reviewTemperature = 0.1
	reviewContextSize = 10
)

const reviewSystemPrompt = `You audit behaviour rules for an assistant that helps merchants appeal platform penalties.
A good rule is specific, actionable, consistent with the rules already active in its category, and cannot
mislead the merchant or the platform. Score the candidate from 0 (harmful or useless) to 100 (clearly beneficial).
Reply with one JSON object only: {"score": 0-100, "reason": "one or two sentences"}`

type ReviewResult struct {
	RuleID   string                `json:"rule_id"`
	Decision models.ReviewDecision `json:"decision"`
	Score    float64               `json:"score"`
	Reason   string                `json:"reason"`
}

// AutoReview asks the model to score a pending rule. An approval is stored on
// the rule and acted on by AutoPromote; a rejection is applied immediately;
// anything in between leaves the rule for an operator.
func (m *Manager) AutoReview(ctx context.Context, ruleID string) (*ReviewResult, error) {
	rule, err := m.get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status != models.StatusPendingReview {
		return nil, &apperr.TransitionError{ID: ruleID, From: string(rule.Status), Action: "auto-review"}
	}

	prompt, err := m.reviewPrompt(ctx, rule)
	if err != nil {
		return nil, err
	}

	resp, err := health.Do(ctx, m.monitor, health.ComponentLLM, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return m.completer.Complete(ctx, llm.CompletionRequest{
			Operation:    opReview,
			SystemPrompt: reviewSystemPrompt,
			UserPrompt:   prompt,
			Temperature:  reviewTemperature,
			JSONObject:   true,
		})
	})
	if err != nil {
		return nil, err
	}

	doc, err := llm.ExtractJSON(opReview, resp.Content)
	if err != nil {
		return nil, err
	}
	score, err := llm.RequireNumber(opReview, doc, "score", 0, 100)
	if err != nil {
		return nil, err
	}

	result := &ReviewResult{
		RuleID:   ruleID,
		Score:    score,
		Decision: m.decide(score),
		Reason:   strings.TrimSpace(doc.Get("reason").String()),
	}

	err = m.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return m.store.UpdateRuleReview(ctx, ruleID, score, result.Decision, m.now())
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("Rule auto-reviewed",
		zap.String("rule_id", ruleID),
		zap.Float64("score", score),
		zap.String("decision", string(result.Decision)),
	)

	if result.Decision == models.DecisionReject {
		if _, err := m.Review(ctx, ruleID, models.DecisionReject, "auto_review: "+result.Reason, models.ActorSystem); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (m *Manager) decide(score float64) models.ReviewDecision {
	switch {
	case score >= m.cfg.ApproveThreshold:
		return models.DecisionApprove
	case score <= m.cfg.RejectThreshold:
		return models.DecisionReject
	default:
		return models.DecisionNeedsReview
	}
}

func (m *Manager) reviewPrompt(ctx context.Context, rule *models.Rule) (string, error) {
	active, err := health.Do(ctx, m.monitor, health.ComponentStore, func(ctx context.Context) ([]models.Rule, error) {
		return m.store.ListRules(ctx, storage.RuleFilter{
			Category: rule.Category,
			Status:   models.StatusActive,
			Limit:    reviewContextSize,
		})
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\nCandidate %q (key %s, version %d, source %s):\n%s\n",
		rule.Category, rule.Name, rule.Key, rule.Version, rule.Source, contentJSON(rule.Content))

	if rule.ParentID != "" {
		if parent, err := m.get(ctx, rule.ParentID); err == nil {
			fmt.Fprintf(&b, "\nIt revises version %d:\n%s\n", parent.Version, contentJSON(parent.Content))
		}
	}

	if len(active) > 0 {
		b.WriteString("\nRules already active in this category:\n")
		for _, r := range active {
			fmt.Fprintf(&b, "- %s (effectiveness %.0f): %s\n", r.Name, r.EffectivenessScore, contentJSON(r.Content))
		}
	}
	return b.String(), nil
}

// Endorse records an approval from outside the model review, e.g. a won
// experiment, so the next AutoPromote sweep can activate the rule.
func (m *Manager) Endorse(ctx context.Context, ruleID string, score float64, reason string) error {
	rule, err := m.get(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule.Status != models.StatusPendingReview {
		return &apperr.TransitionError{ID: ruleID, From: string(rule.Status), Action: "endorse"}
	}

	err = m.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return m.store.UpdateRuleReview(ctx, ruleID, score, models.DecisionApprove, m.now())
	})
	if err != nil {
		return err
	}
	m.log.Info("Rule endorsed for promotion", zap.String("rule_id", ruleID), zap.String("reason", reason))
	return nil
}

func contentJSON(c models.RuleContent) string {
	data, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(data)
}
