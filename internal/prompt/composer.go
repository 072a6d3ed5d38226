// Package prompt renders the active rule set into the instruction block the
// assistant runs with, routing the session through running experiments.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/exploration"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const (
	emptyRules      = "No learned rules available."
	maxContentChars = 600
)

var headings = map[models.RuleCategory]string{
	models.CategoryCollectionStrategy:  "Collection strategy",
	models.CategoryQuestionTemplate:    "Question templates",
	models.CategoryIndustryKnowledge:   "Industry knowledge",
	models.CategoryViolationStrategy:   "Violation strategy",
	models.CategoryConversationPattern: "Conversation patterns",
	models.CategoryDiagnosisRule:       "Diagnosis rules",
}

type RuleSource interface {
	GetActiveRules(ctx context.Context, categories ...models.RuleCategory) ([]models.Rule, error)
}

// Lifecycle resolves experiment candidates and counts rule usage.
type Lifecycle interface {
	Get(ctx context.Context, ruleID string) (*models.Rule, error)
	RecordUsage(ctx context.Context, ruleIDs []string) error
}

type Router interface {
	Assignments(ctx context.Context, sessionID string) ([]exploration.Assignment, error)
}

type Composer struct {
	rules     RuleSource
	lifecycle Lifecycle
	router    Router
	log       *zap.Logger
}

// NewComposer builds a composer. router may be nil when exploration is off.
func NewComposer(rules RuleSource, lifecycle Lifecycle, router Router) *Composer {
	return &Composer{
		rules:     rules,
		lifecycle: lifecycle,
		router:    router,
		log:       logger.Named("prompt"),
	}
}

type Prompt struct {
	Text        string                    `json:"text"`
	RuleIDs     []string                  `json:"rule_ids"`
	Experiments map[string]models.Variant `json:"experiments,omitempty"`
}

// Compose renders the rules for categories (all when empty) for one session.
// Rule ids in the result belong on the conversation record so effectiveness
// and experiment observations can be attributed later.
func (c *Composer) Compose(ctx context.Context, sessionID string, categories ...models.RuleCategory) (*Prompt, error) {
	active, err := c.rules.GetActiveRules(ctx, categories...)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	p := &Prompt{Experiments: make(map[string]models.Variant)}
	var adhoc []models.VariantDefinition
	if c.router != nil && sessionID != "" {
		active, adhoc = c.route(ctx, sessionID, active, categories, p.Experiments)
	}

	p.Text = render(active, adhoc)
	p.RuleIDs = make([]string, 0, len(active))
	for _, r := range active {
		p.RuleIDs = append(p.RuleIDs, r.ID)
	}

	if len(p.RuleIDs) > 0 {
		if err := c.lifecycle.RecordUsage(ctx, p.RuleIDs); err != nil {
			c.log.Warn("Failed to record rule usage", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	c.log.Debug("Prompt composed",
		zap.String("session_id", sessionID),
		zap.Int("rules", len(p.RuleIDs)),
		zap.Int("experiments", len(p.Experiments)),
	)
	return p, nil
}

// route applies the session's experiment assignments to the active set.
// Variant A swaps the candidate in for the baseline of the same key; variant
// B keeps the baseline untouched. Only pending or active candidates are
// routed.
func (c *Composer) route(ctx context.Context, sessionID string, active []models.Rule, categories []models.RuleCategory, assigned map[string]models.Variant) ([]models.Rule, []models.VariantDefinition) {
	assignments, err := c.router.Assignments(ctx, sessionID)
	if err != nil {
		c.log.Warn("Failed to route session through experiments", zap.String("session_id", sessionID), zap.Error(err))
		return active, nil
	}

	var adhoc []models.VariantDefinition
	for _, as := range assignments {
		if as.RuleID == "" {
			assigned[as.ExperimentID] = as.Variant
			if as.Variant == models.VariantA && len(as.Definition.Content) > 0 {
				adhoc = append(adhoc, as.Definition)
			}
			continue
		}

		candidate, err := c.lifecycle.Get(ctx, as.RuleID)
		if err != nil {
			c.log.Warn("Skipping experiment with unreadable candidate",
				zap.String("experiment_id", as.ExperimentID),
				zap.String("rule_id", as.RuleID),
				zap.Error(err),
			)
			continue
		}
		if candidate.Status != models.StatusPendingReview && candidate.Status != models.StatusActive {
			c.log.Warn("Skipping experiment with retired candidate",
				zap.String("experiment_id", as.ExperimentID),
				zap.String("rule_id", as.RuleID),
				zap.String("status", string(candidate.Status)),
			)
			continue
		}
		if len(categories) > 0 && !contains(categories, candidate.Category) {
			continue
		}

		assigned[as.ExperimentID] = as.Variant
		if as.Variant != models.VariantA {
			continue
		}
		if len(as.Definition.Content) > 0 {
			candidate.Content = as.Definition.Content
		}
		active = swap(active, *candidate)
	}
	return active, adhoc
}

func swap(active []models.Rule, candidate models.Rule) []models.Rule {
	out := make([]models.Rule, 0, len(active)+1)
	for _, r := range active {
		if r.Category == candidate.Category && r.Key == candidate.Key {
			continue
		}
		out = append(out, r)
	}
	return append(out, candidate)
}

func render(rules []models.Rule, adhoc []models.VariantDefinition) string {
	if len(rules) == 0 && len(adhoc) == 0 {
		return emptyRules
	}

	grouped := make(map[models.RuleCategory][]models.Rule)
	for _, r := range rules {
		grouped[r.Category] = append(grouped[r.Category], r)
	}

	var builder strings.Builder
	builder.WriteString("Learned Rules:\n")
	for _, category := range models.RuleCategories {
		group := grouped[category]
		if len(group) == 0 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool { return group[i].Key < group[j].Key })

		builder.WriteString(fmt.Sprintf("\n## %s\n", headings[category]))
		for _, r := range group {
			builder.WriteString(fmt.Sprintf("- %s: %s\n", r.Name, compact(r.Content)))
		}
	}

	if len(adhoc) > 0 {
		builder.WriteString("\n## Trial guidance\n")
		for _, def := range adhoc {
			builder.WriteString(fmt.Sprintf("- %s: %s\n", def.Label, compact(def.Content)))
		}
	}
	return builder.String()
}

func compact(content models.RuleContent) string {
	data, err := json.Marshal(content)
	if err != nil {
		return "{}"
	}
	s := string(data)
	if r := []rune(s); len(r) > maxContentChars {
		s = string(r[:maxContentChars]) + "…"
	}
	return s
}

func contains(categories []models.RuleCategory, c models.RuleCategory) bool {
	for _, x := range categories {
		if x == c {
			return true
		}
	}
	return false
}
