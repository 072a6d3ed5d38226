// Package generation drafts new rules, or revisions of existing ones, from
// analyzed conversations.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/metrics"
	"github.com/appeal-assistant/evolution/internal/rules"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const (
	opGenerate        = "generate_rules"
	maxDrafts         = 10
	maxAnalyses       = 30
	generationTemp    = 0.4
	generationTokens  = 2000
	activeRuleContext = 20
)

const systemPrompt = `You improve an assistant that interviews merchants to draft appeals against platform penalties.
From the analyses below, propose behaviour rules that would fix the recurring problems. Reuse the rule_key of an
existing rule when you are revising it. Categories: collection_strategy, question_template, industry_knowledge,
violation_strategy, conversation_pattern, diagnosis_rule.
Reply with JSON only: {"rules": [{"category": "...", "rule_key": "...", "rule_name": "...", "content": {...}, "reason": "..."}]}`

type Proposer interface {
	Propose(ctx context.Context, d rules.Draft) (*models.Rule, error)
}

type ActiveRules interface {
	GetActiveRules(ctx context.Context, categories ...models.RuleCategory) ([]models.Rule, error)
}

type Generator struct {
	completer llm.Completer
	monitor   *health.Monitor
	proposer  Proposer
	active    ActiveRules
	log       *zap.Logger
}

func NewGenerator(completer llm.Completer, monitor *health.Monitor, proposer Proposer, active ActiveRules) *Generator {
	return &Generator{
		completer: completer,
		monitor:   monitor,
		proposer:  proposer,
		active:    active,
		log:       logger.Named("generator"),
	}
}

func (g *Generator) GenerateFromAnalysis(ctx context.Context, a *models.Analysis) ([]models.Rule, error) {
	return g.GenerateFromBatch(ctx, []models.Analysis{*a})
}

// GenerateFromBatch asks the model for rule drafts covering the problems in
// analyses and proposes each valid draft. Analyses without suggestions or a
// drop-off carry no signal and are ignored.
func (g *Generator) GenerateFromBatch(ctx context.Context, analyses []models.Analysis) ([]models.Rule, error) {
	signal := make([]models.Analysis, 0, len(analyses))
	for _, a := range analyses {
		if len(a.Suggestions) > 0 || a.DropOffPoint != nil {
			signal = append(signal, a)
		}
	}
	if len(signal) == 0 {
		return nil, nil
	}
	if len(signal) > maxAnalyses {
		signal = signal[len(signal)-maxAnalyses:]
	}

	categories := affectedCategories(signal)
	current, err := g.active.GetActiveRules(ctx, categories...)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	resp, err := health.Do(ctx, g.monitor, health.ComponentLLM, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return g.completer.Complete(ctx, llm.CompletionRequest{
			Operation:    opGenerate,
			SystemPrompt: systemPrompt,
			UserPrompt:   buildPrompt(signal, current),
			Temperature:  generationTemp,
			MaxTokens:    generationTokens,
			JSONObject:   true,
		})
	})
	if err != nil {
		return nil, err
	}

	drafts, err := ParseDrafts(resp.Content)
	if err != nil {
		return nil, err
	}

	var created []models.Rule
	for _, d := range drafts {
		rule, err := g.proposer.Propose(ctx, d)
		if errors.Is(err, apperr.ErrValidation) {
			g.log.Warn("Dropping invalid rule draft",
				zap.String("category", string(d.Category)),
				zap.String("rule_key", d.Key),
				zap.Error(err),
			)
			continue
		}
		if err != nil {
			return created, fmt.Errorf("failed to propose rule: %w", err)
		}
		metrics.RulesGenerated.Inc()
		created = append(created, *rule)
	}

	g.log.Info("Rules generated",
		zap.Int("analyses", len(signal)),
		zap.Int("drafts", len(drafts)),
		zap.Int("proposed", len(created)),
	)
	return created, nil
}

// ParseDrafts reads model output as a list of drafts. Both a bare array and an
// object with a "rules" array are accepted. Drafts with an unknown category or
// non-object content are dropped.
func ParseDrafts(content string) ([]rules.Draft, error) {
	doc, err := llm.ExtractJSON(opGenerate, content)
	if err != nil {
		return nil, err
	}
	list := doc
	if doc.IsObject() {
		list = doc.Get("rules")
	}
	if !list.IsArray() {
		return nil, &apperr.MalformedResponseError{Op: opGenerate, Reason: "expected an array of rules"}
	}

	var drafts []rules.Draft
	list.ForEach(func(_, item gjson.Result) bool {
		if len(drafts) == maxDrafts {
			return false
		}
		d, ok := parseDraft(item)
		if ok {
			drafts = append(drafts, d)
		}
		return true
	})
	return drafts, nil
}

func parseDraft(item gjson.Result) (rules.Draft, bool) {
	category := models.RuleCategory(item.Get("category").String())
	body := item.Get("content")
	if !category.Valid() || !body.IsObject() {
		return rules.Draft{}, false
	}
	var content models.RuleContent
	if err := json.Unmarshal([]byte(body.Raw), &content); err != nil {
		return rules.Draft{}, false
	}
	return rules.Draft{
		Category: category,
		Key:      strings.TrimSpace(item.Get("rule_key").String()),
		Name:     strings.TrimSpace(item.Get("rule_name").String()),
		Content:  content,
		Source:   models.SourceAIGenerated,
		Reason:   item.Get("reason").String(),
		Actor:    models.ActorSystem,
	}, true
}

func affectedCategories(analyses []models.Analysis) []models.RuleCategory {
	seen := make(map[models.RuleCategory]bool)
	for _, a := range analyses {
		for _, s := range a.Suggestions {
			if c := models.RuleCategory(s.Category); c.Valid() {
				seen[c] = true
			}
		}
	}
	out := make([]models.RuleCategory, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func buildPrompt(analyses []models.Analysis, current []models.Rule) string {
	var b strings.Builder
	b.WriteString("Analyses:\n")
	for _, a := range analyses {
		fmt.Fprintf(&b, "- industry=%s problem=%s completion=%.0f%% turns=%d", a.Industry, a.ProblemType, a.CompletionRate, a.TotalTurns)
		if a.DropOffPoint != nil {
			fmt.Fprintf(&b, " drop_off=%s", *a.DropOffPoint)
		}
		if len(a.FieldsRefused) > 0 {
			fmt.Fprintf(&b, " refused=%s", strings.Join(a.FieldsRefused, ","))
		}
		if a.UserSentiment != "" {
			fmt.Fprintf(&b, " sentiment=%s", a.UserSentiment)
		}
		b.WriteByte('\n')
		for _, s := range a.Suggestions {
			fmt.Fprintf(&b, "  * [%s] %s %s: %s\n", s.Priority, s.Category, s.Field, s.Reason)
		}
	}

	if len(current) > activeRuleContext {
		current = current[:activeRuleContext]
	}
	if len(current) > 0 {
		b.WriteString("\nActive rules:\n")
		for _, r := range current {
			content, _ := json.Marshal(r.Content)
			fmt.Fprintf(&b, "- %s/%s v%d %q: %s\n", r.Category, r.Key, r.Version, r.Name, content)
		}
	}
	return b.String()
}
