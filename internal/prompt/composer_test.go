package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/exploration"
	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/rules"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/memory"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/config"
)

type env struct {
	store    *memory.Store
	manager  *rules.Manager
	runner   *exploration.Runner
	composer *Composer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	monitor := health.NewMonitor(nil, config.HealthConfig{CircuitThreshold: 5})
	loader := rules.NewLoader(store, monitor, time.Minute)
	manager := rules.NewManager(store, monitor, nil, loader, config.RulesConfig{})
	runner := exploration.NewRunner(store, monitor, manager, config.ExplorationConfig{})
	manager.OnRetire(runner.RuleRetired)
	return &env{
		store:    store,
		manager:  manager,
		runner:   runner,
		composer: NewComposer(loader, manager, runner),
	}
}

func (e *env) rule(t *testing.T, category models.RuleCategory, key, name string, content models.RuleContent, activate bool) *models.Rule {
	t.Helper()
	source := models.SourceAIGenerated
	if activate {
		source = models.SourceSystemDefault
	}
	r, err := e.manager.Propose(context.Background(), rules.Draft{
		Category: category,
		Key:      key,
		Name:     name,
		Content:  content,
		Source:   source,
		Activate: activate,
	})
	require.NoError(t, err)
	return r
}

func TestCompose_GroupsByCategoryAndCountsUsage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	order := e.rule(t, models.CategoryQuestionTemplate, "order_id", "Order id", models.RuleContent{"ask": "请提供订单号"}, true)
	batch := e.rule(t, models.CategoryCollectionStrategy, "batch", "Batch questions", models.RuleContent{"max_per_turn": 2}, true)
	e.rule(t, models.CategoryQuestionTemplate, "pending", "Pending", models.RuleContent{"a": 1}, false)

	p, err := e.composer.Compose(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{order.ID, batch.ID}, p.RuleIDs)
	assert.Empty(t, p.Experiments)
	assert.NotContains(t, p.Text, "Pending")

	collection := strings.Index(p.Text, "## Collection strategy")
	questions := strings.Index(p.Text, "## Question templates")
	require.True(t, collection >= 0 && questions >= 0)
	assert.Less(t, collection, questions)
	assert.Contains(t, p.Text, `- Order id: {"ask":"请提供订单号"}`)

	got, err := e.manager.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount)

	only, err := e.composer.Compose(ctx, "s2", models.CategoryCollectionStrategy)
	require.NoError(t, err)
	assert.Equal(t, []string{batch.ID}, only.RuleIDs)
}

func TestCompose_Empty(t *testing.T) {
	e := newEnv(t)
	p, err := e.composer.Compose(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, emptyRules, p.Text)
	assert.Empty(t, p.RuleIDs)
}

func TestCompose_RoutesExperimentVariants(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	baseline := e.rule(t, models.CategoryQuestionTemplate, "order_id", "Order id", models.RuleContent{"ask": "baseline"}, true)
	candidate := e.rule(t, models.CategoryQuestionTemplate, "order_id", "Order id", models.RuleContent{"ask": "candidate"}, false)

	exp, err := e.runner.StartExperiment(ctx, exploration.Spec{
		Hypothesis: "asking for the order id differently completes more appeals",
		VariantA:   models.VariantDefinition{RuleID: candidate.ID, Content: candidate.Content},
		VariantB:   models.VariantDefinition{RuleID: baseline.ID, Content: baseline.Content},
	})
	require.NoError(t, err)

	seen := map[models.Variant]bool{}
	for i := 0; i < 40 && len(seen) < 2; i++ {
		session := fmt.Sprintf("session-%d", i)
		p, err := e.composer.Compose(ctx, session)
		require.NoError(t, err)

		v := p.Experiments[exp.ID]
		seen[v] = true
		switch v {
		case models.VariantA:
			assert.Equal(t, []string{candidate.ID}, p.RuleIDs)
			assert.Contains(t, p.Text, "candidate")
			assert.NotContains(t, p.Text, "baseline")
		case models.VariantB:
			assert.Equal(t, []string{baseline.ID}, p.RuleIDs)
			assert.Contains(t, p.Text, "baseline")
		default:
			t.Fatalf("session %s was not routed", session)
		}
	}
	assert.Len(t, seen, 2)

	p, err := e.composer.Compose(ctx, "session-x", models.CategoryCollectionStrategy)
	require.NoError(t, err)
	assert.Empty(t, p.Experiments)
}

func TestCompose_RejectedCandidateIsNeverInjected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	candidate := e.rule(t, models.CategoryQuestionTemplate, "order_id", "Order id", models.RuleContent{"ask": "candidate"}, false)

	exp, err := e.runner.StartExperiment(ctx, exploration.Spec{
		Hypothesis: "asking for the order id first completes more appeals",
		VariantA:   models.VariantDefinition{RuleID: candidate.ID, Content: candidate.Content},
	})
	require.NoError(t, err)

	_, err = e.manager.Review(ctx, candidate.ID, models.DecisionReject, "vague", "ops")
	require.NoError(t, err)

	stopped, err := e.runner.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentFailed, stopped.Status)

	for i := 0; i < 20; i++ {
		p, err := e.composer.Compose(ctx, fmt.Sprintf("session-%d", i))
		require.NoError(t, err)
		assert.NotContains(t, p.RuleIDs, candidate.ID)
		assert.Empty(t, p.Experiments)
	}
}

func TestCompose_SkipsRetiredCandidateOfRunningExperiment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	candidate := e.rule(t, models.CategoryQuestionTemplate, "order_id", "Order id", models.RuleContent{"ask": "candidate"}, false)

	_, err := e.runner.StartExperiment(ctx, exploration.Spec{
		Hypothesis: "asking for the order id first completes more appeals",
		VariantA:   models.VariantDefinition{RuleID: candidate.ID, Content: candidate.Content},
	})
	require.NoError(t, err)

	// Written straight to the store, so the experiment is still running.
	require.NoError(t, e.store.ChangeRuleStatus(ctx, storage.StatusChange{
		RuleID: candidate.ID,
		From:   models.StatusPendingReview,
		To:     models.StatusArchived,
		At:     time.Now(),
	}))

	for i := 0; i < 20; i++ {
		p, err := e.composer.Compose(ctx, fmt.Sprintf("session-%d", i))
		require.NoError(t, err)
		assert.NotContains(t, p.RuleIDs, candidate.ID)
		assert.NotContains(t, p.Text, "candidate")
	}
}

type failingRouter struct{}

func (failingRouter) Assignments(context.Context, string) ([]exploration.Assignment, error) {
	return nil, errors.New("store down")
}

func TestCompose_RouterFailureFallsBackToActiveRules(t *testing.T) {
	e := newEnv(t)
	r := e.rule(t, models.CategoryDiagnosisRule, "refund", "Refund", models.RuleContent{"hint": "x"}, true)
	loader := rules.NewLoader(e.store, health.NewMonitor(nil, config.HealthConfig{}), time.Minute)

	p, err := NewComposer(loader, e.manager, failingRouter{}).Compose(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, p.RuleIDs)
	assert.Empty(t, p.Experiments)
}
