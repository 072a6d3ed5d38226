package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/rules"
	"github.com/appeal-assistant/evolution/internal/storage/memory"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
)

type stubCompleter struct {
	reply  string
	err    error
	calls  int
	prompt string
}

func (s *stubCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.calls++
	s.prompt = req.UserPrompt
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.reply}, nil
}

func setup(t *testing.T, reply string) (*Generator, *rules.Manager, *stubCompleter) {
	t.Helper()
	store := memory.New()
	monitor := health.NewMonitor(nil, config.HealthConfig{CircuitThreshold: 3})
	loader := rules.NewLoader(store, monitor, time.Minute)
	manager := rules.NewManager(store, monitor, nil, loader, config.RulesConfig{})
	completer := &stubCompleter{reply: reply}
	return NewGenerator(completer, monitor, manager, loader), manager, completer
}

func dropOff(field string) *string { return &field }

func TestParseDrafts(t *testing.T) {
	drafts, err := ParseDrafts(`{"rules": [
		{"category": "question_template", "rule_key": "order_id", "rule_name": "Order id first", "content": {"ask": "订单号"}, "reason": "drop-off"},
		{"category": "pricing", "rule_key": "x", "content": {"a": 1}},
		{"category": "collection_strategy", "rule_name": "Batch questions", "content": "not an object"},
		{"category": "collection_strategy", "rule_name": "Batch questions", "content": {"max_per_turn": 2}}
	]}`)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, "order_id", drafts[0].Key)
	assert.Equal(t, models.SourceAIGenerated, drafts[0].Source)
	assert.Equal(t, float64(2), drafts[1].Content["max_per_turn"])

	drafts, err = ParseDrafts("```json\n[{\"category\": \"diagnosis_rule\", \"rule_name\": \"n\", \"content\": {\"k\": \"v\"}}]\n```")
	require.NoError(t, err)
	assert.Len(t, drafts, 1)

	_, err = ParseDrafts(`{"rules": "none"}`)
	assert.ErrorIs(t, err, apperr.ErrMalformedResponse)
}

func TestGenerateFromBatch_ProposesAndRevises(t *testing.T) {
	gen, manager, completer := setup(t, `[
		{"category": "question_template", "rule_key": "order_id", "rule_name": "Order id first", "content": {"ask": "请先提供订单号"}, "reason": "users drop at order_id"},
		{"category": "collection_strategy", "rule_name": "Reassure before asking ids", "content": {"preface": "信息仅用于申诉"}, "reason": "refusals"},
		{"category": "question_template", "rule_key": "empty", "rule_name": "Empty", "content": {}, "reason": "dropped"}
	]`)
	ctx := context.Background()

	existing, err := manager.Propose(ctx, rules.Draft{
		Category: models.CategoryQuestionTemplate,
		Key:      "order_id",
		Name:     "Order id",
		Content:  models.RuleContent{"ask": "订单号是多少"},
		Source:   models.SourceSystemDefault,
		Activate: true,
	})
	require.NoError(t, err)

	analyses := []models.Analysis{
		{SessionID: "s1", Industry: "餐饮", CompletionRate: 40, DropOffPoint: dropOff("order_id"),
			Suggestions: []models.Suggestion{{Priority: models.PriorityHigh, Category: "question_template", Field: "order_id", Reason: "ask earlier"}}},
		{SessionID: "s2", CompletionRate: 100},
	}
	created, err := gen.GenerateFromBatch(ctx, analyses)
	require.NoError(t, err)
	require.Len(t, created, 2)

	assert.Equal(t, 1, completer.calls)
	assert.Contains(t, completer.prompt, "drop_off=order_id")
	assert.Contains(t, completer.prompt, "question_template/order_id v1")

	revision := created[0]
	assert.Equal(t, 2, revision.Version)
	assert.Equal(t, existing.ID, revision.ParentID)
	assert.Equal(t, models.StatusPendingReview, revision.Status)

	assert.Equal(t, 1, created[1].Version)
	assert.NotEmpty(t, created[1].Key)
}

func TestGenerateFromBatch_NoSignalSkipsModel(t *testing.T) {
	gen, _, completer := setup(t, `[]`)

	created, err := gen.GenerateFromAnalysis(context.Background(), &models.Analysis{SessionID: "s1", CompletionRate: 100})
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Zero(t, completer.calls)
}

func TestGenerateFromBatch_ProviderFailure(t *testing.T) {
	gen, _, completer := setup(t, "")
	completer.err = &apperr.TransientProviderError{Op: opGenerate, Err: errors.New("429")}

	_, err := gen.GenerateFromAnalysis(context.Background(), &models.Analysis{SessionID: "s1", DropOffPoint: dropOff("shop_name")})
	assert.ErrorIs(t, err, apperr.ErrTransientProvider)
}
