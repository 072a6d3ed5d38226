package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/scheduler"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/memory"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/config"
)

const analysisReply = `{
  "professionalism_score": 80,
  "appeal_success_rate": 70,
  "user_satisfaction": 75,
  "response_quality": 80,
  "user_sentiment": "positive",
  "suggestions": [{"priority": "high", "category": "question_template", "field": "license", "reason": "merchants stall on the licence question"}]
}`

const generationReply = `{"rules": [{
  "category": "question_template",
  "rule_key": "license",
  "rule_name": "Ask for the licence after the shop name",
  "content": {"template": "请提供营业执照编号", "position": "after:shop_name"},
  "reason": "drop-off at licence"
}]}`

type scriptedCompleter struct {
	mu  sync.Mutex
	ops []string
}

func (s *scriptedCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	s.ops = append(s.ops, req.Operation)
	s.mu.Unlock()

	if req.Operation == "generate_rules" {
		return &llm.CompletionResponse{Content: generationReply}, nil
	}
	return &llm.CompletionResponse{Content: analysisReply}, nil
}

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  enabled: false
analysis:
  expectedFields: [shop_name, license]
`), 0o644))
	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	return cfg
}

func TestApp_BatchAnalysisFlow(t *testing.T) {
	store := memory.New()
	completer := &scriptedCompleter{}
	app, err := New(loadConfig(t), WithStore(store), WithCompleter(completer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx := context.Background()
	app.Start(ctx, false)

	now := time.Now()
	_, err = app.Intake.Record(ctx, models.Conversation{
		SessionID: "s1",
		Industry:  "餐饮",
		Messages: []models.Message{
			{Role: models.RoleAssistant, Content: "请问您的店铺名称？", CreatedAt: now.Add(-4 * time.Minute)},
			{Role: models.RoleUser, Content: "小王餐饮", CreatedAt: now.Add(-3 * time.Minute)},
			{Role: models.RoleAssistant, Content: "请提供营业执照编号", CreatedAt: now.Add(-2 * time.Minute)},
			{Role: models.RoleUser, Content: "这个不方便提供", CreatedAt: now.Add(-time.Minute)},
		},
		Fields: models.FieldSnapshot{
			"shop_name": {Value: "小王餐饮", Status: models.FieldCollected},
			"license":   {Status: models.FieldRefused},
		},
	})
	require.NoError(t, err)

	report, err := app.Scheduler.Trigger(ctx, scheduler.JobBatchAnalysis)
	require.NoError(t, err)
	batch := report.(*scheduler.BatchReport)
	assert.Equal(t, 1, batch.Analysis.Analyzed)
	assert.Equal(t, 1, batch.RulesGenerated)
	assert.Equal(t, []string{"analyze", "generate_rules"}, completer.ops)

	a, err := store.GetAnalysis(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, a.Degraded)
	assert.Equal(t, 50.0, a.CompletionRate)

	cluster, err := store.GetCluster(ctx, models.ClusterIndustry, "餐饮")
	require.NoError(t, err)
	assert.Equal(t, 1, cluster.SampleCount)

	pending, err := app.Rules.List(ctx, storage.RuleFilter{Status: models.StatusPendingReview})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "license", pending[0].Key)

	p, err := app.Prompts.Compose(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, strings.Contains(p.Text, "No learned rules available."))

	jobs := app.Scheduler.Jobs()
	require.Len(t, jobs, 4)
	for _, j := range jobs {
		assert.Empty(t, j.Spec)
	}
}

func TestApp_CloseIsSafeBeforeStart(t *testing.T) {
	app, err := New(loadConfig(t), WithStore(memory.New()), WithCompleter(&scriptedCompleter{}))
	require.NoError(t, err)
	assert.NoError(t, app.Close())
}
