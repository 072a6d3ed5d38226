package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/storage/memory"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/internal/tagging"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
)

const validScores = `{
  "professionalism_score": 82,
  "appeal_success_rate": 70,
  "user_satisfaction": 76,
  "response_quality": 80,
  "user_sentiment": "positive",
  "sentiment_trajectory": [{"turn": 1, "score": 0.1, "label": "calm"}, {"turn": 2, "score": 0.5, "label": "relieved"}],
  "suggestions": [{"priority": "high", "category": "question_template", "field": "order_id", "reason": "ask for the order id earlier"}]
}`

type fakeCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	reply := validScores
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	return &llm.CompletionResponse{Content: reply}, nil
}

type recordingSink struct {
	sessions []string
}

func (r *recordingSink) Ingest(_ context.Context, conv *models.Conversation, a *models.Analysis, tag *models.Tag) error {
	r.sessions = append(r.sessions, conv.SessionID)
	if tag == nil || a.SessionID != tag.SessionID {
		return errors.New("tag does not match analysis")
	}
	return nil
}

func conversation(id string, ended time.Time) models.Conversation {
	return models.Conversation{
		SessionID: id,
		Industry:  "餐饮",
		Messages: []models.Message{
			{Role: models.RoleAssistant, Content: "您好，请问店铺名称是什么？"},
			{Role: models.RoleUser, Content: "小王烧烤"},
			{Role: models.RoleAssistant, Content: "请问违规通知的时间?"},
			{Role: models.RoleUser, Content: "上周三"},
		},
		Fields: models.FieldSnapshot{
			"shop_name":   {Value: "小王烧烤", Status: models.FieldCollected},
			"notice_date": {Value: "上周三", Status: models.FieldCollected},
		},
		FieldOrder:   []string{"shop_name", "notice_date"},
		MessageCount: 4,
		EndedAt:      ended,
	}
}

func newAnalyzer(t *testing.T, store *memory.Store, completer llm.Completer, opts ...Option) *Analyzer {
	t.Helper()
	monitor := health.NewMonitor(nil, config.HealthConfig{CircuitThreshold: 3, CoolDownSec: 60})
	return NewAnalyzer(store, completer, monitor, tagging.NewEngine(store, monitor), config.AnalysisConfig{BatchSize: 10}, opts...)
}

func TestCompute(t *testing.T) {
	conv := conversation("s1", time.Now())
	conv.Fields["appeal_reason"] = models.FieldValue{Status: models.FieldRefused}
	conv.Messages = append(conv.Messages, models.Message{Role: models.RoleAssistant, Content: "申诉理由是什么？"})

	a := Compute(&conv, []string{"shop_name", "notice_date", "appeal_reason", "order_id"})

	assert.Equal(t, 2, a.TotalTurns)
	assert.Equal(t, 3, a.CollectionTurns)
	assert.Equal(t, []string{"shop_name", "notice_date"}, a.FieldsCollected)
	assert.Equal(t, []string{"appeal_reason"}, a.FieldsRefused)
	assert.InDelta(t, 50.0, a.CompletionRate, 1e-9)
	require.NotNil(t, a.DropOffPoint)
	assert.Equal(t, "appeal_reason", *a.DropOffPoint)
	assert.InDelta(t, 200.0/3.0, a.CollectionEfficiency, 1e-9)
}

func TestCompute_NoDropOffWhenUserSpokeLast(t *testing.T) {
	conv := conversation("s1", time.Now())
	a := Compute(&conv, []string{"shop_name", "notice_date", "order_id"})

	assert.Less(t, a.CompletionRate, 100.0)
	assert.Nil(t, a.DropOffPoint)
}

func TestCompute_DefaultsToSnapshotFields(t *testing.T) {
	conv := conversation("s1", time.Now())
	conv.Fields["order_id"] = models.FieldValue{Status: models.FieldSkipped}

	a := Compute(&conv, nil)
	assert.InDelta(t, 200.0/3.0, a.CompletionRate, 1e-9)
	assert.Equal(t, []string{"order_id"}, a.FieldsSkipped)

	empty := Compute(&models.Conversation{SessionID: "s2"}, nil)
	assert.Equal(t, 0.0, empty.CompletionRate)
	assert.Equal(t, 0.0, empty.CollectionEfficiency)
}

func TestParseScores_Rejects(t *testing.T) {
	tests := map[string]string{
		"not json":          "I think the assistant did fine.",
		"missing score":     `{"appeal_success_rate": 70, "user_satisfaction": 70, "response_quality": 70, "user_sentiment": "neutral"}`,
		"out of range":      `{"professionalism_score": 140, "appeal_success_rate": 70, "user_satisfaction": 70, "response_quality": 70, "user_sentiment": "neutral"}`,
		"bad sentiment":     `{"professionalism_score": 80, "appeal_success_rate": 70, "user_satisfaction": 70, "response_quality": 70, "user_sentiment": "ecstatic"}`,
		"bad trajectory":    `{"professionalism_score": 80, "appeal_success_rate": 70, "user_satisfaction": 70, "response_quality": 70, "user_sentiment": "neutral", "sentiment_trajectory": [{"score": 3}]}`,
		"bad suggestion":    `{"professionalism_score": 80, "appeal_success_rate": 70, "user_satisfaction": 70, "response_quality": 70, "user_sentiment": "neutral", "suggestions": [{"priority": "urgent", "reason": "x"}]}`,
		"array not object":  `[1, 2, 3]`,
		"suggestion no why": `{"professionalism_score": 80, "appeal_success_rate": 70, "user_satisfaction": 70, "response_quality": 70, "user_sentiment": "neutral", "suggestions": [{"priority": "low"}]}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseScores(content)
			assert.ErrorIs(t, err, apperr.ErrMalformedResponse)
		})
	}
}

func TestParseScores_FencedOutput(t *testing.T) {
	s, err := parseScores("```json\n" + validScores + "\n```")
	require.NoError(t, err)
	assert.Equal(t, 82.0, s.professionalism)
	assert.Len(t, s.trajectory, 2)
	assert.Equal(t, models.PriorityHigh, s.suggestions[0].Priority)
}

func TestAnalyze_Full(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	conv := conversation("s1", time.Now())
	require.NoError(t, store.SaveConversation(ctx, &conv))

	sink := &recordingSink{}
	a, err := newAnalyzer(t, store, &fakeCompleter{}, WithSinks(sink)).Analyze(ctx, &conv)
	require.NoError(t, err)

	assert.False(t, a.Degraded)
	require.NotNil(t, a.ProfessionalismScore)
	assert.Equal(t, 82.0, *a.ProfessionalismScore)
	assert.Equal(t, "positive", a.UserSentiment)
	assert.NotEmpty(t, a.RawAnalysis)
	assert.Equal(t, []string{"s1"}, sink.sessions)

	stored, err := store.GetConversation(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, stored.AnalyzedAt)

	tag, err := store.GetTag(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, tag.AnalysisID)
}

func TestAnalyze_MalformedOutputDegrades(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	conv := conversation("s1", time.Now())
	require.NoError(t, store.SaveConversation(ctx, &conv))

	a, err := newAnalyzer(t, store, &fakeCompleter{replies: []string{"sorry, no JSON today"}}).Analyze(ctx, &conv)
	require.NoError(t, err)

	assert.True(t, a.Degraded)
	assert.Nil(t, a.ProfessionalismScore)
	assert.Empty(t, a.UserSentiment)
	assert.Equal(t, 100.0, a.CompletionRate)

	tag, err := store.GetTag(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, tag.Tags, tagging.FlagDegradedAnalysis)
}

func TestAnalyze_ProviderFailureLeavesConversationPending(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	conv := conversation("s1", time.Now())
	require.NoError(t, store.SaveConversation(ctx, &conv))

	completer := &fakeCompleter{err: &apperr.TransientProviderError{Op: "analyze", Err: errors.New("503")}}
	_, err := newAnalyzer(t, store, completer).Analyze(ctx, &conv)
	require.ErrorIs(t, err, apperr.ErrTransientProvider)

	pending, err := store.ListUnanalyzed(ctx, 3, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAnalyze_StoreFailure(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	conv := conversation("s1", time.Now())
	require.NoError(t, store.SaveConversation(ctx, &conv))

	store.FailNext(errors.New("disk I/O error"))
	_, err := newAnalyzer(t, store, &fakeCompleter{}).Analyze(ctx, &conv)
	assert.ErrorIs(t, err, apperr.ErrStore)
}

func TestRunBatch(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		conv := conversation(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.SaveConversation(ctx, &conv))
	}
	short := conversation("short", base)
	short.Messages = short.Messages[:2]
	require.NoError(t, store.SaveConversation(ctx, &short))

	completer := &fakeCompleter{replies: []string{validScores, "garbage"}}
	res, err := newAnalyzer(t, store, completer).RunBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, BatchResult{Analyzed: 4, Degraded: 1}, res)
	assert.Equal(t, 4, completer.calls)

	_, err = store.GetAnalysis(ctx, "short")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	res, err = newAnalyzer(t, store, completer).RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, res)
}

func TestRunBatch_StopsWhenCircuitOpens(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		conv := conversation(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.SaveConversation(ctx, &conv))
	}

	completer := &fakeCompleter{err: &apperr.TransientProviderError{Op: "analyze", Err: errors.New("timeout")}}
	res, err := newAnalyzer(t, store, completer).RunBatch(ctx)

	require.Error(t, err)
	assert.Equal(t, 3, completer.calls)
	assert.Equal(t, 4, res.Failed)
	assert.Zero(t, res.Analyzed)
}

func TestRunBatch_HonoursCancellation(t *testing.T) {
	store := memory.New()
	conv := conversation("s1", time.Now())
	require.NoError(t, store.SaveConversation(context.Background(), &conv))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	completer := &fakeCompleter{}
	res, err := newAnalyzer(t, store, completer).RunBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Analyzed)
	assert.Zero(t, completer.calls)
}
