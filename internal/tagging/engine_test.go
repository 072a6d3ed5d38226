package tagging

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/storage/memory"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/config"
)

func ptr[T any](v T) *T { return &v }

func samples(scores ...float64) []models.SentimentSample {
	out := make([]models.SentimentSample, len(scores))
	for i, s := range scores {
		out[i] = models.SentimentSample{Turn: i + 1, Score: s}
	}
	return out
}

func TestClassify_Outcome(t *testing.T) {
	tests := []struct {
		name     string
		analysis models.Analysis
		want     models.Outcome
	}{
		{
			name:     "complete without drop-off",
			analysis: models.Analysis{CompletionRate: 85, TotalTurns: 6},
			want:     models.OutcomeCompleted,
		},
		{
			name:     "high completion but dropped",
			analysis: models.Analysis{CompletionRate: 85, DropOffPoint: ptr("appeal_reason")},
			want:     models.OutcomePartial,
		},
		{
			name:     "negative ending",
			analysis: models.Analysis{CompletionRate: 60, SentimentTrajectory: samples(0.2, -0.1, -0.6)},
			want:     models.OutcomeAbandoned,
		},
		{
			name:     "dropped early with little collected",
			analysis: models.Analysis{CompletionRate: 20, DropOffPoint: ptr("shop_name")},
			want:     models.OutcomeAbandoned,
		},
		{
			name:     "low completion without drop-off",
			analysis: models.Analysis{CompletionRate: 25},
			want:     models.OutcomeRedirected,
		},
		{
			name:     "degraded analysis falls back to label",
			analysis: models.Analysis{CompletionRate: 50, UserSentiment: "negative", Degraded: true},
			want:     models.OutcomeAbandoned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(&tt.analysis).Outcome)
		})
	}
}

func TestClassify_DifficultyAndUserType(t *testing.T) {
	easy := Classify(&models.Analysis{TotalTurns: 4, CompletionRate: 100})
	assert.Equal(t, models.DifficultyEasy, easy.Difficulty)
	assert.Equal(t, "efficient", easy.UserType)

	hard := Classify(&models.Analysis{TotalTurns: 25, CompletionRate: 90, FieldsRefused: []string{"phone", "id_card"}})
	assert.Equal(t, models.DifficultyHard, hard.Difficulty)
	assert.Equal(t, "guarded", hard.UserType)
	assert.True(t, hard.PatternFlags[FlagMultipleRefusals])
	assert.True(t, hard.PatternFlags[FlagLongConversation])

	medium := Classify(&models.Analysis{TotalTurns: 12, CompletionRate: 70, SentimentTrajectory: samples(0.5, 0.6)})
	assert.Equal(t, models.DifficultyMedium, medium.Difficulty)
	assert.Equal(t, "cooperative", medium.UserType)
}

func TestClassify_FlagsAndClusters(t *testing.T) {
	tag := Classify(&models.Analysis{
		SessionID:           "s1",
		Industry:            "餐饮",
		CompletionRate:      30,
		CollectionTurns:     1,
		DropOffPoint:        ptr("shop_name"),
		SentimentTrajectory: samples(0.4, -0.2),
		Degraded:            true,
	})

	assert.Equal(t, "餐饮", tag.IndustryCluster)
	assert.Equal(t, "unknown", tag.ViolationCluster)
	assert.True(t, tag.PatternFlags[FlagEarlyDropOff])
	assert.True(t, tag.PatternFlags[FlagSentimentDecline])
	assert.Contains(t, tag.Tags, FlagDegradedAnalysis)
	assert.Contains(t, tag.Tags, FlagEarlyDropOff)
}

func TestClassify_QualityUsesAvailableScores(t *testing.T) {
	tag := Classify(&models.Analysis{ProfessionalismScore: ptr(80.0), UserSatisfaction: ptr(60.0)})
	assert.InDelta(t, 70.0, tag.QualityScore, 1e-9)

	tag = Classify(&models.Analysis{CompletionRate: 55})
	assert.InDelta(t, 55.0, tag.QualityScore, 1e-9)
}

func TestTag_UpsertsByConversation(t *testing.T) {
	store := memory.New()
	engine := NewEngine(store, health.NewMonitor(store, config.HealthConfig{CircuitThreshold: 3}))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		a := &models.Analysis{
			ID:             fmt.Sprintf("a%d", i),
			SessionID:      fmt.Sprintf("s%d", i),
			Industry:       "餐饮",
			CompletionRate: 80 + float64(i),
		}
		tag, err := engine.Tag(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeCompleted, tag.Outcome)
	}

	_, err := engine.Tag(ctx, &models.Analysis{ID: "a0-again", SessionID: "s0", CompletionRate: 10})
	require.NoError(t, err)

	tags, err := store.ListTags(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, tags, 10)

	got, err := store.GetTag(ctx, "s0")
	require.NoError(t, err)
	assert.Equal(t, "a0-again", got.AnalysisID)
}
