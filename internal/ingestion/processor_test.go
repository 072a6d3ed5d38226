package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/storage/memory"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
)

func TestCleanText(t *testing.T) {
	assert.Equal(t, "店铺名称是 小王餐饮", CleanText("<p>店铺名称是</p><b>小王餐饮</b>"))
	assert.Equal(t, "a < b and c", CleanText("a < b   and\n c"))
	assert.Equal(t, "Tom & Jerry", CleanText("Tom &amp; Jerry"))
	assert.Equal(t, "hello", CleanText("<script>alert(1)</script>hello"))
	assert.Equal(t, "", CleanText("   "))
}

func TestRecord_NormalisesAndStores(t *testing.T) {
	store := memory.New()
	p := NewProcessor(store, health.NewMonitor(store, config.HealthConfig{CircuitThreshold: 3}))
	ctx := context.Background()

	saved, err := p.Record(ctx, models.Conversation{
		SessionID: "s1",
		Industry:  "餐饮",
		Messages: []models.Message{
			{Role: models.RoleAssistant, Content: "<p>请问您的店铺名称？</p>"},
			{Role: models.RoleUser, Content: "   "},
			{Role: models.RoleUser, Content: "小王餐饮"},
		},
		Fields: models.FieldSnapshot{
			"violation_type": {Status: models.FieldMissing},
			"shop_name":      {Value: "小王餐饮", Status: models.FieldCollected},
		},
		ActiveRuleIDs: []string{"r1", "r1", "r2"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, saved.MessageCount)
	assert.Equal(t, "请问您的店铺名称？", saved.Messages[0].Content)
	assert.Equal(t, []string{"shop_name", "violation_type"}, saved.FieldOrder)
	assert.Equal(t, []string{"r1", "r2"}, saved.ActiveRuleIDs)
	assert.False(t, saved.EndedAt.IsZero())

	got, err := store.GetConversation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
}

func TestRecord_RequiresSessionID(t *testing.T) {
	store := memory.New()
	p := NewProcessor(store, health.NewMonitor(store, config.HealthConfig{CircuitThreshold: 3}))

	_, err := p.Record(context.Background(), models.Conversation{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
