package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/storage/models"
)

func TestSnapshotEncoding(t *testing.T) {
	in := Snapshot{
		Generation: 7,
		LoadedAt:   time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Rules: []models.Rule{{
			ID:       "r1",
			Category: models.CategoryIndustryKnowledge,
			Key:      "catering_license",
			Status:   models.StatusActive,
			Content:  models.RuleContent{"hint": "ask for the food license number"},
			Version:  2,
		}},
	}

	data, err := encodeSnapshot(in)
	require.NoError(t, err)

	out, err := decodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, int64(7), out.Generation)
	require.Len(t, out.Rules, 1)
	assert.Equal(t, "catering_license", out.Rules[0].Key)
	assert.Equal(t, "ask for the food license number", out.Rules[0].Content["hint"])
}

func TestDecodeSnapshot_Garbage(t *testing.T) {
	_, err := decodeSnapshot([]byte("{not json"))
	assert.ErrorContains(t, err, "unmarshal rule snapshot")
}
