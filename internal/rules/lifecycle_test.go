package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
)

func activeRule(t *testing.T, f *fixture, key string) *models.Rule {
	t.Helper()
	d := draft(key)
	d.Source = models.SourceSystemDefault
	d.Activate = true
	rule, err := f.manager.Propose(context.Background(), d)
	require.NoError(t, err)
	return rule
}

func saveAnalysis(t *testing.T, f *fixture, session string, completion, satisfaction float64, at time.Time, ruleIDs ...string) {
	t.Helper()
	sat := satisfaction
	require.NoError(t, f.store.SaveAnalysis(context.Background(), &models.Analysis{
		SessionID:        session,
		CompletionRate:   completion,
		UserSatisfaction: &sat,
		ActiveRuleIDs:    ruleIDs,
		AnalyzedAt:       at,
	}))
}

func TestAutoReview_Decisions(t *testing.T) {
	tests := []struct {
		reply    string
		decision models.ReviewDecision
		status   models.RuleStatus
	}{
		{`{"score": 91, "reason": "specific"}`, models.DecisionApprove, models.StatusPendingReview},
		{`{"score": 60, "reason": "unclear benefit"}`, models.DecisionNeedsReview, models.StatusPendingReview},
		{`{"score": 12, "reason": "misleading"}`, models.DecisionReject, models.StatusRejected},
	}
	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			f := newFixture(t, config.RulesConfig{ApproveThreshold: 80, RejectThreshold: 40})
			f.completer.reply = tt.reply
			ctx := context.Background()

			rule, err := f.manager.Propose(ctx, draft("order_id"))
			require.NoError(t, err)

			res, err := f.manager.AutoReview(ctx, rule.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.decision, res.Decision)

			got, err := f.manager.Get(ctx, rule.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.decision, got.ReviewDecision)
			require.NotNil(t, got.ReviewScore)
			assert.Equal(t, res.Score, *got.ReviewScore)
		})
	}
}

func TestAutoReview_Errors(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()

	rule, err := f.manager.Propose(ctx, draft("order_id"))
	require.NoError(t, err)

	f.completer.reply = `{"score": "high"}`
	_, err = f.manager.AutoReview(ctx, rule.ID)
	assert.ErrorIs(t, err, apperr.ErrMalformedResponse)

	_, err = f.manager.AutoReview(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	active := activeRule(t, f, "greeting")
	_, err = f.manager.AutoReview(ctx, active.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestEvaluateEffectiveness(t *testing.T) {
	f := newFixture(t, config.RulesConfig{DemoteThreshold: 35})
	ctx := context.Background()

	good := activeRule(t, f, "good")
	bad := activeRule(t, f, "bad")
	unused := activeRule(t, f, "unused")
	require.NoError(t, f.manager.RecordUsage(ctx, []string{good.ID, bad.ID}))

	at := f.clock.Now().Add(-time.Hour)
	saveAnalysis(t, f, "g1", 90, 80, at, good.ID)
	saveAnalysis(t, f, "g2", 90, 80, at, good.ID)
	saveAnalysis(t, f, "b1", 20, 20, at, bad.ID)
	saveAnalysis(t, f, "b2", 20, 20, at, bad.ID)
	saveAnalysis(t, f, "n1", 60, 60, at)
	saveAnalysis(t, f, "n2", 60, 60, at)

	report, err := f.manager.EvaluateEffectiveness(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, 1, report.Skipped)

	for _, s := range report.Scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 100.0)
	}
	assert.Greater(t, report.Scores[good.ID], 50.0)
	assert.Less(t, report.Scores[bad.ID], 35.0)

	got, err := f.manager.Get(ctx, bad.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BelowThresholdSince)
	require.NotNil(t, got.LastEvaluatedAt)

	notScored, err := f.manager.Get(ctx, unused.ID)
	require.NoError(t, err)
	assert.Nil(t, notScored.LastEvaluatedAt)

	f.clock.Advance(time.Hour)
	report, err = f.manager.EvaluateEffectiveness(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated)
}

func TestAutoPromote_DemotesAfterWindow(t *testing.T) {
	f := newFixture(t, config.RulesConfig{DemoteThreshold: 35, DemoteWindowHours: 24, MinUsageForDemotion: 2})
	ctx := context.Background()

	bad := activeRule(t, f, "bad")
	require.NoError(t, f.manager.RecordUsage(ctx, []string{bad.ID, bad.ID}))
	require.NoError(t, f.manager.RecordUsage(ctx, []string{bad.ID}))

	at := f.clock.Now().Add(-time.Hour)
	saveAnalysis(t, f, "b1", 10, 10, at, bad.ID)
	saveAnalysis(t, f, "n1", 70, 70, at)
	_, err := f.manager.EvaluateEffectiveness(ctx)
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	report, err := f.manager.AutoPromote(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Archived)

	before := f.cache.n.Load()
	f.clock.Advance(2 * time.Hour)
	report, err = f.manager.AutoPromote(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{bad.ID}, report.Archived)
	assert.Greater(t, f.cache.n.Load(), before)

	history, err := f.manager.History(ctx, bad.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, models.ActionArchived, last.Action)
	assert.Equal(t, models.ActorSystem, last.ChangedBy)
}

func TestAutoPromote_RespectsCategoryCap(t *testing.T) {
	f := newFixture(t, config.RulesConfig{CategoryCap: 2})
	ctx := context.Background()

	existing := activeRule(t, f, "a")
	p1, err := f.manager.Propose(ctx, draft("b"))
	require.NoError(t, err)
	p2, err := f.manager.Propose(ctx, draft("c"))
	require.NoError(t, err)
	p3, err := f.manager.Propose(ctx, draft("a"))
	require.NoError(t, err)
	waiting, err := f.manager.Propose(ctx, draft("d"))
	require.NoError(t, err)

	require.NoError(t, f.manager.Endorse(ctx, p1.ID, 95, "experiment won"))
	require.NoError(t, f.manager.Endorse(ctx, p2.ID, 85, "experiment won"))
	require.NoError(t, f.manager.Endorse(ctx, p3.ID, 70, "experiment won"))

	report, err := f.manager.AutoPromote(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{p1.ID, p3.ID}, report.Promoted)
	assert.Equal(t, []string{p2.ID}, report.Deferred)

	for id, want := range map[string]models.RuleStatus{
		existing.ID: models.StatusArchived,
		p1.ID:       models.StatusActive,
		p2.ID:       models.StatusPendingReview,
		p3.ID:       models.StatusActive,
		waiting.ID:  models.StatusPendingReview,
	} {
		got, err := f.manager.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	history, err := f.manager.History(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionAutoPromoted, history[len(history)-1].Action)
}
