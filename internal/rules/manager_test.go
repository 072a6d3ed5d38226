package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/memory"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type countingCache struct {
	n atomic.Int32
}

func (c *countingCache) Invalidate(context.Context) { c.n.Add(1) }

type cannedCompleter struct {
	reply string
	calls atomic.Int32
}

func (c *cannedCompleter) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.calls.Add(1)
	return &llm.CompletionResponse{Content: c.reply}, nil
}

type fixture struct {
	store     *memory.Store
	manager   *Manager
	cache     *countingCache
	completer *cannedCompleter
	clock     *clock
}

func newFixture(t *testing.T, cfg config.RulesConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.New(),
		cache:     &countingCache{},
		completer: &cannedCompleter{reply: `{"score": 90, "reason": "clear and specific"}`},
		clock:     newClock(),
	}
	monitor := health.NewMonitor(nil, config.HealthConfig{CircuitThreshold: 5})
	f.manager = NewManager(f.store, monitor, f.completer, f.cache, cfg, WithClock(f.clock.Now))
	return f
}

func draft(key string) Draft {
	return Draft{
		Category: models.CategoryQuestionTemplate,
		Key:      key,
		Name:     "Ask for the order id",
		Content:  models.RuleContent{"template": "请提供被处罚的订单号"},
		Reason:   "drop-off at order_id",
	}
}

func TestPropose_FirstVersionAndRevisions(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rule, err := f.manager.Propose(ctx, draft("order_id"))
		require.NoError(t, err)
		assert.Equal(t, i+1, rule.Version)
		assert.Equal(t, models.StatusPendingReview, rule.Status)
		if i > 0 {
			assert.Equal(t, ids[i-1], rule.ParentID)
		}
		ids = append(ids, rule.ID)
	}

	rules, err := f.manager.List(ctx, storage.RuleFilter{Key: "order_id"})
	require.NoError(t, err)
	versions := make([]int, 0, len(rules))
	for _, r := range rules {
		versions = append(versions, r.Version)
	}
	assert.Equal(t, []int{1, 2, 3}, versions)
	assert.Zero(t, f.cache.n.Load())
}

func TestPropose_ConcurrentRevisionsHaveNoGaps(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Propose(ctx, draft("order_id"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rules, err := f.manager.List(ctx, storage.RuleFilter{Key: "order_id"})
	require.NoError(t, err)
	require.Len(t, rules, 20)
	for i, r := range rules {
		assert.Equal(t, i+1, r.Version)
	}
}

func TestPropose_Validation(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()

	tests := map[string]func(d *Draft){
		"unknown category": func(d *Draft) { d.Category = "pricing" },
		"empty content":    func(d *Draft) { d.Content = nil },
		"blank key":        func(d *Draft) { d.Content = models.RuleContent{" ": "x"} },
		"oversized":        func(d *Draft) { d.Content = models.RuleContent{"text": strings.Repeat("字", 6000)} },
		"no name or key":   func(d *Draft) { d.Key, d.Name = "", "" },
		"generated bypass": func(d *Draft) { d.Activate = true },
		"unknown source":   func(d *Draft) { d.Source = "crowd" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			d := draft("k")
			mutate(&d)
			_, err := f.manager.Propose(ctx, d)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}

	count, err := f.store.CountRules(ctx, "", models.StatusPendingReview)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPropose_DerivesMissingKey(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	d := draft("")
	rule, err := f.manager.Propose(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rule.Key, "ask_for_the_order_id_"))

	again, err := f.manager.Propose(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, rule.Key, again.Key)
	assert.Equal(t, 2, again.Version)
}

func TestPropose_AdminBypassStartsActive(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	d := draft("greeting")
	d.Source = models.SourceAdminManual
	d.Activate = true
	d.Actor = "ops@example.com"

	rule, err := f.manager.Propose(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, rule.Status)
	assert.Equal(t, int32(1), f.cache.n.Load())

	history, err := f.manager.History(context.Background(), rule.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ActionCreated, history[0].Action)
	assert.Equal(t, "ops@example.com", history[0].ChangedBy)
}

func TestReview_ApproveLifecycle(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()

	rule, err := f.manager.Propose(ctx, draft("order_id"))
	require.NoError(t, err)
	require.Equal(t, 1, rule.Version)

	approved, err := f.manager.Review(ctx, rule.ID, models.DecisionApprove, "looks right", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, approved.Status)
	assert.Equal(t, int32(1), f.cache.n.Load())

	history, err := f.manager.History(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ActionCreated, history[0].Action)
	assert.Equal(t, models.ActionActivated, history[1].Action)
	assert.Equal(t, "looks right", history[1].Reason)
}

func TestReview_InvalidTransitions(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()

	_, err := f.manager.Review(ctx, "missing", models.DecisionApprove, "", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	rule, err := f.manager.Propose(ctx, draft("order_id"))
	require.NoError(t, err)
	_, err = f.manager.Review(ctx, rule.ID, models.DecisionApprove, "", "")
	require.NoError(t, err)

	_, err = f.manager.Review(ctx, rule.ID, models.DecisionReject, "too late", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.manager.Review(ctx, rule.ID, models.DecisionNeedsReview, "", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.manager.Reactivate(ctx, rule.ID, "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestArchiveAndReactivate(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()

	rule, err := f.manager.Propose(ctx, draft("order_id"))
	require.NoError(t, err)
	_, err = f.manager.Review(ctx, rule.ID, models.DecisionReject, "vague", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, int32(0), f.cache.n.Load())

	back, err := f.manager.Reactivate(ctx, rule.ID, "needed after all", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, back.Status)

	_, err = f.manager.Archive(ctx, rule.ID, "retired", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.cache.n.Load())

	history, err := f.manager.History(ctx, rule.ID)
	require.NoError(t, err)
	actions := make([]models.ChangeAction, 0, len(history))
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []models.ChangeAction{
		models.ActionCreated, models.ActionRejected, models.ActionUpdated, models.ActionArchived,
	}, actions)
}

func TestActivatingRevisionSupersedesPreviousVersion(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()

	v1, err := f.manager.Propose(ctx, draft("order_id"))
	require.NoError(t, err)
	_, err = f.manager.Review(ctx, v1.ID, models.DecisionApprove, "", "")
	require.NoError(t, err)

	v2, err := f.manager.Propose(ctx, draft("order_id"))
	require.NoError(t, err)
	_, err = f.manager.Review(ctx, v2.ID, models.DecisionApprove, "", "")
	require.NoError(t, err)

	old, err := f.manager.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, old.Status)

	active, err := f.manager.List(ctx, storage.RuleFilter{Status: models.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, v2.ID, active[0].ID)
}

func TestRecordUsage(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()

	rule, err := f.manager.Propose(ctx, draft("order_id"))
	require.NoError(t, err)
	require.NoError(t, f.manager.RecordUsage(ctx, []string{rule.ID}))
	require.NoError(t, f.manager.RecordUsage(ctx, []string{rule.ID}))
	require.NoError(t, f.manager.RecordUsage(ctx, nil))

	got, err := f.manager.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)
}

type failingStatusStore struct {
	*memory.Store
}

func (failingStatusStore) ChangeRuleStatus(context.Context, storage.StatusChange) error {
	return apperr.Store("change rule status", errors.New("disk full"))
}

func TestPropose_InvalidatesWhenSupersedeFails(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()
	d := draft("greeting")
	d.Source = models.SourceAdminManual
	d.Activate = true
	_, err := f.manager.Propose(ctx, d)
	require.NoError(t, err)

	cache := &countingCache{}
	monitor := health.NewMonitor(nil, config.HealthConfig{CircuitThreshold: 5})
	broken := NewManager(failingStatusStore{f.store}, monitor, nil, cache, config.RulesConfig{})

	rule, err := broken.Propose(ctx, d)
	require.ErrorIs(t, err, apperr.ErrStore)
	require.NotNil(t, rule)
	assert.Equal(t, models.StatusActive, rule.Status)
	assert.Equal(t, int32(1), cache.n.Load())
}

func TestOnRetire_ReportsRejectAndArchive(t *testing.T) {
	f := newFixture(t, config.RulesConfig{})
	ctx := context.Background()

	retired := map[string]models.RuleStatus{}
	f.manager.OnRetire(func(_ context.Context, ruleID string, to models.RuleStatus) {
		retired[ruleID] = to
	})

	pending, err := f.manager.Propose(ctx, draft("order_id"))
	require.NoError(t, err)
	_, err = f.manager.Review(ctx, pending.ID, models.DecisionReject, "vague", "ops")
	require.NoError(t, err)

	d := draft("greeting")
	d.Source = models.SourceAdminManual
	d.Activate = true
	first, err := f.manager.Propose(ctx, d)
	require.NoError(t, err)
	second, err := f.manager.Propose(ctx, d)
	require.NoError(t, err)

	assert.Equal(t, map[string]models.RuleStatus{
		pending.ID: models.StatusRejected,
		first.ID:   models.StatusArchived,
	}, retired)

	_, err = f.manager.Archive(ctx, second.ID, "stale", "ops")
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, retired[second.ID])
}
