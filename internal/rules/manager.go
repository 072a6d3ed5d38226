// Package rules owns the rule lifecycle and the cached view of active rules
// injected into assistant prompts.
//
//	pending_review -> active     approve, auto-promote
//	pending_review -> rejected   reject
//	active         -> archived   demote, retire, superseded
//	rejected|archived -> active  reactivate
//
// Every mutation of the rule table goes through Manager, which serialises
// writers so version allocation and cache invalidation never interleave.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/metrics"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
	"github.com/appeal-assistant/evolution/pkg/logger"
	"github.com/appeal-assistant/evolution/pkg/utils"
)

const maxContentBytes = 16 << 10

type Store interface {
	storage.RuleStore
	storage.AnalysisStore
}

// Invalidator is told whenever the active-rule set changes.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Draft is a rule proposal from the generator, an experiment or an operator.
type Draft struct {
	Category models.RuleCategory `json:"category"`
	Key      string              `json:"rule_key"`
	Name     string              `json:"rule_name"`
	Content  models.RuleContent  `json:"content"`
	Source   models.RuleSource   `json:"source"`
	Reason   string              `json:"reason"`
	Actor    string              `json:"actor"`
	// Activate skips review. Only system_default and admin_manual drafts may set it.
	Activate bool `json:"activate"`
}

type Manager struct {
	store     Store
	monitor   *health.Monitor
	completer llm.Completer
	cache     Invalidator
	cfg       config.RulesConfig
	now       func() time.Time
	log       *zap.Logger
	retire    RetireFunc

	// mu serialises every write to the rule table.
	mu sync.Mutex
}

// RetireFunc is told about every rule that leaves the live set for good
// (rejected or archived). It runs with the manager's write lock held and
// must not call back into the manager.
type RetireFunc func(ctx context.Context, ruleID string, to models.RuleStatus)

type Option func(*Manager)

type noCache struct{}

func (noCache) Invalidate(context.Context) {}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager. cache may be nil when nothing caches the
// active set.
func NewManager(store Store, monitor *health.Monitor, completer llm.Completer, cache Invalidator, cfg config.RulesConfig, opts ...Option) *Manager {
	if cache == nil {
		cache = noCache{}
	}
	m := &Manager{
		store:     store,
		monitor:   monitor,
		completer: completer,
		cache:     cache,
		cfg:       withDefaults(cfg),
		now:       time.Now,
		log:       logger.Named("rules"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func withDefaults(cfg config.RulesConfig) config.RulesConfig {
	if cfg.ApproveThreshold == 0 {
		cfg.ApproveThreshold = 80
	}
	if cfg.RejectThreshold == 0 {
		cfg.RejectThreshold = 40
	}
	if cfg.DemoteThreshold == 0 {
		cfg.DemoteThreshold = 35
	}
	if cfg.DemoteWindowHours == 0 {
		cfg.DemoteWindowHours = 72
	}
	if cfg.MinUsageForDemotion == 0 {
		cfg.MinUsageForDemotion = 30
	}
	if cfg.CompletionWeight == 0 && cfg.SatisfactionWeight == 0 {
		cfg.CompletionWeight, cfg.SatisfactionWeight = 0.6, 0.4
	}
	if cfg.LiftScale == 0 {
		cfg.LiftScale = 2.5
	}
	if cfg.EvaluationWindowDays == 0 {
		cfg.EvaluationWindowDays = 14
	}
	return cfg
}

// OnRetire registers fn to run after each reject or archive.
func (m *Manager) OnRetire(fn RetireFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retire = fn
}

// Propose stores d as the next version of its (category, key). The rule starts
// pending_review unless d is an operator or system draft with Activate set.
func (m *Manager) Propose(ctx context.Context, d Draft) (*models.Rule, error) {
	if err := normalizeDraft(&d); err != nil {
		return nil, err
	}

	status := models.StatusPendingReview
	if d.Activate {
		status = models.StatusActive
	}
	now := m.now()
	rule := &models.Rule{
		Category:  d.Category,
		Key:       d.Key,
		Name:      d.Name,
		Content:   d.Content,
		Source:    d.Source,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry := models.RuleChangeLog{
		Action:     models.ActionCreated,
		NewContent: d.Content,
		Reason:     d.Reason,
		ChangedBy:  d.Actor,
		CreatedAt:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return m.store.CreateRuleVersion(ctx, rule, entry)
	})
	if err != nil {
		return nil, err
	}
	metrics.RuleTransitions.WithLabelValues(string(models.ActionCreated)).Inc()

	if status == models.StatusActive {
		err := m.supersedeLocked(ctx, rule, d.Actor)
		m.cache.Invalidate(ctx)
		if err != nil {
			return rule, err
		}
	}

	m.log.Info("Rule proposed",
		zap.String("rule_id", rule.ID),
		zap.String("category", string(rule.Category)),
		zap.String("rule_key", rule.Key),
		zap.Int("version", rule.Version),
		zap.String("status", string(rule.Status)),
	)
	return rule, nil
}

func normalizeDraft(d *Draft) error {
	if !d.Category.Valid() {
		return apperr.Invalid("category", fmt.Sprintf("unknown category %q", d.Category))
	}
	d.Name = strings.TrimSpace(d.Name)
	d.Key = strings.TrimSpace(d.Key)
	if d.Name == "" && d.Key == "" {
		return apperr.Invalid("rule_name", "name or key is required")
	}
	if d.Key == "" {
		d.Key = utils.RuleKey(string(d.Category), d.Name)
	}
	if d.Name == "" {
		d.Name = d.Key
	}
	if d.Source == "" {
		d.Source = models.SourceAIGenerated
	}
	if !d.Source.Valid() {
		return apperr.Invalid("source", fmt.Sprintf("unknown source %q", d.Source))
	}
	if d.Activate && d.Source == models.SourceAIGenerated {
		return apperr.Invalid("activate", "generated rules must go through review")
	}
	if d.Actor == "" {
		d.Actor = models.ActorSystem
	}
	return ValidateContent(d.Content)
}

// ValidateContent accepts a non-empty object of at most 16 KiB with no blank keys.
func ValidateContent(content models.RuleContent) error {
	if len(content) == 0 {
		return apperr.Invalid("rule_content", "must be a non-empty object")
	}
	for key := range content {
		if strings.TrimSpace(key) == "" {
			return apperr.Invalid("rule_content", "keys must not be blank")
		}
	}
	data, err := json.Marshal(content)
	if err != nil {
		return apperr.Invalid("rule_content", err.Error())
	}
	if len(data) > maxContentBytes {
		return apperr.Invalid("rule_content", fmt.Sprintf("%d bytes exceeds the %d byte limit", len(data), maxContentBytes))
	}
	return nil
}

// Review applies a manual or automatic decision to a pending rule.
func (m *Manager) Review(ctx context.Context, ruleID string, decision models.ReviewDecision, reason, actor string) (*models.Rule, error) {
	switch decision {
	case models.DecisionApprove:
		return m.transition(ctx, ruleID, transition{
			from:   []models.RuleStatus{models.StatusPendingReview},
			to:     models.StatusActive,
			action: models.ActionActivated,
			verb:   "approve",
		}, reason, actor)
	case models.DecisionReject:
		return m.transition(ctx, ruleID, transition{
			from:   []models.RuleStatus{models.StatusPendingReview},
			to:     models.StatusRejected,
			action: models.ActionRejected,
			verb:   "reject",
		}, reason, actor)
	default:
		return nil, apperr.Invalid("decision", fmt.Sprintf("%q is not approve or reject", decision))
	}
}

// Reactivate brings a rejected or archived rule back into the active set.
func (m *Manager) Reactivate(ctx context.Context, ruleID, reason, actor string) (*models.Rule, error) {
	return m.transition(ctx, ruleID, transition{
		from:   []models.RuleStatus{models.StatusRejected, models.StatusArchived},
		to:     models.StatusActive,
		action: models.ActionUpdated,
		verb:   "reactivate",
	}, reason, actor)
}

// Archive retires an active rule.
func (m *Manager) Archive(ctx context.Context, ruleID, reason, actor string) (*models.Rule, error) {
	return m.transition(ctx, ruleID, transition{
		from:   []models.RuleStatus{models.StatusActive},
		to:     models.StatusArchived,
		action: models.ActionArchived,
		verb:   "archive",
	}, reason, actor)
}

type transition struct {
	from   []models.RuleStatus
	to     models.RuleStatus
	action models.ChangeAction
	verb   string
}

func (t transition) allows(status models.RuleStatus) bool {
	for _, s := range t.from {
		if s == status {
			return true
		}
	}
	return false
}

func (m *Manager) transition(ctx context.Context, ruleID string, t transition, reason, actor string) (*models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, err := m.transitionLocked(ctx, ruleID, t, reason, actor)
	if err != nil {
		return nil, err
	}
	if t.to == models.StatusActive {
		if err := m.supersedeLocked(ctx, rule, actor); err != nil {
			m.cache.Invalidate(ctx)
			return rule, err
		}
	}
	if t.to == models.StatusActive || t.allows(models.StatusActive) {
		m.cache.Invalidate(ctx)
	}
	return rule, nil
}

func (m *Manager) transitionLocked(ctx context.Context, ruleID string, t transition, reason, actor string) (*models.Rule, error) {
	if actor == "" {
		actor = models.ActorSystem
	}

	rule, err := m.get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !t.allows(rule.Status) {
		return nil, &apperr.TransitionError{ID: ruleID, From: string(rule.Status), Action: t.verb}
	}

	now := m.now()
	change := storage.StatusChange{
		RuleID: ruleID,
		From:   rule.Status,
		To:     t.to,
		At:     now,
		Log: models.RuleChangeLog{
			RuleID:     ruleID,
			Action:     t.action,
			OldContent: rule.Content,
			NewContent: rule.Content,
			Reason:     reason,
			ChangedBy:  actor,
			CreatedAt:  now,
		},
	}
	err = m.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return m.store.ChangeRuleStatus(ctx, change)
	})
	if err != nil {
		return nil, err
	}

	from := rule.Status
	rule.Status = t.to
	rule.UpdatedAt = now
	if t.to != models.StatusActive {
		rule.BelowThresholdSince = nil
	}
	metrics.RuleTransitions.WithLabelValues(string(t.action)).Inc()
	if m.retire != nil && (t.to == models.StatusRejected || t.to == models.StatusArchived) {
		m.retire(ctx, ruleID, t.to)
	}

	m.log.Info("Rule status changed",
		zap.String("rule_id", ruleID),
		zap.String("from", string(from)),
		zap.String("to", string(t.to)),
		zap.String("action", string(t.action)),
		zap.String("actor", actor),
		zap.String("reason", reason),
	)
	return rule, nil
}

// supersedeLocked archives other active versions of rule's key so at most one
// version per key is ever injected.
func (m *Manager) supersedeLocked(ctx context.Context, rule *models.Rule, actor string) error {
	siblings, err := health.Do(ctx, m.monitor, health.ComponentStore, func(ctx context.Context) ([]models.Rule, error) {
		return m.store.ListRules(ctx, storage.RuleFilter{Category: rule.Category, Key: rule.Key, Status: models.StatusActive})
	})
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.ID == rule.ID {
			continue
		}
		reason := fmt.Sprintf("superseded by version %d", rule.Version)
		_, err := m.transitionLocked(ctx, sibling.ID, transition{
			from:   []models.RuleStatus{models.StatusActive},
			to:     models.StatusArchived,
			action: models.ActionArchived,
			verb:   "archive",
		}, reason, actor)
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordUsage counts one consultation for each rule.
func (m *Manager) RecordUsage(ctx context.Context, ruleIDs []string) error {
	if len(ruleIDs) == 0 {
		return nil
	}
	return m.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return m.store.IncrementRuleUsage(ctx, ruleIDs)
	})
}

func (m *Manager) Get(ctx context.Context, ruleID string) (*models.Rule, error) {
	return m.get(ctx, ruleID)
}

func (m *Manager) get(ctx context.Context, ruleID string) (*models.Rule, error) {
	return health.Do(ctx, m.monitor, health.ComponentStore, func(ctx context.Context) (*models.Rule, error) {
		return m.store.GetRule(ctx, ruleID)
	})
}

func (m *Manager) List(ctx context.Context, filter storage.RuleFilter) ([]models.Rule, error) {
	return health.Do(ctx, m.monitor, health.ComponentStore, func(ctx context.Context) ([]models.Rule, error) {
		return m.store.ListRules(ctx, filter)
	})
}

// History returns the change log of one rule in the order it was written.
func (m *Manager) History(ctx context.Context, ruleID string) ([]models.RuleChangeLog, error) {
	if _, err := m.get(ctx, ruleID); err != nil {
		return nil, err
	}
	return health.Do(ctx, m.monitor, health.ComponentStore, func(ctx context.Context) ([]models.RuleChangeLog, error) {
		return m.store.ListChangeLog(ctx, ruleID)
	})
}
