package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
)

// Store is an in-memory implementation of storage.Store. It is safe for
// concurrent use and is intended for tests and local development.
type Store struct {
	mu            sync.RWMutex
	nextLogID     int64
	rules         map[string]models.Rule
	changeLog     []models.RuleChangeLog
	conversations map[string]models.Conversation
	analyses      map[string]models.Analysis
	tags          map[string]models.Tag
	clusters      map[models.ClusterType]map[string]models.Cluster
	metrics       map[string]models.LearningMetric
	experiments   map[string]models.Experiment
	health        map[string]models.EngineHealth

	failNext error
}

var _ storage.Store = (*Store)(nil)

var errUnique = errors.New("UNIQUE constraint failed: evolution_rules.category, evolution_rules.rule_key, evolution_rules.version")

func New() *Store {
	return &Store{
		nextLogID:     1,
		rules:         make(map[string]models.Rule),
		conversations: make(map[string]models.Conversation),
		analyses:      make(map[string]models.Analysis),
		tags:          make(map[string]models.Tag),
		clusters:      make(map[models.ClusterType]map[string]models.Cluster),
		metrics:       make(map[string]models.LearningMetric),
		experiments:   make(map[string]models.Experiment),
		health:        make(map[string]models.EngineHealth),
	}
}

// FailNext makes the next mutating call return err wrapped as a store error.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Store) injectedLocked(op string) error {
	if s.failNext == nil {
		return nil
	}
	err := s.failNext
	s.failNext = nil
	return apperr.Store(op, err)
}

func (s *Store) Close() error { return nil }

// Rules ----------------------------------------------------------------------

func (s *Store) CreateRuleVersion(_ context.Context, rule *models.Rule, log models.RuleChangeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("create rule version"); err != nil {
		return err
	}

	latest := s.latestLocked(rule.Category, rule.Key)
	rule.Version = 1
	rule.ParentID = ""
	if latest != nil {
		rule.Version = latest.Version + 1
		rule.ParentID = latest.ID
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	for _, existing := range s.rules {
		if existing.Category == rule.Category && existing.Key == rule.Key && existing.Version == rule.Version {
			return apperr.Store("create rule version", errUnique)
		}
	}

	s.rules[rule.ID] = cloneRule(*rule)
	log.RuleID = rule.ID
	s.appendLogLocked(log)
	return nil
}

func (s *Store) GetRule(_ context.Context, id string) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, apperr.NotFound("rule", id)
	}
	out := cloneRule(rule)
	return &out, nil
}

func (s *Store) ListRules(_ context.Context, filter storage.RuleFilter) ([]models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Rule
	for _, rule := range s.rules {
		if filter.Category != "" && rule.Category != filter.Category {
			continue
		}
		if filter.Status != "" && rule.Status != filter.Status {
			continue
		}
		if filter.Key != "" && rule.Key != filter.Key {
			continue
		}
		if filter.Source != "" && rule.Source != filter.Source {
			continue
		}
		out = append(out, cloneRule(rule))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) LatestRuleVersion(_ context.Context, category models.RuleCategory, key string) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latestLocked(category, key)
	if latest == nil {
		return nil, nil
	}
	out := cloneRule(*latest)
	return &out, nil
}

func (s *Store) latestLocked(category models.RuleCategory, key string) *models.Rule {
	var latest *models.Rule
	for id := range s.rules {
		rule := s.rules[id]
		if rule.Category != category || rule.Key != key {
			continue
		}
		if latest == nil || rule.Version > latest.Version {
			r := rule
			latest = &r
		}
	}
	return latest
}

func (s *Store) CountRules(_ context.Context, category models.RuleCategory, status models.RuleStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rule := range s.rules {
		if (category == "" || rule.Category == category) && rule.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *Store) ChangeRuleStatus(_ context.Context, change storage.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("change rule status"); err != nil {
		return err
	}

	rule, ok := s.rules[change.RuleID]
	if !ok {
		return apperr.NotFound("rule", change.RuleID)
	}
	if rule.Status != change.From {
		return &apperr.TransitionError{ID: change.RuleID, From: string(rule.Status), Action: "move to " + string(change.To)}
	}

	rule.Status = change.To
	rule.UpdatedAt = change.At
	if change.To != models.StatusActive {
		rule.BelowThresholdSince = nil
	}
	s.rules[rule.ID] = rule

	log := change.Log
	log.RuleID = change.RuleID
	s.appendLogLocked(log)
	return nil
}

func (s *Store) UpdateRuleReview(_ context.Context, id string, score float64, decision models.ReviewDecision, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("update rule review"); err != nil {
		return err
	}

	rule, ok := s.rules[id]
	if !ok {
		return apperr.NotFound("rule", id)
	}
	rule.ReviewScore = &score
	rule.ReviewDecision = decision
	rule.ReviewedAt = &at
	rule.UpdatedAt = at
	s.rules[id] = rule
	return nil
}

func (s *Store) UpdateRuleEvaluation(_ context.Context, id string, score float64, evaluatedAt time.Time, belowSince *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("update rule evaluation"); err != nil {
		return err
	}

	rule, ok := s.rules[id]
	if !ok {
		return apperr.NotFound("rule", id)
	}
	rule.EffectivenessScore = score
	rule.LastEvaluatedAt = &evaluatedAt
	rule.BelowThresholdSince = belowSince
	s.rules[id] = rule
	return nil
}

func (s *Store) IncrementRuleUsage(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("increment rule usage"); err != nil {
		return err
	}

	for _, id := range ids {
		rule, ok := s.rules[id]
		if !ok {
			continue
		}
		rule.UsageCount++
		s.rules[id] = rule
	}
	return nil
}

func (s *Store) ListChangeLog(_ context.Context, ruleID string) ([]models.RuleChangeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.RuleChangeLog
	for _, entry := range s.changeLog {
		if ruleID == "" || entry.RuleID == ruleID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Store) CountChanges(_ context.Context, actions []models.ChangeAction, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, entry := range s.changeLog {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		for _, action := range actions {
			if entry.Action == action {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *Store) appendLogLocked(entry models.RuleChangeLog) {
	entry.ID = s.nextLogID
	s.nextLogID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.changeLog = append(s.changeLog, entry)
}

// Conversations and analyses -------------------------------------------------

func (s *Store) SaveConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("save conversation"); err != nil {
		return err
	}

	c := *conv
	c.Messages = append([]models.Message(nil), conv.Messages...)
	c.MessageCount = len(c.Messages)
	if existing, ok := s.conversations[c.SessionID]; ok && c.AnalyzedAt == nil {
		c.AnalyzedAt = existing.AnalyzedAt
	}
	s.conversations[c.SessionID] = c
	return nil
}

func (s *Store) GetConversation(_ context.Context, sessionID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[sessionID]
	if !ok {
		return nil, apperr.NotFound("conversation", sessionID)
	}
	return &conv, nil
}

func (s *Store) ListUnanalyzed(_ context.Context, minMessages, limit int) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Conversation
	for _, conv := range s.conversations {
		if conv.AnalyzedAt != nil || conv.MessageCount < minMessages {
			continue
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndedAt.Equal(out[j].EndedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].EndedAt.Before(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveAnalysis(_ context.Context, analysis *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("save analysis"); err != nil {
		return err
	}

	if analysis.ID == "" {
		analysis.ID = uuid.New().String()
	}
	s.analyses[analysis.SessionID] = *analysis
	if conv, ok := s.conversations[analysis.SessionID]; ok {
		at := analysis.AnalyzedAt
		conv.AnalyzedAt = &at
		s.conversations[analysis.SessionID] = conv
	}
	return nil
}

func (s *Store) GetAnalysis(_ context.Context, sessionID string) (*models.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	analysis, ok := s.analyses[sessionID]
	if !ok {
		return nil, apperr.NotFound("analysis", sessionID)
	}
	return &analysis, nil
}

func (s *Store) ListAnalyses(_ context.Context, filter storage.AnalysisFilter) ([]models.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Analysis
	for _, a := range s.analyses {
		if !filter.Since.IsZero() && a.AnalyzedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !a.AnalyzedAt.Before(filter.Until) {
			continue
		}
		if filter.Industry != "" && a.Industry != filter.Industry {
			continue
		}
		if filter.RuleID != "" && !a.UsedRule(filter.RuleID) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AnalyzedAt.Equal(out[j].AnalyzedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].AnalyzedAt.Before(out[j].AnalyzedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Tags -----------------------------------------------------------------------

func (s *Store) UpsertTag(_ context.Context, tag *models.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("upsert tag"); err != nil {
		return err
	}
	s.tags[tag.SessionID] = *tag
	return nil
}

func (s *Store) GetTag(_ context.Context, sessionID string) (*models.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tag, ok := s.tags[sessionID]
	if !ok {
		return nil, apperr.NotFound("tag", sessionID)
	}
	return &tag, nil
}

func (s *Store) ListTags(_ context.Context, since time.Time) ([]models.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Tag
	for _, tag := range s.tags {
		if !since.IsZero() && tag.CreatedAt.Before(since) {
			continue
		}
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Knowledge ------------------------------------------------------------------

func (s *Store) GetCluster(_ context.Context, clusterType models.ClusterType, key string) (*models.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cluster, ok := s.clusters[clusterType][key]
	if !ok {
		return nil, apperr.NotFound("cluster", string(clusterType)+"/"+key)
	}
	return &cluster, nil
}

func (s *Store) UpsertCluster(_ context.Context, cluster *models.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("upsert cluster"); err != nil {
		return err
	}
	if s.clusters[cluster.Type] == nil {
		s.clusters[cluster.Type] = make(map[string]models.Cluster)
	}
	s.clusters[cluster.Type][cluster.Key] = *cluster
	return nil
}

func (s *Store) ReplaceClusters(_ context.Context, clusterType models.ClusterType, clusters []models.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("replace clusters"); err != nil {
		return err
	}
	next := make(map[string]models.Cluster, len(clusters))
	for _, cluster := range clusters {
		next[cluster.Key] = cluster
	}
	s.clusters[clusterType] = next
	return nil
}

func (s *Store) ListClusters(_ context.Context, clusterType models.ClusterType) ([]models.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Cluster
	for t, byKey := range s.clusters {
		if clusterType != "" && t != clusterType {
			continue
		}
		for _, cluster := range byKey {
			out = append(out, cluster)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (s *Store) UpsertLearningMetric(_ context.Context, metric *models.LearningMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("upsert learning metric"); err != nil {
		return err
	}
	s.metrics[metric.MetricDate] = *metric
	return nil
}

func (s *Store) GetLearningMetric(_ context.Context, date string) (*models.LearningMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metric, ok := s.metrics[date]
	if !ok {
		return nil, apperr.NotFound("learning metric", date)
	}
	return &metric, nil
}

func (s *Store) ListLearningMetrics(_ context.Context, fromDate, toDate string) ([]models.LearningMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.LearningMetric
	for date, metric := range s.metrics {
		if (fromDate == "" || date >= fromDate) && (toDate == "" || date <= toDate) {
			out = append(out, metric)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricDate < out[j].MetricDate })
	return out, nil
}

// Experiments ----------------------------------------------------------------

func (s *Store) InsertExperiment(_ context.Context, exp *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("insert experiment"); err != nil {
		return err
	}
	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}
	s.experiments[exp.ID] = *exp
	return nil
}

func (s *Store) GetExperiment(_ context.Context, id string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, apperr.NotFound("experiment", id)
	}
	return &exp, nil
}

func (s *Store) UpdateExperiment(_ context.Context, exp *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("update experiment"); err != nil {
		return err
	}
	current, ok := s.experiments[exp.ID]
	if !ok {
		return apperr.NotFound("experiment", exp.ID)
	}
	if !current.Accepts(exp.Status) {
		return &apperr.TransitionError{ID: exp.ID, From: string(current.Status), Action: "update experiment"}
	}
	s.experiments[exp.ID] = *exp
	return nil
}

func (s *Store) ListExperiments(_ context.Context, status models.ExperimentStatus) ([]models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Experiment
	for _, exp := range s.experiments {
		if status == "" || exp.Status == status {
			out = append(out, exp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Health ---------------------------------------------------------------------

func (s *Store) UpsertHealth(_ context.Context, h *models.EngineHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("upsert health"); err != nil {
		return err
	}
	s.health[h.Component] = *h
	return nil
}

func (s *Store) ListHealth(_ context.Context) ([]models.EngineHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.EngineHealth, 0, len(s.health))
	for _, h := range s.health {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out, nil
}

func cloneRule(r models.Rule) models.Rule {
	if r.Content != nil {
		content := make(models.RuleContent, len(r.Content))
		for k, v := range r.Content {
			content[k] = v
		}
		r.Content = content
	}
	return r
}
