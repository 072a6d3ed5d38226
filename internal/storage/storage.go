// Package storage declares the persistence contracts of the evolution engine.
// Implementations must return apperr.NotFound for missing rows and wrap driver
// failures in apperr.StoreError.
package storage

import (
	"context"
	"time"

	"github.com/appeal-assistant/evolution/internal/storage/models"
)

type RuleFilter struct {
	Category models.RuleCategory
	Status   models.RuleStatus
	Key      string
	Source   models.RuleSource
	Limit    int
}

type AnalysisFilter struct {
	Since    time.Time
	Until    time.Time
	RuleID   string
	Industry string
	Limit    int
}

// StatusChange moves a rule from one status to another. It only applies when
// the stored status still equals From; the change log entry is written in the
// same transaction.
type StatusChange struct {
	RuleID string
	From   models.RuleStatus
	To     models.RuleStatus
	Log    models.RuleChangeLog
	At     time.Time
}

type RuleStore interface {
	// CreateRuleVersion assigns rule.Version = max(existing)+1 for the rule's
	// (category, key) and rule.ParentID = the latest existing version, then
	// inserts the rule and its change log entry atomically.
	CreateRuleVersion(ctx context.Context, rule *models.Rule, log models.RuleChangeLog) error
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]models.Rule, error)
	LatestRuleVersion(ctx context.Context, category models.RuleCategory, key string) (*models.Rule, error)
	CountRules(ctx context.Context, category models.RuleCategory, status models.RuleStatus) (int, error)
	ChangeRuleStatus(ctx context.Context, change StatusChange) error
	UpdateRuleReview(ctx context.Context, id string, score float64, decision models.ReviewDecision, at time.Time) error
	UpdateRuleEvaluation(ctx context.Context, id string, score float64, evaluatedAt time.Time, belowSince *time.Time) error
	IncrementRuleUsage(ctx context.Context, ids []string) error
	ListChangeLog(ctx context.Context, ruleID string) ([]models.RuleChangeLog, error)
	CountChanges(ctx context.Context, actions []models.ChangeAction, from, to time.Time) (int, error)
}

type ConversationStore interface {
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, sessionID string) (*models.Conversation, error)
	// ListUnanalyzed returns finished conversations without an analysis that
	// have at least minMessages messages, oldest first.
	ListUnanalyzed(ctx context.Context, minMessages, limit int) ([]models.Conversation, error)
}

type AnalysisStore interface {
	// SaveAnalysis inserts the analysis and marks its conversation analyzed.
	SaveAnalysis(ctx context.Context, analysis *models.Analysis) error
	GetAnalysis(ctx context.Context, sessionID string) (*models.Analysis, error)
	ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]models.Analysis, error)
}

type TagStore interface {
	UpsertTag(ctx context.Context, tag *models.Tag) error
	GetTag(ctx context.Context, sessionID string) (*models.Tag, error)
	ListTags(ctx context.Context, since time.Time) ([]models.Tag, error)
}

type KnowledgeStore interface {
	GetCluster(ctx context.Context, clusterType models.ClusterType, key string) (*models.Cluster, error)
	UpsertCluster(ctx context.Context, cluster *models.Cluster) error
	// ReplaceClusters swaps every cluster of clusterType for clusters in one transaction.
	ReplaceClusters(ctx context.Context, clusterType models.ClusterType, clusters []models.Cluster) error
	ListClusters(ctx context.Context, clusterType models.ClusterType) ([]models.Cluster, error)
	UpsertLearningMetric(ctx context.Context, metric *models.LearningMetric) error
	GetLearningMetric(ctx context.Context, date string) (*models.LearningMetric, error)
	ListLearningMetrics(ctx context.Context, fromDate, toDate string) ([]models.LearningMetric, error)
}

type ExperimentStore interface {
	InsertExperiment(ctx context.Context, exp *models.Experiment) error
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	// UpdateExperiment overwrites a running experiment; terminal rows are immutable.
	UpdateExperiment(ctx context.Context, exp *models.Experiment) error
	ListExperiments(ctx context.Context, status models.ExperimentStatus) ([]models.Experiment, error)
}

type HealthStore interface {
	UpsertHealth(ctx context.Context, h *models.EngineHealth) error
	ListHealth(ctx context.Context) ([]models.EngineHealth, error)
}

type Store interface {
	RuleStore
	ConversationStore
	AnalysisStore
	TagStore
	KnowledgeStore
	ExperimentStore
	HealthStore
	Close() error
}
