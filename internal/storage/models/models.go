package models

import (
	"encoding/json"
	"time"
)

type RuleCategory string

const (
	CategoryCollectionStrategy  RuleCategory = "collection_strategy"
	CategoryQuestionTemplate    RuleCategory = "question_template"
	CategoryIndustryKnowledge   RuleCategory = "industry_knowledge"
	CategoryViolationStrategy   RuleCategory = "violation_strategy"
	CategoryConversationPattern RuleCategory = "conversation_pattern"
	CategoryDiagnosisRule       RuleCategory = "diagnosis_rule"
)

var RuleCategories = []RuleCategory{
	CategoryCollectionStrategy,
	CategoryQuestionTemplate,
	CategoryIndustryKnowledge,
	CategoryViolationStrategy,
	CategoryConversationPattern,
	CategoryDiagnosisRule,
}

func (c RuleCategory) Valid() bool {
	for _, known := range RuleCategories {
		if c == known {
			return true
		}
	}
	return false
}

type RuleSource string

const (
	SourceAIGenerated   RuleSource = "ai_generated"
	SourceAdminManual   RuleSource = "admin_manual"
	SourceSystemDefault RuleSource = "system_default"
)

func (s RuleSource) Valid() bool {
	return s == SourceAIGenerated || s == SourceAdminManual || s == SourceSystemDefault
}

type RuleStatus string

const (
	StatusPendingReview RuleStatus = "pending_review"
	StatusActive        RuleStatus = "active"
	StatusArchived      RuleStatus = "archived"
	StatusRejected      RuleStatus = "rejected"
)

type ReviewDecision string

const (
	DecisionApprove     ReviewDecision = "approve"
	DecisionReject      ReviewDecision = "reject"
	DecisionNeedsReview ReviewDecision = "needs_review"
)

// RuleContent is free-form guidance injected into assistant prompts; the engine never interprets it.
type RuleContent map[string]any

type Rule struct {
	ID                  string         `json:"id"`
	Category            RuleCategory   `json:"category"`
	Key                 string         `json:"key"`
	Name                string         `json:"name"`
	Content             RuleContent    `json:"content"`
	Source              RuleSource     `json:"source"`
	Status              RuleStatus     `json:"status"`
	EffectivenessScore  float64        `json:"effectiveness_score"`
	UsageCount          int64          `json:"usage_count"`
	Version             int            `json:"version"`
	ParentID            string         `json:"parent_id,omitempty"`
	ReviewScore         *float64       `json:"review_score,omitempty"`
	ReviewDecision      ReviewDecision `json:"review_decision"`
	ReviewedAt          *time.Time     `json:"reviewed_at,omitempty"`
	LastEvaluatedAt     *time.Time     `json:"last_evaluated_at,omitempty"`
	BelowThresholdSince *time.Time     `json:"below_threshold_since,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

type ChangeAction string

const (
	ActionCreated      ChangeAction = "created"
	ActionUpdated      ChangeAction = "updated"
	ActionActivated    ChangeAction = "activated"
	ActionArchived     ChangeAction = "archived"
	ActionRejected     ChangeAction = "rejected"
	ActionAutoPromoted ChangeAction = "auto_promoted"
)

// ActorSystem marks changes made by the engine itself rather than an operator.
const ActorSystem = "system"

type RuleChangeLog struct {
	ID         int64        `json:"id"`
	RuleID     string       `json:"rule_id"`
	Action     ChangeAction `json:"action"`
	OldContent RuleContent  `json:"old_content"`
	NewContent RuleContent  `json:"new_content"`
	Reason     string       `json:"reason"`
	ChangedBy  string       `json:"changed_by"`
	CreatedAt  time.Time    `json:"created_at"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

type FieldStatus string

const (
	FieldCollected FieldStatus = "collected"
	FieldSkipped   FieldStatus = "skipped"
	FieldRefused   FieldStatus = "refused"
	FieldMissing   FieldStatus = "missing"
)

type FieldValue struct {
	Value  string      `json:"value,omitempty"`
	Status FieldStatus `json:"status"`
}

// FieldSnapshot is the final structured-field state of a conversation, keyed by field name.
type FieldSnapshot map[string]FieldValue

// Conversation is a finished chat session awaiting analysis.
type Conversation struct {
	SessionID     string             `json:"session_id"`
	UserID        string             `json:"user_id"`
	Industry      string             `json:"industry"`
	ProblemType   string             `json:"problem_type"`
	Messages      []Message          `json:"messages"`
	Fields        FieldSnapshot      `json:"fields"`
	FieldOrder    []string           `json:"field_order"`
	ActiveRuleIDs []string           `json:"active_rule_ids"`
	// Experiments maps experiment id to the variant this session was routed to.
	Experiments   map[string]Variant `json:"experiments"`
	MessageCount  int                `json:"message_count"`
	EndedAt       time.Time          `json:"ended_at"`
	AnalyzedAt    *time.Time         `json:"analyzed_at,omitempty"`
}

type SentimentSample struct {
	Turn  int     `json:"turn"`
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

type SuggestionPriority string

const (
	PriorityHigh   SuggestionPriority = "high"
	PriorityMedium SuggestionPriority = "medium"
	PriorityLow    SuggestionPriority = "low"
)

type Suggestion struct {
	Priority SuggestionPriority `json:"priority"`
	Category string             `json:"category"`
	Field    string             `json:"field,omitempty"`
	Reason   string             `json:"reason"`
}

type Analysis struct {
	ID                   string            `json:"id"`
	SessionID            string            `json:"session_id"`
	UserID               string            `json:"user_id"`
	Industry             string            `json:"industry"`
	ProblemType          string            `json:"problem_type"`
	TotalTurns           int               `json:"total_turns"`
	CollectionTurns      int               `json:"collection_turns"`
	FieldsCollected      []string          `json:"fields_collected"`
	FieldsSkipped        []string          `json:"fields_skipped"`
	FieldsRefused        []string          `json:"fields_refused"`
	CompletionRate       float64           `json:"completion_rate"`
	ProfessionalismScore *float64          `json:"professionalism_score,omitempty"`
	AppealSuccessRate    *float64          `json:"appeal_success_rate,omitempty"`
	UserSatisfaction     *float64          `json:"user_satisfaction,omitempty"`
	ResponseQuality      *float64          `json:"response_quality,omitempty"`
	UserSentiment        string            `json:"user_sentiment"`
	DropOffPoint         *string           `json:"drop_off_point,omitempty"`
	CollectionEfficiency float64           `json:"collection_efficiency"`
	SentimentTrajectory  []SentimentSample `json:"sentiment_trajectory"`
	Suggestions          []Suggestion      `json:"suggestions"`
	RawAnalysis          json.RawMessage   `json:"raw_analysis,omitempty"`
	ActiveRuleIDs        []string          `json:"active_rule_ids"`
	Degraded             bool              `json:"degraded"`
	AnalyzedAt           time.Time         `json:"analyzed_at"`
}

// UsedRule reports whether the conversation consulted ruleID.
func (a *Analysis) UsedRule(ruleID string) bool {
	for _, id := range a.ActiveRuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomePartial    Outcome = "partial"
	OutcomeAbandoned  Outcome = "abandoned"
	OutcomeRedirected Outcome = "redirected"
)

type Tag struct {
	SessionID        string          `json:"session_id"`
	AnalysisID       string          `json:"analysis_id"`
	Difficulty       Difficulty      `json:"difficulty"`
	UserType         string          `json:"user_type"`
	QualityScore     float64         `json:"quality_score"`
	Outcome          Outcome         `json:"outcome"`
	Tags             []string        `json:"tags"`
	IndustryCluster  string          `json:"industry_cluster"`
	ViolationCluster string          `json:"violation_cluster"`
	PatternFlags     map[string]bool `json:"pattern_flags"`
	CreatedAt        time.Time       `json:"created_at"`
}

type ClusterType string

const (
	ClusterIndustry      ClusterType = "industry_pattern"
	ClusterViolation     ClusterType = "violation_pattern"
	ClusterUserType      ClusterType = "user_type_pattern"
	ClusterDropOff       ClusterType = "drop_off_pattern"
	ClusterQuestionUsage ClusterType = "question_effectiveness"
)

var ClusterTypes = []ClusterType{
	ClusterIndustry,
	ClusterViolation,
	ClusterUserType,
	ClusterDropOff,
	ClusterQuestionUsage,
}

type FieldCount struct {
	Field string `json:"field"`
	Count int    `json:"count"`
}

// PatternInsight aggregates conversations sharing a pattern key.
type PatternInsight struct {
	AvgCompletion         float64        `json:"avg_completion"`
	CompletionM2          float64        `json:"completion_m2"`
	AvgSatisfaction       float64        `json:"avg_satisfaction"`
	SatisfactionSamples   int            `json:"satisfaction_samples"`
	AvgTurns              float64        `json:"avg_turns"`
	DropOffFields         map[string]int `json:"drop_off_fields"`
	TopDropOffFields      []FieldCount   `json:"top_drop_off_fields"`
	OutcomeDistribution   map[string]int `json:"outcome_distribution"`
	SentimentDistribution map[string]int `json:"sentiment_distribution"`
}

// QuestionInsight measures how well one field gets collected.
type QuestionInsight struct {
	Asked          int     `json:"asked"`
	Collected      int     `json:"collected"`
	Skipped        int     `json:"skipped"`
	Refused        int     `json:"refused"`
	CollectionRate float64 `json:"collection_rate"`
}

// ClusterInsight carries exactly one of its sections, picked by Kind.
type ClusterInsight struct {
	Kind     ClusterType      `json:"kind"`
	Pattern  *PatternInsight  `json:"pattern,omitempty"`
	Question *QuestionInsight `json:"question,omitempty"`
}

type Cluster struct {
	Type        ClusterType    `json:"type"`
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Insight     ClusterInsight `json:"insight"`
	SampleCount int            `json:"sample_count"`
	Confidence  float64        `json:"confidence"`
	LastUpdated time.Time      `json:"last_updated"`
}

type LearningMetric struct {
	MetricDate                 string       `json:"metric_date"`
	TotalConversations         int          `json:"total_conversations"`
	AvgCollectionTurns         float64      `json:"avg_collection_turns"`
	AvgCompletionRate          float64      `json:"avg_completion_rate"`
	AvgUserSatisfaction        float64      `json:"avg_user_satisfaction"`
	AvgProfessionalism         float64      `json:"avg_professionalism"`
	AvgAppealSuccess           float64      `json:"avg_appeal_success"`
	CompletionCount            int          `json:"completion_count"`
	DropOffCount               int          `json:"drop_off_count"`
	TopDropOffFields           []FieldCount `json:"top_drop_off_fields"`
	TopImprovements            []FieldCount `json:"top_improvements"`
	RulesGenerated             int          `json:"rules_generated"`
	RulesPromoted              int          `json:"rules_promoted"`
	ProductRecommendationCount int          `json:"product_recommendation_count"`
}

type ExperimentStatus string

const (
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentAborted   ExperimentStatus = "aborted"
	ExperimentFailed    ExperimentStatus = "failed"
)

type Variant string

const (
	VariantA Variant = "a"
	VariantB Variant = "b"
)

type Winner string

const (
	WinnerA            Winner = "a"
	WinnerB            Winner = "b"
	WinnerInconclusive Winner = "inconclusive"
)

type VariantDefinition struct {
	Label   string      `json:"label"`
	RuleID  string      `json:"rule_id,omitempty"`
	Content RuleContent `json:"content,omitempty"`
}

// VariantResult is a running summary of one side's observations.
type VariantResult struct {
	Completion       float64 `json:"completion_sum"`
	CompletionSq     float64 `json:"completion_sq_sum"`
	Satisfaction     float64 `json:"satisfaction_sum"`
	SatisfactionN    int     `json:"satisfaction_n"`
	Conversions      int     `json:"conversions"`
	MeanCompletion   float64 `json:"mean_completion"`
	MeanSatisfaction float64 `json:"mean_satisfaction"`
}

type Experiment struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	RuleID     string            `json:"rule_id"`
	Hypothesis string            `json:"hypothesis"`
	Status     ExperimentStatus  `json:"status"`
	VariantA   VariantDefinition `json:"variant_a"`
	VariantB   VariantDefinition `json:"variant_b"`
	SampleA    int               `json:"sample_a"`
	SampleB    int               `json:"sample_b"`
	ResultA    VariantResult     `json:"result_a"`
	ResultB    VariantResult     `json:"result_b"`
	Winner     *Winner           `json:"winner,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
}

func (e *Experiment) Terminal() bool {
	return e.Status != ExperimentRunning
}

// Accepts reports whether a stored experiment in this state may be
// overwritten with next. Only running experiments change, except that a
// completed one can still be marked failed.
func (e *Experiment) Accepts(next ExperimentStatus) bool {
	return !e.Terminal() || (e.Status == ExperimentCompleted && next == ExperimentFailed)
}

type EngineHealth struct {
	Component     string            `json:"component"`
	Status        string            `json:"status"`
	ErrorCount    int               `json:"error_count"`
	SuccessCount  int64             `json:"success_count"`
	LastError     string            `json:"last_error,omitempty"`
	LastSuccessAt *time.Time        `json:"last_success_at,omitempty"`
	LastErrorAt   *time.Time        `json:"last_error_at,omitempty"`
	CircuitOpenAt *time.Time        `json:"circuit_open_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
