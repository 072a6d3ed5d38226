// Package tagging classifies analyzed conversations into difficulty, user type
// and outcome buckets.
package tagging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const (
	completedThreshold  = 80.0
	partialThreshold    = 40.0
	hardCompletion      = 50.0
	negativeTerminal    = -0.2
	easyMaxTurns        = 8
	hardMinTurns        = 20
	efficientMaxTurns   = 5
	cooperativeMood     = 0.3
	frustratedMood      = -0.3
	sentimentDeclineGap = -0.4
	earlyDropOffTurns   = 2

	FlagEarlyDropOff     = "early_drop_off"
	FlagMultipleRefusals = "multiple_refusals"
	FlagSentimentDecline = "sentiment_decline"
	FlagLongConversation = "long_conversation"
	FlagDegradedAnalysis = "degraded_analysis"
	unknownCluster       = "unknown"
	userTypeGuarded      = "guarded"
	userTypeCooperative  = "cooperative"
	userTypeFrustrated   = "frustrated"
	userTypeEfficient    = "efficient"
	userTypeNeutral      = "neutral"
)

type Engine struct {
	store   storage.TagStore
	monitor *health.Monitor
	now     func() time.Time
}

func NewEngine(store storage.TagStore, monitor *health.Monitor) *Engine {
	return &Engine{store: store, monitor: monitor, now: time.Now}
}

// Tag classifies a and upserts the result under its session id.
func (e *Engine) Tag(ctx context.Context, a *models.Analysis) (*models.Tag, error) {
	tag := Classify(a)
	tag.CreatedAt = e.now()

	err := e.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return e.store.UpsertTag(ctx, &tag)
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Conversation tagged",
		zap.String("session_id", tag.SessionID),
		zap.String("outcome", string(tag.Outcome)),
		zap.String("difficulty", string(tag.Difficulty)),
	)
	return &tag, nil
}

// Classify is the pure mapping from an analysis to its tag.
func Classify(a *models.Analysis) models.Tag {
	flags := patternFlags(a)

	tag := models.Tag{
		SessionID:        a.SessionID,
		AnalysisID:       a.ID,
		Difficulty:       difficulty(a),
		UserType:         userType(a),
		QualityScore:     quality(a),
		Outcome:          outcome(a),
		IndustryCluster:  clusterKey(a.Industry),
		ViolationCluster: clusterKey(a.ProblemType),
		PatternFlags:     flags,
	}

	tag.Tags = []string{string(tag.Outcome), string(tag.Difficulty), tag.UserType}
	for _, name := range []string{FlagEarlyDropOff, FlagMultipleRefusals, FlagSentimentDecline, FlagLongConversation} {
		if flags[name] {
			tag.Tags = append(tag.Tags, name)
		}
	}
	if a.Degraded {
		tag.Tags = append(tag.Tags, FlagDegradedAnalysis)
	}
	return tag
}

func outcome(a *models.Analysis) models.Outcome {
	dropped := a.DropOffPoint != nil
	if a.CompletionRate >= completedThreshold && !dropped {
		return models.OutcomeCompleted
	}
	if terminal, ok := terminalSentiment(a); ok && terminal < negativeTerminal {
		return models.OutcomeAbandoned
	}
	if dropped && a.CompletionRate < partialThreshold {
		return models.OutcomeAbandoned
	}
	if a.CompletionRate >= partialThreshold {
		return models.OutcomePartial
	}
	return models.OutcomeRedirected
}

func difficulty(a *models.Analysis) models.Difficulty {
	switch {
	case a.TotalTurns <= easyMaxTurns && a.CompletionRate >= completedThreshold:
		return models.DifficultyEasy
	case a.TotalTurns > hardMinTurns || a.CompletionRate < hardCompletion:
		return models.DifficultyHard
	default:
		return models.DifficultyMedium
	}
}

func userType(a *models.Analysis) string {
	if len(a.FieldsRefused) >= 2 {
		return userTypeGuarded
	}
	if avg, ok := averageSentiment(a); ok {
		if avg > cooperativeMood {
			return userTypeCooperative
		}
		if avg < frustratedMood {
			return userTypeFrustrated
		}
	}
	if a.TotalTurns <= efficientMaxTurns && a.CompletionRate >= completedThreshold {
		return userTypeEfficient
	}
	return userTypeNeutral
}

func quality(a *models.Analysis) float64 {
	var sum float64
	var n int
	for _, score := range []*float64{a.ProfessionalismScore, a.UserSatisfaction, a.ResponseQuality, a.AppealSuccessRate} {
		if score != nil {
			sum += *score
			n++
		}
	}
	if n == 0 {
		return a.CompletionRate
	}
	return sum / float64(n)
}

func patternFlags(a *models.Analysis) map[string]bool {
	flags := map[string]bool{
		FlagEarlyDropOff:     a.DropOffPoint != nil && a.CollectionTurns <= earlyDropOffTurns,
		FlagMultipleRefusals: len(a.FieldsRefused) >= 2,
		FlagLongConversation: a.TotalTurns > hardMinTurns,
	}
	if n := len(a.SentimentTrajectory); n >= 2 {
		first := a.SentimentTrajectory[0].Score
		last := a.SentimentTrajectory[n-1].Score
		flags[FlagSentimentDecline] = last-first <= sentimentDeclineGap
	} else {
		flags[FlagSentimentDecline] = false
	}
	return flags
}

func terminalSentiment(a *models.Analysis) (float64, bool) {
	if n := len(a.SentimentTrajectory); n > 0 {
		return a.SentimentTrajectory[n-1].Score, true
	}
	switch a.UserSentiment {
	case "negative":
		return -0.5, true
	case "positive":
		return 0.5, true
	}
	return 0, false
}

func averageSentiment(a *models.Analysis) (float64, bool) {
	if len(a.SentimentTrajectory) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range a.SentimentTrajectory {
		sum += s.Score
	}
	return sum / float64(len(a.SentimentTrajectory)), true
}

func clusterKey(v string) string {
	if v == "" {
		return unknownCluster
	}
	return v
}
