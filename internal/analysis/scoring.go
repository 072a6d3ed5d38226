package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
)

const opAnalyze = "analyze"

const systemPrompt = `You review conversations between an appeal assistant and a merchant whose store was penalised by a platform.
The assistant collects facts needed to draft an appeal letter. Score the assistant and the merchant's experience.
Reply with one JSON object only:
{
  "professionalism_score": 0-100,
  "appeal_success_rate": 0-100,
  "user_satisfaction": 0-100,
  "response_quality": 0-100,
  "user_sentiment": "positive" | "neutral" | "negative",
  "sentiment_trajectory": [{"turn": 1, "score": -1.0..1.0, "label": "..."}],
  "suggestions": [{"priority": "high" | "medium" | "low", "category": "...", "field": "...", "reason": "..."}]
}`

const maxMessageRunes = 600

// scores is the validated qualitative half of an analysis.
type scores struct {
	professionalism float64
	appealSuccess   float64
	satisfaction    float64
	responseQuality float64
	sentiment       string
	trajectory      []models.SentimentSample
	suggestions     []models.Suggestion
	raw             json.RawMessage
}

func buildPrompt(conv *models.Conversation, stats *models.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Industry: %s\nProblem type: %s\n", orUnknown(conv.Industry), orUnknown(conv.ProblemType))
	fmt.Fprintf(&b, "Fields collected: %s\n", strings.Join(stats.FieldsCollected, ", "))
	fmt.Fprintf(&b, "Fields skipped: %s\n", strings.Join(stats.FieldsSkipped, ", "))
	fmt.Fprintf(&b, "Fields refused: %s\n", strings.Join(stats.FieldsRefused, ", "))
	fmt.Fprintf(&b, "Completion rate: %.0f%%\n\nTranscript:\n", stats.CompletionRate)

	turn := 0
	for _, msg := range conv.Messages {
		if msg.Role == models.RoleUser {
			turn++
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", turn, msg.Role, truncate(msg.Content, maxMessageRunes))
	}
	return b.String()
}

func parseScores(content string) (*scores, error) {
	doc, err := llm.ExtractJSON(opAnalyze, content)
	if err != nil {
		return nil, err
	}
	if !doc.IsObject() {
		return nil, &apperr.MalformedResponseError{Op: opAnalyze, Reason: "expected a JSON object"}
	}

	s := &scores{raw: json.RawMessage(doc.Raw)}
	for path, dst := range map[string]*float64{
		"professionalism_score": &s.professionalism,
		"appeal_success_rate":   &s.appealSuccess,
		"user_satisfaction":     &s.satisfaction,
		"response_quality":      &s.responseQuality,
	} {
		if *dst, err = llm.RequireNumber(opAnalyze, doc, path, 0, 100); err != nil {
			return nil, err
		}
	}

	if s.sentiment, err = llm.RequireString(opAnalyze, doc, "user_sentiment"); err != nil {
		return nil, err
	}
	switch s.sentiment {
	case "positive", "neutral", "negative":
	default:
		return nil, &apperr.MalformedResponseError{Op: opAnalyze, Reason: "unknown user_sentiment " + s.sentiment}
	}

	if s.trajectory, err = parseTrajectory(doc.Get("sentiment_trajectory")); err != nil {
		return nil, err
	}
	if s.suggestions, err = parseSuggestions(doc.Get("suggestions")); err != nil {
		return nil, err
	}
	return s, nil
}

func parseTrajectory(v gjson.Result) ([]models.SentimentSample, error) {
	if !v.Exists() {
		return nil, nil
	}
	if !v.IsArray() {
		return nil, &apperr.MalformedResponseError{Op: opAnalyze, Reason: "sentiment_trajectory must be an array"}
	}
	var out []models.SentimentSample
	for i, item := range v.Array() {
		score, err := llm.RequireNumber(opAnalyze, item, "score", -1, 1)
		if err != nil {
			return nil, err
		}
		turn := int(item.Get("turn").Int())
		if turn <= 0 {
			turn = i + 1
		}
		out = append(out, models.SentimentSample{Turn: turn, Score: score, Label: item.Get("label").String()})
	}
	return out, nil
}

func parseSuggestions(v gjson.Result) ([]models.Suggestion, error) {
	if !v.Exists() {
		return nil, nil
	}
	if !v.IsArray() {
		return nil, &apperr.MalformedResponseError{Op: opAnalyze, Reason: "suggestions must be an array"}
	}
	var out []models.Suggestion
	for _, item := range v.Array() {
		priority := models.SuggestionPriority(item.Get("priority").String())
		switch priority {
		case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
		default:
			return nil, &apperr.MalformedResponseError{Op: opAnalyze, Reason: "unknown suggestion priority " + string(priority)}
		}
		reason, err := llm.RequireString(opAnalyze, item, "reason")
		if err != nil {
			return nil, err
		}
		out = append(out, models.Suggestion{
			Priority: priority,
			Category: item.Get("category").String(),
			Field:    item.Get("field").String(),
			Reason:   reason,
		})
	}
	return out, nil
}

func (s *scores) apply(a *models.Analysis) {
	a.ProfessionalismScore = &s.professionalism
	a.AppealSuccessRate = &s.appealSuccess
	a.UserSatisfaction = &s.satisfaction
	a.ResponseQuality = &s.responseQuality
	a.UserSentiment = s.sentiment
	a.SentimentTrajectory = s.trajectory
	a.Suggestions = s.suggestions
	a.RawAnalysis = s.raw
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
