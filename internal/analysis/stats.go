package analysis

import (
	"sort"
	"strings"

	"github.com/appeal-assistant/evolution/internal/evaluation"
	"github.com/appeal-assistant/evolution/internal/storage/models"
)

// Compute derives the deterministic part of an analysis from the transcript
// and final field snapshot. expected lists the fields an appeal needs; when
// empty every field in the snapshot counts.
func Compute(conv *models.Conversation, expected []string) models.Analysis {
	a := models.Analysis{
		SessionID:     conv.SessionID,
		UserID:        conv.UserID,
		Industry:      conv.Industry,
		ProblemType:   conv.ProblemType,
		ActiveRuleIDs: append([]string(nil), conv.ActiveRuleIDs...),
	}

	for _, msg := range conv.Messages {
		switch msg.Role {
		case models.RoleUser:
			a.TotalTurns++
		case models.RoleAssistant:
			if asksQuestion(msg.Content) {
				a.CollectionTurns++
			}
		}
	}

	collected := make(map[string]bool)
	for _, name := range fieldOrder(conv) {
		switch conv.Fields[name].Status {
		case models.FieldCollected:
			a.FieldsCollected = append(a.FieldsCollected, name)
			collected[name] = true
		case models.FieldSkipped:
			a.FieldsSkipped = append(a.FieldsSkipped, name)
		case models.FieldRefused:
			a.FieldsRefused = append(a.FieldsRefused, name)
		}
	}

	if len(expected) == 0 {
		expected = fieldOrder(conv)
	}
	var hit int
	for _, name := range expected {
		if collected[name] {
			hit++
		}
	}
	if len(expected) > 0 {
		a.CompletionRate = evaluation.Clamp(float64(hit)/float64(len(expected))*100, 0, 100)
	}

	if a.CompletionRate < 100 && endedOnAssistant(conv.Messages) {
		for _, name := range expected {
			if !collected[name] {
				field := name
				a.DropOffPoint = &field
				break
			}
		}
	}

	turns := a.CollectionTurns
	if turns < 1 {
		turns = 1
	}
	a.CollectionEfficiency = evaluation.Clamp(float64(len(a.FieldsCollected))/float64(turns)*100, 0, 100)

	return a
}

func asksQuestion(content string) bool {
	return strings.ContainsAny(content, "?？")
}

// fieldOrder lists snapshot fields in collection order, then any stragglers by name.
func fieldOrder(conv *models.Conversation) []string {
	seen := make(map[string]bool, len(conv.Fields))
	order := make([]string, 0, len(conv.Fields))
	for _, name := range conv.FieldOrder {
		if _, ok := conv.Fields[name]; ok && !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	var rest []string
	for name := range conv.Fields {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// endedOnAssistant reports whether the user left without answering the last turn.
func endedOnAssistant(messages []models.Message) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		switch messages[i].Role {
		case models.RoleAssistant:
			return true
		case models.RoleUser:
			return false
		}
	}
	return false
}
