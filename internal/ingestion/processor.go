package ingestion

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

var (
	whitespace = regexp.MustCompile(`\s+`)
	markup     = regexp.MustCompile(`<[a-zA-Z/!][^>]*>|&[a-zA-Z#0-9]+;`)
)

// Processor records finished conversations so batch analysis can pick them up.
type Processor struct {
	store   storage.ConversationStore
	monitor *health.Monitor
	now     func() time.Time
}

func NewProcessor(store storage.ConversationStore, monitor *health.Monitor) *Processor {
	return &Processor{store: store, monitor: monitor, now: time.Now}
}

// Record normalises conv and stores it. The stored copy is returned.
func (p *Processor) Record(ctx context.Context, conv models.Conversation) (*models.Conversation, error) {
	if strings.TrimSpace(conv.SessionID) == "" {
		return nil, apperr.Invalid("session_id", "must not be empty")
	}

	conv.Messages = NormalizeMessages(conv.Messages)
	conv.MessageCount = len(conv.Messages)
	if conv.EndedAt.IsZero() {
		conv.EndedAt = p.now()
	}
	if len(conv.FieldOrder) == 0 && len(conv.Fields) > 0 {
		for name := range conv.Fields {
			conv.FieldOrder = append(conv.FieldOrder, name)
		}
		sort.Strings(conv.FieldOrder)
	}
	conv.ActiveRuleIDs = dedupe(conv.ActiveRuleIDs)
	conv.AnalyzedAt = nil

	err := p.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return p.store.SaveConversation(ctx, &conv)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Conversation recorded",
		zap.String("session_id", conv.SessionID),
		zap.Int("messages", conv.MessageCount),
		zap.Int("active_rules", len(conv.ActiveRuleIDs)),
	)
	return &conv, nil
}

// NormalizeMessages strips markup, collapses whitespace and drops empty messages.
func NormalizeMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		m.Content = CleanText(m.Content)
		if m.Content == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func CleanText(text string) string {
	if markup.MatchString(text) {
		text = stripHTML(text)
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

func stripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script, style").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	doc.Find("br, p, li, div").Each(func(i int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})

	return doc.Find("body").Text()
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
