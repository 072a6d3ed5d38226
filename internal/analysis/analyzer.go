// Package analysis scores finished conversations. Turn and field statistics are
// computed locally; professionalism, sentiment and suggestions come from the LLM.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/metrics"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/internal/tagging"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const (
	defaultBatchSize   = 20
	defaultMinMessages = 3
	analysisTemp       = 0.2
)

type Store interface {
	storage.ConversationStore
	storage.AnalysisStore
}

// Sink receives every analysis after it has been persisted and tagged.
type Sink interface {
	Ingest(ctx context.Context, conv *models.Conversation, a *models.Analysis, tag *models.Tag) error
}

type Analyzer struct {
	store     Store
	completer llm.Completer
	monitor   *health.Monitor
	tagger    *tagging.Engine
	sinks     []Sink
	cfg       config.AnalysisConfig
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Analyzer)

func WithSinks(sinks ...Sink) Option {
	return func(a *Analyzer) { a.sinks = append(a.sinks, sinks...) }
}

func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

func NewAnalyzer(store Store, completer llm.Completer, monitor *health.Monitor, tagger *tagging.Engine, cfg config.AnalysisConfig, opts ...Option) *Analyzer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = defaultMinMessages
	}
	a := &Analyzer{
		store:     store,
		completer: completer,
		monitor:   monitor,
		tagger:    tagger,
		cfg:       cfg,
		now:       time.Now,
		log:       logger.Named("analyzer"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze scores one conversation, persists the analysis and tags it. Model
// output that fails validation yields a degraded analysis carrying only the
// deterministic statistics. A provider or store failure is returned and the
// conversation stays unanalyzed.
func (an *Analyzer) Analyze(ctx context.Context, conv *models.Conversation) (*models.Analysis, error) {
	result := Compute(conv, an.cfg.ExpectedFields)
	result.ID = uuid.New().String()

	s, err := an.score(ctx, conv, &result)
	switch {
	case err == nil:
		s.apply(&result)
	case errors.Is(err, apperr.ErrMalformedResponse):
		result.Degraded = true
		an.log.Warn("Model output rejected, storing degraded analysis",
			zap.String("session_id", conv.SessionID),
			zap.Error(err),
		)
	default:
		return nil, fmt.Errorf("failed to score conversation %s: %w", conv.SessionID, err)
	}
	result.AnalyzedAt = an.now()

	err = an.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
		return an.store.SaveAnalysis(ctx, &result)
	})
	if err != nil {
		return nil, err
	}

	mode := "full"
	if result.Degraded {
		mode = "degraded"
	}
	metrics.AnalysesTotal.WithLabelValues(mode).Inc()

	tag, err := an.tagger.Tag(ctx, &result)
	if err != nil {
		return &result, fmt.Errorf("failed to tag conversation %s: %w", conv.SessionID, err)
	}

	for _, sink := range an.sinks {
		if err := sink.Ingest(ctx, conv, &result, tag); err != nil {
			an.log.Warn("Analysis sink failed",
				zap.String("session_id", conv.SessionID),
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Error(err),
			)
		}
	}

	an.log.Info("Conversation analyzed",
		zap.String("session_id", conv.SessionID),
		zap.String("mode", mode),
		zap.Float64("completion_rate", result.CompletionRate),
		zap.String("outcome", string(tag.Outcome)),
	)
	return &result, nil
}

func (an *Analyzer) score(ctx context.Context, conv *models.Conversation, stats *models.Analysis) (*scores, error) {
	resp, err := health.Do(ctx, an.monitor, health.ComponentLLM, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return an.completer.Complete(ctx, llm.CompletionRequest{
			Operation:    opAnalyze,
			SystemPrompt: systemPrompt,
			UserPrompt:   buildPrompt(conv, stats),
			Temperature:  analysisTemp,
			JSONObject:   true,
		})
	})
	if err != nil {
		return nil, err
	}
	return parseScores(resp.Content)
}

type BatchResult struct {
	Analyzed int `json:"analyzed"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
}

// RunBatch analyzes up to the configured number of pending conversations,
// oldest first. Cancellation is honoured between conversations. It returns an
// error only when nothing could be analyzed.
func (an *Analyzer) RunBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	pending, err := health.Do(ctx, an.monitor, health.ComponentStore, func(ctx context.Context) ([]models.Conversation, error) {
		return an.store.ListUnanalyzed(ctx, an.cfg.MinMessages, an.cfg.BatchSize)
	})
	if err != nil {
		return res, fmt.Errorf("failed to list pending conversations: %w", err)
	}

	var lastErr error
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		a, err := an.Analyze(ctx, &pending[i])
		if err != nil {
			res.Failed++
			lastErr = err
			if errors.Is(err, apperr.ErrCircuitOpen) {
				an.log.Warn("Circuit open, stopping batch", zap.Error(err))
				break
			}
			continue
		}
		res.Analyzed++
		if a.Degraded {
			res.Degraded++
		}
	}

	an.log.Info("Batch analysis finished",
		zap.Int("pending", len(pending)),
		zap.Int("analyzed", res.Analyzed),
		zap.Int("degraded", res.Degraded),
		zap.Int("failed", res.Failed),
	)

	if res.Analyzed == 0 && lastErr != nil {
		return res, lastErr
	}
	return res, nil
}
