// Package engine constructs every evolution service once and holds them in
// one application context.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/analysis"
	"github.com/appeal-assistant/evolution/internal/cache/redis"
	"github.com/appeal-assistant/evolution/internal/exploration"
	"github.com/appeal-assistant/evolution/internal/generation"
	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/ingestion"
	"github.com/appeal-assistant/evolution/internal/knowledge"
	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/prompt"
	"github.com/appeal-assistant/evolution/internal/rules"
	"github.com/appeal-assistant/evolution/internal/scheduler"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/memory"
	"github.com/appeal-assistant/evolution/internal/storage/sqlite"
	"github.com/appeal-assistant/evolution/internal/tagging"
	"github.com/appeal-assistant/evolution/pkg/config"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

type App struct {
	Config *config.Config
	Store  storage.Store
	Mirror *redis.Client

	Monitor     *health.Monitor
	Completer   llm.Completer
	Intake      *ingestion.Processor
	Tagger      *tagging.Engine
	Analyzer    *analysis.Analyzer
	Loader      *rules.Loader
	Rules       *rules.Manager
	Generator   *generation.Generator
	Knowledge   *knowledge.Aggregator
	Exploration *exploration.Runner
	Prompts     *prompt.Composer
	Scheduler   *scheduler.Scheduler

	cancel context.CancelFunc
}

type options struct {
	store     storage.Store
	completer llm.Completer
}

type Option func(*options)

// WithStore replaces the configured store, e.g. with memory.New().
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

func WithCompleter(c llm.Completer) Option {
	return func(o *options) { o.completer = c }
}

// New wires the application. An empty sqlite path selects the in-memory store.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg}

	store, err := openStore(cfg.SQLite, o.store)
	if err != nil {
		return nil, err
	}
	app.Store = store

	if cfg.Redis.Enabled {
		mirror, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.Mirror = mirror
	}

	app.Completer = o.completer
	if app.Completer == nil {
		app.Completer = llm.NewClient(cfg.LLM)
	}

	app.Monitor = health.NewMonitor(store, cfg.Health)
	app.Intake = ingestion.NewProcessor(store, app.Monitor)
	app.Tagger = tagging.NewEngine(store, app.Monitor)

	var loaderOpts []rules.LoaderOption
	if app.Mirror != nil {
		loaderOpts = append(loaderOpts, rules.WithMirror(app.Mirror))
	}
	app.Loader = rules.NewLoader(store, app.Monitor, time.Duration(cfg.Rules.CacheTTLSec)*time.Second, loaderOpts...)
	app.Rules = rules.NewManager(store, app.Monitor, app.Completer, app.Loader, cfg.Rules)
	app.Generator = generation.NewGenerator(app.Completer, app.Monitor, app.Rules, app.Loader)
	app.Knowledge = knowledge.NewAggregator(store, app.Monitor, cfg.Knowledge)
	app.Exploration = exploration.NewRunner(store, app.Monitor, app.Rules, cfg.Exploration)
	app.Rules.OnRetire(app.Exploration.RuleRetired)
	app.Prompts = prompt.NewComposer(app.Loader, app.Rules, app.Exploration)

	app.Analyzer = analysis.NewAnalyzer(store, app.Completer, app.Monitor, app.Tagger, cfg.Analysis,
		analysis.WithSinks(app.Knowledge, exploration.NewSink(app.Exploration)),
	)

	app.Scheduler = scheduler.New(app.Monitor)
	err = app.Scheduler.RegisterDefaults(cfg.Scheduler, scheduler.Pipeline{
		Analyzer:   app.Analyzer,
		Generator:  app.Generator,
		Analyses:   store,
		Lifecycle:  app.Rules,
		Aggregator: app.Knowledge,
		Explorer:   app.Exploration,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func openStore(cfg config.SQLiteConfig, override storage.Store) (storage.Store, error) {
	if override != nil {
		return override, nil
	}
	if cfg.Path == "" {
		logger.Warn("No sqlite path configured, using the in-memory store")
		return memory.New(), nil
	}
	client, err := sqlite.NewClient(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite client: %w", err)
	}
	if err := client.InitSchema(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return client, nil
}

// Start restores persisted component health, follows shared cache
// invalidations and, when withSchedule is set, starts the job schedule.
func (a *App) Start(ctx context.Context, withSchedule bool) {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.Monitor.Restore(ctx); err != nil {
		logger.Warn("Starting with fresh component health", zap.Error(err))
	}
	a.Loader.Watch(ctx)
	if withSchedule {
		a.Scheduler.Start(ctx)
	}
}

func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}

	var errs []error
	if a.Mirror != nil {
		errs = append(errs, a.Mirror.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
