// Package api assembles the admin HTTP surface over an engine.App.
package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/appeal-assistant/evolution/internal/api/handlers"
	"github.com/appeal-assistant/evolution/internal/engine"
	"github.com/appeal-assistant/evolution/internal/metrics"
	"github.com/appeal-assistant/evolution/internal/middleware/ratelimit"
	"github.com/appeal-assistant/evolution/internal/middleware/security"
	"github.com/appeal-assistant/evolution/internal/middleware/validation"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

type Server struct {
	App     *fiber.App
	limiter *ratelimit.RateLimiter
}

func NewServer(app *engine.App) *Server {
	cfg := app.Config.Server

	f := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		BodyLimit:    cfg.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		Logger:               logger.Named("ratelimit"),
	})

	f.Use(recover.New())
	if cfg.IsDevelopment {
		f.Use(fiberlogger.New())
	}
	f.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Operator",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	f.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.IsDevelopment}))

	metrics.Init()
	f.Get("/metrics", metrics.MetricsHandler())
	f.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api := f.Group("/api/v1", limiter.Middleware(), validation.Middleware(validation.Config{
		Logger: logger.Named("validation"),
	}))
	registerRoutes(api, app)

	return &Server{App: f, limiter: limiter}
}

func registerRoutes(api fiber.Router, app *engine.App) {
	conversations := handlers.NewConversationHandler(app.Intake, app.Prompts)
	api.Post("/conversations", conversations.Record)
	api.Post("/prompt", conversations.Compose)

	admin := api.Group("/admin")

	rulesHandler := handlers.NewRulesHandler(app.Rules, app.Loader)
	admin.Get("/rules", rulesHandler.ListRules)
	admin.Post("/rules", rulesHandler.CreateRule)
	admin.Get("/rules/active", rulesHandler.ActiveRules)
	admin.Post("/rules/evaluate", rulesHandler.Evaluate)
	admin.Post("/rules/promote", rulesHandler.Promote)
	admin.Get("/rules/:id", rulesHandler.GetRule)
	admin.Get("/rules/:id/history", rulesHandler.History)
	admin.Post("/rules/:id/review", rulesHandler.Review)
	admin.Post("/rules/:id/auto-review", rulesHandler.AutoReview)
	admin.Post("/rules/:id/reactivate", rulesHandler.Reactivate)
	admin.Post("/rules/:id/archive", rulesHandler.Archive)

	jobs := handlers.NewJobsHandler(app.Scheduler)
	admin.Get("/jobs", jobs.ListJobs)
	admin.Post("/jobs/:name/trigger", jobs.Trigger)

	experiments := handlers.NewExperimentsHandler(app.Exploration)
	admin.Get("/experiments", experiments.ListExperiments)
	admin.Post("/experiments", experiments.StartExperiment)
	admin.Post("/experiments/cycle", experiments.RunCycle)
	admin.Get("/experiments/:id", experiments.GetExperiment)
	admin.Post("/experiments/:id/evaluate", experiments.Evaluate)
	admin.Post("/experiments/:id/abort", experiments.Abort)

	insights := handlers.NewInsightsHandler(app.Monitor, app.Knowledge)
	admin.Get("/health", insights.Health)
	admin.Post("/health/:component/reset", insights.ResetComponent)
	admin.Get("/metrics/daily", insights.DailyMetrics)
	admin.Get("/clusters", insights.Clusters)
	admin.Post("/clusters/refresh", insights.RefreshClusters)

	ws := handlers.NewWebSocketHandler(app.Scheduler, app.Monitor)
	admin.Get("/ws", ws.Upgrade, websocket.New(ws.HandleConnection))
}

func (s *Server) Listen(addr string) error {
	return s.App.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown() error {
	s.limiter.Stop()
	return s.App.Shutdown()
}
