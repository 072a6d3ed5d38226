package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/api"
	appLogger "github.com/appeal-assistant/evolution/pkg/logger"
)

var noSchedule bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job schedule and the admin HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		appLogger.Info("Starting rule evolution engine")

		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app.Start(ctx, !noSchedule)
		server := api.NewServer(app)

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		appLogger.Info("Server starting", zap.String("address", addr))

		errc := make(chan error, 1)
		go func() {
			errc <- server.Listen(addr)
		}()

		select {
		case err := <-errc:
			return fmt.Errorf("server failed: %w", err)
		case <-ctx.Done():
		}

		appLogger.Info("Server shutting down gracefully...")
		if err := server.Shutdown(); err != nil {
			appLogger.Warn("Server shutdown failed", zap.Error(err))
		}
		appLogger.Info("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve the API without firing scheduled jobs")
}
