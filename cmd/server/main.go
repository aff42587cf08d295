package main

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/datarun/config"
	"github.com/isdmx/datarun/httpapi"
	"github.com/isdmx/datarun/logger"
	"github.com/isdmx/datarun/mcpserver"
	"github.com/isdmx/datarun/queue"
	"github.com/isdmx/datarun/sandbox"
	"github.com/isdmx/datarun/store"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Metrics registry shared by the queue and /metrics
			prometheus.NewRegistry,
			metricsRegistry,

			// Sandbox backend and executor based on config
			sandbox.NewProvider,
			fx.Annotate(
				sandbox.NewExecutor,
				fx.As(new(sandbox.SandboxExecutor)),
			),

			// Jobs
			store.New,
			queue.ConfigFrom,
			queue.New,
			taskServices,

			// Intake
			mcpserver.New,
			httpapi.New,
		),

		fx.Invoke(registerHooks),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// metricsRegistry exposes the registry to collectors and to /metrics
func metricsRegistry(reg *prometheus.Registry) (prometheus.Registerer, prometheus.Gatherer) {
	return reg, reg
}

// taskServices exposes the queue to both intake adapters
func taskServices(q *queue.Queue) (mcpserver.TaskService, httpapi.TaskService) {
	return q, q
}

func registerHooks(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	provider sandbox.Provider,
	jobs *queue.Queue,
	mcp *mcpserver.MCPServer,
	api *httpapi.Server,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := jobs.Start(ctx); err != nil {
				return err
			}

			if cfg.Server.APIPort > 0 {
				if err := api.Start(); err != nil {
					return err
				}
			}

			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						log.Error("stdio transport stopped", zap.Error(err))
					}
					// stdin closed: the client is gone
					_ = shutdowner.Shutdown()
				}()
			case "http":
				go func() {
					if err := mcp.ServeHTTP(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("MCP HTTP transport stopped", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs []error
			if cfg.Server.Transport == "http" {
				errs = append(errs, mcp.Shutdown(ctx))
			}
			if cfg.Server.APIPort > 0 {
				errs = append(errs, api.Shutdown(ctx))
			}
			errs = append(errs, jobs.Stop(ctx))
			if closer, ok := provider.(io.Closer); ok {
				errs = append(errs, closer.Close())
			}
			return multierr.Combine(errs...)
		},
	})
}
