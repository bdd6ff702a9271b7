package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/bailedk/mile-quest-realtime/internal/manager"
	"github.com/bailedk/mile-quest-realtime/internal/server"
	"github.com/bailedk/mile-quest-realtime/pkg/auth"
	"github.com/bailedk/mile-quest-realtime/pkg/config"
	"github.com/bailedk/mile-quest-realtime/pkg/delivery"
	"github.com/bailedk/mile-quest-realtime/pkg/health"
	"github.com/bailedk/mile-quest-realtime/pkg/logging"
	"github.com/bailedk/mile-quest-realtime/pkg/ratelimit"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	limiter := ratelimit.New(cfg.RateLimit, logger)
	authz := auth.NewHandler(auth.NewJWTVerifier(cfg.Server.Auth.JWTSecret), logger)
	monitor := health.NewMonitor(logger)
	client := delivery.NewHTTPClient(cfg.Delivery)
	mgr := manager.New(cfg.Manager, limiter, authz, monitor, client, logger)

	app := server.NewApp(logger, ctx, cfg, mgr)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
