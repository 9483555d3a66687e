package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	config "github.com/xilidan/relay/config/relay"
	"github.com/xilidan/relay/gateways/relay"
	"github.com/xilidan/relay/pkg/logger"
)

func main() {
	log := logger.Default()
	log.Info("initializing relay gateway")

	cfg := config.MustLoad()

	log = logger.New(logger.Config{
		Level:      logger.ParseLevel(cfg.LogLevel),
		Output:     os.Stderr,
		AddSource:  cfg.Env == "development",
		JSONFormat: cfg.LogJSON,
	})
	logger.SetDefault(log)
	log.Info("logger configured",
		slog.String("level", cfg.LogLevel),
		slog.Bool("json_format", cfg.LogJSON))
	log.Info("configuration loaded successfully",
		slog.Int("port", cfg.Port),
		slog.Bool("supabase_set", cfg.Supabase.Url != ""),
		slog.Bool("backend_set", cfg.Backend.ApiUrl != ""),
		slog.Bool("webhook_secret_set", cfg.Zoom.WebhookSecret != ""))

	ctx := logger.WithContext(context.Background(), log)

	rootCtx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer cancel()

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("failed to run()", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("application terminated successfully")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	srv, err := relay.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to create server", slog.String("error", err.Error()))
		return err
	}

	return srv.Start(ctx)
}
