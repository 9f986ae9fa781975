package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/realtime/internal/config"
	"github.com/rickgao/realtime/internal/database"
	"github.com/rickgao/realtime/internal/queue"
	"github.com/rickgao/realtime/internal/realtime"
	"github.com/rickgao/realtime/internal/recorder"
	"github.com/rickgao/realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/recorder.local.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	instance := instanceID(cfg.Instance.ID)
	logger.Info("configuration loaded",
		"instance_id", instance,
		"channels", cfg.Recorder.Channels,
		"environment", cfg.Realtime.Environment,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database, "recorder-"+instance.String()[:8])
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	client, err := realtime.New(cfg.Realtime, logger)
	if err != nil {
		logger.Error("failed to create realtime client", "error", err)
		os.Exit(1)
	}

	recCfg := recorder.ConfigFrom(cfg.Recorder)
	records := queue.NewBuffer[recorder.Record](recCfg.BufferSize)
	writer := recorder.NewWriter(recCfg, records, pool, logger)
	source := recorder.NewSource(instance, cfg.Recorder.Channels, client.Connection, client.Channels, records, logger)

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           newHealthHandler(pool, client.Connection, writer, source),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	if err := writer.Start(ctx); err != nil {
		logger.Error("failed to start writer", "error", err)
		os.Exit(1)
	}
	if err := source.Start(ctx); err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}

	logger.Info("recorder running",
		"instance_id", instance,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := source.Stop(shutdownCtx); err != nil {
		logger.Warn("channels not detached cleanly", "error", err)
	}
	if err := client.Close(shutdownCtx); err != nil {
		logger.Warn("connection not closed cleanly", "error", err)
	}
	writer.Stop(shutdownCtx)
	healthServer.Shutdown(shutdownCtx)

	logger.Info("recorder stopped", "inserts", writer.Stats().Inserts)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// instanceID accepts a UUID or derives a stable one from any other name.
func instanceID(id string) uuid.UUID {
	if u, err := uuid.Parse(id); err == nil {
		return u
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
}
