package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Pr3zLy/face-swap-site/internal/api"
	"github.com/Pr3zLy/face-swap-site/internal/config"
	"github.com/Pr3zLy/face-swap-site/internal/invite"
	"github.com/Pr3zLy/face-swap-site/internal/queue"
	"github.com/Pr3zLy/face-swap-site/internal/settings"
	"github.com/Pr3zLy/face-swap-site/internal/store"
	"github.com/Pr3zLy/face-swap-site/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	st, closeStore, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer closeStore()

	for _, dir := range []string{cfg.UploadsDir, cfg.OutputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("Failed to create directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	tasks := queue.NewRepo(st)
	invites := invite.NewRepo(st)
	settingsRepo := settings.NewRepo(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Seeds the config document on first start; the stored processor path
	// overrides the environment when set.
	appSettings, err := settingsRepo.Load(ctx)
	if err != nil {
		logger.Fatal("Failed to load settings", zap.Error(err))
	}
	processorDir := cfg.ProcessorDir
	if appSettings.ProcessorPath != "" {
		processorDir = appSettings.ProcessorPath
	}

	executor := worker.NewExecutor(tasks, processorDir, cfg.OutputsDir, cfg.TaskTimeout, logger)
	w := worker.New(tasks, executor, cfg.BusyPollInterval, cfg.IdlePollInterval, logger)
	w.Start(ctx)

	handler := api.NewHandler(tasks, invites, settingsRepo, cfg.UploadsDir, cfg.OutputsDir, logger)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	w.Stop()
	logger.Info("Server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func newStore(cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		rs, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using redis store", zap.String("addr", cfg.RedisAddr))
		return rs, func() { rs.Close() }, nil
	default:
		fs, err := store.NewFileStore(cfg.DataDir, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using file store", zap.String("dir", cfg.DataDir))
		return fs, func() {}, nil
	}
}
