package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/generation"
	"chatrelay/internal/progress"
	"chatrelay/internal/redis"
	"chatrelay/internal/service/ai"
	"chatrelay/internal/service/assistant"
	"chatrelay/internal/storage"
	"chatrelay/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(os.Getenv("CHATRELAY_LOG_LEVEL"))}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load(os.Getenv("CHATRELAY_CONFIG"))
	if err != nil {
		return err
	}

	dbType := os.Getenv("CHATRELAY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	// Create necessary tables: users, user_tokens, conversations, messages
	if err := storage.Migrate(db, dbType); err != nil {
		return err
	}

	var (
		rdb    *redis.Client
		broker progress.Broker
	)
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		broker = progress.NewRedisBroker(rdb, logger)
	} else {
		broker = progress.NewLocalBroker(logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	completer, err := ai.NewCompleter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	assistantService := assistant.NewService(db)
	assistantService.StartStaleMessageSweeper(ctx,
		assistant.DefaultStaleSweepInterval,
		2*cfg.Generation.RequestTimeout(),
		cfg.Generation.ErrorText,
		logger,
	)

	opts := generation.OptionsFromConfig(cfg)
	opts.Notifier = progress.NewNotifier(broker)
	opts.Logger = logger
	controller := generation.NewController(assistantService, completer, opts)

	workers := worker.NewManager(worker.ConfigFromBasic(cfg.BasicConfig))
	defer workers.Close()

	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour)
	handlers := api.NewHandler(assistantService, authService, controller, workers, broker, api.Options{
		Titles:        assistant.NewTitleGenerator(completer, cfg.Provider.Model),
		RatePerMinute: cfg.BasicConfig.GenerateRatePerMin,
		Burst:         cfg.BasicConfig.GenerateBurst,
		Logger:        logger,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.BasicConfig.ServerAddress, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "provider", cfg.Provider.Name, "model", cfg.Provider.Model)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Generation.RequestTimeout())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
