package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antoniostano/mediabridge/internal/config"
	"github.com/antoniostano/mediabridge/internal/host"
	"github.com/antoniostano/mediabridge/internal/httpapi"
	"github.com/antoniostano/mediabridge/internal/observability"
	"github.com/antoniostano/mediabridge/internal/sfu"
	"github.com/antoniostano/mediabridge/internal/store"
	"github.com/antoniostano/mediabridge/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	durable, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		SQLitePath:  cfg.StoreSQLitePath,
		DatabaseURL: cfg.DatabaseURL,
		RedisAddr:   cfg.RedisAddr,
	})
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer durable.Close()
	logger.Info("durable store ready", slog.String("driver", cfg.StoreDriver))

	sfuClient := sfu.NewClient(sfu.Config{
		BaseURL: cfg.SFUBaseURL,
		AppID:   cfg.SFUAppID,
		Token:   cfg.SFUToken,
	}, logger)

	provider := upstream.ProviderConfig{
		WSBaseURL:   cfg.SpeechWSBaseURL,
		HTTPBaseURL: cfg.SpeechHTTPBaseURL,
		AccountID:   cfg.SpeechAccountID,
		APIToken:    cfg.SpeechAPIToken,
		TTSModel:    cfg.SpeechTTSModel,
		STTModel:    cfg.SpeechSTTModel,
	}

	sessions := host.New(cfg, durable, sfuClient, provider, metrics, logger)

	api := httpapi.New(cfg, sessions, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, time.Minute)

	go func() {
		logger.Info("server listening", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
