package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lperanavan/videoediting/internal/api"
	"github.com/lperanavan/videoediting/internal/backend"
	"github.com/lperanavan/videoediting/internal/config"
	"github.com/lperanavan/videoediting/internal/db"
	"github.com/lperanavan/videoediting/internal/dispatch"
	"github.com/lperanavan/videoediting/internal/environment"
	"github.com/lperanavan/videoediting/internal/logging"
	"github.com/lperanavan/videoediting/internal/policy"
	"github.com/lperanavan/videoediting/internal/queue"
	"github.com/lperanavan/videoediting/internal/ui"
	"github.com/lperanavan/videoediting/internal/upload"
)

const environmentRefreshInterval = 5 * time.Minute

func runDaemon(cfg config.Config) error {
	startTime := time.Now()

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ArtifactsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting vpod", "version", Version, "data_dir", logging.SanitizePath(cfg.DataDir()))

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	store := queue.NewStore(database.Conn())

	detector := environment.NewDetector(environment.Options{
		ProbeEndpoint:       cfg.ProbeEndpoint(),
		ConcurrencyOverride: cfg.MaxConcurrentOverride(),
		ForceVirtualized:    cfg.AssumeVirtualized(),
	}, logger)
	publisher := environment.NewPublisher(detector, environmentRefreshInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	profile := publisher.Start(ctx)
	logger.Info("environment detected",
		"virtualized", profile.Virtualized,
		"max_concurrent", profile.MaxConcurrent,
		"acceleration", profile.Acceleration,
	)
	go publisher.Run(ctx)

	adapters := buildAdapters(cfg, publisher, logger)
	if len(adapters) == 0 {
		return fmt.Errorf("no backends enabled, nothing to dispatch to")
	}

	pol := policy.New(policy.Options{
		RetryCeiling: cfg.RetryCeiling(),
		BackoffBase:  cfg.BackoffBase(),
		BackoffCap:   cfg.BackoffCap(),
		BaseTimeouts: map[string]time.Duration{
			queue.BackendTranscoder: cfg.TranscoderTimeout(),
			queue.BackendEditor:     cfg.EditorTimeout(),
			queue.BackendUpscaler:   cfg.UpscalerTimeout(),
		},
	})

	uploader, err := buildUploader(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize uploader: %w", err)
	}

	dispatcher := dispatch.New(dispatch.Options{
		Store:         store,
		Adapters:      adapters,
		Policy:        pol,
		Environment:   publisher,
		Uploader:      uploader,
		UploadTimeout: cfg.UploadTimeout(),
		Logger:        logger,
	})
	go dispatcher.Start(ctx)

	janitor := dispatch.NewJanitor(store, cfg.RetentionPeriod(), logger)
	go janitor.Run(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		Port:        cfg.Port(),
		Store:       store,
		Dispatcher:  dispatcher,
		Environment: publisher,
		Logger:      logger,
		StartTime:   startTime,
		Version:     Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Store:      store,
			Dispatcher: dispatcher,
			Logger:     logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildAdapters constructs one adapter per enabled backend. A backend whose
// tooling cannot be found is skipped with a warning rather than failing the
// whole daemon.
func buildAdapters(cfg config.Config, publisher *environment.Publisher, logger *slog.Logger) []backend.Adapter {
	var adapters []backend.Adapter

	// Shared across adapters: fills in the tape type for jobs submitted
	// without one.
	tapes := backend.NewTapeDetector("", logger)

	if cfg.TranscoderEnabled() {
		t, err := backend.NewTranscoder(cfg.TranscoderPath(), cfg.ArtifactsDir(), publisher.Current, tapes, logger)
		if err != nil {
			logger.Warn("transcoder unavailable", "error", err)
		} else {
			adapters = append(adapters, t)
		}
	}

	if cfg.EditorEnabled() {
		if cfg.EditorBridgeURL() == "" {
			logger.Warn("editor enabled but no bridge URL configured, skipping")
		} else {
			adapters = append(adapters, backend.NewEditor(cfg.EditorBridgeURL(), cfg.ArtifactsDir(), tapes, logger))
		}
	}

	if cfg.UpscalerEnabled() {
		u, err := backend.NewUpscaler(cfg.UpscalerPath(), cfg.ArtifactsDir(), tapes, logger)
		if err != nil {
			logger.Warn("upscaler unavailable", "error", err)
		} else {
			adapters = append(adapters, u)
		}
	}

	return adapters
}

func buildUploader(ctx context.Context, cfg config.Config, logger *slog.Logger) (upload.Uploader, error) {
	if !cfg.UploadEnabled() {
		return nil, nil
	}

	switch cfg.UploadBackend() {
	case "gcs":
		return upload.NewGCS(ctx, cfg.UploadBucket(), cfg.UploadCredentials(), logger)
	case "s3":
		return upload.NewS3(upload.S3Options{
			Bucket:    cfg.UploadBucket(),
			Region:    cfg.UploadRegion(),
			AccessKey: cfg.UploadAccessKey(),
			SecretKey: cfg.UploadSecretKey(),
		}, logger), nil
	case "stub":
		return upload.NewStub(logger), nil
	default:
		return nil, fmt.Errorf("unknown upload backend %q", cfg.UploadBackend())
	}
}
