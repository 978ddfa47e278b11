package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/SirClappington/pdfq/internal/config"
	"github.com/SirClappington/pdfq/internal/filestore"
	"github.com/SirClappington/pdfq/internal/logging"
	"github.com/SirClappington/pdfq/internal/queue"
	"github.com/SirClappington/pdfq/internal/render"
	"github.com/SirClappington/pdfq/internal/ssrf"
	"github.com/SirClappington/pdfq/internal/storage"
	"github.com/SirClappington/pdfq/internal/webhook"
	"github.com/SirClappington/pdfq/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.AppEnv)
	defer func() { _ = logger.Sync() }()

	_, _ = maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := filestore.NewLocal(cfg.FilesDir)
	if err != nil {
		return err
	}

	store := storage.New(db)
	guard := ssrf.New()
	size := render.ResolvePoolSize(cfg.Concurrency)

	pool := render.NewPool(size, render.BrowserConfig{
		Bin:       cfg.BrowserBin,
		NoSandbox: cfg.BrowserNoSandbox,
	}, guard, logger.Named("browser"))
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn("closing browsers", zap.Error(err))
		}
	}()

	exec := render.NewExecutor(pool, store, store, guard, cfg.RenderTimeout(), logger.Named("render"))
	notifier := webhook.New(store, cfg.WebhookTimeout(), logger.Named("webhook"),
		webhook.WithMaxAttempts(cfg.WebhookMaxAttempts))

	w := worker.New(queue.New(db), store, exec, files, notifier, cfg.BaseURL, logger.Named("worker"),
		worker.WithBatchSize(cfg.BatchSize),
		worker.WithConcurrency(size),
		worker.WithPollInterval(cfg.PollInterval()),
		worker.WithVisibilityTimeout(cfg.VisibilityTimeout()),
		worker.WithMaxDeliveries(cfg.MaxDeliveries),
	)
	return w.Run(ctx)
}
