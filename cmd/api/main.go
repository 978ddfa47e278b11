package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/pdfq/internal/config"
	"github.com/SirClappington/pdfq/internal/filestore"
	"github.com/SirClappington/pdfq/internal/httpapi"
	"github.com/SirClappington/pdfq/internal/logging"
	"github.com/SirClappington/pdfq/internal/queue"
	"github.com/SirClappington/pdfq/internal/ratelimit"
	"github.com/SirClappington/pdfq/internal/storage"
)

// jobs writes each job together with its queue task.
type jobs struct {
	*storage.Store
	q *queue.PGQ
}

func (j jobs) Enqueue(ctx context.Context, p storage.EnqueueParams) (string, error) {
	return j.Store.Enqueue(ctx, p, j.q)
}

func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.AppEnv)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	files, err := filestore.NewLocal(cfg.FilesDir)
	if err != nil {
		logger.Fatal("file store", zap.Error(err))
	}

	var opts []httpapi.Option
	if cfg.RedisAddr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		opts = append(opts,
			httpapi.WithLimiter(ratelimit.NewLimiter(rdb, cfg.RateLimitPerMinute)),
			httpapi.WithIdempotency(ratelimit.NewIdempotency(rdb, cfg.IdempotencyTTL())),
		)
	} else {
		logger.Warn("REDIS_ADDR not set; rate limiting and idempotency keys disabled")
	}

	api := httpapi.New(jobs{storage.New(db), queue.New(db)}, files, logger.Named("http"), opts...)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
}
