package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/SirClappington/pdfq/internal/config"
	"github.com/SirClappington/pdfq/internal/domain"
	"github.com/SirClappington/pdfq/internal/logging"
	"github.com/SirClappington/pdfq/internal/queue"
	"github.com/SirClappington/pdfq/internal/storage"
	"github.com/SirClappington/pdfq/internal/webhook"
)

// leaderLockKey identifies the scheduler's advisory lock.
const leaderLockKey = 42

const sweepBatch = 500

func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.AppEnv)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The advisory lock lives on one session, so leadership is held through
	// a dedicated database/sql connection rather than the pgx pool.
	lockDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("open postgres", zap.Error(err))
	}
	defer lockDB.Close()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	s := &scheduler{
		lockDB:   lockDB,
		store:    storage.New(db),
		queue:    queue.New(db),
		notifier: webhook.New(storage.New(db), cfg.WebhookTimeout(), logger.Named("webhook"), webhook.WithMaxAttempts(cfg.WebhookMaxAttempts)),
		grace:    cfg.StuckJobGrace(),
		logger:   logger.Named("scheduler"),
	}
	defer s.release()

	tick := time.NewTicker(cfg.SweepInterval())
	defer tick.Stop()

	logger.Info("scheduler started", zap.Duration("interval", cfg.SweepInterval()), zap.Duration("grace", s.grace))
	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-tick.C:
		}

		leader, err := s.lead(ctx)
		if err != nil {
			logger.Warn("leader election", zap.Error(err))
			continue
		}
		if !leader {
			continue
		}
		s.sweep(ctx)
	}
}

type scheduler struct {
	lockDB   *sql.DB
	conn     *sql.Conn
	leader   bool
	store    *storage.Store
	queue    *queue.PGQ
	notifier *webhook.Deliverer
	grace    time.Duration
	logger   *zap.Logger
}

// lead reports whether this process holds the scheduler lock, trying to
// take it if not.
func (s *scheduler) lead(ctx context.Context) (bool, error) {
	if s.conn != nil {
		if err := s.conn.PingContext(ctx); err != nil {
			// Session gone; so is the lock.
			_ = s.conn.Close()
			s.conn, s.leader = nil, false
		}
	}
	if s.leader {
		return true, nil
	}
	if s.conn == nil {
		conn, err := s.lockDB.Conn(ctx)
		if err != nil {
			return false, err
		}
		s.conn = conn
	}

	var ok bool
	if err := s.conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", leaderLockKey).Scan(&ok); err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("acquired scheduler lock")
	}
	s.leader = ok
	return ok, nil
}

func (s *scheduler) release() {
	if s.conn == nil {
		return
	}
	if s.leader {
		_, _ = s.conn.ExecContext(context.Background(), "select pg_advisory_unlock($1)", leaderLockKey)
	}
	_ = s.conn.Close()
}

// sweep fails jobs stuck in processing that no task will pick up again,
// notifies their tenants and logs queue depth.
func (s *scheduler) sweep(ctx context.Context) {
	msg := fmt.Sprintf("rendering did not finish within %s", s.grace)
	for {
		jobs, err := s.store.FailStuck(ctx, s.grace, domain.CodeRenderTimeout, msg, sweepBatch)
		if err != nil {
			s.logger.Error("stuck job sweep", zap.Error(err))
			return
		}
		for _, j := range jobs {
			s.logger.Warn("failed stuck job", zap.String("job_id", j.ID), zap.String("tenant_id", j.TenantID))
			s.notifier.Deliver(ctx, j.TenantID, j.TeamID, webhook.PayloadFor(j))
		}
		if len(jobs) < sweepBatch {
			break
		}
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.logger.Warn("queue stats", zap.Error(err))
		return
	}
	s.logger.Info("queue depth",
		zap.Int64("visible", stats.Visible),
		zap.Int64("leased", stats.Leased),
		zap.Int64("dead", stats.Dead))
}
