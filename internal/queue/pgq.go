package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Task is a lease-able pointer to a job. Its delivery bookkeeping is
// independent of the job's tenant-visible status.
type Task struct {
	ID         string
	JobID      string
	Attempts   int
	LeaseToken string
	VisibleAt  time.Time
}

// PGQ is an at-least-once task queue stored in the same Postgres database as
// the jobs. A leased task is invisible until its visibility timeout passes;
// a worker that dies without acking simply lets the lease run out.
type PGQ struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *PGQ { return &PGQ{db} }

// EnqueueTx inserts a task for jobID within tx.
func (q *PGQ) EnqueueTx(ctx context.Context, tx pgx.Tx, jobID string) error {
	_, err := tx.Exec(ctx, `insert into tasks(id, job_id) values ($1, $2)`, uuid.NewString(), jobID)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Lease claims up to batch visible tasks for visibility. Concurrent leasers
// skip each other's locked rows, so no task is handed to two callers.
func (q *PGQ) Lease(ctx context.Context, batch int, visibility time.Duration) ([]Task, error) {
	token := uuid.NewString()
	rows, err := q.db.Query(ctx, `update tasks
set attempts = attempts + 1,
    lease_token = $3,
    visible_at = now() + make_interval(secs => $2)
where id in (
  select id from tasks
   where visible_at <= now() and dead_at is null
   order by created_at
   limit $1
   for update skip locked
)
returning id, job_id, attempts, lease_token, visible_at`, batch, visibility.Seconds(), token)
	if err != nil {
		return nil, fmt.Errorf("queue: lease: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.JobID, &t.Attempts, &t.LeaseToken, &t.VisibleAt); err != nil {
			return nil, fmt.Errorf("queue: lease: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: lease: %w", err)
	}
	return out, nil
}

// Ack deletes the task if t still holds its lease. ok is false when the
// lease expired and someone else re-leased the task.
func (q *PGQ) Ack(ctx context.Context, t Task) (ok bool, err error) {
	tag, err := q.db.Exec(ctx, `delete from tasks where id = $1 and lease_token = $2`, t.ID, t.LeaseToken)
	if err != nil {
		return false, fmt.Errorf("queue: ack: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Extend pushes the lease deadline of a task still held by t.
func (q *PGQ) Extend(ctx context.Context, t Task, visibility time.Duration) (ok bool, err error) {
	tag, err := q.db.Exec(ctx, `update tasks set visible_at = now() + make_interval(secs => $3)
where id = $1 and lease_token = $2`, t.ID, t.LeaseToken, visibility.Seconds())
	if err != nil {
		return false, fmt.Errorf("queue: extend: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Retry hands a task held by t back to the queue without spending a
// delivery. It becomes visible again after delay.
func (q *PGQ) Retry(ctx context.Context, t Task, delay time.Duration) (ok bool, err error) {
	tag, err := q.db.Exec(ctx, `update tasks
set attempts = greatest(attempts - 1, 0),
    lease_token = null,
    visible_at = now() + make_interval(secs => $3)
where id = $1 and lease_token = $2`, t.ID, t.LeaseToken, delay.Seconds())
	if err != nil {
		return false, fmt.Errorf("queue: retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeadLetter parks a task that keeps being delivered without completing.
// Dead tasks are never leased again.
func (q *PGQ) DeadLetter(ctx context.Context, t Task, reason string) error {
	_, err := q.db.Exec(ctx, `update tasks set dead_at = now(), dead_reason = $3
where id = $1 and lease_token = $2`, t.ID, t.LeaseToken, reason)
	if err != nil {
		return fmt.Errorf("queue: dead letter: %w", err)
	}
	return nil
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Visible int64
	Leased  int64
	Dead    int64
}

func (q *PGQ) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRow(ctx, `select
  count(*) filter (where dead_at is null and visible_at <= now()),
  count(*) filter (where dead_at is null and visible_at > now()),
  count(*) filter (where dead_at is not null)
from tasks`).Scan(&s.Visible, &s.Leased, &s.Dead)
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return s, nil
}
