package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SirClappington/pdfq/internal/domain"
)

// ErrNotFound is domain.ErrNotFound so callers outside storage can match it.
var ErrNotFound = domain.ErrNotFound

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// TaskEnqueuer inserts the queue task for a job inside the job's
// transaction, so a job never exists without a task.
type TaskEnqueuer interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, jobID string) error
}

type EnqueueParams struct {
	TenantID     string
	TeamID       *string
	APIKeyID     *string
	InputType    domain.InputType
	InputContent string
	TemplateID   *string
	Options      domain.Options
}

// Enqueue persists a queued job and its task in one transaction and returns
// the job id.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams, q TaskEnqueuer) (string, error) {
	opts, err := json.Marshal(p.Options)
	if err != nil {
		return "", fmt.Errorf("storage: encode options: %w", err)
	}
	id := uuid.NewString()
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `insert into jobs(
id, tenant_id, team_id, api_key_id, input_type, input_content, template_id, options, status
) values ($1,$2,$3,$4,$5,$6,$7,$8,'queued')`,
			id, p.TenantID, p.TeamID, p.APIKeyID, string(p.InputType), p.InputContent, p.TemplateID, opts,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return q.EnqueueTx(ctx, tx, id)
	})
	if err != nil {
		return "", fmt.Errorf("storage: enqueue: %w", err)
	}
	return id, nil
}

const jobColumns = `id, tenant_id, team_id, api_key_id, input_type, input_content, template_id, options,
status, error_code, error_message, result_path, result_url, download_token, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j         domain.Job
		inputType string
		status    string
		opts      []byte
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &j.TeamID, &j.APIKeyID, &inputType, &j.InputContent, &j.TemplateID, &opts,
		&status, &j.ErrorCode, &j.ErrorMessage, &j.ResultPath, &j.ResultURL, &j.DownloadToken,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.InputType = domain.InputType(inputType)
	j.Status = domain.Status(status)
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &j.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("storage: get job: %w", err)
	}
	return j, err
}

// JobByToken returns the succeeded job that owns a download token.
func (s *Store) JobByToken(ctx context.Context, token string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`select `+jobColumns+` from jobs where download_token = $1 and status = 'succeeded'`, token))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("storage: job by token: %w", err)
	}
	return j, err
}

// MarkProcessing moves a queued job to processing. claimed is false when the
// job had already left queued (a re-delivered task); the current job is
// returned either way so the caller can decide what to do.
func (s *Store) MarkProcessing(ctx context.Context, id string) (job *domain.Job, claimed bool, err error) {
	j, err := scanJob(s.db.QueryRow(ctx, `update jobs set status = 'processing', updated_at = now()
where id = $1 and status = 'queued'
returning `+jobColumns, id))
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("storage: mark processing: %w", err)
	}
	j, err = s.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return j, false, nil
}

// Complete records a successful render. It applies only to a processing job;
// applied is false when another writer already made the job terminal.
func (s *Store) Complete(ctx context.Context, id string, r domain.Result) (applied bool, err error) {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'succeeded', result_path = $2, result_url = $3, download_token = $4, updated_at = now()
where id = $1 and status = 'processing'`, id, r.Path, r.URL, r.DownloadToken)
	if err != nil {
		return false, fmt.Errorf("storage: complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Fail records a failed render under the same rule as Complete.
func (s *Store) Fail(ctx context.Context, id string, code domain.ErrorCode, msg string) (applied bool, err error) {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'failed', error_code = $2, error_message = $3, updated_at = now()
where id = $1 and status = 'processing'`, id, string(code), msg)
	if err != nil {
		return false, fmt.Errorf("storage: fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailStuck fails processing jobs untouched for longer than grace that no
// live task will ever pick up again, and returns them.
func (s *Store) FailStuck(ctx context.Context, grace time.Duration, code domain.ErrorCode, msg string, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `update jobs j
set status = 'failed', error_code = $2, error_message = $3, updated_at = now()
where j.id in (
  select id from jobs
   where status = 'processing'
     and updated_at < now() - make_interval(secs => $1)
     and not exists (select 1 from tasks t where t.job_id = jobs.id and t.dead_at is null)
   order by updated_at
   limit $4
   for update skip locked
)
returning `+jobColumns, grace.Seconds(), string(code), msg, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: fail stuck: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: fail stuck: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetTemplate loads a template the tenant (or the job's team) owns.
func (s *Store) GetTemplate(ctx context.Context, id, tenantID string, teamID *string) (*domain.Template, error) {
	var t domain.Template
	err := s.db.QueryRow(ctx, `select id, tenant_id, team_id, name, html from templates
where id = $1 and (tenant_id = $2 or (team_id is not null and team_id = $3))`, id, tenantID, teamID).
		Scan(&t.ID, &t.TenantID, &t.TeamID, &t.Name, &t.HTML)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get template: %w", err)
	}
	return &t, nil
}

// PlanFor returns the tenant's plan, or the free plan if none is assigned.
func (s *Store) PlanFor(ctx context.Context, tenantID string) (domain.Plan, error) {
	var p domain.Plan
	err := s.db.QueryRow(ctx, `select p.name, p.max_pdf_bytes
from tenants t join plans p on p.name = t.plan where t.id = $1`, tenantID).Scan(&p.Name, &p.MaxPDFBytes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FreePlan, nil
		}
		return domain.Plan{}, fmt.Errorf("storage: plan: %w", err)
	}
	return p, nil
}

// WebhooksFor lists enabled registrations of the tenant or team subscribed
// to the event.
func (s *Store) WebhooksFor(ctx context.Context, tenantID string, teamID *string, e domain.Event) ([]domain.Webhook, error) {
	rows, err := s.db.Query(ctx, `select id, tenant_id, team_id, url, secret, events, enabled
from webhooks
where enabled and $3 = any(events)
  and (tenant_id = $1 or (team_id is not null and team_id = $2))
order by created_at`, tenantID, teamID, string(e))
	if err != nil {
		return nil, fmt.Errorf("storage: webhooks: %w", err)
	}
	defer rows.Close()

	var out []domain.Webhook
	for rows.Next() {
		var w domain.Webhook
		if err := rows.Scan(&w.ID, &w.TenantID, &w.TeamID, &w.URL, &w.Secret, &w.Events, &w.Enabled); err != nil {
			return nil, fmt.Errorf("storage: webhooks: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) RecordUsage(ctx context.Context, u domain.UsageEvent) error {
	_, err := s.db.Exec(ctx, `insert into usage_events(tenant_id, api_key_id, job_id, bytes, duration_ms)
values ($1,$2,$3,$4,$5)`, u.TenantID, u.APIKeyID, u.JobID, u.Bytes, u.DurationMS)
	if err != nil {
		return fmt.Errorf("storage: record usage: %w", err)
	}
	return nil
}
