//go:build integration

package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SirClappington/pdfq/internal/domain"
	"github.com/SirClappington/pdfq/internal/pgtest"
	"github.com/SirClappington/pdfq/internal/queue"
	"github.com/SirClappington/pdfq/internal/storage"
)

func setup(t *testing.T) (*storage.Store, *queue.PGQ) {
	t.Helper()
	pool := pgtest.Pool(t)
	return storage.New(pool), queue.New(pool)
}

func enqueueHTML(t *testing.T, s *storage.Store, q *queue.PGQ, tenant string) string {
	t.Helper()
	scale := 1.5
	id, err := s.Enqueue(context.Background(), storage.EnqueueParams{
		TenantID:     tenant,
		InputType:    domain.InputHTML,
		InputContent: "<h1>hello</h1>",
		Options:      domain.Options{Format: "Letter", Scale: &scale},
	}, q)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestStore_EnqueueWritesJobAndTask(t *testing.T) {
	s, q := setup(t)
	ctx := context.Background()

	id := enqueueHTML(t, s, q, "tenant-a")

	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != domain.Queued {
		t.Fatalf("status = %s, want queued", j.Status)
	}
	if j.Options.Format != "Letter" || j.Options.ClampedScale() != 1.5 {
		t.Fatalf("options not round-tripped: %+v", j.Options)
	}
	if err := j.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	tasks, err := q.Lease(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(tasks) != 1 || tasks[0].JobID != id {
		t.Fatalf("expected one task for %s, got %+v", id, tasks)
	}
}

func TestStore_EnqueueRollsBackWithoutTask(t *testing.T) {
	s, q := setup(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, storage.EnqueueParams{
		TenantID:  "tenant-a",
		InputType: "pdf",
	}, q)
	if err == nil {
		t.Fatal("expected check constraint violation for unknown input type")
	}

	tasks, err := q.Lease(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no orphan task, got %d", len(tasks))
	}
}

func TestStore_StateMachine(t *testing.T) {
	s, q := setup(t)
	ctx := context.Background()
	id := enqueueHTML(t, s, q, "tenant-a")

	j, claimed, err := s.MarkProcessing(ctx, id)
	if err != nil || !claimed {
		t.Fatalf("first MarkProcessing: claimed=%v err=%v", claimed, err)
	}
	if j.Status != domain.Processing {
		t.Fatalf("status = %s, want processing", j.Status)
	}

	// Re-delivery sees the job already processing.
	j, claimed, err = s.MarkProcessing(ctx, id)
	if err != nil || claimed {
		t.Fatalf("second MarkProcessing: claimed=%v err=%v", claimed, err)
	}
	if j.Status != domain.Processing {
		t.Fatalf("status = %s, want processing", j.Status)
	}

	applied, err := s.Complete(ctx, id, domain.Result{
		Path: "tenant-a/" + id + ".pdf", URL: "https://pdf.example.com/files/tok", DownloadToken: "tok",
	})
	if err != nil || !applied {
		t.Fatalf("Complete: applied=%v err=%v", applied, err)
	}

	// A late writer cannot flip the terminal state.
	applied, err = s.Fail(ctx, id, domain.CodeRenderFailed, "rendering failed")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if applied {
		t.Fatal("Fail after Complete must not apply")
	}

	j, err = s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != domain.Succeeded {
		t.Fatalf("status = %s, want succeeded", j.Status)
	}
	if err := j.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	byToken, err := s.JobByToken(ctx, "tok")
	if err != nil || byToken.ID != id {
		t.Fatalf("JobByToken: %v %v", byToken, err)
	}
	if _, err := s.JobByToken(ctx, "other"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("JobByToken(other) = %v, want ErrNotFound", err)
	}
}

func TestStore_ConcurrentTerminalWritersOnlyOneApplies(t *testing.T) {
	s, q := setup(t)
	ctx := context.Background()
	id := enqueueHTML(t, s, q, "tenant-a")
	if _, _, err := s.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			var err error
			if i%2 == 0 {
				ok, err = s.Fail(ctx, id, domain.CodeRenderTimeout, "rendering timed out")
			} else {
				ok, err = s.Complete(ctx, id, domain.Result{Path: "p", URL: "u", DownloadToken: "t"})
			}
			if err != nil {
				t.Errorf("writer %d: %v", i, err)
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("applied = %d, want exactly 1", applied)
	}
}

func TestStore_TemplatesPlansWebhooks(t *testing.T) {
	pool := pgtest.Pool(t)
	s := storage.New(pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
insert into tenants(id, plan) values ('tenant-pro', 'pro');
insert into templates(id, tenant_id, team_id, name, html) values
  ('tpl-1', 'tenant-a', null, 'invoice', '<p>Hi {{name}}</p>'),
  ('tpl-team', 'tenant-b', 'team-x', 'shared', '<p>team</p>');
insert into webhooks(id, tenant_id, team_id, url, secret, events, enabled) values
  ('wh-1', 'tenant-a', null, 'https://hooks.example.com/a', 's1', '{job.completed,job.failed}', true),
  ('wh-2', 'tenant-a', null, 'https://hooks.example.com/b', 's2', '{job.failed}', true),
  ('wh-3', 'tenant-a', null, 'https://hooks.example.com/c', 's3', '{job.completed}', false),
  ('wh-4', 'tenant-z', 'team-x', 'https://hooks.example.com/team', 's4', '{job.completed}', true);
`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	tpl, err := s.GetTemplate(ctx, "tpl-1", "tenant-a", nil)
	if err != nil || tpl.HTML != "<p>Hi {{name}}</p>" {
		t.Fatalf("GetTemplate: %+v %v", tpl, err)
	}
	if _, err := s.GetTemplate(ctx, "tpl-1", "tenant-other", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign template: %v, want ErrNotFound", err)
	}
	team := "team-x"
	if _, err := s.GetTemplate(ctx, "tpl-team", "tenant-c", &team); err != nil {
		t.Fatalf("team template: %v", err)
	}

	plan, err := s.PlanFor(ctx, "tenant-pro")
	if err != nil || plan.Name != "pro" || plan.MaxPDFBytes != 52428800 {
		t.Fatalf("PlanFor(pro) = %+v %v", plan, err)
	}
	plan, err = s.PlanFor(ctx, "tenant-unknown")
	if err != nil || plan != domain.FreePlan {
		t.Fatalf("PlanFor(unknown) = %+v %v", plan, err)
	}

	hooks, err := s.WebhooksFor(ctx, "tenant-a", &team, domain.EventJobCompleted)
	if err != nil {
		t.Fatalf("WebhooksFor: %v", err)
	}
	got := map[string]bool{}
	for _, h := range hooks {
		got[h.ID] = true
	}
	if len(hooks) != 2 || !got["wh-1"] || !got["wh-4"] {
		t.Fatalf("WebhooksFor(completed) = %v, want wh-1 and wh-4", got)
	}

	if err := s.RecordUsage(ctx, domain.UsageEvent{TenantID: "tenant-a", JobID: "j", Bytes: 10, DurationMS: 5}); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
}

func TestStore_FailStuck(t *testing.T) {
	pool := pgtest.Pool(t)
	s, q := storage.New(pool), queue.New(pool)
	ctx := context.Background()

	stuck := enqueueHTML(t, s, q, "tenant-a")
	live := enqueueHTML(t, s, q, "tenant-a")
	for _, id := range []string{stuck, live} {
		if _, _, err := s.MarkProcessing(ctx, id); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
	}
	// The stuck job lost its task and has not been touched for an hour.
	if _, err := pool.Exec(ctx, `delete from tasks where job_id = $1`, stuck); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := pool.Exec(ctx, `update jobs set updated_at = now() - interval '1 hour'`); err != nil {
		t.Fatalf("age jobs: %v", err)
	}

	failed, err := s.FailStuck(ctx, 15*time.Minute, domain.CodeRenderTimeout, "rendering did not finish", 100)
	if err != nil {
		t.Fatalf("FailStuck: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != stuck {
		t.Fatalf("FailStuck returned %+v, want only %s", failed, stuck)
	}
	if failed[0].Status != domain.Failed {
		t.Fatalf("status = %s, want failed", failed[0].Status)
	}

	j, err := s.GetJob(ctx, live)
	if err != nil || j.Status != domain.Processing {
		t.Fatalf("live job = %+v %v, want processing", j, err)
	}
}
