package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/pdfq/internal/backoff"
	"github.com/SirClappington/pdfq/internal/domain"
	"github.com/SirClappington/pdfq/internal/ssrf"
)

type staticHooks struct {
	hooks []domain.Webhook
	err   error
}

func (s staticHooks) WebhooksFor(context.Context, string, *string, domain.Event) ([]domain.Webhook, error) {
	return s.hooks, s.err
}

type received struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (r *received) handler(status func(n int) int) http.HandlerFunc {
	var n atomic.Int32
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(status(int(n.Add(1))))
	}
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func hook(url string) domain.Webhook {
	return domain.Webhook{
		ID:      "wh-1",
		URL:     url,
		Secret:  "s3cret",
		Events:  []string{string(domain.EventJobCompleted), string(domain.EventJobFailed)},
		Enabled: true,
	}
}

func newTestDeliverer(srv *httptest.Server, hooks Lister) *Deliverer {
	return New(hooks, time.Second, zap.NewNop(),
		WithClient(srv.Client()),
		WithBackoff(backoff.NewExponential(0, 0)),
		WithMaxAttempts(3))
}

func TestDeliver_SignsExactBody(t *testing.T) {
	t.Parallel()

	var got received
	srv := httptest.NewServer(got.handler(func(int) int { return http.StatusNoContent }))
	defer srv.Close()

	url := "https://files.example.com/files/tok"
	job := &domain.Job{ID: "job-1", Status: domain.Succeeded, ResultURL: &url}
	newTestDeliverer(srv, staticHooks{hooks: []domain.Webhook{hook(srv.URL)}}).
		Deliver(context.Background(), "tenant-a", nil, PayloadFor(job))

	if got.count() != 1 {
		t.Fatalf("received %d requests, want 1", got.count())
	}
	body, h := got.bodies[0], got.headers[0]
	if h.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
	if !Verify("s3cret", body, h.Get(SignatureHeader)) {
		t.Errorf("signature %q does not match body %s", h.Get(SignatureHeader), body)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Event != domain.EventJobCompleted || p.JobID != "job-1" || p.Status != domain.Succeeded || p.PDFURL != url || p.Error != nil {
		t.Errorf("payload = %+v", p)
	}
}

func TestDeliver_Retries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status func(n int) int
		want   int
	}{
		{"5xx then success", func(n int) int {
			if n == 1 {
				return http.StatusServiceUnavailable
			}
			return http.StatusOK
		}, 2},
		{"429 is retried", func(n int) int {
			if n < 3 {
				return http.StatusTooManyRequests
			}
			return http.StatusOK
		}, 3},
		{"gives up after max attempts", func(int) int { return http.StatusInternalServerError }, 3},
		{"4xx is not retried", func(int) int { return http.StatusBadRequest }, 1},
		{"2xx once", func(int) int { return http.StatusAccepted }, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got received
			srv := httptest.NewServer(got.handler(tt.status))
			defer srv.Close()

			newTestDeliverer(srv, staticHooks{hooks: []domain.Webhook{hook(srv.URL)}}).
				Deliver(context.Background(), "tenant-a", nil, Payload{Event: domain.EventJobFailed, JobID: "j"})

			if got.count() != tt.want {
				t.Errorf("received %d requests, want %d", got.count(), tt.want)
			}
		})
	}
}

func TestDeliver_FansOutAndFilters(t *testing.T) {
	t.Parallel()

	var got received
	srv := httptest.NewServer(got.handler(func(int) int { return http.StatusOK }))
	defer srv.Close()

	disabled := hook(srv.URL)
	disabled.Enabled = false
	otherEvent := hook(srv.URL)
	otherEvent.Events = []string{string(domain.EventJobFailed)}
	hooks := []domain.Webhook{hook(srv.URL), hook(srv.URL), disabled, otherEvent}

	newTestDeliverer(srv, staticHooks{hooks: hooks}).
		Deliver(context.Background(), "tenant-a", nil, Payload{Event: domain.EventJobCompleted, JobID: "j"})

	if got.count() != 2 {
		t.Errorf("received %d requests, want 2", got.count())
	}
}

func TestDeliver_LookupErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	var got received
	srv := httptest.NewServer(got.handler(func(int) int { return http.StatusOK }))
	defer srv.Close()

	newTestDeliverer(srv, staticHooks{err: errors.New("db down")}).
		Deliver(context.Background(), "tenant-a", nil, Payload{Event: domain.EventJobFailed})

	if got.count() != 0 {
		t.Errorf("received %d requests, want 0", got.count())
	}
}

func TestDeliver_UnreachableEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	client := srv.Client()
	srv.Close()

	d := New(staticHooks{hooks: []domain.Webhook{hook(url)}}, time.Second, zap.NewNop(),
		WithClient(client), WithBackoff(backoff.NewExponential(0, 0)))

	done := make(chan struct{})
	go func() {
		d.Deliver(context.Background(), "tenant-a", nil, Payload{Event: domain.EventJobFailed})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver did not return")
	}
}

func TestNewClient_RefusesLoopback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := NewClient(time.Second).Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("request to loopback succeeded")
	}
	if !errors.Is(err, ssrf.ErrBlocked) {
		t.Errorf("error = %v, want ErrBlocked", err)
	}
}

func TestPayloadFor_Failed(t *testing.T) {
	t.Parallel()

	code, msg := string(domain.CodeNotFound), "template not found"
	p := PayloadFor(&domain.Job{ID: "j", Status: domain.Failed, ErrorCode: &code, ErrorMessage: &msg})

	if p.Event != domain.EventJobFailed || p.PDFURL != "" {
		t.Errorf("payload = %+v", p)
	}
	if p.Error == nil || p.Error.Code != code || p.Error.Message != msg {
		t.Errorf("error = %+v", p.Error)
	}
}

func TestSign(t *testing.T) {
	t.Parallel()

	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	want := "sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got := Sign("key", []byte("The quick brown fox jumps over the lazy dog")); got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
	if Verify("other", []byte("x"), Sign("key", []byte("x"))) {
		t.Error("Verify accepted a signature made with another secret")
	}
}
