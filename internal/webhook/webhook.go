// Package webhook notifies tenants of terminal job states.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/pdfq/internal/backoff"
	"github.com/SirClappington/pdfq/internal/domain"
	"github.com/SirClappington/pdfq/internal/ssrf"
)

// SignatureHeader carries "sha256=" + hex(HMAC-SHA256(secret, body)).
const SignatureHeader = "X-Signature"

// Lister finds the registrations subscribed to an event.
type Lister interface {
	WebhooksFor(ctx context.Context, tenantID string, teamID *string, e domain.Event) ([]domain.Webhook, error)
}

type Payload struct {
	Event  domain.Event  `json:"event"`
	JobID  string        `json:"job_id"`
	Status domain.Status `json:"status"`
	PDFURL string        `json:"pdf_url,omitempty"`
	Error  *PayloadError `json:"error,omitempty"`
}

type PayloadError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PayloadFor builds the notification for a terminal job.
func PayloadFor(job *domain.Job) Payload {
	p := Payload{JobID: job.ID, Status: job.Status}
	switch job.Status {
	case domain.Succeeded:
		p.Event = domain.EventJobCompleted
		if job.ResultURL != nil {
			p.PDFURL = *job.ResultURL
		}
	case domain.Failed:
		p.Event = domain.EventJobFailed
		p.Error = &PayloadError{}
		if job.ErrorCode != nil {
			p.Error.Code = *job.ErrorCode
		}
		if job.ErrorMessage != nil {
			p.Error.Message = *job.ErrorMessage
		}
	}
	return p
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of body.
func Verify(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}

// NewClient returns an HTTP client that refuses to connect to non-public
// addresses and does not follow redirects.
func NewClient(timeout time.Duration) *http.Client {
	dialer := ssrf.NewDialer()
	dialer.Timeout = timeout
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type Deliverer struct {
	hooks       Lister
	client      *http.Client
	backoff     backoff.Strategy
	maxAttempts int
	logger      *zap.Logger
}

type Option func(*Deliverer)

func WithClient(c *http.Client) Option { return func(d *Deliverer) { d.client = c } }

func WithBackoff(s backoff.Strategy) Option { return func(d *Deliverer) { d.backoff = s } }

// WithMaxAttempts sets the number of tries per registration; values below
// one mean a single attempt.
func WithMaxAttempts(n int) Option {
	return func(d *Deliverer) { d.maxAttempts = max(n, 1) }
}

func New(hooks Lister, timeout time.Duration, logger *zap.Logger, opts ...Option) *Deliverer {
	d := &Deliverer{
		hooks:       hooks,
		client:      NewClient(timeout),
		backoff:     backoff.NewExponentialWithJitter(500*time.Millisecond, 5*time.Second),
		maxAttempts: 3,
		logger:      logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Deliver posts p to every registration of the tenant or team subscribed
// to p.Event. Failures are logged; delivery never fails the caller.
func (d *Deliverer) Deliver(ctx context.Context, tenantID string, teamID *string, p Payload) {
	log := d.logger.With(zap.String("job_id", p.JobID), zap.String("event", string(p.Event)))

	hooks, err := d.hooks.WebhooksFor(ctx, tenantID, teamID, p.Event)
	if err != nil {
		log.Error("webhook lookup failed", zap.Error(err))
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(p)
	if err != nil {
		log.Error("webhook payload", zap.Error(err))
		return
	}

	var g errgroup.Group
	for _, h := range hooks {
		if !h.Wants(p.Event) {
			continue
		}
		g.Go(func() error {
			if err := d.deliverOne(ctx, h, body); err != nil {
				log.Warn("webhook delivery failed",
					zap.String("webhook_id", h.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Deliverer) deliverOne(ctx context.Context, h domain.Webhook, body []byte) error {
	sig := Sign(h.Secret, body)
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			if serr := backoff.Sleep(ctx, d.backoff.Delay(attempt-1)); serr != nil {
				return errors.Join(err, serr)
			}
		}
		var retry bool
		retry, err = d.post(ctx, h.URL, sig, body)
		if err == nil || !retry {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", d.maxAttempts, err)
}

// post sends one request and reports whether a failure is worth retrying.
func (d *Deliverer) post(ctx context.Context, url, sig string, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := d.client.Do(req)
	if err != nil {
		return !errors.Is(err, ssrf.ErrBlocked), err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return true, fmt.Errorf("status %d", resp.StatusCode)
	}
	return false, fmt.Errorf("status %d", resp.StatusCode)
}
