package domain

import "slices"

type Template struct {
	ID       string
	TenantID string
	TeamID   *string
	Name     string
	HTML     string
}

type Event string

const (
	EventJobCompleted Event = "job.completed"
	EventJobFailed    Event = "job.failed"
)

// Webhook is a tenant-registered callback. Registrations are managed
// elsewhere; the pipeline only reads them.
type Webhook struct {
	ID       string
	TenantID string
	TeamID   *string
	URL      string
	Secret   string
	Events   []string
	Enabled  bool
}

func (w Webhook) Wants(e Event) bool {
	return w.Enabled && slices.Contains(w.Events, string(e))
}

type Plan struct {
	Name        string
	MaxPDFBytes int64
}

// FreePlan applies to tenants without a plan row.
var FreePlan = Plan{Name: "free", MaxPDFBytes: 10 << 20}

type UsageEvent struct {
	TenantID   string
	APIKeyID   *string
	JobID      string
	Bytes      int
	DurationMS int64
}
