package domain

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Succeeded  Status = "succeeded"
	Failed     Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool { return s == Succeeded || s == Failed }

func (s Status) Valid() bool {
	switch s {
	case Queued, Processing, Succeeded, Failed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case Queued:
		return to == Processing
	case Processing:
		return to == Succeeded || to == Failed
	}
	return false
}

type InputType string

const (
	InputHTML     InputType = "html"
	InputURL      InputType = "url"
	InputTemplate InputType = "template"
)

type Job struct {
	ID       string
	TenantID string
	TeamID   *string
	APIKeyID *string

	InputType    InputType
	InputContent string
	TemplateID   *string
	Options      Options

	Status        Status
	ErrorCode     *string
	ErrorMessage  *string
	ResultPath    *string
	ResultURL     *string
	DownloadToken *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Duration is the authoritative render duration once the job is terminal.
func (j *Job) Duration() time.Duration {
	if !j.Status.Terminal() {
		return 0
	}
	return j.UpdatedAt.Sub(j.CreatedAt)
}

var ErrInvariant = errors.New("job invariant violated")

// CheckInvariants verifies that result fields are set iff the job succeeded
// and error fields are set iff it failed.
func (j *Job) CheckInvariants() error {
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, j.Status)
	}
	succeeded := j.Status == Succeeded
	if (j.ResultURL != nil) != succeeded || (j.DownloadToken != nil) != succeeded {
		return fmt.Errorf("%w: result fields on %s job", ErrInvariant, j.Status)
	}
	failed := j.Status == Failed
	if (j.ErrorCode != nil) != failed || (j.ErrorMessage != nil) != failed {
		return fmt.Errorf("%w: error fields on %s job", ErrInvariant, j.Status)
	}
	return nil
}

// Result is what a successful render leaves on the job.
type Result struct {
	Path          string
	URL           string
	DownloadToken string
	Bytes         int
}
