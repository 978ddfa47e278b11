package domain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups of jobs, templates and files that do
// not exist or are not visible to the caller.
var ErrNotFound = errors.New("not found")

// ErrorCode is the stable machine-readable reason stored on a failed job.
type ErrorCode string

const (
	CodeInvalidInput      ErrorCode = "invalid_input"
	CodeNotFound          ErrorCode = "not_found"
	CodeRenderTimeout     ErrorCode = "render_timeout"
	CodeRenderFailed      ErrorCode = "render_failed"
	CodeSizeLimitExceeded ErrorCode = "size_limit_exceeded"
)

// JobError is a tenant-visible failure. Message must never carry internal
// paths or stack traces; the wrapped Err is for logs only.
type JobError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *JobError) Unwrap() error { return e.Err }

func NewJobError(code ErrorCode, msg string, err error) *JobError {
	return &JobError{Code: code, Message: msg, Err: err}
}

// AsJobError maps any render error to a JobError. Errors that did not
// originate as a JobError get a generic message.
func AsJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewJobError(CodeRenderTimeout, "rendering timed out", err)
	}
	return NewJobError(CodeRenderFailed, "rendering failed", err)
}
