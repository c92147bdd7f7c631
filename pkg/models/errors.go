package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPoolExhausted      = errors.New("no browser session available before acquire timeout")
	ErrQueueFull          = errors.New("task queue is full")
	ErrOverloaded         = errors.New("dispatch retry budget exceeded")
	ErrSessionCrashed     = errors.New("browser session crashed")
	ErrDeadlineExceeded   = errors.New("task deadline exceeded")
	ErrLeaseRevoked       = errors.New("lease already released or revoked")
	ErrPoolClosed         = errors.New("session pool is closed")
	ErrDisplayUnavailable = errors.New("virtual display unavailable")
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidTask        = errors.New("invalid task")
	ErrTaskCancelled      = errors.New("task cancelled")
)

// StepError reports an automation step that failed. It is never retried automatically.
type StepError struct {
	Index int
	Kind  StepKind
	Cause error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Kind, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the caller may retry the same request later
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return false
	}
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrOverloaded)
}

// ErrorCode gives the stable machine-readable name for an error class
func ErrorCode(err error) string {
	var stepErr *StepError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &stepErr):
		return "STEP_FAILED"
	case errors.Is(err, ErrPoolExhausted):
		return "POOL_EXHAUSTED"
	case errors.Is(err, ErrQueueFull):
		return "QUEUE_FULL"
	case errors.Is(err, ErrOverloaded):
		return "OVERLOADED"
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "DEADLINE_EXCEEDED"
	case errors.Is(err, ErrSessionCrashed):
		return "SESSION_CRASHED"
	case errors.Is(err, ErrTaskCancelled), errors.Is(err, context.Canceled):
		return "CANCELLED"
	case errors.Is(err, ErrInvalidTask):
		return "INVALID_TASK"
	case errors.Is(err, ErrTaskNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrPoolClosed):
		return "SHUTTING_DOWN"
	}
	return "INTERNAL"
}

// ErrorBody is the JSON shape of a classified error
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Step      *int   `json:"step,omitempty"`
	StepKind  string `json:"stepKind,omitempty"`
}

// NewErrorBody classifies err for transport
func NewErrorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	body := &ErrorBody{
		Error:     err.Error(),
		Code:      ErrorCode(err),
		Retryable: IsRetryable(err),
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		idx := stepErr.Index
		body.Step = &idx
		body.StepKind = string(stepErr.Kind)
	}
	return body
}
