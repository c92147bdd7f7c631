package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRequestValidate(t *testing.T) {
	tests := []struct {
		name        string
		req         TaskRequest
		expectError string
	}{
		{
			name:        "no steps",
			req:         TaskRequest{},
			expectError: "at least one step",
		},
		{
			name:        "navigate without url",
			req:         TaskRequest{Steps: []Step{{Kind: StepNavigate}}},
			expectError: "step 0: navigate requires url",
		},
		{
			name:        "wait without selector or duration",
			req:         TaskRequest{Steps: []Step{{Kind: StepNavigate, URL: "https://example.com"}, {Kind: StepWait}}},
			expectError: "step 1: wait requires selector or durationMs",
		},
		{
			name:        "unknown kind",
			req:         TaskRequest{Steps: []Step{{Kind: "scroll"}}},
			expectError: "unknown step kind",
		},
		{
			name:        "unknown extract mode",
			req:         TaskRequest{Steps: []Step{{Kind: StepExtract, Name: "x", Mode: "pdf"}}},
			expectError: "unknown extract mode",
		},
		{
			name:        "header extract without header",
			req:         TaskRequest{Steps: []Step{{Kind: StepExtract, Name: "csrf", Mode: ExtractRequestHeader}}},
			expectError: "requires header",
		},
		{
			name: "login flow",
			req: TaskRequest{Steps: []Step{
				{Kind: StepNavigate, URL: "https://example.com/login", WaitUntil: "domcontentloaded"},
				{Kind: StepFill, Selector: "input#email", Value: "a@b.c"},
				{Kind: StepClick, Selector: "button[type=submit]"},
				{Kind: StepWait, DurationMs: 500},
				{Kind: StepExtract, Name: "cookie", Mode: ExtractCookies},
				{Kind: StepExtract, Name: "csrf", Mode: ExtractRequestHeader, Header: "x-csrf-token"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.expectError == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestStepKindInteracts(t *testing.T) {
	assert.True(t, StepClick.Interacts())
	assert.True(t, StepFill.Interacts())
	assert.True(t, StepEvaluate.Interacts())
	assert.False(t, StepNavigate.Interacts())
	assert.False(t, StepWait.Interacts())
	assert.False(t, StepExtract.Interacts())
}

func TestErrorClassification(t *testing.T) {
	stepErr := &StepError{Index: 2, Kind: StepClick, Cause: errors.New("element detached")}

	assert.True(t, IsRetryable(fmt.Errorf("dispatch: %w", ErrPoolExhausted)))
	assert.True(t, IsRetryable(ErrQueueFull))
	assert.True(t, IsRetryable(ErrOverloaded))
	assert.False(t, IsRetryable(stepErr))
	assert.False(t, IsRetryable(ErrDeadlineExceeded))
	assert.False(t, IsRetryable(nil))

	assert.Equal(t, "STEP_FAILED", ErrorCode(stepErr))
	assert.Equal(t, "QUEUE_FULL", ErrorCode(ErrQueueFull))
	assert.Equal(t, "DEADLINE_EXCEEDED", ErrorCode(context.DeadlineExceeded))
	// a crash mid-step surfaces as the step failure
	assert.Equal(t, "STEP_FAILED", ErrorCode(&StepError{Kind: StepNavigate, Cause: ErrSessionCrashed}))
	assert.Equal(t, "SESSION_CRASHED", ErrorCode(ErrSessionCrashed))
	assert.Equal(t, "INTERNAL", ErrorCode(errors.New("boom")))

	body := NewErrorBody(stepErr)
	require.NotNil(t, body)
	require.NotNil(t, body.Step)
	assert.Equal(t, 2, *body.Step)
	assert.Equal(t, "click", body.StepKind)
	assert.False(t, body.Retryable)
	assert.ErrorIs(t, stepErr, stepErr.Cause)
}

func TestPoolStatsFree(t *testing.T) {
	s := PoolStats{Capacity: 4, Size: 3, Idle: 1, InUse: 1, Draining: 1}
	assert.Equal(t, 2, s.Free())
}
