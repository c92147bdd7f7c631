package models

import (
	"fmt"
	"time"
)

// StepKind names one automation step
type StepKind string

const (
	StepNavigate StepKind = "navigate"
	StepWait     StepKind = "wait"
	StepClick    StepKind = "click"
	StepFill     StepKind = "fill"
	StepPress    StepKind = "press"
	StepEvaluate StepKind = "evaluate"
	StepExtract  StepKind = "extract"
)

// Interacts reports whether the step may mutate page or server state
func (k StepKind) Interacts() bool {
	switch k {
	case StepClick, StepFill, StepPress, StepEvaluate:
		return true
	}
	return false
}

// ExtractMode selects what an extract step reads
type ExtractMode string

const (
	ExtractText          ExtractMode = "text"
	ExtractHTML          ExtractMode = "html"
	ExtractAttribute     ExtractMode = "attribute"
	ExtractCookies       ExtractMode = "cookies"
	ExtractRequestHeader ExtractMode = "request_header"
	ExtractURL           ExtractMode = "url"
	ExtractScreenshot    ExtractMode = "screenshot"
)

// Step is a single automation instruction. Which fields apply depends on Kind.
type Step struct {
	Kind StepKind `json:"kind"`

	URL       string `json:"url,omitempty"`
	WaitUntil string `json:"waitUntil,omitempty"` // load, domcontentloaded, networkidle

	Selector string `json:"selector,omitempty"`
	State    string `json:"state,omitempty"` // attached, detached, visible, hidden
	// DurationMs makes a wait step a fixed pause instead of a selector wait
	DurationMs int `json:"durationMs,omitempty"`

	Value  string `json:"value,omitempty"`
	Key    string `json:"key,omitempty"`
	Script string `json:"script,omitempty"`

	Name      string      `json:"name,omitempty"`
	Mode      ExtractMode `json:"mode,omitempty"`
	Attribute string      `json:"attribute,omitempty"`
	Header    string      `json:"header,omitempty"`
}

// Validate checks that the fields required by the step kind are present
func (s Step) Validate() error {
	switch s.Kind {
	case StepNavigate:
		if s.URL == "" {
			return fmt.Errorf("navigate requires url")
		}
	case StepWait:
		if s.Selector == "" && s.DurationMs <= 0 {
			return fmt.Errorf("wait requires selector or durationMs")
		}
	case StepClick:
		if s.Selector == "" {
			return fmt.Errorf("click requires selector")
		}
	case StepFill:
		if s.Selector == "" {
			return fmt.Errorf("fill requires selector")
		}
	case StepPress:
		if s.Selector == "" || s.Key == "" {
			return fmt.Errorf("press requires selector and key")
		}
	case StepEvaluate:
		if s.Script == "" {
			return fmt.Errorf("evaluate requires script")
		}
	case StepExtract:
		if s.Name == "" {
			return fmt.Errorf("extract requires name")
		}
		switch s.Mode {
		case ExtractText, ExtractHTML, "":
		case ExtractAttribute:
			if s.Selector == "" || s.Attribute == "" {
				return fmt.Errorf("attribute extract requires selector and attribute")
			}
		case ExtractRequestHeader:
			if s.Header == "" {
				return fmt.Errorf("request_header extract requires header")
			}
		case ExtractCookies, ExtractURL, ExtractScreenshot:
		default:
			return fmt.Errorf("unknown extract mode %q", s.Mode)
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}

// TaskRequest is the payload for submitting an automation task
type TaskRequest struct {
	ProjectID string `json:"projectId,omitempty"`
	Steps     []Step `json:"steps"`
	// TimeoutMs overrides the default task deadline
	TimeoutMs int  `json:"timeoutMs,omitempty"`
	Save      bool `json:"save,omitempty"`
}

// Validate checks the request and every step in it
func (r TaskRequest) Validate() error {
	if len(r.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}
	for i, s := range r.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// TaskStatus tracks a task through the dispatcher
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transitions can happen
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// TaskResult is what a finished task hands back to the caller
type TaskResult struct {
	TaskID      string            `json:"taskId"`
	SessionID   string            `json:"sessionId,omitempty"`
	Status      TaskStatus        `json:"status"`
	Extracted   map[string]string `json:"extracted,omitempty"`
	FinalURL    string            `json:"finalUrl,omitempty"`
	StepsRun    int               `json:"stepsRun"`
	Attempts    int               `json:"attempts"`
	SubmittedAt time.Time         `json:"submittedAt"`
	StartedAt   time.Time         `json:"startedAt,omitempty"`
	FinishedAt  time.Time         `json:"finishedAt,omitempty"`
	Error       *ErrorBody        `json:"error,omitempty"`
	ArtifactDir string            `json:"-"`
}

// TaskEvent is streamed to observers while a task runs
type TaskEvent struct {
	TaskID    string     `json:"taskId"`
	Type      string     `json:"type"` // queued, dispatched, step_started, step_finished, retry, finished
	Step      int        `json:"step,omitempty"`
	Kind      StepKind   `json:"kind,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	Status    TaskStatus `json:"status,omitempty"`
	Message   string     `json:"message,omitempty"`
	Time      time.Time  `json:"time"`
}
