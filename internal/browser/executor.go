package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// Outcome tells the pool whether a session can be handed out again.
type Outcome int

const (
	OutcomeReusable Outcome = iota
	OutcomeTainted
)

func (o Outcome) String() string {
	if o == OutcomeTainted {
		return "tainted"
	}
	return "reusable"
}

const (
	// defaultStepBudget applies when a task carries no deadline at all.
	defaultStepBudget = 30 * time.Second
	defaultHeartbeat  = 10 * time.Second
)

// Execution is what a run of steps produced. Outcome is always set, even on failure.
type Execution struct {
	Extracted map[string]string
	FinalURL  string
	StepsRun  int
	Outcome   Outcome
	// Mutated is true once an interact step has started
	Mutated bool
}

// StepHook observes step boundaries. err is nil when the step starts or succeeds.
type StepHook func(index int, step models.Step, finished bool, err error)

// Executor runs ordered steps against a leased session. It never retries.
type Executor struct {
	ratios    map[models.StepKind]float64
	minStep   time.Duration
	heartbeat time.Duration
	logger    *zap.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHeartbeat sets how often a long-running step reports activity. It should be well
// under the monitor's stale threshold.
func WithHeartbeat(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.heartbeat = d
		}
	}
}

// NewExecutor builds an executor from the step ratio configuration.
func NewExecutor(cfg config.BrowserConfig, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	ratios := map[models.StepKind]float64{
		models.StepNavigate: 0.6,
		models.StepWait:     0.4,
		models.StepClick:    0.25,
		models.StepFill:     0.25,
		models.StepPress:    0.25,
		models.StepEvaluate: 0.3,
		models.StepExtract:  0.25,
	}
	for k, v := range cfg.StepRatios {
		ratios[models.StepKind(k)] = v
	}
	minStep := cfg.MinStepTimeout
	if minStep <= 0 {
		minStep = time.Second
	}
	e := &Executor{
		ratios:    ratios,
		minStep:   minStep,
		heartbeat: defaultHeartbeat,
		logger:    logger.Named("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepTimeout derives a step's sub-timeout from the budget left before the task deadline.
func (e *Executor) StepTimeout(kind models.StepKind, remaining time.Duration) time.Duration {
	if remaining <= 0 {
		return 0
	}
	ratio, ok := e.ratios[kind]
	if !ok {
		ratio = 0.5
	}
	d := time.Duration(float64(remaining) * ratio)
	if d < e.minStep {
		d = e.minStep
	}
	if d > remaining {
		d = remaining
	}
	return d
}

// Execute runs steps in order against conn. touch is called before every step, and on
// the heartbeat while a step is pending within its sub-timeout, so the health monitor can
// tell a slow step from a hung browser. On failure the error is a *models.StepError.
func (e *Executor) Execute(ctx context.Context, conn Conn, steps []models.Step, touch func(), hook StepHook) (*Execution, error) {
	exec := &Execution{Extracted: make(map[string]string)}

	for i, step := range steps {
		if touch != nil {
			touch()
		}
		if hook != nil {
			hook(i, step, false, nil)
		}

		if err := ctx.Err(); err != nil {
			exec.Outcome = OutcomeTainted
			conn.Abort()
			return exec, &models.StepError{Index: i, Kind: step.Kind, Cause: err}
		}

		if step.Kind.Interacts() {
			exec.Mutated = true
		}

		err := e.runStep(ctx, conn, step, exec, touch)
		if hook != nil {
			hook(i, step, true, err)
		}
		if err != nil {
			exec.Outcome = e.classify(ctx, conn, exec, err)
			if exec.Outcome == OutcomeTainted && ctx.Err() != nil {
				conn.Abort()
			}
			if ctx.Err() == nil && !conn.Alive() {
				err = fmt.Errorf("%w: %v", models.ErrSessionCrashed, err)
			}
			e.logger.Debug("Step failed.",
				zap.Int("step", i),
				zap.String("kind", string(step.Kind)),
				zap.Stringer("outcome", exec.Outcome),
				zap.Error(err))
			return exec, &models.StepError{Index: i, Kind: step.Kind, Cause: err}
		}
		exec.StepsRun++
	}

	if touch != nil {
		touch()
	}
	exec.FinalURL = conn.URL()
	exec.Outcome = OutcomeReusable
	return exec, nil
}

func (e *Executor) runStep(ctx context.Context, conn Conn, step models.Step, exec *Execution, touch func()) error {
	remaining := defaultStepBudget
	if dl, ok := ctx.Deadline(); ok {
		remaining = time.Until(dl)
	}

	// fixed pauses are bounded only by the task deadline
	if step.Kind == models.StepWait && step.Selector == "" {
		pause := time.Duration(step.DurationMs) * time.Millisecond
		defer e.keepAlive(ctx, touch)()
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timeout := e.StepTimeout(step.Kind, remaining)
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// an engine call stuck past its own deadline stops heartbeating and gets reaped
	defer e.keepAlive(stepCtx, touch)()

	var err error
	switch step.Kind {
	case models.StepNavigate:
		err = conn.Navigate(stepCtx, step.URL, step.WaitUntil)
	case models.StepWait:
		err = conn.WaitSelector(stepCtx, step.Selector, step.State)
	case models.StepClick:
		err = conn.Click(stepCtx, step.Selector)
	case models.StepFill:
		err = conn.Fill(stepCtx, step.Selector, step.Value)
	case models.StepPress:
		err = conn.Press(stepCtx, step.Selector, step.Key)
	case models.StepEvaluate:
		var out string
		out, err = conn.Evaluate(stepCtx, step.Script)
		if err == nil && step.Name != "" {
			exec.Extracted[step.Name] = out
		}
	case models.StepExtract:
		var out string
		out, err = conn.Extract(stepCtx, step)
		if err == nil {
			exec.Extracted[step.Name] = out
		}
	default:
		err = fmt.Errorf("unsupported step kind %q", step.Kind)
	}

	// engines report their own timeouts in different ways
	if err != nil && stepCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %v", stepCtx.Err(), err)
	}
	return err
}

// keepAlive calls touch on the heartbeat until ctx ends or the returned stop is called.
func (e *Executor) keepAlive(ctx context.Context, touch func()) (stop func()) {
	if touch == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				touch()
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// classify decides whether the session survived a failed step.
func (e *Executor) classify(ctx context.Context, conn Conn, exec *Execution, err error) Outcome {
	switch {
	case !conn.Alive():
		return OutcomeTainted
	case ctx.Err() != nil:
		return OutcomeTainted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return OutcomeTainted
	case exec.Mutated:
		return OutcomeTainted
	}
	return OutcomeReusable
}
