package browser_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/browser"
	"github.com/shehryarbajwa/browserpool/internal/browser/browsertest"
	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

func newExecutor() *browser.Executor {
	return browser.NewExecutor(config.BrowserConfig{MinStepTimeout: 10 * time.Millisecond}, zap.NewNop())
}

func openConn(t *testing.T, behavior browsertest.Behavior) *browsertest.Conn {
	t.Helper()
	engine := &browsertest.Engine{Behavior: behavior}
	conn, err := engine.Open(context.Background())
	require.NoError(t, err)
	return conn.(*browsertest.Conn)
}

func TestExecuteSuccess(t *testing.T) {
	conn := openConn(t, nil)
	ex := newExecutor()

	var touched atomic.Int32
	var events []string
	hook := func(i int, s models.Step, finished bool, err error) {
		if finished {
			events = append(events, "done:"+string(s.Kind))
		} else {
			events = append(events, "start:"+string(s.Kind))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := ex.Execute(ctx, conn, []models.Step{
		{Kind: models.StepNavigate, URL: "https://example.com"},
		{Kind: models.StepFill, Selector: "#q", Value: "go"},
		{Kind: models.StepExtract, Name: "title", Mode: models.ExtractText, Selector: "h1"},
	}, func() { touched.Add(1) }, hook)

	require.NoError(t, err)
	assert.Equal(t, browser.OutcomeReusable, res.Outcome)
	assert.Equal(t, 3, res.StepsRun)
	assert.Equal(t, "https://example.com", res.FinalURL)
	assert.Equal(t, "text:h1", res.Extracted["title"])
	assert.True(t, res.Mutated)
	assert.Equal(t, int32(4), touched.Load())
	assert.Equal(t, []string{
		"start:navigate", "done:navigate",
		"start:fill", "done:fill",
		"start:extract", "done:extract",
	}, events)
}

func TestNavigateFailureOnCleanSessionIsReusable(t *testing.T) {
	conn := openConn(t, browsertest.FailOn(browsertest.OpNavigate, errors.New("net::ERR_NAME_NOT_RESOLVED")))
	ex := newExecutor()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := ex.Execute(ctx, conn, []models.Step{
		{Kind: models.StepNavigate, URL: "https://nowhere.invalid"},
	}, nil, nil)

	require.Error(t, err)
	var stepErr *models.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, models.StepNavigate, stepErr.Kind)
	assert.Equal(t, 0, stepErr.Index)
	assert.Equal(t, browser.OutcomeReusable, res.Outcome)
	assert.Zero(t, conn.Aborts())
}

func TestInteractFailureAfterMutationIsTainted(t *testing.T) {
	failure := errors.New("element is not attached to the DOM")
	conn := openConn(t, browsertest.FailOn(browsertest.OpClick, failure))
	ex := newExecutor()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := ex.Execute(ctx, conn, []models.Step{
		{Kind: models.StepNavigate, URL: "https://example.com/login"},
		{Kind: models.StepFill, Selector: "#email", Value: "a@b.c"},
		{Kind: models.StepClick, Selector: "button"},
	}, nil, nil)

	require.Error(t, err)
	var stepErr *models.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, models.StepClick, stepErr.Kind)
	assert.Equal(t, 2, stepErr.Index)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, browser.OutcomeTainted, res.Outcome)
	assert.Equal(t, 2, res.StepsRun)
}

func TestReadOnlyFailureAfterMutationIsTainted(t *testing.T) {
	conn := openConn(t, browsertest.FailOn(browsertest.OpExtract, errors.New("no such element")))
	ex := newExecutor()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := ex.Execute(ctx, conn, []models.Step{
		{Kind: models.StepClick, Selector: "#tab"},
		{Kind: models.StepExtract, Name: "body"},
	}, nil, nil)

	require.Error(t, err)
	assert.Equal(t, browser.OutcomeTainted, res.Outcome)
}

func TestStepTimeoutTaints(t *testing.T) {
	conn := openConn(t, browsertest.Block())
	ex := browser.NewExecutor(config.BrowserConfig{
		MinStepTimeout: 10 * time.Millisecond,
		StepRatios:     map[string]float64{"wait": 0.1},
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	res, err := ex.Execute(ctx, conn, []models.Step{
		{Kind: models.StepWait, Selector: "#never"},
	}, nil, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, browser.OutcomeTainted, res.Outcome)
	// 10% of the remaining second, not the whole task budget
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCancellationAbortsConn(t *testing.T) {
	conn := openConn(t, browsertest.Block())
	ex := newExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := ex.Execute(ctx, conn, []models.Step{
		{Kind: models.StepNavigate, URL: "https://slow.example"},
	}, nil, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, browser.OutcomeTainted, res.Outcome)
	assert.GreaterOrEqual(t, conn.Aborts(), 1)
}

func TestCrashIsReportedAsSessionCrashed(t *testing.T) {
	conn := openConn(t, func(_ context.Context, c *browsertest.Conn, op browsertest.Op, _ string) error {
		if op == browsertest.OpNavigate {
			c.Kill()
			return errors.New("Target page, context or browser has been closed")
		}
		return nil
	})
	ex := newExecutor()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := ex.Execute(ctx, conn, []models.Step{{Kind: models.StepNavigate, URL: "https://example.com"}}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSessionCrashed)
	assert.Equal(t, browser.OutcomeTainted, res.Outcome)
}

func TestFixedWaitHonoursDeadline(t *testing.T) {
	conn := openConn(t, nil)
	ex := newExecutor()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := ex.Execute(ctx, conn, []models.Step{{Kind: models.StepWait, DurationMs: 5000}}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, browser.OutcomeTainted, res.Outcome)
}

func TestStepTimeout(t *testing.T) {
	ex := browser.NewExecutor(config.BrowserConfig{MinStepTimeout: time.Second}, zap.NewNop())

	assert.Equal(t, 6*time.Second, ex.StepTimeout(models.StepNavigate, 10*time.Second))
	assert.Equal(t, 1*time.Second, ex.StepTimeout(models.StepClick, 2*time.Second), "floored at the minimum")
	assert.Equal(t, 500*time.Millisecond, ex.StepTimeout(models.StepClick, 500*time.Millisecond), "never past the deadline")
	assert.Zero(t, ex.StepTimeout(models.StepClick, 0))
}

func TestLongStepKeepsSessionFresh(t *testing.T) {
	conn := openConn(t, nil)
	ex := browser.NewExecutor(config.BrowserConfig{MinStepTimeout: 10 * time.Millisecond}, zap.NewNop(),
		browser.WithHeartbeat(20*time.Millisecond))

	var touches atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := ex.Execute(ctx, conn, []models.Step{{Kind: models.StepWait, DurationMs: 200}}, func() { touches.Add(1) }, nil)
	require.NoError(t, err)
	// one before the step, one after, and heartbeats in between
	assert.GreaterOrEqual(t, touches.Load(), int64(6))
}

func TestStuckCallStopsHeartbeatAtItsDeadline(t *testing.T) {
	// an engine call that ignores its context entirely
	stuck := func(_ context.Context, _ *browsertest.Conn, op browsertest.Op, _ string) error {
		if op == browsertest.OpClick {
			time.Sleep(300 * time.Millisecond)
			return errors.New("element detached")
		}
		return nil
	}
	conn := openConn(t, stuck)
	ex := browser.NewExecutor(config.BrowserConfig{MinStepTimeout: 10 * time.Millisecond}, zap.NewNop(),
		browser.WithHeartbeat(10*time.Millisecond))

	var (
		start = time.Now()
		late  atomic.Int64
		total atomic.Int64
	)
	touch := func() {
		total.Add(1)
		if time.Since(start) > 150*time.Millisecond {
			late.Add(1)
		}
	}

	// click gets a quarter of the 200ms budget
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := ex.Execute(ctx, conn, []models.Step{{Kind: models.StepClick, Selector: "#buy"}}, touch, nil)
	require.Error(t, err)
	assert.GreaterOrEqual(t, total.Load(), int64(2))
	assert.Zero(t, late.Load(), "no activity reported once the step deadline passed")
}
