package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserpool/internal/browser"
	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/internal/observability"
	"github.com/shehryarbajwa/browserpool/internal/pool"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// ArtifactSaver persists a finished task's output and returns where it went.
type ArtifactSaver interface {
	Save(taskID string, res *models.TaskResult) (string, error)
}

type taskState int

const (
	stateQueued taskState = iota
	stateAcquiring
	stateRunning
	stateDone
)

type task struct {
	id       string
	req      models.TaskRequest
	ticket   *Ticket
	deadline time.Time

	ctx          context.Context
	cancel       context.CancelCauseFunc
	cancelDl     context.CancelFunc
	stopWatch    func() bool
	releaseQuota func()

	state        taskState
	attempts     int
	poolRetries  int
	crashRetried bool
	startedAt    time.Time
	finishedAt   time.Time
}

// Dispatcher admits tasks into a bounded FIFO queue and feeds them to the pool
// from a single dispatch goroutine.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	pool     *pool.Pool
	executor *browser.Executor
	saver    ArtifactSaver
	logger   *zap.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	queue    *taskQueue
	tasks    map[string]*task
	projects map[string]*semaphore.Weighted
	current  *task
	closed   bool

	wake     chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
	running  sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

// New creates a dispatcher that runs tasks on sessions from p. Call Start to begin dispatching.
func New(cfg config.DispatcherConfig, p *pool.Pool, executor *browser.Executor, saver ArtifactSaver, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		pool:     p,
		executor: executor,
		saver:    saver,
		logger:   logger.Named("dispatcher"),
		tracer:   observability.Tracer(),
		queue:    newTaskQueue(),
		tasks:    make(map[string]*task),
		projects: make(map[string]*semaphore.Weighted),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	if d.started.CompareAndSwap(false, true) {
		go d.loop()
	}
}

// Submit validates and enqueues a task. It never blocks: a full queue or an exhausted
// project quota returns ErrQueueFull immediately.
func (d *Dispatcher) Submit(req models.TaskRequest) (*Ticket, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidTask, err)
	}

	timeout := d.cfg.TaskDeadline
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, models.ErrPoolClosed
	}
	d.pruneLocked(now)

	if d.queue.Len() >= d.cfg.QueueMax {
		recordRejected("queue_full")
		return nil, fmt.Errorf("%w: %d tasks waiting", models.ErrQueueFull, d.queue.Len())
	}
	releaseQuota, ok := d.reserveQuotaLocked(req.ProjectID)
	if !ok {
		recordRejected("project_quota")
		return nil, fmt.Errorf("%w: project %s has %d tasks in flight", models.ErrQueueFull, req.ProjectID, d.cfg.MaxPerProject)
	}

	id := ulid.Make().String()
	deadline := now.Add(timeout)
	base, cancel := context.WithCancelCause(context.Background())
	ctx, cancelDl := context.WithDeadlineCause(base, deadline, models.ErrDeadlineExceeded)

	t := &task{
		id:           id,
		req:          req,
		deadline:     deadline,
		ctx:          ctx,
		cancel:       cancel,
		cancelDl:     cancelDl,
		releaseQuota: releaseQuota,
		state:        stateQueued,
	}
	t.ticket = newTicket(id, req.ProjectID, now, func() { cancel(models.ErrTaskCancelled) })
	// expiry or cancellation while still queued removes the task without dispatching it
	t.stopWatch = context.AfterFunc(ctx, func() { d.expire(t) })

	d.tasks[id] = t
	d.queue.PushBack(t)
	recordQueueDepth(d.queue.Len())
	t.ticket.emit(models.TaskEvent{Type: "queued", Status: models.TaskQueued})
	d.signal()

	d.logger.Debug("Task queued.",
		zap.String("task_id", id),
		zap.String("project_id", req.ProjectID),
		zap.Int("steps", len(req.Steps)),
		zap.Duration("timeout", timeout))
	return t.ticket, nil
}

func (d *Dispatcher) reserveQuotaLocked(projectID string) (func(), bool) {
	if d.cfg.MaxPerProject <= 0 || projectID == "" {
		return func() {}, true
	}
	sem, ok := d.projects[projectID]
	if !ok {
		sem = semaphore.NewWeighted(int64(d.cfg.MaxPerProject))
		d.projects[projectID] = sem
	}
	if !sem.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, true
}

// Get returns the ticket of a queued, running, or recently finished task.
func (d *Dispatcher) Get(id string) (*Ticket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(time.Now())
	t, ok := d.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return t.ticket, nil
}

// Cancel cancels a tracked task by id.
func (d *Dispatcher) Cancel(id string) error {
	ticket, err := d.Get(id)
	if err != nil {
		return err
	}
	ticket.Cancel()
	return nil
}

// QueueDepth is the number of tasks waiting for a session.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

func (d *Dispatcher) pruneLocked(now time.Time) {
	if d.cfg.ResultRetention <= 0 {
		return
	}
	for id, t := range d.tasks {
		if t.state == stateDone && now.Sub(t.finishedAt) > d.cfg.ResultRetention {
			delete(d.tasks, id)
		}
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// expire runs when a task's context ends. Only queued tasks are handled here; the
// dispatch loop and executors notice cancellation themselves.
func (d *Dispatcher) expire(t *task) {
	d.mu.Lock()
	if t.state != stateQueued {
		d.mu.Unlock()
		return
	}
	d.queue.Remove(t)
	recordQueueDepth(d.queue.Len())
	t.state = stateDone
	d.mu.Unlock()

	d.finish(t, nil, context.Cause(t.ctx))
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for {
		t := d.next()
		if t == nil {
			return
		}
		d.dispatch(t)
	}
}

// next blocks until the head of the queue can be taken or the dispatcher stops.
func (d *Dispatcher) next() *task {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil
		}
		if t := d.queue.PopFront(); t != nil {
			t.state = stateAcquiring
			d.current = t
			recordQueueDepth(d.queue.Len())
			d.mu.Unlock()
			return t
		}
		d.mu.Unlock()

		select {
		case <-d.wake:
		case <-d.stop:
			return nil
		}
	}
}

func (d *Dispatcher) dispatch(t *task) {
	defer func() {
		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()
	}()

	if err := t.ctx.Err(); err != nil {
		d.markDone(t)
		d.finish(t, nil, context.Cause(t.ctx))
		return
	}

	// only the seat is claimed here, in queue order; browsers start in the task goroutine
	timeout := d.acquireTimeout(t)
	slot, err := d.pool.Reserve(t.ctx, timeout)
	switch {
	case err == nil:
		d.mu.Lock()
		t.state = stateRunning
		d.mu.Unlock()
		d.running.Add(1)
		go d.run(t, slot)

	case errors.Is(err, models.ErrPoolExhausted):
		t.poolRetries++
		if t.poolRetries > d.cfg.RetryBudget {
			d.markDone(t)
			d.finish(t, nil, fmt.Errorf("%w: no session after %d attempts", models.ErrOverloaded, t.poolRetries))
			return
		}
		recordRetry("pool_exhausted")
		t.ticket.emit(models.TaskEvent{Type: "retry", Message: "pool exhausted"})
		if !d.backoff(t, t.poolRetries) {
			return
		}
		d.requeueFront(t)

	case t.ctx.Err() != nil:
		d.markDone(t)
		d.finish(t, nil, context.Cause(t.ctx))

	default:
		d.markDone(t)
		d.finish(t, nil, err)
	}
}

// acquireTimeout is min(acquire_timeout, time left before the task deadline).
func (d *Dispatcher) acquireTimeout(t *task) time.Duration {
	remaining := time.Until(t.deadline)
	timeout := d.pool.AcquireTimeout()
	if timeout <= 0 || remaining < timeout {
		return remaining
	}
	return timeout
}

// backoff sleeps before the next attempt. It reports false when the task ended or the
// dispatcher stopped in the meantime, in which case the task has been settled.
func (d *Dispatcher) backoff(t *task, attempt int) bool {
	wait := d.cfg.RetryBackoff << (attempt - 1)
	if wait <= 0 {
		return true
	}
	if remaining := time.Until(t.deadline); wait > remaining {
		wait = remaining
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-t.ctx.Done():
		d.markDone(t)
		d.finish(t, nil, context.Cause(t.ctx))
		return false
	case <-d.stop:
		d.markDone(t)
		d.finish(t, nil, models.ErrPoolClosed)
		return false
	}
}

func (d *Dispatcher) requeueFront(t *task) {
	d.mu.Lock()
	var err error
	switch {
	case d.closed:
		err = models.ErrPoolClosed
	case t.ctx.Err() != nil:
		// the context ended while the task was out of the queue
		err = context.Cause(t.ctx)
	default:
		t.state = stateQueued
		d.queue.PushFront(t)
		recordQueueDepth(d.queue.Len())
		d.signal()
		d.mu.Unlock()
		return
	}
	t.state = stateDone
	d.mu.Unlock()
	d.finish(t, nil, err)
}

func (d *Dispatcher) markDone(t *task) {
	d.mu.Lock()
	t.state = stateDone
	d.mu.Unlock()
}

// run opens the reserved slot, executes the task on it, and releases the lease exactly once.
func (d *Dispatcher) run(t *task, slot *pool.Slot) {
	defer d.running.Done()
	metricInFlight.Inc()
	defer metricInFlight.Dec()

	lease, err := slot.Open(t.ctx)
	if err != nil {
		if t.ctx.Err() != nil {
			err = context.Cause(t.ctx)
		}
		d.markDone(t)
		d.finish(t, nil, err)
		return
	}
	if t.ctx.Err() != nil {
		// the session never ran anything for this task
		_ = lease.Release(browser.OutcomeReusable)
		d.markDone(t)
		d.finish(t, nil, context.Cause(t.ctx))
		return
	}
	d.mu.Lock()
	t.attempts++
	d.mu.Unlock()

	// the lease is revoked if the monitor presumes the session hung
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stopRevoke := context.AfterFunc(lease.Context(), cancel)
	defer stopRevoke()

	ctx, span := d.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		observability.AttrTaskID.String(t.id),
		observability.AttrProjectID.String(t.req.ProjectID),
		observability.AttrSessionID.String(lease.SessionID),
		observability.AttrSteps.Int(len(t.req.Steps)),
		observability.AttrAttempt.Int(t.attempts),
	))
	defer span.End()

	lease.Bind(t.id)
	now := time.Now()
	if t.startedAt.IsZero() {
		t.startedAt = now
	}
	t.ticket.update(func(res *models.TaskResult) {
		res.Status = models.TaskRunning
		res.SessionID = lease.SessionID
		res.StartedAt = t.startedAt
		res.Attempts = t.attempts
	})
	t.ticket.emit(models.TaskEvent{Type: "dispatched", SessionID: lease.SessionID, Status: models.TaskRunning})

	hook := func(i int, step models.Step, finished bool, err error) {
		ev := models.TaskEvent{Type: "step_started", Step: i, Kind: step.Kind, SessionID: lease.SessionID}
		if finished {
			ev.Type = "step_finished"
			if err != nil {
				ev.Type = "step_failed"
				ev.Message = err.Error()
			}
		}
		t.ticket.emit(ev)
	}

	exec, err := d.executor.Execute(ctx, lease.Conn(), t.req.Steps, lease.Touch, hook)
	revoked := lease.Context().Err() != nil && t.ctx.Err() == nil

	if releaseErr := lease.Release(exec.Outcome); releaseErr != nil {
		d.logger.Debug("Lease was already revoked.", zap.String("task_id", t.id), zap.String("session_id", lease.SessionID))
	}
	span.SetAttributes(observability.AttrOutcome.String(exec.Outcome.String()))

	switch {
	case err == nil:
	case t.ctx.Err() != nil:
		// the task itself ended: deadline, cancel, or shutdown
		err = fmt.Errorf("%w: %v", context.Cause(t.ctx), err)
	case revoked:
		// callers see a failed step; the crash stays visible through Unwrap for the retry check
		cause := fmt.Errorf("%w: session %s stopped responding", models.ErrSessionCrashed, lease.SessionID)
		var stepErr *models.StepError
		if errors.As(err, &stepErr) {
			err = &models.StepError{Index: stepErr.Index, Kind: stepErr.Kind, Cause: cause}
		} else {
			err = cause
		}
	}

	if err != nil && d.shouldRetryCrash(t, exec, err) {
		t.crashRetried = true
		recordRetry("session_crashed")
		d.logger.Info("Session crashed before any interaction; retrying on a fresh session.",
			zap.String("task_id", t.id), zap.String("session_id", lease.SessionID))
		t.ticket.emit(models.TaskEvent{Type: "retry", SessionID: lease.SessionID, Message: "session crashed"})
		span.SetStatus(codes.Error, "session crashed, retrying")
		d.requeueFront(t)
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, models.ErrorCode(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	d.markDone(t)
	d.finish(t, exec, err)
}

// shouldRetryCrash allows one retry on a fresh session when the session died before
// any interact step had completed and the retry budget is not spent.
func (d *Dispatcher) shouldRetryCrash(t *task, exec *browser.Execution, err error) bool {
	if t.crashRetried || !errors.Is(err, models.ErrSessionCrashed) || t.ctx.Err() != nil {
		return false
	}
	if t.attempts+t.poolRetries > d.cfg.RetryBudget {
		return false
	}
	for _, step := range t.req.Steps[:exec.StepsRun] {
		if step.Kind.Interacts() {
			return false
		}
	}
	return true
}

// finish settles a task exactly once: result, artifacts, quota, metrics, ticket.
func (d *Dispatcher) finish(t *task, exec *browser.Execution, err error) {
	t.stopWatch()
	t.cancelDl()
	t.cancel(nil)
	t.releaseQuota()

	now := time.Now()
	res, _ := t.ticket.Result()
	res.FinishedAt = now
	res.Attempts = t.attempts
	if !t.startedAt.IsZero() {
		res.StartedAt = t.startedAt
	}
	if exec != nil {
		res.Extracted = exec.Extracted
		res.FinalURL = exec.FinalURL
		res.StepsRun = exec.StepsRun
	}

	switch {
	case err == nil:
		res.Status = models.TaskSucceeded
	case errors.Is(err, models.ErrTaskCancelled):
		res.Status = models.TaskCancelled
	default:
		res.Status = models.TaskFailed
	}
	res.Error = models.NewErrorBody(err)

	if err == nil && t.req.Save && d.saver != nil {
		dir, saveErr := d.saver.Save(t.id, res)
		if saveErr != nil {
			d.logger.Warn("Failed to save artifacts.", zap.String("task_id", t.id), zap.Error(saveErr))
		} else {
			res.ArtifactDir = dir
		}
	}

	d.mu.Lock()
	t.finishedAt = now
	d.mu.Unlock()

	recordFinished(string(res.Status), models.ErrorCode(err), res.SubmittedAt)
	t.ticket.emit(models.TaskEvent{Type: "finished", Status: res.Status, Message: errMessage(err)})
	t.ticket.complete(*res, err)

	fields := []zap.Field{
		zap.String("task_id", t.id),
		zap.String("status", string(res.Status)),
		zap.Int("attempts", t.attempts),
		zap.Duration("elapsed", now.Sub(res.SubmittedAt)),
	}
	if err != nil {
		d.logger.Info("Task failed.", append(fields, zap.String("code", models.ErrorCode(err)), zap.Error(err))...)
		return
	}
	d.logger.Debug("Task succeeded.", fields...)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Shutdown stops admission, fails queued tasks, and waits for running tasks. When ctx
// ends first, running tasks are aborted and their sessions released Tainted.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	queued := d.queue.Drain()
	for _, t := range queued {
		t.state = stateDone
	}
	recordQueueDepth(0)
	current := d.current
	d.mu.Unlock()

	d.stopOnce.Do(func() { close(d.stop) })
	for _, t := range queued {
		d.finish(t, nil, models.ErrPoolClosed)
	}
	if current != nil {
		current.cancel(models.ErrPoolClosed)
	}
	if d.started.Load() {
		<-d.loopDone
	}

	done := make(chan struct{})
	go func() {
		d.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	for _, t := range d.tasks {
		if t.state == stateRunning {
			t.cancel(models.ErrPoolClosed)
		}
	}
	d.mu.Unlock()
	<-done
	return fmt.Errorf("aborted running tasks: %w", ctx.Err())
}
