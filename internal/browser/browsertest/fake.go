// Package browsertest provides in-memory browser engines for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shehryarbajwa/browserpool/internal/browser"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// Op names a Conn call, as passed to Behavior.
type Op string

const (
	OpNavigate Op = "navigate"
	OpWait     Op = "wait"
	OpClick    Op = "click"
	OpFill     Op = "fill"
	OpPress    Op = "press"
	OpEvaluate Op = "evaluate"
	OpExtract  Op = "extract"
	OpReset    Op = "reset"
)

// Behavior decides how a call on a fake conn ends. Returning nil means success.
type Behavior func(ctx context.Context, conn *Conn, op Op, arg string) error

// Engine is a browser.Engine whose conns live in memory.
type Engine struct {
	// OpenDelay simulates process start-up latency
	OpenDelay time.Duration
	// OpenErr makes every Open fail
	OpenErr error
	// Behavior is copied into each conn at open time
	Behavior Behavior
	// AbortDelay makes Abort block, like a browser that has stopped answering
	AbortDelay time.Duration

	mu     sync.Mutex
	conns  []*Conn
	opened atomic.Int64
	closed atomic.Bool
}

var _ browser.Engine = (*Engine)(nil)

func (e *Engine) Name() string { return "fake" }

func (e *Engine) Open(ctx context.Context) (browser.Conn, error) {
	if e.OpenDelay > 0 {
		timer := time.NewTimer(e.OpenDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	n := e.opened.Add(1)
	c := &Conn{
		ID:       fmt.Sprintf("conn-%d", n),
		behavior:   e.Behavior,
		abortDelay: e.AbortDelay,
		url:        "about:blank",
	}
	c.alive.Store(true)

	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	return c, nil
}

func (e *Engine) Close(ctx context.Context) error {
	e.closed.Store(true)
	return nil
}

// Opened is the number of successful Open calls.
func (e *Engine) Opened() int { return int(e.opened.Load()) }

// Conns returns every conn the engine has handed out.
func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conn, len(e.conns))
	copy(out, e.conns)
	return out
}

// Closed reports whether Close was called on the engine.
func (e *Engine) Closed() bool { return e.closed.Load() }

// Conn is a scripted browser.Conn.
type Conn struct {
	ID string

	behavior   Behavior
	abortDelay time.Duration

	mu    sync.Mutex
	url   string
	calls []Op

	alive   atomic.Bool
	aborted atomic.Int64
	closed  atomic.Int64
	resets  atomic.Int64
}

var _ browser.Conn = (*Conn)(nil)

// Kill simulates the browser process dying.
func (c *Conn) Kill() { c.alive.Store(false) }

// Aborts is how many times Abort was called.
func (c *Conn) Aborts() int { return int(c.aborted.Load()) }

// Closes is how many times Close was called.
func (c *Conn) Closes() int { return int(c.closed.Load()) }

// Resets is how many times Reset was called.
func (c *Conn) Resets() int { return int(c.resets.Load()) }

// Calls lists the ops performed, in order.
func (c *Conn) Calls() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Op, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *Conn) do(ctx context.Context, op Op, arg string) error {
	c.mu.Lock()
	c.calls = append(c.calls, op)
	c.mu.Unlock()

	if !c.alive.Load() {
		return errors.New("target closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.behavior == nil {
		return nil
	}
	return c.behavior(ctx, c, op, arg)
}

func (c *Conn) Navigate(ctx context.Context, url, waitUntil string) error {
	if err := c.do(ctx, OpNavigate, url); err != nil {
		return err
	}
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
	return nil
}

func (c *Conn) WaitSelector(ctx context.Context, selector, state string) error {
	return c.do(ctx, OpWait, selector)
}

func (c *Conn) Click(ctx context.Context, selector string) error {
	return c.do(ctx, OpClick, selector)
}

func (c *Conn) Fill(ctx context.Context, selector, value string) error {
	return c.do(ctx, OpFill, selector)
}

func (c *Conn) Press(ctx context.Context, selector, key string) error {
	return c.do(ctx, OpPress, selector)
}

func (c *Conn) Evaluate(ctx context.Context, script string) (string, error) {
	if err := c.do(ctx, OpEvaluate, script); err != nil {
		return "", err
	}
	return "evaluated", nil
}

func (c *Conn) Extract(ctx context.Context, step models.Step) (string, error) {
	if err := c.do(ctx, OpExtract, step.Name); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", step.Mode, step.Selector), nil
}

func (c *Conn) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Conn) Reset(ctx context.Context) error {
	c.resets.Add(1)
	if err := c.do(ctx, OpReset, ""); err != nil {
		return err
	}
	c.mu.Lock()
	c.url = "about:blank"
	c.mu.Unlock()
	return nil
}

func (c *Conn) Alive() bool { return c.alive.Load() }

func (c *Conn) Abort() {
	c.aborted.Add(1)
	c.alive.Store(false)
	if c.abortDelay > 0 {
		time.Sleep(c.abortDelay)
	}
}

func (c *Conn) Close(ctx context.Context) error {
	c.closed.Add(1)
	c.alive.Store(false)
	return nil
}

// Sleep is a Behavior that makes every op take d, honouring cancellation.
func Sleep(d time.Duration) Behavior {
	return func(ctx context.Context, _ *Conn, op Op, _ string) error {
		if op == OpReset {
			return nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Block is a Behavior that hangs every op except reset until the context ends.
func Block() Behavior {
	return func(ctx context.Context, _ *Conn, op Op, _ string) error {
		if op == OpReset {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

// FailOn is a Behavior that fails op with err and lets everything else succeed.
func FailOn(op Op, err error) Behavior {
	return func(_ context.Context, _ *Conn, got Op, _ string) error {
		if got == op {
			return err
		}
		return nil
	}
}
