package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// locationTimeout bounds the URL lookup done after a task finishes.
const locationTimeout = 2 * time.Second

// ChromedpEngine drives Chromium over the DevTools protocol. Each session gets its own
// allocator: a local process, or a container started by a DockerLauncher.
type ChromedpEngine struct {
	cfg      config.BrowserConfig
	launcher *DockerLauncher
	logger   *zap.Logger
}

// NewChromedpEngine creates a chromedp engine, local or remote depending on cfg.
func NewChromedpEngine(cfg config.BrowserConfig, logger *zap.Logger) *ChromedpEngine {
	return &ChromedpEngine{cfg: cfg, logger: logger.Named("chromedp")}
}

// NewRemoteChromedpEngine attaches every session to a fresh browser container.
func NewRemoteChromedpEngine(launcher *DockerLauncher, logger *zap.Logger) *ChromedpEngine {
	return &ChromedpEngine{launcher: launcher, logger: logger.Named("chromedp-remote")}
}

func (e *ChromedpEngine) Name() string {
	if e.launcher != nil {
		return "docker"
	}
	return "chromedp"
}

func (e *ChromedpEngine) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", e.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if w, h := e.cfg.Viewport["width"], e.cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	if e.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.cfg.UserAgent))
	}
	if !e.cfg.Headless && e.cfg.Display != "" {
		opts = append(opts, chromedp.Env("DISPLAY="+e.cfg.Display))
	}
	for _, arg := range e.cfg.Args {
		key, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if hasValue {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

func (e *ChromedpEngine) Open(ctx context.Context) (Conn, error) {
	c := &chromedpConn{headers: newHeaderLog(), logger: e.logger}

	if e.launcher != nil {
		inst, err := e.launcher.Launch(ctx, uuid.NewString())
		if err != nil {
			return nil, err
		}
		c.cleanup = func(ctx context.Context) error {
			return e.launcher.Stop(ctx, inst.ContainerID)
		}
		c.healthy = func(ctx context.Context) bool {
			return e.launcher.IsHealthy(ctx, inst.ContainerID)
		}
		c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), inst.ConnectURL)
	} else {
		if !e.cfg.Headless {
			if err := CheckDisplay(e.cfg.Display); err != nil {
				return nil, err
			}
		}
		c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(context.Background(), e.allocatorOptions()...)
	}
	c.tabCtx, c.tabCancel = chromedp.NewContext(c.allocCtx)

	chromedp.ListenTarget(c.tabCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			if ev.Request == nil {
				return
			}
			headers := make(map[string]string, len(ev.Request.Headers))
			for k, v := range ev.Request.Headers {
				headers[k] = fmt.Sprint(v)
			}
			c.headers.record(headers)
		case *inspector.EventTargetCrashed:
			c.crashed.Store(true)
			e.logger.Warn("Target crashed.")
		}
	})

	// The first Run allocates the browser and ties it to the context it is given,
	// so it must see the long-lived tab context rather than a timeout.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(c.tabCtx, network.Enable()) }()
	select {
	case err := <-started:
		if err != nil {
			_ = c.Close(context.Background())
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	case <-ctx.Done():
		_ = c.Close(context.Background())
		return nil, ctx.Err()
	}
	return c, nil
}

// Prepare pulls the browser image when sessions run in containers.
func (e *ChromedpEngine) Prepare(ctx context.Context) error {
	if e.launcher == nil {
		return nil
	}
	return e.launcher.EnsureImage(ctx)
}

func (e *ChromedpEngine) Close(ctx context.Context) error {
	if e.launcher != nil {
		return e.launcher.Close()
	}
	return nil
}

type chromedpConn struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	cleanup     func(ctx context.Context) error
	healthy     func(ctx context.Context) bool

	headers *headerLog
	logger  *zap.Logger

	crashed   atomic.Bool
	aborted   atomic.Bool
	abortOnce sync.Once
	closeOnce sync.Once
}

// run executes actions on the tab, bounded by ctx's deadline and cancellation.
func (c *chromedpConn) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(c.tabCtx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, dl)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func (c *chromedpConn) Navigate(ctx context.Context, url, waitUntil string) error {
	// chromedp always waits for the load event
	return c.run(ctx, chromedp.Navigate(url))
}

func (c *chromedpConn) WaitSelector(ctx context.Context, selector, state string) error {
	var action chromedp.Action
	switch state {
	case "hidden":
		action = chromedp.WaitNotVisible(selector, chromedp.ByQuery)
	case "attached":
		action = chromedp.WaitReady(selector, chromedp.ByQuery)
	case "detached":
		action = chromedp.WaitNotPresent(selector, chromedp.ByQuery)
	default:
		action = chromedp.WaitVisible(selector, chromedp.ByQuery)
	}
	return c.run(ctx, action)
}

func (c *chromedpConn) Click(ctx context.Context, selector string) error {
	return c.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (c *chromedpConn) Fill(ctx context.Context, selector, value string) error {
	return c.run(ctx,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (c *chromedpConn) Press(ctx context.Context, selector, key string) error {
	if selector == "" {
		return c.run(ctx, chromedp.KeyEvent(keyCode(key)))
	}
	return c.run(ctx, chromedp.SendKeys(selector, keyCode(key), chromedp.ByQuery))
}

func (c *chromedpConn) Evaluate(ctx context.Context, script string) (string, error) {
	var res interface{}
	if err := c.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return "", err
	}
	return stringify(res)
}

func (c *chromedpConn) Extract(ctx context.Context, step models.Step) (string, error) {
	var out string
	switch extractMode(step) {
	case models.ExtractText:
		sel := step.Selector
		if sel == "" {
			sel = "body"
		}
		err := c.run(ctx, chromedp.Text(sel, &out, chromedp.ByQuery))
		return out, err
	case models.ExtractHTML:
		if step.Selector == "" {
			err := c.run(ctx, chromedp.OuterHTML("html", &out, chromedp.ByQuery))
			return out, err
		}
		err := c.run(ctx, chromedp.InnerHTML(step.Selector, &out, chromedp.ByQuery))
		return out, err
	case models.ExtractAttribute:
		var ok bool
		if err := c.run(ctx, chromedp.AttributeValue(step.Selector, step.Attribute, &out, &ok, chromedp.ByQuery)); err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("attribute %q not present on %s", step.Attribute, step.Selector)
		}
		return out, nil
	case models.ExtractCookies:
		err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := network.GetCookies().Do(ctx)
			if err != nil {
				return err
			}
			pairs := make([][2]string, 0, len(cookies))
			for _, ck := range cookies {
				pairs = append(pairs, [2]string{ck.Name, ck.Value})
			}
			out = cookieHeader(pairs)
			return nil
		}))
		return out, err
	case models.ExtractRequestHeader:
		v, ok := c.headers.get(step.Header)
		if !ok {
			return "", fmt.Errorf("request header %q was never sent", step.Header)
		}
		return v, nil
	case models.ExtractURL:
		err := c.run(ctx, chromedp.Location(&out))
		return out, err
	case models.ExtractScreenshot:
		var buf []byte
		if err := c.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(buf), nil
	}
	return "", fmt.Errorf("unsupported extract mode %q", step.Mode)
}

func (c *chromedpConn) URL() string {
	if !c.Alive() {
		return ""
	}
	var loc string
	ctx, cancel := context.WithTimeout(context.Background(), locationTimeout)
	defer cancel()
	if err := c.run(ctx, chromedp.Location(&loc)); err != nil {
		return ""
	}
	return loc
}

func (c *chromedpConn) Reset(ctx context.Context) error {
	if c.healthy != nil && !c.healthy(ctx) {
		return errors.New("browser container is no longer running")
	}
	c.headers.reset()
	return c.run(ctx,
		network.ClearBrowserCookies(),
		chromedp.Navigate("about:blank"),
	)
}

func (c *chromedpConn) Alive() bool {
	return !c.crashed.Load() && !c.aborted.Load() && c.tabCtx.Err() == nil
}

func (c *chromedpConn) Abort() {
	c.abortOnce.Do(func() {
		c.aborted.Store(true)
		c.tabCancel()
	})
}

func (c *chromedpConn) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.Abort()
		c.allocCancel()
		if c.cleanup != nil {
			err = c.cleanup(ctx)
		}
	})
	return err
}

var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
}

// keyCode maps DOM key names to the runes chromedp sends. Unknown names are typed as-is.
func keyCode(key string) string {
	if k, ok := namedKeys[key]; ok {
		return k
	}
	return key
}
