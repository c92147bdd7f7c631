package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// launchTimeout bounds a single Chromium start-up when the caller has no deadline.
const launchTimeout = 60 * time.Second

// Install downloads the Chromium build the Playwright driver expects.
func Install() error {
	return playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
}

// PlaywrightEngine launches one Chromium process per session through a shared driver.
type PlaywrightEngine struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	initOnce sync.Once
	initErr  error
	pw       *playwright.Playwright
}

// NewPlaywrightEngine creates a Playwright engine. The driver starts on first use.
func NewPlaywrightEngine(cfg config.BrowserConfig, logger *zap.Logger) *PlaywrightEngine {
	return &PlaywrightEngine{cfg: cfg, logger: logger.Named("playwright")}
}

func (e *PlaywrightEngine) Name() string { return "playwright" }

func (e *PlaywrightEngine) initialize() error {
	e.initOnce.Do(func() {
		e.logger.Info("Starting Playwright driver...")
		pw, err := playwright.Run()
		if err != nil {
			e.initErr = fmt.Errorf("failed to start playwright driver: %w", err)
			return
		}
		e.pw = pw
	})
	return e.initErr
}

// Prepare starts the playwright driver so the first session does not pay for it.
func (e *PlaywrightEngine) Prepare(ctx context.Context) error {
	return e.initialize()
}

func (e *PlaywrightEngine) launchOptions(ctx context.Context) playwright.BrowserTypeLaunchOptions {
	timeout := launchTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.cfg.Headless),
		Args: append([]string{
			"--disable-gpu",
			"--no-sandbox",
			"--disable-dev-shm-usage",
		}, e.cfg.Args...),
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}
	if !e.cfg.Headless && e.cfg.Display != "" {
		opts.Env = map[string]string{"DISPLAY": e.cfg.Display}
	}
	return opts
}

func (e *PlaywrightEngine) Open(ctx context.Context) (Conn, error) {
	if !e.cfg.Headless {
		if err := CheckDisplay(e.cfg.Display); err != nil {
			return nil, err
		}
	}
	if err := e.initialize(); err != nil {
		return nil, err
	}

	type opened struct {
		conn *playwrightConn
		err  error
	}
	ch := make(chan opened, 1)
	go func() {
		c, err := e.open(ctx)
		ch <- opened{c, err}
	}()

	select {
	case o := <-ch:
		return o.conn, o.err
	case <-ctx.Done():
		// launch cannot be interrupted; close whatever it produces
		go func() {
			if o := <-ch; o.conn != nil {
				_ = o.conn.Close(context.Background())
			}
		}()
		return nil, ctx.Err()
	}
}

func (e *PlaywrightEngine) open(ctx context.Context) (*playwrightConn, error) {
	browser, err := e.pw.Chromium.Launch(e.launchOptions(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}

	ctxOpts := playwright.BrowserNewContextOptions{}
	if w, h := e.cfg.Viewport["width"], e.cfg.Viewport["height"]; w > 0 && h > 0 {
		ctxOpts.Viewport = &playwright.Size{Width: w, Height: h}
	}
	if e.cfg.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(e.cfg.UserAgent)
	}
	bctx, err := browser.NewContext(ctxOpts)
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	c := &playwrightConn{
		browser: browser,
		bctx:    bctx,
		page:    page,
		headers: newHeaderLog(),
		logger:  e.logger,
	}
	page.OnRequest(func(req playwright.Request) {
		c.headers.record(req.Headers())
	})
	page.OnCrash(func(playwright.Page) {
		c.crashed.Store(true)
		e.logger.Warn("Page crashed.")
	})
	browser.OnDisconnected(func(playwright.Browser) {
		c.crashed.Store(true)
	})
	return c, nil
}

func (e *PlaywrightEngine) Close(ctx context.Context) error {
	if e.pw == nil {
		return nil
	}
	if err := e.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightConn struct {
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
	headers *headerLog
	logger  *zap.Logger

	crashed   atomic.Bool
	aborted   atomic.Bool
	abortOnce sync.Once
}

// do runs fn with a millisecond timeout derived from ctx. Playwright calls are not
// context aware, so cancellation closes the page to unblock them.
func (c *playwrightConn) do(ctx context.Context, fn func(timeout *float64) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var timeout *float64
	if dl, ok := ctx.Deadline(); ok {
		ms := float64(time.Until(dl).Milliseconds())
		if ms < 1 {
			return context.DeadlineExceeded
		}
		timeout = playwright.Float(ms)
	}

	done := make(chan error, 1)
	go func() { done <- fn(timeout) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, playwright.ErrTimeout) {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return err
	case <-ctx.Done():
		c.Abort()
		<-done
		return ctx.Err()
	}
}

func (c *playwrightConn) Navigate(ctx context.Context, url, waitUntil string) error {
	return c.do(ctx, func(timeout *float64) error {
		opts := playwright.PageGotoOptions{Timeout: timeout}
		if waitUntil != "" {
			state := playwright.WaitUntilState(waitUntil)
			opts.WaitUntil = &state
		}
		_, err := c.page.Goto(url, opts)
		return err
	})
}

func (c *playwrightConn) WaitSelector(ctx context.Context, selector, state string) error {
	return c.do(ctx, func(timeout *float64) error {
		opts := playwright.PageWaitForSelectorOptions{Timeout: timeout}
		if state != "" {
			s := playwright.WaitForSelectorState(state)
			opts.State = &s
		}
		_, err := c.page.WaitForSelector(selector, opts)
		return err
	})
}

func (c *playwrightConn) Click(ctx context.Context, selector string) error {
	return c.do(ctx, func(timeout *float64) error {
		return c.page.Locator(selector).First().Click(playwright.LocatorClickOptions{Timeout: timeout})
	})
}

func (c *playwrightConn) Fill(ctx context.Context, selector, value string) error {
	return c.do(ctx, func(timeout *float64) error {
		return c.page.Locator(selector).First().Fill(value, playwright.LocatorFillOptions{Timeout: timeout})
	})
}

func (c *playwrightConn) Press(ctx context.Context, selector, key string) error {
	return c.do(ctx, func(timeout *float64) error {
		if selector == "" {
			return c.page.Keyboard().Press(key)
		}
		return c.page.Locator(selector).First().Press(key, playwright.LocatorPressOptions{Timeout: timeout})
	})
}

func (c *playwrightConn) Evaluate(ctx context.Context, script string) (string, error) {
	var out string
	err := c.do(ctx, func(*float64) error {
		v, err := c.page.Evaluate(script)
		if err != nil {
			return err
		}
		out, err = stringify(v)
		return err
	})
	return out, err
}

func (c *playwrightConn) Extract(ctx context.Context, step models.Step) (string, error) {
	var out string
	err := c.do(ctx, func(timeout *float64) error {
		var err error
		switch extractMode(step) {
		case models.ExtractText:
			if step.Selector == "" {
				out, err = c.page.Locator("body").InnerText(playwright.LocatorInnerTextOptions{Timeout: timeout})
				return err
			}
			out, err = c.page.Locator(step.Selector).First().TextContent(playwright.LocatorTextContentOptions{Timeout: timeout})
		case models.ExtractHTML:
			if step.Selector == "" {
				out, err = c.page.Content()
				return err
			}
			out, err = c.page.Locator(step.Selector).First().InnerHTML(playwright.LocatorInnerHTMLOptions{Timeout: timeout})
		case models.ExtractAttribute:
			out, err = c.page.Locator(step.Selector).First().GetAttribute(step.Attribute, playwright.LocatorGetAttributeOptions{Timeout: timeout})
		case models.ExtractCookies:
			var cookies []playwright.Cookie
			cookies, err = c.bctx.Cookies()
			if err != nil {
				return err
			}
			pairs := make([][2]string, 0, len(cookies))
			for _, ck := range cookies {
				pairs = append(pairs, [2]string{ck.Name, ck.Value})
			}
			out = cookieHeader(pairs)
		case models.ExtractRequestHeader:
			v, ok := c.headers.get(step.Header)
			if !ok {
				return fmt.Errorf("request header %q was never sent", step.Header)
			}
			out = v
		case models.ExtractURL:
			out = c.page.URL()
		case models.ExtractScreenshot:
			var buf []byte
			buf, err = c.page.Screenshot(playwright.PageScreenshotOptions{
				FullPage: playwright.Bool(true),
				Timeout:  timeout,
			})
			if err != nil {
				return err
			}
			out = base64.StdEncoding.EncodeToString(buf)
		default:
			err = fmt.Errorf("unsupported extract mode %q", step.Mode)
		}
		return err
	})
	return out, err
}

func (c *playwrightConn) URL() string {
	if c.aborted.Load() {
		return ""
	}
	return c.page.URL()
}

func (c *playwrightConn) Reset(ctx context.Context) error {
	c.headers.reset()
	return c.do(ctx, func(timeout *float64) error {
		if err := c.bctx.ClearCookies(); err != nil {
			return fmt.Errorf("failed to clear cookies: %w", err)
		}
		_, err := c.page.Goto("about:blank", playwright.PageGotoOptions{Timeout: timeout})
		return err
	})
}

func (c *playwrightConn) Alive() bool {
	return !c.crashed.Load() && !c.aborted.Load() && c.browser.IsConnected()
}

// Abort returns at once; a wedged page must not hold up the caller, and Close bounds
// the teardown of the browser itself.
func (c *playwrightConn) Abort() {
	c.abortOnce.Do(func() {
		c.aborted.Store(true)
		go func() {
			_ = c.page.Close()
			_ = c.bctx.Close()
		}()
	})
}

func (c *playwrightConn) Close(ctx context.Context) error {
	c.Abort()
	done := make(chan error, 1)
	go func() { done <- c.browser.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stringify renders an evaluation result. Strings pass through, everything else is JSON.
func stringify(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode evaluation result: %w", err)
	}
	return string(b), nil
}
