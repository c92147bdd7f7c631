package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// Conn is one isolated browsing context bound to one browser process or target.
// Calls honour the context deadline and return promptly once it is cancelled.
type Conn interface {
	Navigate(ctx context.Context, url, waitUntil string) error
	WaitSelector(ctx context.Context, selector, state string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Press(ctx context.Context, selector, key string) error
	Evaluate(ctx context.Context, script string) (string, error)
	Extract(ctx context.Context, step models.Step) (string, error)
	URL() string

	// Reset returns the context to a blank page with no cookies
	Reset(ctx context.Context) error
	// Alive is false once the underlying process or target is gone
	Alive() bool
	// Abort interrupts any in-flight call. The conn must not be reused afterwards.
	Abort()
	Close(ctx context.Context) error
}

// Engine starts browser connections. Only the pool calls Open.
type Engine interface {
	Name() string
	Open(ctx context.Context) (Conn, error)
	Close(ctx context.Context) error
}

// Preparer is implemented by engines with expensive one-time setup, such as
// starting a driver or pulling an image, that should happen before serving.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// NewEngine builds the engine named by cfg.Engine.
func NewEngine(cfg config.BrowserConfig, logger *zap.Logger) (Engine, error) {
	switch cfg.Engine {
	case "playwright", "":
		return NewPlaywrightEngine(cfg, logger), nil
	case "chromedp":
		return NewChromedpEngine(cfg, logger), nil
	case "docker":
		launcher, err := NewDockerLauncher(cfg.DockerImage, logger)
		if err != nil {
			return nil, err
		}
		return NewRemoteChromedpEngine(launcher, logger), nil
	}
	return nil, fmt.Errorf("unknown browser engine %q", cfg.Engine)
}

// headerLog remembers the last value of each request header seen on the wire.
type headerLog struct {
	mu     sync.Mutex
	values map[string]string
}

func newHeaderLog() *headerLog {
	return &headerLog{values: make(map[string]string)}
}

func (h *headerLog) record(headers map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range headers {
		h.values[strings.ToLower(k)] = v
	}
}

func (h *headerLog) get(name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.values[strings.ToLower(name)]
	return v, ok
}

func (h *headerLog) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = make(map[string]string)
}

// cookieHeader joins cookies the way a Cookie request header expects them.
func cookieHeader(pairs [][2]string) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p[0]+"="+p[1])
	}
	return strings.Join(parts, "; ")
}

func extractMode(step models.Step) models.ExtractMode {
	if step.Mode == "" {
		return models.ExtractText
	}
	return step.Mode
}
