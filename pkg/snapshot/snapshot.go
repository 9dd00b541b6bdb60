// Package snapshot captures generated slides as PNG images with a headless
// browser so the QA stage can grade what the audience will actually see.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/Kevin-nav/sankosides/pkg/logx"
)

// Capturer renders an HTML document to a PNG.
type Capturer interface {
	Capture(ctx context.Context, html string) ([]byte, error)
}

// Config sizes the viewport. Zero values use the slide canvas size.
type Config struct {
	Width       int
	Height      int
	DebuggerURL string // connect to a running Chrome instead of launching one
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	return c
}

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("snapshot browser closed")

// Browser is a Capturer backed by one lazily started Chrome.
type Browser struct {
	cfg    Config
	logger *logx.Logger

	mu      sync.Mutex
	browser *rod.Browser
	closed  bool
}

// NewBrowser creates a capturer. Chrome is launched on the first Capture.
func NewBrowser(cfg Config) *Browser {
	return &Browser{cfg: cfg.withDefaults(), logger: logx.NewLogger("snapshot")}
}

func (b *Browser) ensureStarted() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.browser != nil {
		if _, err := b.browser.Version(); err == nil {
			return b.browser, nil
		}
		b.logger.Warn("Stale browser connection detected, reconnecting")
		_ = b.browser.Close()
		b.browser = nil
	}

	controlURL := b.cfg.DebuggerURL
	if controlURL == "" {
		url, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = browser
	b.logger.Info("Connected to headless browser")
	return browser, nil
}

// Capture loads html into a fresh page and screenshots the viewport.
func (b *Browser) Capture(ctx context.Context, html string) ([]byte, error) {
	browser, err := b.ensureStarted()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	defer func() { _ = page.Close() }()

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             b.cfg.Width,
		Height:            b.cfg.Height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		b.logger.Warn("failed to set viewport: %v", err)
	}

	if err := page.SetDocumentContent(html); err != nil {
		return nil, fmt.Errorf("set content: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}

	png, err := page.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return png, nil
}

// Close shuts the browser down. Further captures fail with ErrClosed.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}
