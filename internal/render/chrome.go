package render

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Document is a fully resolved render request.
type Document struct {
	HTML    string // set for html and template jobs
	URL     string // set for url jobs
	WaitFor time.Duration
	PDF     *proto.PagePrintToPDF
}

// Engine turns a Document into PDF bytes.
type Engine interface {
	Render(ctx context.Context, doc Document) ([]byte, error)
}

// URLChecker vets every URL the browser is about to request.
type URLChecker interface {
	Check(ctx context.Context, raw string) error
}

// BrowserConfig controls how Chrome is launched.
type BrowserConfig struct {
	Bin       string // pre-installed browser; empty lets rod find or download one
	NoSandbox bool   // required in most containers
}

// chrome is one headless Chrome process. It is used by one render at a
// time; every render gets its own incognito context inside it.
type chrome struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	guard    URLChecker
	logger   *zap.Logger
}

func launchChrome(cfg BrowserConfig, guard URLChecker, logger *zap.Logger) (*chrome, error) {
	l := launcher.New().Leakless(true).Headless(true)
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	if cfg.NoSandbox {
		l = l.NoSandbox(true)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}
	return &chrome{launcher: l, browser: b, guard: guard, logger: logger}, nil
}

// healthProbeTimeout bounds the liveness check so a wedged control channel
// cannot hold a pool slot.
const healthProbeTimeout = 5 * time.Second

// healthy reports whether the browser still answers on its control channel.
func (c *chrome) healthy() bool {
	_, err := proto.BrowserGetVersion{}.Call(c.browser.Timeout(healthProbeTimeout))
	return err == nil
}

// close shuts the browser down and reaps the process tree.
func (c *chrome) close() error {
	err := c.browser.Close()
	c.launcher.Kill()
	c.launcher.Cleanup()
	return err
}

func (c *chrome) render(ctx context.Context, doc Document) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A fresh incognito context per render: no cookies, storage or cache
	// survive into the next job.
	incognito, err := c.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageCreate, err)
	}
	defer func() {
		if cerr := incognito.Close(); cerr != nil {
			c.logger.Warn("closing browser context", zap.Error(cerr))
		}
	}()

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageCreate, err)
	}
	page = page.Context(ctx)

	blocked := &blockedURL{}
	router := page.HijackRequests()
	if err := router.Add("*", "", func(h *rod.Hijack) {
		c.filterRequest(ctx, h, blocked)
	}); err != nil {
		return nil, fmt.Errorf("%w: hijack: %v", ErrPageCreate, err)
	}
	go router.Run()
	defer func() { _ = router.Stop() }()

	if doc.URL != "" {
		if err := page.Navigate(doc.URL); err != nil {
			if u := blocked.first(); u != "" {
				return nil, fmt.Errorf("%w: %s", ErrNavigation, u)
			}
			return nil, fmt.Errorf("%w: %w", ErrPageLoad, err)
		}
	} else if err := page.SetDocumentContent(doc.HTML); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPageLoad, err)
	}

	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPageLoad, err)
	}

	if doc.WaitFor > 0 {
		t := time.NewTimer(doc.WaitFor)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	reader, err := page.PDF(doc.PDF)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPDFGeneration, err)
	}
	pdf, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading PDF stream: %w", ErrPDFGeneration, err)
	}
	return pdf, nil
}

// filterRequest lets a request through only if the guard accepts its URL.
// data: and blob: URLs never leave the browser and pass unchecked.
func (c *chrome) filterRequest(ctx context.Context, h *rod.Hijack, blocked *blockedURL) {
	u := h.Request.URL()
	switch strings.ToLower(u.Scheme) {
	case "data", "blob", "about":
		h.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}
	if err := c.guard.Check(ctx, u.String()); err != nil {
		if h.Request.Type() == proto.NetworkResourceTypeDocument {
			blocked.record(u)
		}
		c.logger.Info("browser request blocked", zap.String("host", u.Host), zap.Error(err))
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		return
	}
	h.ContinueRequest(&proto.FetchContinueRequest{})
}

type blockedURL struct {
	mu  sync.Mutex
	url string
}

func (b *blockedURL) record(u *url.URL) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.url == "" {
		b.url = u.Scheme + "://" + u.Host
	}
}

func (b *blockedURL) first() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}
