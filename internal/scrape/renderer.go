// Package scrape renders pages in headless Chrome and extracts the design
// signals the site generator consumes.
package scrape

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sitekraft/presence/internal/ingest"
)

// Config controls the renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	QuietWindow       time.Duration
	DomainQPS         float64
}

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultQuietWindow       = 500 * time.Millisecond
	defaultUserAgent         = "sitekraft-presence-bot/1.0 (+https://sitekraft.io/bot)"
)

// Renderer implements ingest.Renderer using chromedp. Each Render call runs
// in its own isolated browser context which is torn down on every exit path.
type Renderer struct {
	cfg            Config
	allocator      context.Context
	allocCancel    context.CancelFunc
	sem            chan struct{}
	domainLimiters sync.Map
	logger         *zap.Logger
}

// New creates a Renderer backed by a shared Chrome exec allocator.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = defaultQuietWindow
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var sem chan struct{}
	if cfg.MaxParallel > 0 {
		sem = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		sem:         sem,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context, terminating the browser process.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render loads the URL, waits for network quiescence, and extracts the final
// HTML, stylesheet URLs, computed fonts, and an optional screenshot.
func (r *Renderer) Render(ctx context.Context, rawURL string, screenshot bool) (ingest.ScrapeResult, error) {
	if err := r.acquire(ctx); err != nil {
		return ingest.ScrapeResult{}, err
	}
	defer r.release()

	if err := r.waitDomainBudget(ctx, rawURL); err != nil {
		return ingest.ScrapeResult{}, err
	}

	tabCtx, cancelTab := chromedp.NewContext(r.allocator)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.cfg.NavigationTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	tracker := newNetworkTracker()
	chromedp.ListenTarget(taskCtx, tracker.captureEvent)

	var (
		html     string
		finalURL string
		fontsRaw fontSample
		shot     []byte
	)
	actions := []chromedp.Action{
		network.Enable(),
		emulation.SetUserAgentOverride(r.cfg.UserAgent),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		tracker.waitQuiescent(r.cfg.QuietWindow),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(fontSampleJS, &fontsRaw),
	}
	if screenshot {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			data, err := page.CaptureScreenshot().WithCaptureBeyondViewport(true).Do(ctx)
			if err != nil {
				return fmt.Errorf("capture screenshot: %w", err)
			}
			shot = data
			return nil
		}))
	}

	start := time.Now()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return ingest.ScrapeResult{}, classifyRenderErr(taskCtx, err, rawURL)
	}
	r.logger.Debug("page rendered",
		zap.String("url", rawURL),
		zap.Duration("dur", time.Since(start)),
		zap.Int("stylesheets", len(tracker.stylesheets())),
	)

	result := ingest.ScrapeResult{
		HTML:           html,
		FinalURL:       finalURL,
		StylesheetURLs: tracker.stylesheets(),
		Fonts: map[string][]string{
			"h1":   normalizeFontList(fontsRaw.H1),
			"h2":   normalizeFontList(fontsRaw.H2),
			"body": normalizeFontList(fontsRaw.Body),
		},
	}
	if len(shot) > 0 {
		result.Screenshot = base64.StdEncoding.EncodeToString(shot)
	}
	return result, nil
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.sem == nil {
		return nil
	}
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ingest.WrapError(ingest.KindNavigationTimeout, ctx.Err(), "render slot wait")
	}
}

func (r *Renderer) release() {
	if r.sem == nil {
		return
	}
	select {
	case <-r.sem:
	default:
	}
}

func (r *Renderer) waitDomainBudget(ctx context.Context, rawURL string) error {
	if r.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ingest.WrapError(ingest.KindValidation, err, "parse render url")
	}
	host := strings.ToLower(parsed.Host)
	val, _ := r.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(r.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return ingest.WrapError(ingest.KindNavigationTimeout, err, "render rate limit")
	}
	return nil
}

// classifyRenderErr maps chromedp failures onto the taxonomy so the
// orchestrator can decide whether a retry is warranted.
func classifyRenderErr(ctx context.Context, err error, rawURL string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ingest.WrapError(ingest.KindNavigationTimeout, err, "render %s", rawURL)
	case isNetworkErr(err):
		return ingest.WrapError(ingest.KindNavigationError, err, "render %s", rawURL)
	default:
		return ingest.WrapError(ingest.KindRenderError, err, "render %s", rawURL)
	}
}

// isNetworkErr matches the chrome net error strings surfaced by chromedp for
// DNS, TLS, and connection failures.
func isNetworkErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "net::ERR") || strings.Contains(msg, "page load error")
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
