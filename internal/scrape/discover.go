package scrape

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// DiscoverConfig bounds the same-domain page discovery crawl.
type DiscoverConfig struct {
	MaxDepth    int
	MaxPages    int
	UserAgent   string
	Parallelism int
	Timeout     time.Duration
}

// Discoverer collects the same-domain page graph reachable from a start URL.
// The result feeds the site draft; it is a shallow map, not a full crawl.
type Discoverer struct {
	cfg    DiscoverConfig
	logger *zap.Logger
}

// NewDiscoverer constructs a Discoverer.
func NewDiscoverer(cfg DiscoverConfig, logger *zap.Logger) *Discoverer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 25
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{cfg: cfg, logger: logger}
}

// Discover visits same-domain links breadth-first up to the configured depth
// and page cap, returning discovered page URLs in first-seen order.
func (d *Discoverer) Discover(ctx context.Context, startURL string) ([]string, error) {
	parsed, err := url.Parse(startURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("parse start url: %w", err)
	}
	host := strings.TrimPrefix(parsed.Hostname(), "www.")

	c := colly.NewCollector(
		colly.AllowedDomains(host, "www."+host),
		colly.MaxDepth(d.cfg.MaxDepth),
		colly.UserAgent(d.cfg.UserAgent),
		colly.Async(true),
	)
	c.SetRequestTimeout(d.cfg.Timeout)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: d.cfg.Parallelism,
	}); err != nil {
		return nil, fmt.Errorf("set crawl limit: %w", err)
	}

	var (
		mu    sync.Mutex
		pages []string
		seen  = make(map[string]struct{})
	)
	record := func(u string) bool {
		mu.Lock()
		defer mu.Unlock()
		if _, dup := seen[u]; dup || len(pages) >= d.cfg.MaxPages {
			return false
		}
		seen[u] = struct{}{}
		pages = append(pages, u)
		return true
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		if !record(canonical(r.URL)) {
			r.Abort()
		}
	})
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		if err := e.Request.Visit(link); err != nil {
			// Depth, domain, and revisit rejections are expected here.
			d.logger.Debug("skip link", zap.String("url", link), zap.Error(err))
		}
	})

	if err := c.Visit(startURL); err != nil {
		return nil, fmt.Errorf("visit %s: %w", startURL, err)
	}
	c.Wait()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("discover pages: %w", ctx.Err())
	}
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, len(pages))
	copy(out, pages)
	return out, nil
}

// canonical strips fragments and trailing slashes so the page graph does not
// double-count anchors.
func canonical(u *url.URL) string {
	cp := *u
	cp.Fragment = ""
	s := cp.String()
	if strings.HasSuffix(s, "/") && cp.Path != "/" {
		s = strings.TrimSuffix(s, "/")
	}
	return s
}
