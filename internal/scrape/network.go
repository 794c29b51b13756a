package scrape

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// networkTracker observes CDP network events for a single page load. It
// collects stylesheet response URLs and tracks in-flight requests so the
// renderer can wait for quiescence instead of sleeping a fixed interval.
type networkTracker struct {
	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	lastDone time.Time
	css      []string
	cssSeen  map[string]struct{}
}

func newNetworkTracker() *networkTracker {
	return &networkTracker{
		inflight: make(map[network.RequestID]struct{}),
		lastDone: time.Now(),
		cssSeen:  make(map[string]struct{}),
	}
}

func (t *networkTracker) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.mu.Lock()
		t.inflight[e.RequestID] = struct{}{}
		t.mu.Unlock()
	case *network.EventLoadingFinished:
		t.finish(e.RequestID)
	case *network.EventLoadingFailed:
		t.finish(e.RequestID)
	case *network.EventResponseReceived:
		t.captureResponse(e)
	}
}

func (t *networkTracker) finish(id network.RequestID) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.lastDone = time.Now()
	t.mu.Unlock()
}

func (t *networkTracker) captureResponse(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	isCSS := e.Type == network.ResourceTypeStylesheet ||
		strings.Contains(strings.ToLower(e.Response.MimeType), "text/css")
	if !isCSS {
		return
	}
	t.mu.Lock()
	if _, seen := t.cssSeen[e.Response.URL]; !seen {
		t.cssSeen[e.Response.URL] = struct{}{}
		t.css = append(t.css, e.Response.URL)
	}
	t.mu.Unlock()
}

// stylesheets returns the observed text/css response URLs in first-seen order.
func (t *networkTracker) stylesheets() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.css))
	copy(out, t.css)
	return out
}

func (t *networkTracker) quiet(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && time.Since(t.lastDone) >= window
}

// waitQuiescent blocks until no request has been in flight for the quiet
// window. The surrounding navigation timeout bounds the wait; a page that
// never settles fails the render rather than returning partial content.
func (t *networkTracker) waitQuiescent(window time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if t.quiet(window) {
					return nil
				}
			}
		}
	})
}
