// Package headless renders pages in headless Chrome for archives whose
// listings are built client-side.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/threadharvest/internal/crawler"
	"github.com/JakeFAU/threadharvest/internal/metrics"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs. Zero means unlimited.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after the body is ready for scripts to
	// finish rendering.
	SettleDelay time.Duration
	Headers     http.Header
}

// Fetcher implements crawler.PageFetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	rate        crawler.RateLimiter
	tabs        chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ crawler.PageFetcher = (*Fetcher)(nil)

// NewChromedp creates a headless fetcher backed by chromedp. rate may be nil.
// The browser itself starts lazily on the first Fetch.
func NewChromedp(cfg Config, rate crawler.RateLimiter) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless: max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}

	f := &Fetcher{cfg: cfg, rate: rate}
	if cfg.MaxParallel > 0 {
		f.tabs = make(chan struct{}, cfg.MaxParallel)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders rawURL and returns the resulting DOM. Document statuses of
// 400 and above are returned as *crawler.StatusError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	if f.rate != nil {
		if err := f.rate.Wait(ctx, rawURL); err != nil {
			return crawler.FetchResponse{}, err
		}
	}
	release, err := f.openTab(ctx)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	defer release()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.listen)

	start := time.Now()
	var html, location string
	if err := chromedp.Run(tabCtx,
		f.prepareTab(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		metrics.ObserveFetch(rawURL, "error", 0)
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", rawURL, err)
	}

	status, finalURL := doc.resolve(rawURL, location)
	if status >= http.StatusBadRequest {
		metrics.ObserveFetch(rawURL, http.StatusText(status), 0)
		return crawler.FetchResponse{}, &crawler.StatusError{URL: finalURL, Code: status}
	}
	metrics.ObserveFetch(rawURL, "ok", len(html))
	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// prepareTab enables network events and applies the user agent and headers.
func (f *Fetcher) prepareTab() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if headers := networkHeaders(f.cfg.Headers); len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// openTab takes a tab slot, blocking while MaxParallel tabs are open.
func (f *Fetcher) openTab(ctx context.Context) (func(), error) {
	if f.tabs == nil {
		return func() {}, nil
	}
	select {
	case f.tabs <- struct{}{}:
		return func() { <-f.tabs }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for headless tab: %w", ctx.Err())
	}
}

// documentResponse records the status of the main document; subresources
// are ignored.
type documentResponse struct {
	mu     sync.Mutex
	status int
	url    string
}

func (d *documentResponse) listen(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.mu.Unlock()
}

// resolve falls back to the browser location, then the requested URL, and
// assumes 200 when no document response was seen.
func (d *documentResponse) resolve(requestURL, location string) (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, finalURL := d.status, d.url
	if finalURL == "" {
		finalURL = location
	}
	if finalURL == "" {
		finalURL = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, finalURL
}

func networkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
