// Package headless renders search pages in headless Chrome for markup that only
// appears after scripts run.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ThachTung/WebScraper/internal/crawler"
	"github.com/ThachTung/WebScraper/internal/metrics"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	endpoint    crawler.SearchEndpoint
	retry       crawler.RetryPolicy
	logger      *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. A nil retry policy
// selects the default exponential policy.
func NewChromedp(
	cfg Config,
	endpoint crawler.SearchEndpoint,
	retry crawler.RetryPolicy,
	logger *zap.Logger,
) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		endpoint:    endpoint,
		retry:       retry,
		logger:      logger,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders the search page and returns the DOM after scripts ran.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) ([]byte, error) {
	target, err := f.endpoint.URL(request)
	if err != nil {
		return nil, fmt.Errorf("build search url: %w", err)
	}
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	var lastErr error
	for attempt := 0; ; attempt++ {
		body, err := f.render(ctx, target)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("render %s canceled: %w", target, ctx.Err())
		}
		if !f.retry.ShouldRetry(err, attempt) {
			break
		}
		delay := f.retry.Backoff(attempt)
		metrics.ObserveRetry()
		f.logger.Warn("retrying rendered page",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("retry backoff canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	if crawler.IsTransient(lastErr) {
		return nil, fmt.Errorf("%w: %s: %w", crawler.ErrRetriesExhausted, target, lastErr)
	}
	return nil, fmt.Errorf("render %s: %w", target, lastErr)
}

func (f *Fetcher) render(ctx context.Context, target string) ([]byte, error) {
	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	// Tie the browser tab to the caller's cancellation as well.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, err := f.runHeadless(taskCtx, target)
	if err != nil {
		metrics.ObserveFetch(0)
		return nil, &crawler.ConnectionError{Err: err}
	}

	status := meta.statusWithFallback()
	metrics.ObserveFetch(status)
	if status >= http.StatusBadRequest {
		return nil, &crawler.StatusError{URL: target, StatusCode: status}
	}
	return []byte(html), nil
}

func (f *Fetcher) runHeadless(ctx context.Context, target string) (string, error) {
	var html string
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// responseMeta records the status of the main document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	// Redirect chains report several documents; the first final one wins.
	if m.status == 0 || m.status/100 == 3 {
		m.status = int(event.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) statusWithFallback() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == 0 {
		return http.StatusOK
	}
	return m.status
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}
