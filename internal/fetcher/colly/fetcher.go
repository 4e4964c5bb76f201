// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/ThachTung/WebScraper/internal/crawler"
	"github.com/ThachTung/WebScraper/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxIdleConnsPerHost bounds the idle keep-alive connections this fetcher keeps.
	MaxIdleConnsPerHost int
}

// Pacer spaces consecutive requests issued by one fetcher.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithRetryPolicy overrides the default exponential policy.
func WithRetryPolicy(p crawler.RetryPolicy) Option {
	return func(f *Fetcher) {
		if p != nil {
			f.retry = p
		}
	}
}

// WithPacer installs a per-fetcher pacer.
func WithPacer(p Pacer) Option {
	return func(f *Fetcher) {
		f.pacer = p
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// Fetcher implements crawler.Fetcher using the Colly collector. Every Fetcher
// owns its HTTP transport, so connections are reused by exactly one worker.
type Fetcher struct {
	cfg           Config
	endpoint      crawler.SearchEndpoint
	retry         crawler.RetryPolicy
	pacer         Pacer
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
	transport     *http.Transport
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher querying endpoint.
func New(cfg Config, endpoint crawler.SearchEndpoint, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport := newHTTPTransport(cfg.MaxIdleConnsPerHost)

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	f := &Fetcher{
		cfg:           cfg,
		endpoint:      endpoint,
		retry:         crawler.NewExponentialRetryPolicy(),
		logger:        zap.NewNop(),
		sleep:         sleepContext,
		transport:     transport,
		baseCollector: c,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves one search page, retrying transient failures. When the retry
// budget runs out the returned error wraps crawler.ErrRetriesExhausted and the
// last failure.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) ([]byte, error) {
	target, err := f.endpoint.URL(request)
	if err != nil {
		return nil, fmt.Errorf("build search url: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if f.pacer != nil {
			if err := f.pacer.Wait(ctx); err != nil {
				return nil, err
			}
		}
		body, err := f.fetchOnce(ctx, target)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s canceled: %w", target, ctx.Err())
		}
		if !f.retry.ShouldRetry(err, attempt) {
			break
		}
		delay := f.retry.Backoff(attempt)
		metrics.ObserveRetry()
		f.logger.Warn("retrying search page",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if crawler.IsTransient(lastErr) {
		return nil, fmt.Errorf("%w: %s: %w", crawler.ErrRetriesExhausted, target, lastErr)
	}
	return nil, fmt.Errorf("fetch %s: %w", target, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, target string) ([]byte, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, &body, &fetchErr)
	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.Context = ctx
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	hooks.OnResponse(func(r *colly.Response) {
		metrics.ObserveFetch(r.StatusCode)
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = classifyError(r, err)
	})
}

// classifyError maps colly failures onto the retry policy's error kinds.
func classifyError(r *colly.Response, err error) error {
	if r != nil && r.StatusCode != 0 {
		metrics.ObserveFetch(r.StatusCode)
		target := ""
		if r.Request != nil && r.Request.URL != nil {
			target = r.Request.URL.String()
		}
		return &crawler.StatusError{URL: target, StatusCode: r.StatusCode}
	}
	metrics.ObserveFetch(0)
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &crawler.ConnectionError{Err: err}
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return &crawler.ConnectionError{Err: err}
		}
		return nil
	}
}

// Close releases idle connections held by this fetcher.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport(maxIdlePerHost int) *http.Transport {
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = 2
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          maxIdlePerHost * 2,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		IdleConnTimeout:       90 * time.Second,
	}
}
