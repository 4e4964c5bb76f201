// Package promote fetches search pages over plain HTTP and re-renders them in
// headless Chrome when the body looks like an unrendered script shell.
package promote

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ThachTung/WebScraper/internal/crawler"
	"github.com/ThachTung/WebScraper/internal/metrics"
)

// Fetcher implements crawler.Fetcher with a fast path and a rendering fallback.
type Fetcher struct {
	fast     crawler.Fetcher
	render   crawler.Fetcher
	detector *Detector
	logger   *zap.Logger
}

// New wires the fast and rendering fetchers. A nil detector uses the defaults.
func New(fast, render crawler.Fetcher, detector *Detector, logger *zap.Logger) (*Fetcher, error) {
	if fast == nil || render == nil {
		return nil, errors.New("fast and rendering fetchers are required")
	}
	if detector == nil {
		detector = NewDetector(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{fast: fast, render: render, detector: detector, logger: logger}, nil
}

// Fetch returns the plain body unless the detector asks for rendering. A
// failed render falls back to the plain body.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) ([]byte, error) {
	body, err := f.fast.Fetch(ctx, request)
	if err != nil || !f.detector.ShouldPromote(body) {
		return body, err
	}
	rendered, err := f.render.Fetch(ctx, request)
	if err != nil {
		metrics.ObservePromotion("failed")
		f.logger.Warn("headless promotion failed",
			zap.String("entity", request.Entity),
			zap.String("region", request.Region.Name),
			zap.Int("page", request.Page),
			zap.Error(err),
		)
		return body, nil
	}
	metrics.ObservePromotion("rendered")
	f.logger.Debug("headless promotion applied",
		zap.String("entity", request.Entity),
		zap.String("region", request.Region.Name),
		zap.Int("page", request.Page),
	)
	return rendered, nil
}

// Close closes both fetchers when they hold resources.
func (f *Fetcher) Close() {
	for _, inner := range []crawler.Fetcher{f.fast, f.render} {
		if c, ok := inner.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
