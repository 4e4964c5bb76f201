// Package ratelimit paces upstream requests issued by one logical worker.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/ThachTung/WebScraper/internal/metrics"
)

// Config holds pacing configuration.
type Config struct {
	// MinDelay is the minimum spacing between consecutive requests of one worker.
	MinDelay time.Duration
	// MaxDelay bounds the random extra wait; the spacing lands in [MinDelay, MaxDelay).
	MaxDelay time.Duration
}

// Pacer spaces consecutive requests of one worker. It is safe for concurrent use,
// so the parallel pages of a batch share the worker's spacing.
type Pacer struct {
	limiter *rate.Limiter
	jitter  time.Duration
}

// New creates a Pacer. A zero MinDelay disables spacing.
func New(cfg Config) *Pacer {
	limit := rate.Inf
	if cfg.MinDelay > 0 {
		limit = rate.Every(cfg.MinDelay)
	}
	var jitter time.Duration
	if cfg.MaxDelay > cfg.MinDelay {
		jitter = cfg.MaxDelay - cfg.MinDelay
	}
	return &Pacer{
		limiter: rate.NewLimiter(limit, 1),
		jitter:  jitter,
	}
}

// Wait blocks until the worker may issue its next request, respecting the context.
func (p *Pacer) Wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	if p.jitter > 0 {
		timer := time.NewTimer(rand.N(p.jitter))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("pacing wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay(waited)
	}
	return nil
}
