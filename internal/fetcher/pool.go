// Package fetcher hands out per-worker fetchers so that each concurrent worker
// reuses its own connections.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThachTung/WebScraper/internal/crawler"
)

// Factory builds the fetcher for one worker slot.
type Factory func(slot int) (crawler.Fetcher, error)

// Pool is a fixed set of fetchers, one per worker slot.
type Pool struct {
	slots chan crawler.Fetcher
	all   []crawler.Fetcher
}

// NewPool builds size fetchers up front.
func NewPool(size int, build Factory) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}
	if build == nil {
		return nil, errors.New("fetcher factory is required")
	}
	p := &Pool{
		slots: make(chan crawler.Fetcher, size),
		all:   make([]crawler.Fetcher, 0, size),
	}
	for i := 0; i < size; i++ {
		f, err := build(i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("build fetcher %d: %w", i, err)
		}
		p.all = append(p.all, f)
		p.slots <- f
	}
	return p, nil
}

// Size reports the number of worker slots.
func (p *Pool) Size() int {
	return len(p.all)
}

// Acquire blocks until a fetcher is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (crawler.Fetcher, error) {
	select {
	case f := <-p.slots:
		return f, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire fetcher: %w", ctx.Err())
	}
}

// Release returns a fetcher obtained from Acquire.
func (p *Pool) Release(f crawler.Fetcher) {
	if f == nil {
		return
	}
	p.slots <- f
}

// Close closes every fetcher that holds resources.
func (p *Pool) Close() {
	for _, f := range p.all {
		if c, ok := f.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
