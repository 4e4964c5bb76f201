// Package scheduler coordinates the ingestion run: entities in parallel, and
// within one entity, region variants and page batches in parallel.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ThachTung/WebScraper/internal/crawler"
	"github.com/ThachTung/WebScraper/internal/metrics"
)

// Nominal bounds.
const (
	DefaultRegionWorkers = 4
	DefaultPageBatch     = 2
	DefaultMaxPages      = 5
)

// FetcherSource lends one fetcher per worker slot.
type FetcherSource interface {
	Acquire(ctx context.Context) (crawler.Fetcher, error)
	Release(f crawler.Fetcher)
}

// RegionConfig bounds the per-entity fan-out.
type RegionConfig struct {
	Regions   []crawler.Region
	Workers   int
	PageBatch int
	MaxPages  int
}

func (c RegionConfig) withDefaults() RegionConfig {
	if len(c.Regions) == 0 {
		c.Regions = crawler.DefaultRegions()
	}
	if c.Workers <= 0 {
		c.Workers = DefaultRegionWorkers
	}
	if c.PageBatch <= 0 {
		c.PageBatch = DefaultPageBatch
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	return c
}

// RegionStats describes one region's page sequence.
type RegionStats struct {
	Region    string `json:"region"`
	Pages     int    `json:"pages"`
	Extracted int    `json:"extracted"`
	Skipped   int    `json:"skipped"`
	Accepted  int    `json:"accepted"`
	Rejected  int    `json:"rejected"`
	// EndedEarly is set when a page could not be fetched or parsed.
	EndedEarly bool `json:"ended_early"`
}

// RegionScheduler collects one entity's accepted records across regions.
type RegionScheduler struct {
	cfg        RegionConfig
	fetchers   FetcherSource
	extractor  crawler.Extractor
	classifier crawler.Classifier
	logger     *zap.Logger
}

// NewRegionScheduler wires the fetch, extract and classify stages.
func NewRegionScheduler(
	cfg RegionConfig,
	fetchers FetcherSource,
	extractor crawler.Extractor,
	classifier crawler.Classifier,
	logger *zap.Logger,
) (*RegionScheduler, error) {
	if fetchers == nil || extractor == nil || classifier == nil {
		return nil, errors.New("fetchers, extractor and classifier are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegionScheduler{
		cfg:        cfg.withDefaults(),
		fetchers:   fetchers,
		extractor:  extractor,
		classifier: classifier,
		logger:     logger,
	}, nil
}

// Collect runs every region's page sequence and returns the accepted records,
// regions in configured order and pages in page order. Region failures end
// that region only; the error is non-nil only when ctx was canceled.
func (s *RegionScheduler) Collect(ctx context.Context, entity string) ([]crawler.Record, []RegionStats, error) {
	records := make([][]crawler.Record, len(s.cfg.Regions))
	stats := make([]RegionStats, len(s.cfg.Regions))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, region := range s.cfg.Regions {
		g.Go(func() error {
			records[i], stats[i] = s.collectRegion(ctx, entity, region)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, stats, fmt.Errorf("collect %s: %w", entity, err)
	}
	var out []crawler.Record
	for _, batch := range records {
		out = append(out, batch...)
	}
	return out, stats, nil
}

type pageOutcome struct {
	result crawler.PageResult
	err    error
}

func (s *RegionScheduler) collectRegion(
	ctx context.Context,
	entity string,
	region crawler.Region,
) ([]crawler.Record, RegionStats) {
	stats := RegionStats{Region: region.Name}
	logger := s.logger.With(zap.String("entity", entity), zap.String("region", region.Name))

	f, err := s.fetchers.Acquire(ctx)
	if err != nil {
		stats.EndedEarly = true
		logger.Warn("no fetcher available", zap.Error(err))
		return nil, stats
	}
	defer s.fetchers.Release(f)

	var records []crawler.Record
	for first := 1; first <= s.cfg.MaxPages; first += s.cfg.PageBatch {
		last := min(first+s.cfg.PageBatch-1, s.cfg.MaxPages)
		outcomes := s.fetchBatch(ctx, f, entity, region, first, last)

		more := false
		for i, o := range outcomes {
			page := first + i
			if o.err != nil {
				stats.EndedEarly = true
				metrics.ObservePage(region.Name, "failed")
				logger.Warn("page failed, ending region", zap.Int("page", page), zap.Error(o.err))
				continue
			}
			stats.Pages++
			stats.Extracted += len(o.result.Records)
			stats.Skipped += o.result.Skipped
			for _, rec := range o.result.Records {
				if s.classifier.Accept(rec.Title) {
					records = append(records, rec)
					stats.Accepted++
				} else {
					stats.Rejected++
				}
			}
			more = more || o.result.HasNextPage
			if o.result.HasNextPage {
				metrics.ObservePage(region.Name, "ok")
			} else {
				metrics.ObservePage(region.Name, "last")
			}
		}
		if stats.EndedEarly || !more || ctx.Err() != nil {
			break
		}
	}

	metrics.AddRecords("extracted", stats.Extracted)
	metrics.AddRecords("skipped", stats.Skipped)
	metrics.AddRecords("rejected", stats.Rejected)
	metrics.AddRecords("accepted", stats.Accepted)
	logger.Debug("region done",
		zap.Int("pages", stats.Pages),
		zap.Int("accepted", stats.Accepted),
		zap.Int("rejected", stats.Rejected),
		zap.Bool("ended_early", stats.EndedEarly),
	)
	return records, stats
}

// fetchBatch fetches and extracts pages first..last in parallel.
func (s *RegionScheduler) fetchBatch(
	ctx context.Context,
	f crawler.Fetcher,
	entity string,
	region crawler.Region,
	first, last int,
) []pageOutcome {
	outcomes := make([]pageOutcome, last-first+1)
	var g errgroup.Group
	for page := first; page <= last; page++ {
		g.Go(func() error {
			o := &outcomes[page-first]
			body, err := f.Fetch(ctx, crawler.FetchRequest{Entity: entity, Region: region, Page: page})
			if err != nil {
				o.err = err
				return nil
			}
			o.result, o.err = s.extractor.Extract(body)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
