package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ThachTung/WebScraper/internal/crawler"
	"github.com/ThachTung/WebScraper/internal/metrics"
)

// DefaultEntityWorkers is the nominal number of entities ingested at once.
const DefaultEntityWorkers = 5

// Default event topics.
const (
	DefaultEntityTopic = "soldprice-entity-ingested"
	DefaultRunTopic    = "soldprice-run-completed"
)

// Collector gathers one entity's accepted records.
type Collector interface {
	Collect(ctx context.Context, entity string) ([]crawler.Record, []RegionStats, error)
}

// EntityConfig bounds the run.
type EntityConfig struct {
	Workers     int
	EntityTopic string
	RunTopic    string
}

// EntityIngested is published once per entity.
type EntityIngested struct {
	RunID string `json:"run_id"`
	crawler.EntityResult
	Regions []RegionStats `json:"regions,omitempty"`
	At      time.Time     `json:"at"`
}

// Summary aggregates one run. It is published as the run-completed event.
type Summary struct {
	RunID           string                 `json:"run_id"`
	StartedAt       time.Time              `json:"started_at"`
	Duration        time.Duration          `json:"duration_ns"`
	Entities        int                    `json:"entities"`
	Succeeded       int                    `json:"succeeded"`
	Failed          int                    `json:"failed"`
	RecordsIngested int                    `json:"records_ingested"`
	RecordsStored   int                    `json:"records_stored"`
	PerEntity       []crawler.EntityResult `json:"per_entity"`
}

// EntityScheduler runs the per-entity pipeline for a list of names.
type EntityScheduler struct {
	cfg       EntityConfig
	collector Collector
	dedupe    crawler.Deduplicator
	merger    crawler.Merger
	publisher crawler.Publisher
	ids       crawler.IDGenerator
	clock     crawler.Clock
	logger    *zap.Logger
}

// Deps groups the collaborators of an EntityScheduler. Publisher, Clock and
// Logger are optional.
type Deps struct {
	Collector Collector
	Dedupe    crawler.Deduplicator
	Merger    crawler.Merger
	Publisher crawler.Publisher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// NewEntityScheduler validates deps and applies defaults.
func NewEntityScheduler(cfg EntityConfig, deps Deps) (*EntityScheduler, error) {
	if deps.Collector == nil || deps.Dedupe == nil || deps.Merger == nil || deps.IDs == nil {
		return nil, errors.New("collector, dedupe, merger and id generator are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultEntityWorkers
	}
	if cfg.EntityTopic == "" {
		cfg.EntityTopic = DefaultEntityTopic
	}
	if cfg.RunTopic == "" {
		cfg.RunTopic = DefaultRunTopic
	}
	if deps.Clock == nil {
		deps.Clock = crawler.SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &EntityScheduler{
		cfg:       cfg,
		collector: deps.Collector,
		dedupe:    deps.Dedupe,
		merger:    deps.Merger,
		publisher: deps.Publisher,
		ids:       deps.IDs,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}, nil
}

// Run ingests every name. A failing entity is logged and counted but never
// stops the others. The error is non-nil only when there is nothing to do or
// the run ID cannot be generated.
func (s *EntityScheduler) Run(ctx context.Context, names []string) (Summary, error) {
	if len(names) == 0 {
		return Summary{}, crawler.ErrNoEntities
	}
	runID, err := s.ids.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("run id: %w", err)
	}
	start := s.clock.Now()
	logger := s.logger.With(zap.String("run_id", runID))
	logger.Info("ingestion started", zap.Int("entities", len(names)), zap.Int("workers", s.cfg.Workers))

	results := make([]crawler.EntityResult, len(names))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, name := range names {
		g.Go(func() error {
			results[i] = s.ingest(ctx, runID, name, logger)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		RunID:     runID,
		StartedAt: start,
		Duration:  s.clock.Now().Sub(start),
		Entities:  len(names),
		PerEntity: results,
	}
	for _, r := range results {
		if r.Failed() {
			summary.Failed++
			continue
		}
		summary.Succeeded++
		summary.RecordsIngested += r.Ingested
		summary.RecordsStored += r.Stored
	}
	logger.Info("ingestion finished",
		zap.Int("entities", summary.Entities),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("records_ingested", summary.RecordsIngested),
		zap.Int("records_stored", summary.RecordsStored),
		zap.Duration("duration", summary.Duration),
	)
	s.publish(ctx, logger, s.cfg.RunTopic, summary)
	return summary, nil
}

// ingest runs collect, dedupe and merge for one entity, converting errors and
// panics into a failed result.
func (s *EntityScheduler) ingest(ctx context.Context, runID, name string, parent *zap.Logger) (res crawler.EntityResult) {
	res = crawler.EntityResult{Entity: name, Key: crawler.EntityKey(name)}
	logger := parent.With(zap.String("entity", name))
	var regions []RegionStats

	metrics.IncActiveEntities()
	defer metrics.DecActiveEntities()
	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Sprintf("panic: %v", r)
			logger.Error("entity pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		status := "succeeded"
		if res.Failed() {
			status = "failed"
		}
		metrics.ObserveEntity(status)
		s.publish(ctx, logger, s.cfg.EntityTopic, EntityIngested{
			RunID:        runID,
			EntityResult: res,
			Regions:      regions,
			At:           s.clock.Now(),
		})
	}()

	if res.Key == "" {
		res.Error = "empty entity name"
		logger.Error("skipping entity", zap.String("error", res.Error))
		return res
	}

	records, regions, err := s.collector.Collect(ctx, name)
	if err != nil {
		res.Error = err.Error()
		logger.Error("collect failed", zap.Error(err))
		return res
	}
	res.Collected = len(records)

	deduped := s.dedupe.Dedupe(records, name)

	stored, err := s.merger.Merge(ctx, res.Key, deduped)
	if err != nil {
		res.Error = err.Error()
		logger.Error("merge failed", zap.String("key", res.Key), zap.Int("deduped", len(deduped)), zap.Error(err))
		return res
	}
	res.Ingested = len(deduped)
	res.Stored = stored
	metrics.AddRecords("ingested", res.Ingested)
	metrics.AddRecords("stored", res.Stored)
	logger.Info("entity ingested",
		zap.String("key", res.Key),
		zap.Int("collected", res.Collected),
		zap.Int("ingested", res.Ingested),
		zap.Int("stored", res.Stored),
	)
	return res
}

func (s *EntityScheduler) publish(ctx context.Context, logger *zap.Logger, topic string, payload any) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, topic, payload); err != nil {
		logger.Warn("publish event failed", zap.String("topic", topic), zap.Error(err))
	}
}
