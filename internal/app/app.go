// Package app builds the long-lived services of an ingestion run from
// configuration and exposes the operations the CLI commands call.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ThachTung/WebScraper/internal/classify"
	"github.com/ThachTung/WebScraper/internal/config"
	"github.com/ThachTung/WebScraper/internal/crawler"
	"github.com/ThachTung/WebScraper/internal/dedupe"
	"github.com/ThachTung/WebScraper/internal/extract"
	"github.com/ThachTung/WebScraper/internal/fetcher"
	collyfetcher "github.com/ThachTung/WebScraper/internal/fetcher/colly"
	"github.com/ThachTung/WebScraper/internal/fetcher/headless"
	"github.com/ThachTung/WebScraper/internal/fetcher/promote"
	"github.com/ThachTung/WebScraper/internal/id/uuid"
	"github.com/ThachTung/WebScraper/internal/lock"
	"github.com/ThachTung/WebScraper/internal/metrics"
	"github.com/ThachTung/WebScraper/internal/policy/ratelimit"
	memorypublisher "github.com/ThachTung/WebScraper/internal/publisher/memory"
	pubsubpublisher "github.com/ThachTung/WebScraper/internal/publisher/pubsub"
	"github.com/ThachTung/WebScraper/internal/scheduler"
	"github.com/ThachTung/WebScraper/internal/storage/csvstore"
	"github.com/ThachTung/WebScraper/internal/storage/gcs"
	"github.com/ThachTung/WebScraper/internal/storage/postgres"
)

// ErrNotCSV is returned by the in-place maintenance operations (regroup and
// filter) when the store backend is not the CSV directory.
var ErrNotCSV = errors.New("operation requires the csv store backend")

// App holds the shared services for one process. It is built once by the
// root command and closed when the command finishes.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	merger    crawler.Merger
	csv       *csvstore.Store
	pg        *postgres.Store
	dedupe    *dedupe.Deduplicator
	publisher crawler.Publisher
	closers   []func()
}

// New initializes the store, lock, deduplicator and publisher described by
// cfg. It fails fast if any configured backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}

	d, err := dedupe.New(cfg.Dedupe)
	if err != nil {
		return nil, fmt.Errorf("init deduplicator: %w", err)
	}
	a.dedupe = d

	if err := a.initStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("lock", cfg.Lock.Backend),
		zap.Bool("pubsub", cfg.PubSub.ProjectID != ""),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.BackendPostgres:
		if a.cfg.Lock.Backend == config.LockRedis {
			a.logger.Info("postgres merges are transactional; redis lock not used")
		}
		pg, err := postgres.New(ctx, a.cfg.Store.Postgres)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.pg = pg
		a.merger = pg
		return nil
	case config.BackendCSV, "":
		opts := []csvstore.Option{csvstore.WithLogger(a.logger.Named("store"))}
		if a.cfg.Lock.Backend == config.LockRedis {
			locker, err := a.redisLock(ctx)
			if err != nil {
				return err
			}
			opts = append(opts, csvstore.WithLocker(locker))
		}
		store, err := csvstore.New(csvstore.Config{Dir: a.cfg.Store.Dir, Combined: a.cfg.Store.Combined}, opts...)
		if err != nil {
			return fmt.Errorf("init csv store: %w", err)
		}
		a.csv = store
		a.merger = store
		return nil
	default:
		return fmt.Errorf("unknown store backend: %s", a.cfg.Store.Backend)
	}
}

func (a *App) redisLock(ctx context.Context) (*lock.Redis, error) {
	rc := a.cfg.Lock.Redis
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("close redis client", zap.Error(err))
		}
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
	}
	locker, err := lock.NewRedis(client, lock.RedisConfig{TTL: rc.TTL, Poll: rc.Poll}, a.logger.Named("lock"))
	if err != nil {
		return nil, fmt.Errorf("init redis lock: %w", err)
	}
	return locker, nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	a.closers = append(a.closers, func() {
		pub.Close()
		if err := client.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	})
	a.publisher = pub
	return nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Publisher returns the event publisher.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// CSVStore returns the file store, or ErrNotCSV for other backends.
func (a *App) CSVStore() (*csvstore.Store, error) {
	if a.csv == nil {
		return nil, ErrNotCSV
	}
	return a.csv, nil
}

// Ingest runs the full pipeline for names. The metrics endpoint, when
// configured, is served for the duration of the run.
func (a *App) Ingest(ctx context.Context, names []string) (scheduler.Summary, error) {
	if len(names) == 0 {
		return scheduler.Summary{}, crawler.ErrNoEntities
	}
	pool, err := a.buildPool()
	if err != nil {
		return scheduler.Summary{}, err
	}
	defer pool.Close()

	ext, err := extract.New(a.cfg.Extract.Selectors, a.cfg.Extract.Skip)
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("init extractor: %w", err)
	}
	cls, err := classify.New(a.cfg.Classify)
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("init classifier: %w", err)
	}
	regions, err := a.cfg.Scheduler.SearchRegions()
	if err != nil {
		return scheduler.Summary{}, err
	}
	collector, err := scheduler.NewRegionScheduler(scheduler.RegionConfig{
		Regions:   regions,
		Workers:   a.cfg.Scheduler.RegionWorkers,
		PageBatch: a.cfg.Scheduler.PageBatch,
		MaxPages:  a.cfg.Scheduler.MaxPages,
	}, pool, ext, cls, a.logger.Named("regions"))
	if err != nil {
		return scheduler.Summary{}, err
	}
	entities, err := scheduler.NewEntityScheduler(scheduler.EntityConfig{
		Workers:     a.cfg.Scheduler.EntityWorkers,
		EntityTopic: a.cfg.PubSub.EntityTopic,
		RunTopic:    a.cfg.PubSub.RunTopic,
	}, scheduler.Deps{
		Collector: collector,
		Dedupe:    a.dedupe,
		Merger:    a.merger,
		Publisher: a.publisher,
		IDs:       uuid.New(),
		Logger:    a.logger.Named("scheduler"),
	})
	if err != nil {
		return scheduler.Summary{}, err
	}

	if addr := a.cfg.Metrics.Addr; addr != "" {
		serveCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := metrics.Serve(serveCtx, addr, a.logger.Named("metrics")); err != nil {
				a.logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			stop()
			<-done
		}()
	}

	return entities.Run(ctx, names)
}

// buildPool creates one fetcher per concurrent region worker. The headless
// browser, when used, is shared and its tab count bounded by
// headless.max_parallel.
func (a *App) buildPool() (*fetcher.Pool, error) {
	fc := a.cfg.Fetcher
	endpoint := crawler.NewSearchEndpoint(fc.BaseURL)
	retry := crawler.NewExponentialRetryPolicy(
		crawler.WithMaxRetries(fc.MaxRetries),
		crawler.WithBaseDelay(fc.BaseBackoff),
		crawler.WithJitter(fc.Jitter),
	)
	size := max(a.cfg.Scheduler.EntityWorkers, 1) * max(a.cfg.Scheduler.RegionWorkers, 1)
	logger := a.logger.Named("fetcher")

	var browser *headless.Fetcher
	if fc.Mode == config.ModeHeadless || fc.Mode == config.ModeAuto {
		var err error
		browser, err = headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         fc.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
		}, endpoint, retry, logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
	}
	plain := func(slot int) *collyfetcher.Fetcher {
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:           fc.UserAgent,
			Timeout:             fc.Timeout,
			MaxIdleConnsPerHost: fc.MaxIdleConnsPerHost,
		}, endpoint,
			collyfetcher.WithRetryPolicy(retry),
			collyfetcher.WithPacer(ratelimit.New(ratelimit.Config{
				MinDelay: a.cfg.Pacing.MinDelay,
				MaxDelay: a.cfg.Pacing.MaxDelay,
			})),
			collyfetcher.WithLogger(logger.With(zap.Int("slot", slot))),
		)
	}

	var build fetcher.Factory
	switch fc.Mode {
	case config.ModeHeadless:
		build = func(int) (crawler.Fetcher, error) { return browser, nil }
	case config.ModeAuto:
		detector := promote.NewDetector(a.cfg.Headless.PromotionThreshold)
		build = func(slot int) (crawler.Fetcher, error) {
			return promote.New(plain(slot), browser, detector, logger.With(zap.Int("slot", slot)))
		}
	default:
		build = func(slot int) (crawler.Fetcher, error) { return plain(slot), nil }
	}
	pool, err := fetcher.NewPool(size, build)
	if err != nil {
		if browser != nil {
			browser.Close()
		}
		return nil, err
	}
	return pool, nil
}

// MaintenanceReport counts the effect of a rewrite over stored keys.
type MaintenanceReport struct {
	Key            string
	Before         int
	After          int
	Groups         int
	GroupedRecords int
}

// Regroup re-runs exact dedupe, the name filter (when enabled) and similarity
// grouping over stored files in place. Empty keys means every stored key.
func (a *App) Regroup(ctx context.Context, keys []string) ([]MaintenanceReport, error) {
	return a.rewriteKeys(ctx, keys, func(key string, records []crawler.Record, rep *MaintenanceReport) []crawler.Record {
		res := a.dedupe.Run(records, EntityName(key))
		rep.Groups = len(res.Groups)
		rep.GroupedRecords = res.GroupedRecords()
		return res.Records
	})
}

// Filter drops stored records whose title does not mention the entity name.
func (a *App) Filter(ctx context.Context, keys []string) ([]MaintenanceReport, error) {
	return a.rewriteKeys(ctx, keys, func(key string, records []crawler.Record, _ *MaintenanceReport) []crawler.Record {
		kept, _ := dedupe.FilterByName(records, EntityName(key))
		return kept
	})
}

func (a *App) rewriteKeys(
	ctx context.Context,
	keys []string,
	fn func(key string, records []crawler.Record, rep *MaintenanceReport) []crawler.Record,
) ([]MaintenanceReport, error) {
	store, err := a.CSVStore()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		if keys, err = store.Keys(ctx); err != nil {
			return nil, err
		}
	}
	reports := make([]MaintenanceReport, 0, len(keys))
	for _, key := range keys {
		rep := MaintenanceReport{Key: key}
		rep.Before, rep.After, err = store.Rewrite(ctx, key, func(records []crawler.Record) ([]crawler.Record, error) {
			return fn(key, records, &rep), nil
		})
		if err != nil {
			return reports, fmt.Errorf("rewrite %s: %w", key, err)
		}
		a.logger.Info("rewrote stored records",
			zap.String("key", key),
			zap.Int("before", rep.Before),
			zap.Int("after", rep.After),
			zap.Int("groups", rep.Groups),
		)
		reports = append(reports, rep)
	}
	return reports, nil
}

// Combine writes the combined file of all stored entities and, when an export
// bucket is configured, uploads it. The returned URI is empty without export.
// With the postgres backend the file is written under store.dir.
func (a *App) Combine(ctx context.Context) (path string, n int, uri string, err error) {
	switch {
	case a.csv != nil:
		path, n, err = a.csv.Combine(ctx)
	case a.pg != nil:
		if err = os.MkdirAll(a.cfg.Store.Dir, 0o750); err != nil {
			return "", 0, "", fmt.Errorf("create store directory: %w", err)
		}
		path = filepath.Join(a.cfg.Store.Dir, a.cfg.Store.Combined)
		n, err = csvstore.CombineFrom(ctx, a.pg, path)
	default:
		return "", 0, "", fmt.Errorf("combine: no store configured")
	}
	if err != nil {
		return "", 0, "", fmt.Errorf("combine: %w", err)
	}
	a.logger.Info("combined stored records", zap.String("path", path), zap.Int("records", n))
	if a.cfg.Export.Bucket == "" {
		return path, n, "", nil
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	client, err := storage.NewClient(uploadCtx)
	if err != nil {
		return path, n, "", fmt.Errorf("init storage client: %w", err)
	}
	defer client.Close()
	exporter, err := gcs.New(client, a.cfg.Export)
	if err != nil {
		return path, n, "", err
	}
	uri, err = exporter.ExportFile(uploadCtx, path)
	if err != nil {
		return path, n, "", err
	}
	a.logger.Info("exported combined file", zap.String("uri", uri))
	return path, n, uri, nil
}

// EntityName recovers a searchable name from a store key.
func EntityName(key string) string {
	return strings.ReplaceAll(key, "_", " ")
}

// Close releases every backend in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
