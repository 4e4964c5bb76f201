// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"

	"github.com/ThachTung/WebScraper/internal/classify"
	"github.com/ThachTung/WebScraper/internal/crawler"
	"github.com/ThachTung/WebScraper/internal/dedupe"
	"github.com/ThachTung/WebScraper/internal/extract"
	"github.com/ThachTung/WebScraper/internal/storage/gcs"
	"github.com/ThachTung/WebScraper/internal/storage/postgres"
)

// Fetcher modes.
const (
	ModeColly    = "colly"
	ModeHeadless = "headless"
	// ModeAuto fetches with colly and re-renders script shells headless.
	ModeAuto = "auto"
)

// Store backends.
const (
	BackendCSV      = "csv"
	BackendPostgres = "postgres"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Names     NamesConfig     `mapstructure:"names"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Pacing    PacingConfig    `mapstructure:"pacing"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Classify  classify.Config `mapstructure:"classify"`
	Dedupe    dedupe.Config   `mapstructure:"dedupe"`
	Store     StoreConfig     `mapstructure:"store"`
	Lock      LockConfig      `mapstructure:"lock"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Export    gcs.Config      `mapstructure:"export"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LogConfig toggles zap development features.
type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// NamesConfig points at the entity name list.
type NamesConfig struct {
	File string `mapstructure:"file"`
}

// FetcherConfig governs upstream requests and retries.
type FetcherConfig struct {
	Mode                string        `mapstructure:"mode"`
	BaseURL             string        `mapstructure:"base_url"`
	UserAgent           string        `mapstructure:"user_agent"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	MaxRetries          int           `mapstructure:"max_retries"`
	BaseBackoff         time.Duration `mapstructure:"base_backoff"`
	Jitter              bool          `mapstructure:"jitter"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	// PromotionThreshold is the body size under which script-heavy pages are
	// re-rendered in auto mode.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// PacingConfig spaces the requests of one worker.
type PacingConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// SchedulerConfig bounds both levels of the worker pool.
type SchedulerConfig struct {
	EntityWorkers int            `mapstructure:"entity_workers"`
	RegionWorkers int            `mapstructure:"region_workers"`
	PageBatch     int            `mapstructure:"page_batch"`
	MaxPages      int            `mapstructure:"max_pages"`
	Regions       []RegionPreset `mapstructure:"regions"`
}

// RegionPreset names a region variant. Query holds its extra upstream
// parameters in URL query form ("LH_PrefLoc=1"); a string keeps the
// parameter case that map keys would lose to Viper's key folding.
type RegionPreset struct {
	Name  string `mapstructure:"name"`
	Query string `mapstructure:"query"`
}

// SearchRegions converts the presets. Nil means the built-in defaults.
func (c SchedulerConfig) SearchRegions() ([]crawler.Region, error) {
	if len(c.Regions) == 0 {
		return nil, nil
	}
	out := make([]crawler.Region, 0, len(c.Regions))
	for _, preset := range c.Regions {
		values, err := url.ParseQuery(preset.Query)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", preset.Name, err)
		}
		params := make(map[string]string, len(values))
		for k := range values {
			params[k] = values.Get(k)
		}
		out = append(out, crawler.Region{Name: preset.Name, Params: params})
	}
	return out, nil
}

// ExtractConfig holds the markup selectors.
type ExtractConfig struct {
	Selectors extract.Selectors `mapstructure:"selectors"`
	Skip      int               `mapstructure:"skip"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend  string          `mapstructure:"backend"`
	Dir      string          `mapstructure:"dir"`
	Combined string          `mapstructure:"combined"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// LockConfig selects the per-entity lock scope.
type LockConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses the lock server.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Poll     time.Duration `mapstructure:"poll"`
}

// PubSubConfig holds event publishing metadata. Events stay in memory when
// ProjectID is empty.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	EntityTopic string `mapstructure:"entity_topic"`
	RunTopic    string `mapstructure:"run_topic"`
}

// MetricsConfig enables the scrape endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every default on v. Registering defaults also makes
// the keys visible to AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	sel := extract.DefaultSelectors()
	cls := classify.DefaultConfig()
	dd := dedupe.DefaultConfig()

	v.SetDefault("log.development", false)
	v.SetDefault("names.file", "names.csv")

	v.SetDefault("fetcher.mode", ModeColly)
	v.SetDefault("fetcher.base_url", crawler.DefaultSearchURL)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (X11; Linux x86_64) soldprice/1.0")
	v.SetDefault("fetcher.timeout", "30s")
	v.SetDefault("fetcher.max_idle_conns_per_host", 2)
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.base_backoff", "1s")
	v.SetDefault("fetcher.jitter", false)

	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.promotion_threshold", 2048)

	v.SetDefault("pacing.min_delay", "1s")
	v.SetDefault("pacing.max_delay", "2s")

	v.SetDefault("scheduler.entity_workers", 5)
	v.SetDefault("scheduler.region_workers", 4)
	v.SetDefault("scheduler.page_batch", 2)
	v.SetDefault("scheduler.max_pages", 5)

	v.SetDefault("extract.skip", extract.DefaultSkip)
	v.SetDefault("extract.selectors.container", sel.Container)
	v.SetDefault("extract.selectors.title", sel.Title)
	v.SetDefault("extract.selectors.price", sel.Price)
	v.SetDefault("extract.selectors.link", sel.Link)
	v.SetDefault("extract.selectors.image", sel.Image)
	v.SetDefault("extract.selectors.sold_date", sel.SoldDate)
	v.SetDefault("extract.selectors.next", sel.Next)

	v.SetDefault("classify.policy", string(cls.Policy))
	v.SetDefault("classify.exclusions", cls.Exclusions)
	v.SetDefault("classify.manufacturer", cls.Manufacturer)
	v.SetDefault("classify.domain", cls.Domain)

	v.SetDefault("dedupe.threshold", dd.Threshold)
	v.SetDefault("dedupe.require_entity_name", dd.RequireEntityName)
	v.SetDefault("dedupe.cache_size", dd.CacheSize)

	v.SetDefault("store.backend", BackendCSV)
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.combined", "all_players.csv")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "sold_listings")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")

	v.SetDefault("lock.backend", LockLocal)
	v.SetDefault("lock.redis.addr", "")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)
	v.SetDefault("lock.redis.ttl", "2m")
	v.SetDefault("lock.redis.poll", "100ms")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.entity_topic", "soldprice-entity-ingested")
	v.SetDefault("pubsub.run_topic", "soldprice-run-completed")

	v.SetDefault("export.bucket", "")
	v.SetDefault("export.prefix", "exports")

	v.SetDefault("metrics.addr", "")
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	switch c.Fetcher.Mode {
	case ModeColly:
	case ModeHeadless, ModeAuto:
		if c.Headless.MaxParallel < 0 {
			errs = append(errs, errors.New("headless.max_parallel must be >= 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("fetcher.mode %q must be one of %q, %q, %q",
			c.Fetcher.Mode, ModeColly, ModeHeadless, ModeAuto))
	}
	if c.Fetcher.Timeout <= 0 {
		errs = append(errs, errors.New("fetcher.timeout must be > 0"))
	}
	if c.Fetcher.MaxRetries < 0 {
		errs = append(errs, errors.New("fetcher.max_retries must be >= 0"))
	}
	if c.Pacing.MinDelay < 0 || c.Pacing.MaxDelay < 0 {
		errs = append(errs, errors.New("pacing delays must be >= 0"))
	}
	if c.Pacing.MaxDelay != 0 && c.Pacing.MaxDelay < c.Pacing.MinDelay {
		errs = append(errs, errors.New("pacing.max_delay must be >= pacing.min_delay"))
	}
	if c.Scheduler.EntityWorkers <= 0 {
		errs = append(errs, errors.New("scheduler.entity_workers must be > 0"))
	}
	if c.Scheduler.RegionWorkers <= 0 {
		errs = append(errs, errors.New("scheduler.region_workers must be > 0"))
	}
	if c.Scheduler.PageBatch <= 0 {
		errs = append(errs, errors.New("scheduler.page_batch must be > 0"))
	}
	if c.Scheduler.MaxPages <= 0 {
		errs = append(errs, errors.New("scheduler.max_pages must be > 0"))
	}
	for i, r := range c.Scheduler.Regions {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("scheduler.regions[%d] needs a name", i))
		}
	}
	if _, err := c.Scheduler.SearchRegions(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.regions: %w", err))
	}
	if c.Extract.Skip < 0 {
		errs = append(errs, errors.New("extract.skip must be >= 0"))
	}
	if err := c.Extract.Selectors.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("extract.selectors: %w", err))
	}
	switch c.Classify.Policy {
	case classify.PolicyManufacturer, classify.PolicyStrict:
	default:
		errs = append(errs, fmt.Errorf("classify.policy %q is unknown", c.Classify.Policy))
	}
	if c.Dedupe.Threshold <= 0 || c.Dedupe.Threshold > 1 {
		errs = append(errs, errors.New("dedupe.threshold must be in (0, 1]"))
	}
	switch c.Store.Backend {
	case BackendCSV:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir must be set for the csv backend"))
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn must be set for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be %q or %q", c.Store.Backend, BackendCSV, BackendPostgres))
	}
	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.Redis.Addr == "" {
			errs = append(errs, errors.New("lock.redis.addr must be set for the redis lock"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q must be %q or %q", c.Lock.Backend, LockLocal, LockRedis))
	}
	if c.PubSub.ProjectID != "" && (c.PubSub.EntityTopic == "" || c.PubSub.RunTopic == "") {
		errs = append(errs, errors.New("pubsub topics must be set when pubsub.project_id is"))
	}
	return errors.Join(errs...)
}
