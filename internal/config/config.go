// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/threadharvest/internal/crawler"
	"github.com/JakeFAU/threadharvest/internal/extract"
	"github.com/JakeFAU/threadharvest/internal/pipeline"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Sink kinds.
const (
	SinkDiscard  = "discard"
	SinkBlob     = "blob"
	SinkPostgres = "postgres"
)

// Storage backends for the blob sink.
const (
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// Config captures every harvester setting.
type Config struct {
	Targets []TargetConfig `mapstructure:"targets"`
	// TargetURLs is a comma separated fallback used when Targets is empty.
	TargetURLs string         `mapstructure:"target_urls"`
	Crawler    CrawlerConfig  `mapstructure:"crawler"`
	Extract    extract.Config `mapstructure:"extract"`
	Chunking   ChunkingConfig `mapstructure:"chunking"`
	State      StateConfig    `mapstructure:"state"`
	Journal    JournalConfig  `mapstructure:"journal"`
	Sink       SinkConfig     `mapstructure:"sink"`
	Storage    StorageConfig  `mapstructure:"storage"`
	Database   DatabaseConfig `mapstructure:"database"`
	PubSub     PubSubConfig   `mapstructure:"pubsub"`
	Logging    LoggingConfig  `mapstructure:"logging"`
	Metrics    MetricsConfig  `mapstructure:"metrics"`
}

// TargetConfig is one configured listing root.
type TargetConfig struct {
	ID       string `mapstructure:"id"`
	URL      string `mapstructure:"url"`
	MaxItems int    `mapstructure:"max_items"`
}

// CrawlerConfig governs fetching, politeness and retries.
type CrawlerConfig struct {
	UserAgent       string         `mapstructure:"user_agent"`
	MinDelay        time.Duration  `mapstructure:"min_delay"`
	MaxDelay        time.Duration  `mapstructure:"max_delay"`
	DefaultMaxItems int            `mapstructure:"default_max_items"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	MaxAttempts     int            `mapstructure:"max_attempts"`
	BackoffInitial  time.Duration  `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration  `mapstructure:"backoff_max"`
	RateLimitRPS    float64        `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int            `mapstructure:"rate_limit_burst"`
	RespectRobots   bool           `mapstructure:"respect_robots"`
	Headless        HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig switches page fetching to headless Chrome.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// ChunkingConfig controls splitting and batch delivery.
type ChunkingConfig struct {
	Size           int  `mapstructure:"size"`
	Overlap        int  `mapstructure:"overlap"`
	BatchSize      int  `mapstructure:"batch_size"`
	SkipDuplicates bool `mapstructure:"skip_duplicates"`
}

// StateConfig locates the persisted crawl state.
type StateConfig struct {
	CheckpointDir  string `mapstructure:"checkpoint_dir"`
	HashFile       string `mapstructure:"hash_file"`
	RecoverCorrupt bool   `mapstructure:"recover_corrupt"`
}

// JournalConfig controls the raw item CSV journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SinkConfig selects where chunk batches go.
type SinkConfig struct {
	Kind string `mapstructure:"kind"`
	// Notify publishes a batch event to Pub/Sub after every delivery.
	Notify bool `mapstructure:"notify"`
}

// StorageConfig configures the blob sink backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig controls the Postgres sink and run history.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ChunkTable      string        `mapstructure:"chunk_table"`
	RunTable        string        `mapstructure:"run_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
	// RecordRuns stores one row per run when a DSN is configured.
	RecordRuns bool `mapstructure:"record_runs"`
}

// PubSubConfig holds the batch notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig selects the zap flavor and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// MetricsConfig enables the Prometheus listener when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from an optional file and HARVEST_* environment
// variables, then validates it.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target_urls", "")
	v.SetDefault("crawler.user_agent", "threadharvest/0.1")
	v.SetDefault("crawler.min_delay", 3*time.Second)
	v.SetDefault("crawler.max_delay", 6*time.Second)
	v.SetDefault("crawler.default_max_items", 100)
	v.SetDefault("crawler.timeout", 30*time.Second)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.backoff_initial", 500*time.Millisecond)
	v.SetDefault("crawler.backoff_max", 10*time.Second)
	v.SetDefault("crawler.rate_limit_rps", 1.0)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.headless.enabled", false)
	v.SetDefault("crawler.headless.max_parallel", 1)
	v.SetDefault("crawler.headless.nav_timeout", 30*time.Second)
	v.SetDefault("crawler.headless.settle_delay", time.Second)
	v.SetDefault("extract.page_param", "page")
	v.SetDefault("extract.readability", true)
	v.SetDefault("extract.selectors.listing_item", "a.thread-link")
	v.SetDefault("extract.selectors.item_link", "")
	v.SetDefault("extract.selectors.listing_title", "")
	v.SetDefault("extract.selectors.listing_date", "")
	v.SetDefault("extract.selectors.title", "h1")
	v.SetDefault("extract.selectors.author", "")
	v.SetDefault("extract.selectors.date", "time")
	v.SetDefault("extract.selectors.body", "")
	v.SetDefault("extract.selectors.next_page", "")
	v.SetDefault("chunking.size", 1000)
	v.SetDefault("chunking.overlap", 100)
	v.SetDefault("chunking.batch_size", pipeline.DefaultBatchSize)
	v.SetDefault("chunking.skip_duplicates", true)
	v.SetDefault("state.checkpoint_dir", "data/checkpoints")
	v.SetDefault("state.hash_file", "data/content_hashes.txt")
	v.SetDefault("state.recover_corrupt", false)
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "data/items.csv")
	v.SetDefault("sink.kind", SinkBlob)
	v.SetDefault("sink.notify", false)
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.local_dir", "data/batches")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "batches")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.chunk_table", "chunks")
	v.SetDefault("database.run_table", "harvest_runs")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("database.record_runs", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("metrics.addr", "")
}

// Validate enforces required values and consistent combinations.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Crawler.MinDelay < 0 || c.Crawler.MaxDelay < c.Crawler.MinDelay {
		add("crawler.min_delay/max_delay must satisfy 0 <= min <= max")
	}
	if c.Crawler.DefaultMaxItems <= 0 {
		add("crawler.default_max_items must be > 0")
	}
	if c.Crawler.Timeout <= 0 {
		add("crawler.timeout must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		add("crawler.max_attempts must be > 0")
	}
	if c.Crawler.Headless.Enabled && c.Crawler.Headless.MaxParallel <= 0 {
		add("crawler.headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := c.Extract.Validate(); err != nil {
		add("extract: %w", err)
	}
	if err := pipeline.ValidateWindow(c.Chunking.Size, c.Chunking.Overlap); err != nil {
		add("chunking: %w", err)
	}
	if c.Chunking.BatchSize <= 0 {
		add("chunking.batch_size must be > 0")
	}
	if strings.TrimSpace(c.State.CheckpointDir) == "" {
		add("state.checkpoint_dir is required")
	}
	if strings.TrimSpace(c.State.HashFile) == "" {
		add("state.hash_file is required")
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		add("journal.path is required when the journal is enabled")
	}
	errs = append(errs, c.validateSink()...)
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			add("logging.level: %w", err)
		}
	}
	if _, err := c.ResolveTargets(); err != nil && !errors.Is(err, errNoTargets) {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) validateSink() []error {
	var errs []error
	switch c.Sink.Kind {
	case SinkDiscard:
	case SinkBlob:
		switch c.Storage.Backend {
		case StorageLocal:
			if strings.TrimSpace(c.Storage.LocalDir) == "" {
				errs = append(errs, errors.New("storage.local_dir is required for the local backend"))
			}
		case StorageGCS:
			if strings.TrimSpace(c.Storage.GCSBucket) == "" {
				errs = append(errs, errors.New("storage.gcs_bucket is required for the gcs backend"))
			}
		case StorageMemory:
		default:
			errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
		}
	case SinkPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink.kind %q", c.Sink.Kind))
	}
	if c.Sink.Notify && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic are required when sink.notify is set"))
	}
	return errs
}

var errNoTargets = errors.New("no targets configured")

// ResolveTargets returns the configured targets in order. Targets without an
// ID get a slug of their URL and targets without a budget get
// crawler.default_max_items.
func (c Config) ResolveTargets() ([]crawler.CrawlTarget, error) {
	entries := c.Targets
	if len(entries) == 0 {
		for _, raw := range strings.Split(c.TargetURLs, ",") {
			if raw = strings.TrimSpace(raw); raw != "" {
				entries = append(entries, TargetConfig{URL: raw})
			}
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %w (set targets or target_urls)", ErrInvalidConfig, errNoTargets)
	}

	seen := make(map[string]struct{}, len(entries))
	files := make(map[string]string, len(entries))
	targets := make([]crawler.CrawlTarget, 0, len(entries))
	var errs []error
	for i, entry := range entries {
		rawURL := strings.TrimSpace(entry.URL)
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: url %q must be an absolute http(s) URL", i, entry.URL))
			continue
		}
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			id = crawler.Slug(rawURL)
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("targets[%d]: duplicate id %q", i, id))
			continue
		}
		seen[id] = struct{}{}
		file := crawler.SafeFileName(id)
		if other, clash := files[file]; clash {
			errs = append(errs, fmt.Errorf("targets[%d]: id %q shares checkpoint file %q with %q", i, id, file, other))
			continue
		}
		files[file] = id
		if entry.MaxItems < 0 {
			errs = append(errs, fmt.Errorf("targets[%d]: max_items must not be negative", i))
			continue
		}
		maxItems := entry.MaxItems
		if maxItems == 0 {
			maxItems = c.Crawler.DefaultMaxItems
		}
		targets = append(targets, crawler.CrawlTarget{ID: id, URL: rawURL, MaxItems: maxItems})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return targets, nil
}

// Target returns the resolved target with the given ID.
func (c Config) Target(id string) (crawler.CrawlTarget, bool) {
	targets, err := c.ResolveTargets()
	if err != nil {
		return crawler.CrawlTarget{}, false
	}
	for _, t := range targets {
		if t.ID == id {
			return t, true
		}
	}
	return crawler.CrawlTarget{}, false
}
