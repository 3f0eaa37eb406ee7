// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Health    HealthConfig    `mapstructure:"health"`
	Events    EventsConfig    `mapstructure:"events"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects and tunes the primary store. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig selects where crawled content is kept.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig toggles the OpenTelemetry tracer provider. Spans are exported
// to Cloud Trace when ProjectID is set.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// PipelineConfig holds the lease, retry and worker pool settings.
type PipelineConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	CrawlTimeout   time.Duration `mapstructure:"crawl_timeout"`
	AnalyzeTimeout time.Duration `mapstructure:"analyze_timeout"`
	CrawlWorkers   int           `mapstructure:"crawl_workers"`
	AnalyzeWorkers int           `mapstructure:"analyze_workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	MinContentLen  int           `mapstructure:"min_content_length"`
}

// Limits returns the lease and retry bounds shared by the store and watchdog.
func (p PipelineConfig) Limits() intel.Limits {
	return intel.Limits{
		MaxRetries:     p.MaxRetries,
		CrawlTimeout:   p.CrawlTimeout,
		AnalyzeTimeout: p.AnalyzeTimeout,
	}
}

// WatchdogConfig controls the stuck item sweep.
type WatchdogConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// FeedsConfig controls the feed scheduler.
type FeedsConfig struct {
	Tick            time.Duration `mapstructure:"tick"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	ReadmitCooldown time.Duration `mapstructure:"readmit_cooldown"`
	DefaultPriority int           `mapstructure:"default_priority"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
}

// CrawlerConfig governs the colly crawl client.
type CrawlerConfig struct {
	UserAgent       string        `mapstructure:"user_agent"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
	DomainRPS       float64       `mapstructure:"domain_rps"`
	DomainBurst     int           `mapstructure:"domain_burst"`
	PreferHTTPS     bool          `mapstructure:"prefer_https"`
	FollowRedirects bool          `mapstructure:"follow_redirects"`
}

// HeadlessConfig configures the optional chromedp crawler.
type HeadlessConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	MinHTMLBytes   int           `mapstructure:"min_html_bytes"`
	ExecPath       string        `mapstructure:"exec_path"`
	DisableSandbox bool          `mapstructure:"disable_sandbox"`
}

// AnalyzerConfig configures the LLM analysis client.
type AnalyzerConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RPS           float64       `mapstructure:"rps"`
	MaxInputChars int           `mapstructure:"max_input_chars"`
}

// VectorConfig selects the embedder and index.
type VectorConfig struct {
	Embedder string        `mapstructure:"embedder"`
	Dim      int           `mapstructure:"dim"`
	Endpoint string        `mapstructure:"endpoint"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SyncConfig controls the KB/vector synchronizer.
type SyncConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RetryAfter    time.Duration `mapstructure:"retry_after"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

// PolicyConfig controls the blocklist file and periodic recheck.
type PolicyConfig struct {
	BlocklistPath   string        `mapstructure:"blocklist_path"`
	WatchBlocklist  bool          `mapstructure:"watch_blocklist"`
	RecheckInterval time.Duration `mapstructure:"recheck_interval"`
}

// HealthConfig tunes component status derivation.
type HealthConfig struct {
	DownAfter   int           `mapstructure:"down_after"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	RecentItems int           `mapstructure:"recent_items"`
	RecentLogs  int           `mapstructure:"recent_logs"`
}

// EventsConfig controls the transition event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	LogSink        bool          `mapstructure:"log_sink"`
}

// BootstrapConfig points at the seed file applied at startup.
type BootstrapConfig struct {
	SeedPath string `mapstructure:"seed_path"`
}

// requiredKeys have no defaults; operators must set them.
var requiredKeys = []string{
	"pipeline.max_retries",
	"pipeline.crawl_timeout",
	"pipeline.analyze_timeout",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FQDNINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range requiredKeys {
		// AutomaticEnv only resolves keys viper already knows about.
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var missing []string
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.max_conn_idle_time", "5m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/content")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("tracing.service_name", "fqdnintel")
	v.SetDefault("tracing.version", "dev")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("pipeline.crawl_workers", 8)
	v.SetDefault("pipeline.analyze_workers", 2)
	v.SetDefault("pipeline.poll_interval", "2s")
	v.SetDefault("pipeline.retry_backoff", "5m")
	v.SetDefault("pipeline.min_content_length", 50)
	v.SetDefault("watchdog.interval", "60s")
	v.SetDefault("feeds.tick", "30s")
	v.SetDefault("feeds.max_concurrent", 4)
	v.SetDefault("feeds.fetch_timeout", "2m")
	v.SetDefault("feeds.readmit_cooldown", "24h")
	v.SetDefault("feeds.default_priority", intel.PriorityHigh)
	v.SetDefault("feeds.max_body_bytes", 32<<20)
	v.SetDefault("crawler.user_agent", "fqdnintel-bot/0.1")
	v.SetDefault("crawler.request_timeout", "20s")
	v.SetDefault("crawler.max_body_bytes", 2<<20)
	v.SetDefault("crawler.domain_rps", 1.0)
	v.SetDefault("crawler.domain_burst", 1)
	v.SetDefault("crawler.prefer_https", true)
	v.SetDefault("crawler.follow_redirects", true)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.min_html_bytes", 2000)
	v.SetDefault("analyzer.endpoint", "http://localhost:11434")
	v.SetDefault("analyzer.model", "llama3.1")
	v.SetDefault("analyzer.timeout", "90s")
	v.SetDefault("analyzer.rps", 1.0)
	v.SetDefault("analyzer.max_input_chars", 6000)
	v.SetDefault("vector.embedder", "hash")
	v.SetDefault("vector.dim", 384)
	v.SetDefault("vector.model", "nomic-embed-text")
	v.SetDefault("vector.timeout", "30s")
	v.SetDefault("sync.workers", 2)
	v.SetDefault("sync.queue_size", 1024)
	v.SetDefault("sync.sweep_interval", "2m")
	v.SetDefault("sync.retry_after", "1m")
	v.SetDefault("sync.sweep_batch", 200)
	v.SetDefault("policy.watch_blocklist", true)
	v.SetDefault("policy.recheck_interval", "0s")
	v.SetDefault("health.down_after", 5)
	v.SetDefault("health.stale_after", "15m")
	v.SetDefault("health.recent_items", 10)
	v.SetDefault("health.recent_logs", 20)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 64)
	v.SetDefault("events.max_batch_wait", "250ms")
	v.SetDefault("events.log_sink", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Pipeline.MaxRetries >= 0, "pipeline.max_retries must be >= 0")
	check(c.Pipeline.CrawlTimeout > 0, "pipeline.crawl_timeout must be > 0")
	check(c.Pipeline.AnalyzeTimeout > 0, "pipeline.analyze_timeout must be > 0")
	check(c.Pipeline.CrawlWorkers > 0, "pipeline.crawl_workers must be > 0")
	check(c.Pipeline.AnalyzeWorkers > 0, "pipeline.analyze_workers must be > 0")
	check(c.Pipeline.PollInterval > 0, "pipeline.poll_interval must be > 0")
	check(c.Watchdog.Interval > 0, "watchdog.interval must be > 0")
	check(c.Feeds.Tick > 0, "feeds.tick must be > 0")
	check(c.Feeds.MaxConcurrent > 0, "feeds.max_concurrent must be > 0")
	check(c.Sync.Workers > 0, "sync.workers must be > 0")
	check(c.Health.DownAfter > 0, "health.down_after must be > 0")
	check(c.Crawler.DomainRPS > 0, "crawler.domain_rps must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0,
		"headless.max_parallel must be > 0 when headless is enabled")
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		check(c.Storage.GCSBucket != "", "storage.gcs_bucket must be set for the gcs backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}
	switch c.Vector.Embedder {
	case "hash":
		check(c.Vector.Dim > 0, "vector.dim must be > 0")
	case "ollama":
		check(c.Vector.Endpoint != "", "vector.endpoint must be set for the ollama embedder")
	default:
		errs = append(errs, fmt.Errorf("vector.embedder %q is not one of hash, ollama", c.Vector.Embedder))
	}
	return errors.Join(errs...)
}
