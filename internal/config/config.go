// Package config loads and validates fetch scheduler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fetch-scheduler/internal/schedule"
	localstorage "github.com/JakeFAU/fetch-scheduler/internal/storage/local"
	"github.com/JakeFAU/fetch-scheduler/internal/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. FETCHSCHED_WORKER_COUNT.
const EnvPrefix = "FETCHSCHED"

// Storage backends accepted by storage.backend.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig     `mapstructure:"server"`
	Logging      LoggingConfig    `mapstructure:"logging"`
	Scheduler    SchedulerConfig  `mapstructure:"scheduler"`
	RateLimit    RateLimitConfig  `mapstructure:"ratelimit"`
	Worker       WorkerConfig     `mapstructure:"worker"`
	Tracker      TrackerConfig    `mapstructure:"tracker"`
	Schedule     schedule.Config  `mapstructure:"schedule"`
	Fetcher      FetcherConfig    `mapstructure:"fetcher"`
	Storage      StorageConfig    `mapstructure:"storage"`
	DB           DBConfig         `mapstructure:"db"`
	PubSub       PubSubConfig     `mapstructure:"pubsub"`
	Progress     ProgressConfig   `mapstructure:"progress"`
	Telemetry    telemetry.Config `mapstructure:"telemetry"`
	Batch        BatchConfig      `mapstructure:"batch"`
	Seeds        []string         `mapstructure:"seeds"`
	SeedPriority int              `mapstructure:"seed_priority"`
}

// ServerConfig controls the ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SchedulerConfig governs queue admission.
type SchedulerConfig struct {
	MaxInFlightPerHost   int           `mapstructure:"max_inflight_per_host"`
	PendingTTL           time.Duration `mapstructure:"pending_ttl"`
	SkipUnreachableHosts bool          `mapstructure:"skip_unreachable_hosts"`
	BlockedHosts         []string      `mapstructure:"blocked_hosts"`
}

// RateLimitConfig configures per-host politeness.
type RateLimitConfig struct {
	Enabled      bool       `mapstructure:"enabled"`
	DefaultRPS   float64    `mapstructure:"default_rps"`
	DefaultBurst int        `mapstructure:"default_burst"`
	HostRPS      []HostRate `mapstructure:"host_rps"`
}

// HostRate overrides the default rate for one host. It is a list entry rather
// than a map key because viper splits keys on dots.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HostRPSMap flattens the per-host overrides, last entry wins.
func (c RateLimitConfig) HostRPSMap() map[string]float64 {
	out := make(map[string]float64, len(c.HostRPS))
	for _, hr := range c.HostRPS {
		out[strings.ToLower(strings.TrimSpace(hr.Host))] = hr.RPS
	}
	return out
}

// WorkerConfig sizes the fetch worker pool.
type WorkerConfig struct {
	Count        int           `mapstructure:"count"`
	IdleBackoff  time.Duration `mapstructure:"idle_backoff"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Crowdsourced bool          `mapstructure:"crowdsourced"`
}

// TrackerConfig configures host and URL bookkeeping.
type TrackerConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"`
	MaxURLLength     int    `mapstructure:"max_url_length"`
	ReportPrefix     string `mapstructure:"report_prefix"`
}

// FetcherConfig configures the colly fetcher and content signatures.
type FetcherConfig struct {
	UserAgent      string         `mapstructure:"user_agent"`
	RespectRobots  bool           `mapstructure:"respect_robots"`
	MaxBodyBytes   int            `mapstructure:"max_body_bytes"`
	FoldWhitespace bool           `mapstructure:"fold_whitespace"`
	Categorize     bool           `mapstructure:"categorize"`
	Headless       HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig controls browser re-fetches of client rendered pages.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// StorageConfig selects where tracker reports are written.
type StorageConfig struct {
	Backend string              `mapstructure:"backend"`
	Bucket  string              `mapstructure:"bucket"`
	Prefix  string              `mapstructure:"prefix"`
	Local   localstorage.Config `mapstructure:"local"`
}

// DBConfig controls the Postgres URL store. An empty DSN keeps URL sets in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	URLTable        string        `mapstructure:"url_table"`
	DeferredTable   string        `mapstructure:"deferred_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds topics and the crowd result subscription.
type PubSubConfig struct {
	ProjectID         string        `mapstructure:"project_id"`
	ResultTopic       string        `mapstructure:"result_topic"`
	TaskTopic         string        `mapstructure:"task_topic"`
	CrowdSubscription string        `mapstructure:"crowd_subscription"`
	FeedBatchSize     int           `mapstructure:"feed_batch_size"`
	FeedInterval      time.Duration `mapstructure:"feed_interval"`
	ResultBuffer      int           `mapstructure:"result_buffer"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	Enabled           bool                `mapstructure:"enabled"`
	LogEnabled        bool                `mapstructure:"log_enabled"`
	PrometheusEnabled bool                `mapstructure:"prometheus_enabled"`
	BufferSize        int                 `mapstructure:"buffer_size"`
	Batch             ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs     int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// BatchConfig bounds a run. Zero MaxRuntime runs until completion or a signal.
type BatchConfig struct {
	MaxRuntime        time.Duration `mapstructure:"max_runtime"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	sched := schedule.DefaultConfig()

	v.SetDefault("server.port", 0)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("scheduler.max_inflight_per_host", 2)
	v.SetDefault("scheduler.pending_ttl", 10*time.Minute)
	v.SetDefault("scheduler.skip_unreachable_hosts", false)
	v.SetDefault("scheduler.blocked_hosts", []string{})
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("worker.count", 8)
	v.SetDefault("worker.idle_backoff", time.Second)
	v.SetDefault("worker.fetch_timeout", 30*time.Second)
	v.SetDefault("worker.crowdsourced", false)
	v.SetDefault("tracker.failure_threshold", 3)
	v.SetDefault("tracker.max_url_length", 1024)
	v.SetDefault("tracker.report_prefix", "reports")
	v.SetDefault("schedule.strategy", sched.Strategy)
	v.SetDefault("schedule.default_interval", sched.DefaultInterval)
	v.SetDefault("schedule.min_interval", sched.MinInterval)
	v.SetDefault("schedule.max_interval", sched.MaxInterval)
	v.SetDefault("schedule.inc_rate", sched.IncRate)
	v.SetDefault("schedule.dec_rate", sched.DecRate)
	v.SetDefault("schedule.sync_delta", sched.SyncDelta)
	v.SetDefault("schedule.sync_delta_rate", sched.SyncDeltaRate)
	v.SetDefault("fetcher.user_agent", "fetch-scheduler/0.1")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.max_body_bytes", 5*1024*1024)
	v.SetDefault("fetcher.fold_whitespace", false)
	v.SetDefault("fetcher.categorize", true)
	v.SetDefault("fetcher.headless.enabled", false)
	v.SetDefault("fetcher.headless.max_parallel", 2)
	v.SetDefault("fetcher.headless.navigation_timeout", 45*time.Second)
	v.SetDefault("fetcher.headless.promotion_threshold", 2048)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.result_topic", "")
	v.SetDefault("pubsub.task_topic", "")
	v.SetDefault("pubsub.crowd_subscription", "")
	v.SetDefault("pubsub.feed_batch_size", 16)
	v.SetDefault("pubsub.feed_interval", time.Second)
	v.SetDefault("pubsub.result_buffer", 256)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 200)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "fetch-scheduler")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("batch.max_runtime", time.Duration(0))
	v.SetDefault("batch.heartbeat_interval", 30*time.Second)
	v.SetDefault("seeds", []string{})
	v.SetDefault("seed_priority", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Scheduler.MaxInFlightPerHost <= 0 {
		return fmt.Errorf("scheduler.max_inflight_per_host must be > 0")
	}
	if c.Scheduler.PendingTTL < 0 {
		return fmt.Errorf("scheduler.pending_ttl must be >= 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("ratelimit.default_rps must be >= 0")
	}
	for i, hr := range c.RateLimit.HostRPS {
		if strings.TrimSpace(hr.Host) == "" || hr.RPS < 0 {
			return fmt.Errorf("ratelimit.host_rps[%d] needs a host and rps >= 0", i)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Fetcher.Headless.Enabled && c.Fetcher.Headless.MaxParallel < 0 {
		return fmt.Errorf("fetcher.headless.max_parallel must be >= 0")
	}
	if c.Tracker.FailureThreshold <= 0 {
		return fmt.Errorf("tracker.failure_threshold must be > 0")
	}
	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.Worker.Crowdsourced {
		if c.PubSub.ProjectID == "" || c.PubSub.TaskTopic == "" || c.PubSub.CrowdSubscription == "" {
			return fmt.Errorf("crowdsourced workers need pubsub.project_id, pubsub.task_topic and pubsub.crowd_subscription")
		}
	}
	return nil
}

// UsePubSub reports whether a Pub/Sub client is needed.
func (c Config) UsePubSub() bool {
	return c.PubSub.ProjectID != "" && (c.PubSub.ResultTopic != "" || c.Worker.Crowdsourced)
}
