// Package config loads and validates vacuum configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names used as keys under sources.*.
const (
	ProviderUSASpending = "usaspending"
	ProviderSAM         = "sam"
	ProviderSBIR        = "sbir"
	ProviderNSF         = "nsf"
	ProviderCALC        = "calc"
)

// Providers lists every upstream API the pipeline knows about.
var Providers = []string{ProviderUSASpending, ProviderSAM, ProviderSBIR, ProviderNSF, ProviderCALC}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Auth      AuthConfig              `mapstructure:"auth"`
	HTTP      HTTPConfig              `mapstructure:"http"`
	Database  DatabaseConfig          `mapstructure:"database"`
	Redis     RedisConfig             `mapstructure:"redis"`
	Lock      LockConfig              `mapstructure:"lock"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
	Run       RunConfig               `mapstructure:"run"`
	Resolve   ResolveConfig           `mapstructure:"resolve"`
	Queue     QueueConfig             `mapstructure:"queue"`
	Schedule  ScheduleConfig          `mapstructure:"schedule"`
	Progress  ProgressConfig          `mapstructure:"progress"`
	Publisher PublisherConfig         `mapstructure:"publisher"`
	Archive   ArchiveConfig           `mapstructure:"archive"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Telemetry TelemetryConfig         `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port               int  `mapstructure:"port"`
	RunTimeoutSeconds  int  `mapstructure:"run_timeout_seconds"`
	CORSAllowAllOrigin bool `mapstructure:"cors_allow_all"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPConfig configures the outbound fetcher.
type HTTPConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	UserAgent        string `mapstructure:"user_agent"`
	MaxBodyBytes     int64  `mapstructure:"max_body_bytes"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// DatabaseConfig controls access to the relational store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig points at the shared redis used for locks and rate-limit blocks.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LockConfig selects the run lock backend.
type LockConfig struct {
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// SourceConfig tunes one upstream provider.
type SourceConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
	Concurrency    int     `mapstructure:"concurrency"`
	DelayMs        int     `mapstructure:"delay_ms"`
	PageSize       int     `mapstructure:"page_size"`
	MaxPages       int     `mapstructure:"max_pages"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRetries     int     `mapstructure:"max_retries"`
}

// RunConfig bounds a single orchestrator run.
type RunConfig struct {
	MaxDurationMinutes int  `mapstructure:"max_duration_minutes"`
	ErrorLimit         int  `mapstructure:"error_limit"`
	ResolveAfter       bool `mapstructure:"resolve_after"`
}

// ResolveConfig tunes the entity resolution pass.
type ResolveConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// QueueConfig sizes the async run queue and its worker pool.
type QueueConfig struct {
	Depth   int `mapstructure:"depth"`
	Workers int `mapstructure:"workers"`
}

// ScheduleConfig enables the periodic trigger.
type ScheduleConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Mode     string        `mapstructure:"mode"`
}

// ProgressConfig controls the progress hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig controls hub batching.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// PublisherConfig selects where run events are published.
type PublisherConfig struct {
	Backend   string   `mapstructure:"backend"`
	Topic     string   `mapstructure:"topic"`
	ProjectID string   `mapstructure:"project_id"`
	Brokers   []string `mapstructure:"brokers"`
}

// ArchiveConfig controls raw response archival.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Tracing     bool   `mapstructure:"tracing"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VACUUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindCredentials(v); err != nil {
		return Config{}, err
	}

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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.run_timeout_seconds", 900)
	v.SetDefault("server.cors_allow_all", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "baseddata-vacuum/0.1")
	v.SetDefault("http.max_body_bytes", 32<<20)
	v.SetDefault("http.max_retries", 0)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", "2h")
	v.SetDefault("lock.key_prefix", "vacuum:lock:")
	v.SetDefault("run.max_duration_minutes", 0)
	v.SetDefault("run.error_limit", 200)
	v.SetDefault("run.resolve_after", true)
	v.SetDefault("resolve.batch_size", 200)
	v.SetDefault("queue.depth", 16)
	v.SetDefault("queue.workers", 1)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.interval", "24h")
	v.SetDefault("schedule.mode", "quick")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.topic", "vacuum-runs")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "baseddata-vacuum")
	v.SetDefault("telemetry.tracing", false)

	for name, src := range defaultSources() {
		prefix := "sources." + name + "."
		v.SetDefault(prefix+"base_url", src.BaseURL)
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"rps", src.RPS)
		v.SetDefault(prefix+"burst", src.Burst)
		v.SetDefault(prefix+"concurrency", src.Concurrency)
		v.SetDefault(prefix+"delay_ms", 0)
		v.SetDefault(prefix+"page_size", 0)
		v.SetDefault(prefix+"max_pages", 0)
		v.SetDefault(prefix+"timeout_seconds", src.TimeoutSeconds)
		v.SetDefault(prefix+"max_retries", 0)
	}
}

// bindCredentials lets the conventional provider env vars fill in API keys.
func bindCredentials(v *viper.Viper) error {
	bindings := map[string][]string{
		"sources.sam.api_key":  {"VACUUM_SOURCES_SAM_API_KEY", "SAM_API_KEY"},
		"sources.calc.api_key": {"VACUUM_SOURCES_CALC_API_KEY", "CALC_API_KEY", "DATA_GOV_API_KEY"},
		"database.dsn":         {"VACUUM_DATABASE_DSN", "DATABASE_URL"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func defaultSources() map[string]SourceConfig {
	return map[string]SourceConfig{
		ProviderUSASpending: {BaseURL: "https://api.usaspending.gov", RPS: 2, Burst: 1, Concurrency: 1, TimeoutSeconds: 30},
		ProviderSAM:         {BaseURL: "https://api.sam.gov", RPS: 1, Burst: 1, Concurrency: 1, TimeoutSeconds: 30},
		ProviderSBIR:        {BaseURL: "https://api.www.sbir.gov", RPS: 0.5, Burst: 1, Concurrency: 1, TimeoutSeconds: 30},
		ProviderNSF:         {BaseURL: "https://api.nsf.gov", RPS: 2, Burst: 1, Concurrency: 1, TimeoutSeconds: 30},
		ProviderCALC:        {BaseURL: "https://api.gsa.gov", RPS: 2, Burst: 1, Concurrency: 1, TimeoutSeconds: 30},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Resolve.BatchSize <= 0 {
		return fmt.Errorf("resolve.batch_size must be > 0")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	switch c.Lock.Backend {
	case "memory", "postgres":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when lock.backend is redis")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}
	if c.Lock.Backend == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set when lock.backend is postgres")
	}
	switch c.Publisher.Backend {
	case "", "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic are required for pubsub")
		}
	case "kafka":
		if len(c.Publisher.Brokers) == 0 || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.brokers and publisher.topic are required for kafka")
		}
	default:
		return fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend)
	}
	if c.Archive.Enabled && c.Archive.Backend == "gcs" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket must be set when archive.backend is gcs")
	}
	if c.Schedule.Enabled && c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be > 0 when scheduling is enabled")
	}
	for name, src := range c.Sources {
		if src.RPS < 0 {
			return fmt.Errorf("sources.%s.rps must be >= 0", name)
		}
		if src.Concurrency < 0 {
			return fmt.Errorf("sources.%s.concurrency must be >= 0", name)
		}
	}
	return nil
}

// Source returns the provider config with zero values replaced by the
// global HTTP defaults.
func (c Config) Source(name string) SourceConfig {
	src := c.Sources[name]
	if def, ok := defaultSources()[name]; ok && src.BaseURL == "" {
		src.BaseURL = def.BaseURL
	}
	if src.Concurrency <= 0 {
		src.Concurrency = 1
	}
	if src.Burst <= 0 {
		src.Burst = 1
	}
	if src.TimeoutSeconds <= 0 {
		src.TimeoutSeconds = c.HTTP.TimeoutSeconds
	}
	if src.MaxRetries <= 0 {
		src.MaxRetries = c.HTTP.MaxRetries
	}
	return src
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RunBudget returns the run deadline, or zero when runs are unbounded.
func (c Config) RunBudget() time.Duration {
	return time.Duration(c.Run.MaxDurationMinutes) * time.Minute
}
