package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"exploitwatch/internal/breaker"
	"exploitwatch/internal/logging"
)

// Source kinds understood by the fetcher builder.
const (
	KindJSONAPI = "jsonapi"
	KindFeed    = "feed"
	KindGraphQL = "graphql"
	KindMirror  = "mirror"
	KindStatic  = "static"
)

// Scheduler modes.
const (
	ModeFixed           = "fixed"
	ModeAfterCompletion = "after_completion"
)

// Config materialises application configuration.
type Config struct {
	App             AppConfig       `mapstructure:"app"`
	Logging         logging.Config  `mapstructure:"logging"`
	Database        DatabaseConfig  `mapstructure:"database"`
	Redis           RedisConfig     `mapstructure:"redis"`
	Scheduler       SchedulerConfig `mapstructure:"scheduler"`
	Pipeline        PipelineConfig  `mapstructure:"pipeline"`
	BreakerDefaults breaker.Config  `mapstructure:"breaker_defaults"`
	Sources         []SourceConfig  `mapstructure:"sources"`
	Alerting        AlertingConfig  `mapstructure:"alerting"`
	Metrics         MetricsConfig   `mapstructure:"metrics"`
	Export          ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs the
// pipeline against the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig configures the accepted-record stream.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Mode            string        `mapstructure:"mode"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// PipelineConfig bounds one ingestion cycle.
type PipelineConfig struct {
	WorkerPoolWidth int           `mapstructure:"worker_pool_width"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	CycleDeadline   time.Duration `mapstructure:"cycle_deadline"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	CancelGrace     time.Duration `mapstructure:"cancel_grace"`
	FutureTolerance time.Duration `mapstructure:"future_tolerance"`
	SeenCacheSize   int           `mapstructure:"seen_cache_size"`
	BloomCapacity   uint          `mapstructure:"bloom_capacity"`
	BloomFPRate     float64       `mapstructure:"bloom_fp_rate"`
}

// SourceConfig describes one configured source.
type SourceConfig struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"`
	Enabled *bool  `mapstructure:"enabled"`
	// Tier orders sources within a cycle; lower runs first.
	Tier int `mapstructure:"tier"`
	// RevisionRate is the share of this source's reports later corrected.
	// Unset means unknown.
	RevisionRate  *float64        `mapstructure:"revision_rate"`
	URL           string          `mapstructure:"url"`
	Mirrors       []string        `mapstructure:"mirrors"`
	Accounts      []string        `mapstructure:"accounts"`
	Path          string          `mapstructure:"path"`
	APIKey        string          `mapstructure:"api_key"`
	Lookback      time.Duration   `mapstructure:"lookback"`
	MaxPages      int             `mapstructure:"max_pages"`
	PageSize      int             `mapstructure:"page_size"`
	Timeout       time.Duration   `mapstructure:"timeout"`
	RatePerSecond float64         `mapstructure:"rate_per_second"`
	Burst         int             `mapstructure:"burst"`
	UserAgent     string          `mapstructure:"user_agent"`
	Breaker       *breaker.Config `mapstructure:"breaker"`
}

// IsEnabled treats an absent enabled flag as true.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// BreakerConfig overlays the source's overrides on defaults.
func (s SourceConfig) BreakerConfig(defaults breaker.Config) breaker.Config {
	if s.Breaker == nil {
		return defaults
	}
	return defaults.Overlay(*s.Breaker)
}

// AlertingConfig routes operator alerts for failed cycles.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram bot parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes the ops endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXPLOITWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "exploitwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.mode", ModeFixed)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x65787077))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("pipeline.worker_pool_width", 10)
	v.SetDefault("pipeline.fetch_timeout", "10s")
	v.SetDefault("pipeline.cycle_deadline", "60s")
	v.SetDefault("pipeline.store_timeout", "5s")
	v.SetDefault("pipeline.cancel_grace", "250ms")
	v.SetDefault("pipeline.future_tolerance", "0s")
	v.SetDefault("pipeline.seen_cache_size", 4096)
	v.SetDefault("pipeline.bloom_capacity", 100000)
	v.SetDefault("pipeline.bloom_fp_rate", 0.01)

	def := breaker.DefaultConfig()
	v.SetDefault("breaker_defaults.consecutive_failures", def.ConsecutiveFailures)
	v.SetDefault("breaker_defaults.window_failures", def.WindowFailures)
	v.SetDefault("breaker_defaults.window", def.Window.String())
	v.SetDefault("breaker_defaults.cooldown_base", def.CooldownBase.String())
	v.SetDefault("breaker_defaults.cooldown_max", def.CooldownMax.String())

	v.SetDefault("sources", defaultSources())

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream", "exploitwatch:incidents")
	v.SetDefault("redis.max_len", 10000)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9102")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func defaultSources() []map[string]any {
	return []map[string]any{
		{
			"name":          "defillama",
			"kind":          KindJSONAPI,
			"tier":          1,
			"revision_rate": 0.05,
			"url":           "https://api.llama.fi/hacks",
		},
		{
			"name":          "rekt",
			"kind":          KindFeed,
			"tier":          2,
			"revision_rate": 0.10,
			"url":           "https://rekt.news/feed.xml",
		},
		{
			"name":          "forta",
			"kind":          KindGraphQL,
			"enabled":       false,
			"tier":          2,
			"revision_rate": 0.25,
			"url":           "https://api.forta.network/graphql",
			"lookback":      "24h",
			"max_pages":     5,
			"page_size":     100,
		},
		{
			"name":          "twitter",
			"kind":          KindMirror,
			"enabled":       false,
			"tier":          3,
			"revision_rate": 0.40,
			"mirrors":       []string{"https://nitter.net", "https://nitter.privacydev.net", "https://nitter.poast.org"},
			"accounts":      []string{"PeckShieldAlert", "CertiKAlert", "BlockSecTeam"},
		},
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Mode != ModeFixed && c.Scheduler.Mode != ModeAfterCompletion {
		return fmt.Errorf("scheduler.mode must be %q or %q", ModeFixed, ModeAfterCompletion)
	}

	p := c.Pipeline
	if p.WorkerPoolWidth <= 0 {
		return fmt.Errorf("pipeline.worker_pool_width must be greater than zero")
	}
	if p.FetchTimeout <= 0 || p.CycleDeadline <= 0 {
		return fmt.Errorf("pipeline.fetch_timeout and pipeline.cycle_deadline must be greater than zero")
	}
	if p.FetchTimeout >= p.CycleDeadline {
		return fmt.Errorf("pipeline.fetch_timeout (%s) must be shorter than pipeline.cycle_deadline (%s)", p.FetchTimeout, p.CycleDeadline)
	}
	if p.StoreTimeout <= 0 {
		return fmt.Errorf("pipeline.store_timeout must be greater than zero")
	}
	if p.CancelGrace < 0 {
		return fmt.Errorf("pipeline.cancel_grace cannot be negative")
	}
	if p.FutureTolerance < 0 {
		return fmt.Errorf("pipeline.future_tolerance cannot be negative")
	}
	if p.BloomFPRate <= 0 || p.BloomFPRate >= 1 {
		return fmt.Errorf("pipeline.bloom_fp_rate must be between 0 and 1")
	}

	if err := validateBreaker("breaker_defaults", c.BreakerDefaults); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}
		if err := src.validate(); err != nil {
			return fmt.Errorf("sources.%s: %w", src.Name, err)
		}
		if err := validateBreaker("sources."+src.Name+".breaker", src.BreakerConfig(c.BreakerDefaults)); err != nil {
			return err
		}
	}

	if c.Redis.Enabled && c.Redis.Stream == "" {
		return fmt.Errorf("redis.stream is required when redis is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

func (s SourceConfig) validate() error {
	switch s.Kind {
	case KindJSONAPI, KindFeed, KindGraphQL:
		if s.URL == "" {
			return fmt.Errorf("url is required for kind %s", s.Kind)
		}
	case KindMirror:
		if len(s.Mirrors) == 0 || len(s.Accounts) == 0 {
			return fmt.Errorf("mirrors and accounts are required for kind %s", s.Kind)
		}
	case KindStatic:
		if s.Path == "" {
			return fmt.Errorf("path is required for kind %s", s.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	if s.RevisionRate != nil && (*s.RevisionRate < 0 || *s.RevisionRate > 1) {
		return fmt.Errorf("revision_rate must be between 0 and 1")
	}
	if s.RatePerSecond < 0 {
		return fmt.Errorf("rate_per_second cannot be negative")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

func validateBreaker(prefix string, b breaker.Config) error {
	if b.ConsecutiveFailures <= 0 || b.WindowFailures <= 0 {
		return fmt.Errorf("%s: failure thresholds must be greater than zero", prefix)
	}
	if b.Window <= 0 {
		return fmt.Errorf("%s.window must be greater than zero", prefix)
	}
	if b.CooldownBase <= 0 {
		return fmt.Errorf("%s.cooldown_base must be greater than zero", prefix)
	}
	if b.CooldownMax < b.CooldownBase {
		return fmt.Errorf("%s.cooldown_max must not be below cooldown_base", prefix)
	}
	return nil
}

// EnabledSources returns the sources that take part in cycles.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.IsEnabled() {
			out = append(out, src)
		}
	}
	return out
}

// RevisionRates collects the configured revision rates by source name.
func (c *Config) RevisionRates() map[string]float64 {
	rates := make(map[string]float64)
	for _, src := range c.Sources {
		if src.RevisionRate != nil {
			rates[src.Name] = *src.RevisionRate
		}
	}
	return rates
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
