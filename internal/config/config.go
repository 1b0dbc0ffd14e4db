package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone   = "UTC"
	configPathEnv     = "REPORT_HARVESTER_CONFIG"
	databaseDSNEnv    = "DATABASE_DSN"
	redisAddrEnv      = "REDIS_ADDR"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
	renderEndpointEnv = "RENDER_ENDPOINT"
	renderAPIKeyEnv   = "RENDER_API_KEY"
	storageAccessEnv  = "STORAGE_ACCESS_KEY"
	storageSecretEnv  = "STORAGE_SECRET_KEY"
	logLevelEnv       = "LOG_LEVEL"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig        `yaml:"logging"`
	Database      DatabaseConfig       `yaml:"database"`
	Redis         RedisConfig          `yaml:"redis"`
	Storage       StorageConfig        `yaml:"storage"`
	Render        RenderConfig         `yaml:"render"`
	Notifications NotificationConfig   `yaml:"notifications"`
	Fetch         FetchConfig          `yaml:"fetch"`
	Scheduler     SchedulerConfig      `yaml:"scheduler"`
	Learner       LearnerConfig        `yaml:"learner"`
	Discovery     DiscoveryConfig      `yaml:"discovery"`
	Registry      RegistryConfig       `yaml:"registry"`
	Organizations []OrganizationConfig `yaml:"organizations"`
}

// LoggingConfig selects slog level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes Postgres connection details. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig points at the shared TTL cache. An empty Addr selects in-memory sets.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig describes the S3-compatible bucket documents are written to.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
}

// RenderConfig points at the page-rendering service used by tier 2.
type RenderConfig struct {
	Endpoint string   `yaml:"endpoint"`
	APIKey   string   `yaml:"apiKey"`
	Timeout  Duration `yaml:"timeout"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// FetchConfig tunes direct HTTP acquisition.
type FetchConfig struct {
	Timeout           Duration `yaml:"timeout"`
	UserAgent         string   `yaml:"userAgent"`
	MaxAttempts       int      `yaml:"maxAttempts"`
	BackoffBase       Duration `yaml:"backoffBase"`
	BackoffFactor     float64  `yaml:"backoffFactor"`
	MinDocumentBytes  int      `yaml:"minDocumentBytes"`
	MaxDocumentBytes  int64    `yaml:"maxDocumentBytes"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
	Burst             int      `yaml:"burst"`
}

// SchedulerConfig defines job cadences and the worker pool.
type SchedulerConfig struct {
	Timezone           string         `yaml:"timezone"`
	Workers            int            `yaml:"workers"`
	Tick               Duration       `yaml:"tick"`
	DiscoveryIntervals []Duration     `yaml:"discoveryIntervals"`
	CalendarInterval   Duration       `yaml:"calendarInterval"`
	BoostInterval      Duration       `yaml:"boostInterval"`
	BoostWindow        Duration       `yaml:"boostWindow"`
	DrainInterval      Duration       `yaml:"drainInterval"`
	DrainBatch         int            `yaml:"drainBatch"`
	ExpectedInterval   Duration       `yaml:"expectedInterval"`
	CandidateTTL       Duration       `yaml:"candidateTTL"`
	AlertThreshold     int            `yaml:"alertThreshold"`
	Parallelism        int            `yaml:"parallelism"`
	location           *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// LearnerConfig tunes URL prediction.
type LearnerConfig struct {
	TopK        int      `yaml:"topK"`
	Variations  int      `yaml:"variations"`
	NegativeTTL Duration `yaml:"negativeTTL"`
}

// DiscoveryConfig tunes candidate emission.
type DiscoveryConfig struct {
	DedupWindow Duration `yaml:"dedupWindow"`
	MaxEntryAge Duration `yaml:"maxEntryAge"`
}

// RegistryConfig points at an optional, hot-reloaded organizations file.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// OrganizationConfig describes one organization and its sources.
type OrganizationConfig struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Code     string         `yaml:"code"`
	Language string         `yaml:"language"`
	Country  string         `yaml:"country"`
	Sources  []SourceConfig `yaml:"sources"`
}

// SourceConfig holds a single acquisition source with its discovery strategy.
type SourceConfig struct {
	ID        string            `yaml:"id"`
	Kind      string            `yaml:"kind"`
	Priority  int               `yaml:"priority"`
	URL       string            `yaml:"url"`
	Format    string            `yaml:"format"`
	Selectors map[string]string `yaml:"selectors"`
}

// Duration is a time.Duration written as "30s", "1h" in YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses duration strings and plain integer seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			fileCfg, err := Parse(raw)
			if err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

// Parse decodes a YAML document into a Config without applying defaults.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(redisAddrEnv); v != "" {
		c.Redis.Addr = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(renderEndpointEnv); v != "" {
		c.Render.Endpoint = v
	}

	if v := os.Getenv(renderAPIKeyEnv); v != "" {
		c.Render.APIKey = v
	}

	if v := os.Getenv(storageAccessEnv); v != "" {
		c.Storage.AccessKey = v
	}

	if v := os.Getenv(storageSecretEnv); v != "" {
		c.Storage.SecretKey = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Database.DSN != "" {
		base.Database = override.Database
	}

	if override.Redis.Addr != "" {
		base.Redis = override.Redis
	}

	if override.Storage.Endpoint != "" {
		bucket, prefix := base.Storage.Bucket, base.Storage.Prefix
		base.Storage = override.Storage
		if base.Storage.Bucket == "" {
			base.Storage.Bucket = bucket
		}
		if base.Storage.Prefix == "" {
			base.Storage.Prefix = prefix
		}
	}

	if override.Render.Endpoint != "" {
		base.Render.Endpoint = override.Render.Endpoint
	}
	if override.Render.APIKey != "" {
		base.Render.APIKey = override.Render.APIKey
	}
	if override.Render.Timeout > 0 {
		base.Render.Timeout = override.Render.Timeout
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	base.Fetch = mergeFetch(base.Fetch, override.Fetch)
	base.Scheduler = mergeScheduler(base.Scheduler, override.Scheduler)

	if override.Learner.TopK > 0 {
		base.Learner.TopK = override.Learner.TopK
	}
	if override.Learner.Variations > 0 {
		base.Learner.Variations = override.Learner.Variations
	}
	if override.Learner.NegativeTTL > 0 {
		base.Learner.NegativeTTL = override.Learner.NegativeTTL
	}

	if override.Discovery.DedupWindow > 0 {
		base.Discovery.DedupWindow = override.Discovery.DedupWindow
	}
	if override.Discovery.MaxEntryAge > 0 {
		base.Discovery.MaxEntryAge = override.Discovery.MaxEntryAge
	}

	if override.Registry.Path != "" {
		base.Registry.Path = override.Registry.Path
	}

	if len(override.Organizations) > 0 {
		base.Organizations = override.Organizations
	}

	return base
}

func mergeFetch(base, override FetchConfig) FetchConfig {
	if override.Timeout > 0 {
		base.Timeout = override.Timeout
	}
	if override.UserAgent != "" {
		base.UserAgent = override.UserAgent
	}
	if override.MaxAttempts > 0 {
		base.MaxAttempts = override.MaxAttempts
	}
	if override.BackoffBase > 0 {
		base.BackoffBase = override.BackoffBase
	}
	if override.BackoffFactor > 0 {
		base.BackoffFactor = override.BackoffFactor
	}
	if override.MinDocumentBytes > 0 {
		base.MinDocumentBytes = override.MinDocumentBytes
	}
	if override.MaxDocumentBytes > 0 {
		base.MaxDocumentBytes = override.MaxDocumentBytes
	}
	if override.RequestsPerSecond > 0 {
		base.RequestsPerSecond = override.RequestsPerSecond
	}
	if override.Burst > 0 {
		base.Burst = override.Burst
	}
	return base
}

func mergeScheduler(base, override SchedulerConfig) SchedulerConfig {
	if override.Timezone != "" {
		base.Timezone = override.Timezone
	}
	if override.Workers > 0 {
		base.Workers = override.Workers
	}
	if override.Tick > 0 {
		base.Tick = override.Tick
	}
	if len(override.DiscoveryIntervals) > 0 {
		base.DiscoveryIntervals = override.DiscoveryIntervals
	}
	if override.CalendarInterval > 0 {
		base.CalendarInterval = override.CalendarInterval
	}
	if override.BoostInterval > 0 {
		base.BoostInterval = override.BoostInterval
	}
	if override.BoostWindow > 0 {
		base.BoostWindow = override.BoostWindow
	}
	if override.DrainInterval > 0 {
		base.DrainInterval = override.DrainInterval
	}
	if override.DrainBatch > 0 {
		base.DrainBatch = override.DrainBatch
	}
	if override.ExpectedInterval > 0 {
		base.ExpectedInterval = override.ExpectedInterval
	}
	if override.CandidateTTL > 0 {
		base.CandidateTTL = override.CandidateTTL
	}
	if override.AlertThreshold > 0 {
		base.AlertThreshold = override.AlertThreshold
	}
	if override.Parallelism > 0 {
		base.Parallelism = override.Parallelism
	}
	return base
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{DSN: ""},
		Storage: StorageConfig{
			Bucket: "reports",
			Prefix: "companies",
		},
		Render: RenderConfig{Timeout: Duration(60 * time.Second)},
		Fetch: FetchConfig{
			Timeout:           Duration(30 * time.Second),
			UserAgent:         "ReportHarvester/1.0 (+investor-relations document collector)",
			MaxAttempts:       3,
			BackoffBase:       Duration(time.Second),
			BackoffFactor:     2,
			MinDocumentBytes:  1000,
			MaxDocumentBytes:  200 << 20,
			RequestsPerSecond: 1,
			Burst:             2,
		},
		Scheduler: SchedulerConfig{
			Timezone: defaultTimezone,
			Workers:  4,
			Tick:     Duration(time.Second),
			DiscoveryIntervals: []Duration{
				Duration(time.Hour),
				Duration(3 * time.Hour),
				Duration(6 * time.Hour),
			},
			CalendarInterval: Duration(7 * 24 * time.Hour),
			BoostInterval:    Duration(15 * time.Minute),
			BoostWindow:      Duration(48 * time.Hour),
			DrainInterval:    Duration(time.Minute),
			DrainBatch:       20,
			ExpectedInterval: Duration(6 * time.Hour),
			CandidateTTL:     Duration(14 * 24 * time.Hour),
			AlertThreshold:   5,
			Parallelism:      4,
			location:         tz,
		},
		Learner: LearnerConfig{
			TopK:        3,
			Variations:  2,
			NegativeTTL: Duration(24 * time.Hour),
		},
		Discovery: DiscoveryConfig{
			DedupWindow: Duration(7 * 24 * time.Hour),
			MaxEntryAge: Duration(90 * 24 * time.Hour),
		},
	}
}
