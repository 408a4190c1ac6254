// Package config loads settings from an optional YAML file, .env and the environment.
package config

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/ortelius/pdvd-vulncorr/database"
	"github.com/ortelius/pdvd-vulncorr/feed"
	"github.com/ortelius/pdvd-vulncorr/scheduler"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. VULNCORR_FEED_SOURCE
const EnvPrefix = "VULNCORR"

// Store backends
const (
	BackendMemory = "memory"
	BackendArango = "arango"
)

// Config is the full application configuration
type Config struct {
	Feed    FeedConfig
	Refresh RefreshConfig
	Alerts  AlertsConfig
	Store   StoreConfig
	Kafka   KafkaConfig
	Server  ServerConfig
	Metrics MetricsConfig
	Verbose bool
}

// FeedConfig locates and bounds the vulnerability feed
type FeedConfig struct {
	Source          string
	Dir             string
	SchemaVersion   int
	MaxInvalidRatio float64
	Timeout         time.Duration
}

// RefreshConfig paces the scheduler
type RefreshConfig struct {
	Interval       time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Workers        int
}

// AlertsConfig tunes the calculator
type AlertsConfig struct {
	Mode          string
	Workers       int
	Unparseable   string
	OverridesFile string
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Backend string
	Arango  ArangoConfig
}

// ArangoConfig holds the ArangoDB connection settings
type ArangoConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// KafkaConfig holds the event consumer and producer settings
type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	SnapshotTopic string
	AlertsTopic   string
	GroupID       string
	APIKey        string
	APISecret     string
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Port         string
	AllowOrigins string
	RequestLog   bool
}

// MetricsConfig toggles the /metrics endpoint
type MetricsConfig struct {
	Enabled bool
}

// legacy environment names honored next to the prefixed ones
var legacyEnv = map[string]string{
	"store.arango.host":     "ARANGO_HOST",
	"store.arango.port":     "ARANGO_PORT",
	"store.arango.user":     "ARANGO_USER",
	"store.arango.password": "ARANGO_PASS",
	"store.arango.url":      "ARANGO_URL",
	"kafka.brokers":         "KAFKA_BROKERS",
	"kafka.api_key":         "KAFKA_API_KEY",
	"kafka.api_secret":      "KAFKA_API_SECRET",
	"server.port":           "MS_PORT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.source", feed.DefaultListingURL)
	v.SetDefault("feed.dir", "")
	v.SetDefault("feed.schema_version", feed.DefaultSchemaVersion)
	v.SetDefault("feed.max_invalid_ratio", feed.DefaultMaxInvalidRatio)
	v.SetDefault("feed.timeout", "10m")

	v.SetDefault("refresh.interval", scheduler.DefaultInterval.String())
	v.SetDefault("refresh.initial_backoff", scheduler.DefaultInitialBackoff.String())
	v.SetDefault("refresh.max_backoff", scheduler.DefaultMaxBackoff.String())
	v.SetDefault("refresh.workers", scheduler.DefaultWorkers)

	v.SetDefault("alerts.mode", string(alerts.ModeFull))
	v.SetDefault("alerts.workers", alerts.DefaultWorkers)
	v.SetDefault("alerts.unparseable", string(alerts.FailOpen))
	v.SetDefault("alerts.overrides_file", "")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.arango.url", "")
	v.SetDefault("store.arango.host", "localhost")
	v.SetDefault("store.arango.port", "8529")
	v.SetDefault("store.arango.user", "root")
	v.SetDefault("store.arango.password", "")
	v.SetDefault("store.arango.database", "vulncorr")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.snapshot_topic", "snapshot-events")
	v.SetDefault("kafka.alerts_topic", "alert-events")
	v.SetDefault("kafka.group_id", "vulncorr")
	v.SetDefault("kafka.api_key", "")
	v.SetDefault("kafka.api_secret", "")

	v.SetDefault("server.port", "3000")
	v.SetDefault("server.allow_origins", "")
	v.SetDefault("server.request_log", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("verbose", false)
}

// Load reads the configuration. cfgFile is optional; without it a config.yaml
// in the working directory is used when present.
func Load(cfgFile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Feed: FeedConfig{
			Source:          v.GetString("feed.source"),
			Dir:             v.GetString("feed.dir"),
			SchemaVersion:   v.GetInt("feed.schema_version"),
			MaxInvalidRatio: v.GetFloat64("feed.max_invalid_ratio"),
			Timeout:         v.GetDuration("feed.timeout"),
		},
		Refresh: RefreshConfig{
			Interval:       v.GetDuration("refresh.interval"),
			InitialBackoff: v.GetDuration("refresh.initial_backoff"),
			MaxBackoff:     v.GetDuration("refresh.max_backoff"),
			Workers:        v.GetInt("refresh.workers"),
		},
		Alerts: AlertsConfig{
			Mode:          v.GetString("alerts.mode"),
			Workers:       v.GetInt("alerts.workers"),
			Unparseable:   v.GetString("alerts.unparseable"),
			OverridesFile: v.GetString("alerts.overrides_file"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(v.GetString("store.backend")),
			Arango: ArangoConfig{
				URL:      v.GetString("store.arango.url"),
				Host:     v.GetString("store.arango.host"),
				Port:     v.GetString("store.arango.port"),
				User:     v.GetString("store.arango.user"),
				Password: v.GetString("store.arango.password"),
				Database: v.GetString("store.arango.database"),
			},
		},
		Kafka: KafkaConfig{
			Enabled:       v.GetBool("kafka.enabled"),
			Brokers:       splitList(v.GetString("kafka.brokers")),
			SnapshotTopic: v.GetString("kafka.snapshot_topic"),
			AlertsTopic:   v.GetString("kafka.alerts_topic"),
			GroupID:       v.GetString("kafka.group_id"),
			APIKey:        v.GetString("kafka.api_key"),
			APISecret:     v.GetString("kafka.api_secret"),
		},
		Server: ServerConfig{
			Port:         v.GetString("server.port"),
			AllowOrigins: v.GetString("server.allow_origins"),
			RequestLog:   v.GetBool("server.request_log"),
		},
		Metrics: MetricsConfig{Enabled: v.GetBool("metrics.enabled")},
		Verbose: v.GetBool("verbose"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid value at once
func (c *Config) Validate() error {
	var problems []string

	positive := map[string]time.Duration{
		"feed.timeout":            c.Feed.Timeout,
		"refresh.interval":        c.Refresh.Interval,
		"refresh.initial_backoff": c.Refresh.InitialBackoff,
		"refresh.max_backoff":     c.Refresh.MaxBackoff,
	}
	for key, d := range positive {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got: %v", key, d))
		}
	}
	if c.Feed.MaxInvalidRatio < 0 || c.Feed.MaxInvalidRatio > 1 {
		problems = append(problems, fmt.Sprintf("feed.max_invalid_ratio must be between 0 and 1, got: %v", c.Feed.MaxInvalidRatio))
	}
	if c.Refresh.Workers <= 0 {
		problems = append(problems, fmt.Sprintf("refresh.workers must be positive, got: %d", c.Refresh.Workers))
	}
	if c.Alerts.Workers <= 0 {
		problems = append(problems, fmt.Sprintf("alerts.workers must be positive, got: %d", c.Alerts.Workers))
	}
	switch alerts.Mode(strings.ToLower(c.Alerts.Mode)) {
	case alerts.ModeFull, alerts.ModeIncremental:
	default:
		problems = append(problems, fmt.Sprintf("alerts.mode must be full or incremental, got: %q", c.Alerts.Mode))
	}
	switch alerts.UnparseablePolicy(strings.ToLower(c.Alerts.Unparseable)) {
	case alerts.FailOpen, alerts.FailClosed:
	default:
		problems = append(problems, fmt.Sprintf("alerts.unparseable must be fail-open or fail-closed, got: %q", c.Alerts.Unparseable))
	}
	switch c.Store.Backend {
	case BackendMemory, BackendArango:
	default:
		problems = append(problems, fmt.Sprintf("store.backend must be memory or arango, got: %q", c.Store.Backend))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.brokers is required when kafka is enabled")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Database returns the ArangoDB connection settings. An explicit URL wins over host and port.
func (c *Config) Database() database.Config {
	url := c.Store.Arango.URL
	if url == "" {
		url = "http://" + net.JoinHostPort(c.Store.Arango.Host, c.Store.Arango.Port)
	}
	return database.Config{
		URL:             url,
		User:            c.Store.Arango.User,
		Password:        c.Store.Arango.Password,
		Database:        c.Store.Arango.Database,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// FeedOptions returns the importer settings
func (c *Config) FeedOptions() feed.Options {
	return feed.Options{
		SchemaVersion:   c.Feed.SchemaVersion,
		MaxInvalidRatio: c.Feed.MaxInvalidRatio,
		WorkDir:         c.Feed.Dir,
	}
}

// SchedulerOptions returns the scheduler settings
func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{
		Interval:       c.Refresh.Interval,
		InitialBackoff: c.Refresh.InitialBackoff,
		MaxBackoff:     c.Refresh.MaxBackoff,
		Workers:        c.Refresh.Workers,
	}
}

// AlertOptions returns the calculator settings; overrides are loaded separately
func (c *Config) AlertOptions(overrides alerts.Overrides) alerts.Options {
	return alerts.Options{
		Mode:        alerts.ParseMode(c.Alerts.Mode),
		Workers:     c.Alerts.Workers,
		Unparseable: alerts.ParseUnparseablePolicy(c.Alerts.Unparseable),
		Overrides:   overrides,
	}
}
