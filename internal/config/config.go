// Package config loads and validates frontier configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-frontier/internal/collect"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/storage/postgres"
)

// Backend names accepted by the *.backend keys.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendSQLite   = "sqlite"
	BackendPubSub   = "pubsub"
	BackendKafka    = "kafka"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Collector CollectorConfig `mapstructure:"collector"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RegistryConfig selects the known-URI store and the recrawl policy. Viper
// lowercases map keys; URI types are matched case-insensitively.
type RegistryConfig struct {
	Backend         string                   `mapstructure:"backend"`
	DefaultTTL      time.Duration            `mapstructure:"default_ttl"`
	TTLByType       map[string]time.Duration `mapstructure:"ttl_by_type"`
	StaleClaimAfter time.Duration            `mapstructure:"stale_claim_after"`
}

// CollectorConfig selects the collection backend and buffering.
type CollectorConfig struct {
	Backend            string `mapstructure:"backend"`
	BufferSize         int    `mapstructure:"buffer_size"`
	MaxNamespaceLength int    `mapstructure:"max_namespace_length"`
	ReplayPageSize     int    `mapstructure:"replay_page_size"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig controls access to Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// MongoConfig controls access to MongoDB.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// SQLiteConfig points at the embedded collection database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// FrontierConfig paces the scheduling loop.
type FrontierConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ClaimBatch       int           `mapstructure:"claim_batch"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PollBurst        int           `mapstructure:"poll_burst"`
	DrainConcurrency int           `mapstructure:"drain_concurrency"`
	BloomExpected    uint          `mapstructure:"bloom_expected"`
	BloomFPRate      float64       `mapstructure:"bloom_fp_rate"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
}

// PublisherConfig selects the dispatch transport.
type PublisherConfig struct {
	Backend string `mapstructure:"backend"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig lists brokers and the dispatch topic.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.default_ttl", frontier.DefaultRecrawlTTL)
	v.SetDefault("registry.stale_claim_after", time.Hour)
	v.SetDefault("collector.backend", BackendMemory)
	v.SetDefault("collector.buffer_size", collect.DefaultBufferSize)
	v.SetDefault("collector.max_namespace_length", 30)
	v.SetDefault("collector.replay_page_size", collect.DefaultReplayPageSize)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "known_uris")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "frontier:")
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "frontier")
	v.SetDefault("mongo.collection", "known_uris")
	v.SetDefault("sqlite.path", "frontier.db")
	v.SetDefault("frontier.enabled", true)
	v.SetDefault("frontier.claim_batch", 100)
	v.SetDefault("frontier.poll_interval", time.Second)
	v.SetDefault("frontier.poll_burst", 1)
	v.SetDefault("frontier.drain_concurrency", 8)
	v.SetDefault("frontier.bloom_expected", 10000)
	v.SetDefault("frontier.bloom_fp_rate", 0.001)
	v.SetDefault("frontier.watchdog_interval", time.Minute)
	v.SetDefault("publisher.backend", BackendMemory)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "frontier-dispatch")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "frontier-dispatch")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Registry.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres registry")
		}
	case BackendMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("mongo.uri must be set for the mongo registry")
		}
	default:
		return fmt.Errorf("registry.backend %q is not supported", c.Registry.Backend)
	}
	switch c.Collector.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres collector")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path must be set for the sqlite collector")
		}
	default:
		return fmt.Errorf("collector.backend %q is not supported", c.Collector.Backend)
	}
	switch c.Publisher.Backend {
	case BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set for the pubsub publisher")
		}
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.topic must be set for the kafka publisher")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	if c.Registry.DefaultTTL <= 0 {
		return fmt.Errorf("registry.default_ttl must be > 0")
	}
	for uriType, ttl := range c.Registry.TTLByType {
		if ttl <= 0 {
			return fmt.Errorf("registry.ttl_by_type.%s must be > 0", uriType)
		}
	}
	if c.Registry.StaleClaimAfter <= 0 {
		return fmt.Errorf("registry.stale_claim_after must be > 0")
	}
	if c.Collector.BufferSize <= 0 {
		return fmt.Errorf("collector.buffer_size must be > 0")
	}
	if c.Collector.Backend == BackendPostgres && c.Collector.BufferSize > postgres.MaxBatchRows {
		return fmt.Errorf("collector.buffer_size must be <= %d for the postgres collector", postgres.MaxBatchRows)
	}
	if c.Collector.MaxNamespaceLength <= 0 {
		return fmt.Errorf("collector.max_namespace_length must be > 0")
	}
	if c.Frontier.ClaimBatch <= 0 {
		return fmt.Errorf("frontier.claim_batch must be > 0")
	}
	if c.Frontier.PollInterval <= 0 {
		return fmt.Errorf("frontier.poll_interval must be > 0")
	}
	if c.Frontier.BloomFPRate <= 0 || c.Frontier.BloomFPRate >= 1 {
		return fmt.Errorf("frontier.bloom_fp_rate must be between 0 and 1")
	}
	return nil
}

// RecrawlPolicy converts the registry settings into a frontier.RecrawlPolicy.
func (c Config) RecrawlPolicy() frontier.RecrawlPolicy {
	return frontier.RecrawlPolicy{Default: c.Registry.DefaultTTL, ByType: c.Registry.TTLByType}
}

// CollectorOptions converts the collector settings into collect.Config.
func (c Config) CollectorOptions() collect.Config {
	return collect.Config{
		BufferSize:         c.Collector.BufferSize,
		MaxNamespaceLength: c.Collector.MaxNamespaceLength,
		ReplayPageSize:     c.Collector.ReplayPageSize,
	}
}

// FrontierOptions converts the scheduling settings into frontier.Config.
func (c Config) FrontierOptions() frontier.Config {
	topic := c.PubSub.TopicName
	if c.Publisher.Backend == BackendKafka {
		topic = c.Kafka.Topic
	}
	return frontier.Config{
		Topic:            topic,
		ClaimBatch:       c.Frontier.ClaimBatch,
		PollInterval:     c.Frontier.PollInterval,
		PollBurst:        c.Frontier.PollBurst,
		DrainConcurrency: c.Frontier.DrainConcurrency,
		BloomExpected:    c.Frontier.BloomExpected,
		BloomFPRate:      c.Frontier.BloomFPRate,
		WatchdogInterval: c.Frontier.WatchdogInterval,
		StaleClaimAfter:  c.Registry.StaleClaimAfter,
	}
}
