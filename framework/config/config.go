// Package config загружает конфигурацию event store из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
)

// EnvPrefix префикс всех переменных окружения
const EnvPrefix = "POTTER_ES_"

// Config конфигурация движка
type Config struct {
	Backend         eventsourcing.BackendKind `env:"BACKEND" envDefault:"memory"`
	PostgresDSN     string                    `env:"POSTGRES_DSN"`
	PostgresMigrate bool                      `env:"POSTGRES_AUTO_MIGRATE" envDefault:"true"`
	MongoURI        string                    `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase   string                    `env:"MONGO_DATABASE" envDefault:"potter_events"`
	MongoTxn        bool                      `env:"MONGO_TRANSACTIONS" envDefault:"true"`
	SQLitePath      string                    `env:"SQLITE_PATH" envDefault:"potter-events.db"`

	MaxEventsPerStream int64 `env:"MAX_EVENTS_PER_STREAM" envDefault:"10000"`
	SubscriberBuffer   int   `env:"SUBSCRIBER_BUFFER" envDefault:"256"`

	SagaStepTimeout time.Duration `env:"SAGA_STEP_TIMEOUT" envDefault:"30s"`
	HistoryLimit    int           `env:"SAGA_HISTORY_LIMIT" envDefault:"1000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	Metrics MetricsConfig `envPrefix:"METRICS_"`
	Relay   RelayConfig   `envPrefix:"RELAY_"`
}

// MetricsConfig настройки Prometheus endpoint'а
type MetricsConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"false"`
	Addr    string `env:"ADDR" envDefault:":9464"`
}

// RelayConfig настройки пересылки событий во внешний брокер
type RelayConfig struct {
	// Kind один из "", "nats", "kafka", "redis"; пустое значение отключает relay
	Kind         string   `env:"KIND"`
	NATSURL      string   `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject  string   `env:"NATS_SUBJECT_PREFIX" envDefault:"events"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"potter-events"`
	RedisAddr    string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisStream  string   `env:"REDIS_STREAM" envDefault:"potter-events"`
}

// Default возвращает конфигурацию по умолчанию (значения envDefault без чтения окружения)
func Default() Config {
	var cfg Config
	// пустое окружение: остаются только значения по умолчанию
	_ = env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: map[string]string{}})
	return cfg
}

// Load читает конфигурацию из окружения процесса и проверяет ее
func Load() (Config, error) {
	return LoadFrom(envMap(os.Environ()))
}

// LoadFrom читает конфигурацию из переданного окружения
func LoadFrom(environment map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: environment}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envMap(environ []string) map[string]string {
	result := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			result[k] = v
		}
	}
	return result
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if err := c.BackendConfig().Validate(); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber buffer must be positive")
	}
	if c.SagaStepTimeout <= 0 {
		return fmt.Errorf("saga step timeout must be positive")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("saga history limit cannot be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %q", c.LogFormat)
	}
	switch c.Relay.Kind {
	case "", "nats", "kafka", "redis":
	default:
		return fmt.Errorf("unknown relay kind: %q", c.Relay.Kind)
	}
	return nil
}

// BackendConfig собирает конфигурацию backend'а
func (c Config) BackendConfig() eventsourcing.BackendConfig {
	pg := eventsourcing.DefaultPostgresBackendConfig()
	pg.DSN = c.PostgresDSN
	pg.AutoMigrate = c.PostgresMigrate

	mongoCfg := eventsourcing.DefaultMongoBackendConfig()
	mongoCfg.URI = c.MongoURI
	mongoCfg.Database = c.MongoDatabase
	mongoCfg.UseTransactions = c.MongoTxn

	sqliteCfg := eventsourcing.DefaultSQLiteBackendConfig()
	sqliteCfg.Path = c.SQLitePath

	return eventsourcing.BackendConfig{
		Kind:     c.Backend,
		InMemory: eventsourcing.InMemoryBackendConfig{MaxEventsPerStream: c.MaxEventsPerStream},
		Postgres: pg,
		MongoDB:  mongoCfg,
		SQLite:   sqliteCfg,
	}
}

// NewLogger строит slog-логгер по LogLevel и LogFormat
func (c Config) NewLogger() *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level: %q", s)
	}
	return level, nil
}
