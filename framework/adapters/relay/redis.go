package relay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
)

// RedisConfig конфигурация для публикации в Redis Streams
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen приблизительный предел длины stream'а; 0 без ограничения
	MaxLen int64
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.Stream == "" {
		return fmt.Errorf("stream cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   "localhost:6379",
		Stream: "potter-events",
		MaxLen: 100000,
	}
}

// RedisStreamPublisher публикует события через XADD
type RedisStreamPublisher struct {
	config RedisConfig
	client redis.UniversalClient
}

// NewRedisStreamPublisher создает клиента и проверяет подключение
func NewRedisStreamPublisher(ctx context.Context, config RedisConfig) (*RedisStreamPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStreamPublisher{config: config, client: client}, nil
}

// NewRedisStreamPublisherFromClient использует существующий клиент
func NewRedisStreamPublisherFromClient(client redis.UniversalClient, config RedisConfig) *RedisStreamPublisher {
	return &RedisStreamPublisher{config: config, client: client}
}

func (p *RedisStreamPublisher) Kind() string {
	return "redis"
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, event eventsourcing.StoredEvent) error {
	args, err := p.xaddArgs(event)
	if err != nil {
		return err
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (p *RedisStreamPublisher) xaddArgs(event eventsourcing.StoredEvent) (*redis.XAddArgs, error) {
	data, err := encode(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	values := map[string]interface{}{"data": string(data)}
	for k, v := range headers(event) {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: p.config.Stream,
		Values: values,
	}
	if p.config.MaxLen > 0 {
		args.MaxLen = p.config.MaxLen
		args.Approx = true
	}
	return args, nil
}

func (p *RedisStreamPublisher) Close() error {
	return p.client.Close()
}
