package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/akriventsev/potter-eventstore/framework/core"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
)

// NATSConfig конфигурация для NATS publisher'а
type NATSConfig struct {
	URL               string
	SubjectPrefix     string
	MaxReconnects     int
	ReconnectWait     time.Duration
	ConnectionTimeout time.Duration
	Token             string
	Username          string
	Password          string
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return fmt.Errorf("URL must start with nats:// or tls://")
	}
	if c.SubjectPrefix == "" {
		return fmt.Errorf("subject prefix cannot be empty")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               "nats://localhost:4222",
		SubjectPrefix:     "events",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		ConnectionTimeout: 5 * time.Second,
	}
}

// Subject возвращает subject для события: <prefix>.<event_type>
func (c NATSConfig) Subject(event eventsourcing.StoredEvent) string {
	return c.SubjectPrefix + "." + event.EventType
}

// NATSPublisher публикует события в NATS core
type NATSPublisher struct {
	config NATSConfig
	conn   *nats.Conn
}

// NewNATSPublisher подключается к NATS
func NewNATSPublisher(config NATSConfig, logger core.Logger) (*NATSPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}
	logger = core.LoggerOrNop(logger)

	opts := []nats.Option{
		nats.Name("potter-eventstore-relay"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.ConnectionTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	}
	if config.Username != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{config: config, conn: conn}, nil
}

// NewNATSPublisherFromConn использует существующее соединение
func NewNATSPublisherFromConn(conn *nats.Conn, config NATSConfig) *NATSPublisher {
	return &NATSPublisher{config: config, conn: conn}
}

func (p *NATSPublisher) Kind() string {
	return "nats"
}

func (p *NATSPublisher) Publish(ctx context.Context, event eventsourcing.StoredEvent) error {
	data, err := encode(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := nats.NewMsg(p.config.Subject(event))
	msg.Data = data
	for k, v := range headers(event) {
		msg.Header.Set(k, v)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to nats: %w", err)
	}
	return nil
}

// Close дожидается отправки буфера и закрывает соединение
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
