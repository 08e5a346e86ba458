// Package framework собирает event store, проекции, upcasting и саги в один движок.
//
// Пример использования:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, err := framework.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Shutdown(ctx)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package framework

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/akriventsev/potter-eventstore/framework/adapters/relay"
	"github.com/akriventsev/potter-eventstore/framework/config"
	"github.com/akriventsev/potter-eventstore/framework/core"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
	"github.com/akriventsev/potter-eventstore/framework/metrics"
	"github.com/akriventsev/potter-eventstore/framework/migrations"
	"github.com/akriventsev/potter-eventstore/framework/saga"
)

// Version версия движка
const Version = "1.0.0"

// Engine связанный набор компонентов, построенный по Config
type Engine struct {
	Config      config.Config
	Logger      core.Logger
	Metrics     *metrics.Metrics
	Store       *eventsourcing.EventStore
	Versions    *eventsourcing.VersionRegistry
	Projections *eventsourcing.ProjectionRegistry
	Sagas       *saga.SagaOrchestrator
	Relay       *relay.Relay

	backend *eventsourcing.OpenedBackend

	mu         sync.Mutex
	components map[string]core.Component
	started    []core.Lifecycle
}

// New открывает backend и собирает компоненты; ничего не запускает
func New(ctx context.Context, cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid config")
	}

	logger := cfg.NewLogger()
	migrations.SetLogger(logger)

	m, err := metrics.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	opened, err := eventsourcing.OpenBackend(ctx, cfg.BackendConfig())
	if err != nil {
		return nil, core.Wrap(err, core.ErrUnavailable, "failed to open backend")
	}

	versions := eventsourcing.NewVersionRegistry().WithLogger(logger)
	store := eventsourcing.NewEventStore(opened.Backend).
		WithLogger(logger).
		WithMetrics(m).
		WithVersionRegistry(versions).
		WithSubscriberBuffer(cfg.SubscriberBuffer)

	e := &Engine{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Store:    store,
		Versions: versions,
		Projections: eventsourcing.NewProjectionRegistry(store).
			WithCheckpointStore(opened.Checkpoints).
			WithLogger(logger).
			WithMetrics(m).
			WithSubscriberBuffer(cfg.SubscriberBuffer * 4),
		Sagas: saga.NewSagaOrchestrator(
			saga.WithDefaultTimeout(cfg.SagaStepTimeout),
			saga.WithEventStore(store),
			saga.WithLogger(logger),
			saga.WithMetrics(m),
			saga.WithHistoryLimit(cfg.HistoryLimit),
		),
		backend:    opened,
		components: make(map[string]core.Component),
	}

	if cfg.Relay.Kind != "" {
		publisher, err := newPublisher(ctx, cfg.Relay, logger)
		if err != nil {
			_ = opened.Close(ctx)
			return nil, err
		}
		e.Relay = relay.NewRelay(cfg.Relay.Kind, store, publisher).
			WithCheckpointStore(opened.Checkpoints).
			WithLogger(logger).
			WithMetrics(m)
	}

	if c, ok := opened.Backend.(core.Component); ok {
		e.components[c.Name()] = c
	}
	e.components[e.Projections.Name()] = e.Projections
	if e.Relay != nil {
		e.components[e.Relay.Name()] = e.Relay
	}
	return e, nil
}

func newPublisher(ctx context.Context, cfg config.RelayConfig, logger core.Logger) (relay.Publisher, error) {
	switch cfg.Kind {
	case "nats":
		natsCfg := relay.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.SubjectPrefix = cfg.NATSSubject
		return relay.NewNATSPublisher(natsCfg, logger)
	case "kafka":
		kafkaCfg := relay.DefaultKafkaConfig()
		kafkaCfg.Brokers = cfg.KafkaBrokers
		kafkaCfg.Topic = cfg.KafkaTopic
		return relay.NewKafkaPublisher(kafkaCfg)
	case "redis":
		redisCfg := relay.DefaultRedisConfig()
		redisCfg.Addr = cfg.RedisAddr
		redisCfg.Stream = cfg.RedisStream
		return relay.NewRedisStreamPublisher(ctx, redisCfg)
	default:
		return nil, fmt.Errorf("unknown relay kind: %q", cfg.Kind)
	}
}

// Backend возвращает открытый backend
func (e *Engine) Backend() eventsourcing.Backend {
	return e.backend.Backend
}

// Start запускает проекции и relay
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	lifecycles := []core.Lifecycle{e.Projections}
	if e.Relay != nil {
		lifecycles = append(lifecycles, e.Relay)
	}
	for _, l := range lifecycles {
		if err := l.Start(ctx); err != nil {
			return err
		}
		e.started = append(e.started, l)
	}
	e.Logger.Info("engine started", "backend", string(e.Config.Backend))
	return nil
}

// Shutdown останавливает компоненты в обратном порядке и закрывает backend
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.started = nil
	e.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.backend.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HealthCheck проверяет backend, если он это поддерживает
func (e *Engine) HealthCheck(ctx context.Context) error {
	if hc, ok := e.backend.Backend.(core.HealthCheckable); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// GetComponent возвращает компонент по имени
func (e *Engine) GetComponent(name string) (core.Component, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	component, exists := e.components[name]
	if !exists {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("component %s not found", name))
	}
	return component, nil
}

// RegisterComponent регистрирует дополнительный компонент
func (e *Engine) RegisterComponent(component core.Component) error {
	if component == nil {
		return core.NewError(core.ErrInvalidArgument, "component is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.components[component.Name()]; exists {
		return core.NewError(core.ErrAlreadyExists, fmt.Sprintf("component %s already registered", component.Name()))
	}
	e.components[component.Name()] = component
	return nil
}
