package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akriventsev/potter-eventstore/framework/core"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
	"github.com/akriventsev/potter-eventstore/framework/metrics"
)

// ErrRelayRunning возникает при повторном Start
var ErrRelayRunning = errors.New("relay is already running")

// Relay читает события из EventStore и публикует их во все publisher'ы.
//
// Доставка at-least-once: при ошибке любого publisher'а позиция не сдвигается и событие
// будет опубликовано повторно при следующем догоне, в том числе в publisher'ы, уже его получившие.
// Потребители дедуплицируют по заголовку event-id.
type Relay struct {
	name       string
	store      *eventsourcing.EventStore
	publishers []Publisher
	checkpoint eventsourcing.CheckpointStore
	logger     core.Logger
	metrics    *metrics.Metrics
	interval   time.Duration
	batchSize  int

	position atomic.Int64
	pending  atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRelay создает relay; name используется как ключ checkpoint'а
func NewRelay(name string, store *eventsourcing.EventStore, publishers ...Publisher) *Relay {
	return &Relay{
		name:       name,
		store:      store,
		publishers: publishers,
		logger:     core.NopLogger{},
		interval:   time.Second,
		batchSize:  eventsourcing.DefaultReplayOptions().BatchSize,
	}
}

// WithCheckpointStore сохраняет позицию relay'я между перезапусками
func (r *Relay) WithCheckpointStore(store eventsourcing.CheckpointStore) *Relay {
	r.checkpoint = store
	return r
}

// WithLogger устанавливает логгер
func (r *Relay) WithLogger(logger core.Logger) *Relay {
	r.logger = core.LoggerOrNop(logger)
	return r
}

// WithMetrics добавляет метрики
func (r *Relay) WithMetrics(m *metrics.Metrics) *Relay {
	r.metrics = m
	return r
}

// WithRetryInterval задает интервал повторного догона после ошибки
func (r *Relay) WithRetryInterval(interval time.Duration) *Relay {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

// WithFromPosition начинает публикацию после указанной позиции лога
func (r *Relay) WithFromPosition(position int64) *Relay {
	r.position.Store(position)
	return r
}

func (r *Relay) Name() string {
	return r.name
}

func (r *Relay) Type() core.ComponentType {
	return core.ComponentTypeProcessor
}

// Position возвращает позицию последнего опубликованного события
func (r *Relay) Position() int64 {
	return r.position.Load()
}

// Start подписывается на store и догоняет лог с сохраненной позиции
func (r *Relay) Start(ctx context.Context) error {
	if r.checkpoint != nil {
		cp, found, err := r.checkpoint.GetCheckpoint(ctx, r.checkpointName())
		if err != nil {
			return fmt.Errorf("failed to load relay checkpoint: %w", err)
		}
		if found && cp.LogPosition > r.position.Load() {
			r.position.Store(cp.LogPosition)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRelayRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := r.store.Subscribe()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	r.pending.Store(true)

	go r.run(runCtx, sub, r.done)
	r.logger.Info("relay started", "relay", r.name, "publishers", len(r.publishers), "position", r.position.Load())
	return nil
}

// Stop останавливает relay и закрывает publisher'ы
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, p := range r.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.Kind(), err))
		}
	}
	r.logger.Info("relay stopped", "relay", r.name, "position", r.position.Load())
	return errors.Join(errs...)
}

func (r *Relay) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Relay) run(ctx context.Context, sub *eventsourcing.Subscription, done chan<- struct{}) {
	defer close(done)
	defer sub.Close()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var seenDropped uint64
	r.catchUp(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d := sub.Dropped(); d != seenDropped {
				r.logger.Warn("relay subscription lost events, catching up", "relay", r.name, "dropped", d-seenDropped)
				seenDropped = d
				r.pending.Store(true)
			}
			r.catchUp(ctx)
		case event, ok := <-sub.C():
			if !ok {
				r.logger.Warn("event store subscription closed, relay idle", "relay", r.name)
				return
			}
			if d := sub.Dropped(); d != seenDropped {
				seenDropped = d
				r.pending.Store(true)
			}
			if r.pending.Load() {
				r.catchUp(ctx)
				continue
			}
			if event.Position <= r.position.Load() {
				continue
			}
			if err := r.publish(ctx, event); err != nil {
				r.pending.Store(true)
			}
		}
	}
}

// catchUp публикует лог после текущей позиции; при ошибке оставляет pending
func (r *Relay) catchUp(ctx context.Context) {
	if !r.pending.Load() {
		return
	}
	err := r.store.ReadAll(ctx, r.position.Load(), r.batchSize, func(event eventsourcing.StoredEvent) error {
		return r.publish(ctx, event)
	})
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("relay catch-up interrupted", "relay", r.name, "position", r.position.Load(), "error", err)
		}
		return
	}
	r.pending.Store(false)
}

// publish отправляет событие во все publisher'ы параллельно и сдвигает позицию только при общем успехе
func (r *Relay) publish(ctx context.Context, event eventsourcing.StoredEvent) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.publishers {
		g.Go(func() error {
			err := p.Publish(gctx, event)
			r.metrics.RecordRelay(ctx, p.Kind(), err == nil)
			if err != nil {
				r.logger.Error("relay publish failed",
					"relay", r.name,
					"publisher", p.Kind(),
					"event_type", event.EventType,
					"position", event.Position,
					"error", err,
				)
				return fmt.Errorf("%s: %w", p.Kind(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.position.Store(event.Position)
	if r.checkpoint != nil {
		cp := eventsourcing.Checkpoint{LogPosition: event.Position, UpdatedAt: time.Now().UTC()}
		if err := r.checkpoint.SaveCheckpoint(ctx, r.checkpointName(), cp); err != nil {
			r.logger.Warn("failed to save relay checkpoint", "relay", r.name, "error", err)
		}
	}
	return nil
}

func (r *Relay) checkpointName() string {
	return "relay:" + r.name
}
