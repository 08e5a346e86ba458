package core

import "context"

// ComponentType тип компонента
type ComponentType string

const (
	ComponentTypeBackend   ComponentType = "backend"
	ComponentTypeAdapter   ComponentType = "adapter"
	ComponentTypeRegistry  ComponentType = "registry"
	ComponentTypeProcessor ComponentType = "processor"
)

// Component именованный компонент движка
type Component interface {
	Name() string
	Type() ComponentType
}

// Lifecycle компонент с фоновой работой между Start и Stop
type Lifecycle interface {
	Start(ctx context.Context) error
	// Stop дожидается остановки фоновых горутин или отмены ctx
	Stop(ctx context.Context) error
	IsRunning() bool
}

// HealthCheckable компонент, проверяющий доступность внешнего ресурса
type HealthCheckable interface {
	HealthCheck(ctx context.Context) error
}
