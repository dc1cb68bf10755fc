package bootstrap

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultLifecycleManager starts services in dependency order and stops
// them in reverse.
type DefaultLifecycleManager struct {
	mu           sync.RWMutex
	services     map[string]Service
	dependencies map[string][]string
	startOrder   []string
	started      bool
	stopping     bool
	timeout      time.Duration
	logger       *slog.Logger

	lmu       sync.RWMutex
	listeners []func(LifecycleEvent)
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(logger *slog.Logger) *DefaultLifecycleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultLifecycleManager{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      30 * time.Second,
		logger:       logger.With("component", "lifecycle"),
	}
}

// Register registers a service with the lifecycle manager
func (lm *DefaultLifecycleManager) Register(name string, service Service, deps ...string) error {
	if name == "" {
		return errors.New("service name cannot be empty")
	}
	if service == nil {
		return errors.New("service cannot be nil")
	}

	lm.mu.Lock()
	if lm.started {
		lm.mu.Unlock()
		return errors.Errorf("cannot register service %s: lifecycle manager already started", name)
	}
	if _, exists := lm.services[name]; exists {
		lm.mu.Unlock()
		return errors.Errorf("service %s is already registered", name)
	}
	lm.services[name] = service
	lm.dependencies[name] = append([]string(nil), deps...)
	lm.mu.Unlock()

	lm.emit(LifecycleEvent{
		Type:    EventServiceRegistered,
		Service: name,
		Data:    map[string]interface{}{"dependencies": deps},
	})
	return nil
}

// Start starts all services in dependency order. If one fails, the
// services already started are stopped again in reverse order.
func (lm *DefaultLifecycleManager) Start(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.started {
		return errors.New("lifecycle manager already started")
	}

	order, err := lm.calculateStartOrder()
	if err != nil {
		return &ApplicationError{Operation: "start", Err: err}
	}

	for _, name := range order {
		svc := lm.services[name]
		lm.emit(LifecycleEvent{Type: EventServiceStarting, Service: name})

		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := svc.Start(startCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStartFailed, Service: name, Error: err})
			lm.logger.Error("service failed to start", "service", name, "err", err)
			_ = lm.stopStarted(ctx)
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}

		lm.startOrder = append(lm.startOrder, name)
		lm.logger.Debug("service started", "service", name)
		lm.emit(LifecycleEvent{Type: EventServiceStarted, Service: name})
	}

	lm.started = true
	lm.emit(LifecycleEvent{Type: EventLifecycleStarted, Data: map[string]interface{}{"order": order}})
	return nil
}

// Stop stops all started services in reverse start order. Every service
// is stopped even if an earlier one fails; the first error is returned.
func (lm *DefaultLifecycleManager) Stop(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !lm.started {
		return nil
	}
	if lm.stopping {
		return errors.New("lifecycle manager already stopping")
	}
	lm.stopping = true

	err := lm.stopStarted(ctx)

	lm.started = false
	lm.stopping = false
	lm.emit(LifecycleEvent{Type: EventLifecycleStopped})
	return err
}

// stopStarted must be called with mu held.
func (lm *DefaultLifecycleManager) stopStarted(ctx context.Context) error {
	var first error
	for i := len(lm.startOrder) - 1; i >= 0; i-- {
		name := lm.startOrder[i]
		svc := lm.services[name]
		lm.emit(LifecycleEvent{Type: EventServiceStopping, Service: name})

		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := svc.Stop(stopCtx)
		cancel()

		if err != nil {
			lm.logger.Error("service failed to stop", "service", name, "err", err)
			lm.emit(LifecycleEvent{Type: EventServiceStopFailed, Service: name, Error: err})
			if first == nil {
				first = &ApplicationError{Operation: "stop", Service: name, Err: err}
			}
			continue
		}
		lm.emit(LifecycleEvent{Type: EventServiceStopped, Service: name})
	}
	lm.startOrder = nil
	return first
}

// Health returns the health status of all services
func (lm *DefaultLifecycleManager) Health(ctx context.Context) (map[string]HealthStatus, error) {
	lm.mu.RLock()
	services := make(map[string]Service, len(lm.services))
	for name, svc := range lm.services {
		services[name] = svc
	}
	lm.mu.RUnlock()

	health := make(map[string]HealthStatus, len(services))
	for name, svc := range services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := svc.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		if status.LastCheck.IsZero() {
			status.LastCheck = time.Now()
		}
		health[name] = status
	}
	return health, nil
}

// Services returns all registered service names
func (lm *DefaultLifecycleManager) Services() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartOrder returns the names of the running services in start order
func (lm *DefaultLifecycleManager) StartOrder() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return append([]string(nil), lm.startOrder...)
}

// AddListener adds a lifecycle event listener. Listeners run on the
// goroutine that caused the event.
func (lm *DefaultLifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.lmu.Lock()
	defer lm.lmu.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

// SetTimeout sets the timeout for a single service start or stop
func (lm *DefaultLifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.timeout = timeout
}

// IsStarted returns true if the lifecycle manager has been started
func (lm *DefaultLifecycleManager) IsStarted() bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.started
}

// calculateStartOrder sorts services topologically (Kahn). Ties are broken
// by name so the order is stable.
func (lm *DefaultLifecycleManager) calculateStartOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	dependents := make(map[string][]string, len(lm.services))

	for name := range lm.services {
		inDegree[name] = 0
	}
	for name, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, ok := lm.services[dep]; !ok {
				return nil, errors.Errorf("dependency %s of service %s is not registered", dep, name)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, d := range inDegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(lm.services))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		var next []string
		for _, dep := range dependents[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}

	if len(order) != len(lm.services) {
		return nil, errors.New("circular dependency detected")
	}
	return order, nil
}

// emit may be called with or without mu held, so listeners must not call
// back into the manager.
func (lm *DefaultLifecycleManager) emit(event LifecycleEvent) {
	event.Timestamp = time.Now()

	lm.lmu.RLock()
	listeners := append(([]func(LifecycleEvent))(nil), lm.listeners...)
	lm.lmu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lm.logger.Error("lifecycle listener panicked", "event", event.Type, "panic", r)
				}
			}()
			listener(event)
		}()
	}
}
