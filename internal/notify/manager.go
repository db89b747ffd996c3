// Package notify delivers lifecycle notifications to operator channels.
// Delivery is best-effort and asynchronous: a bounded queue decouples
// providers from the components emitting events, so a slow webhook can
// never stall a rotation or a break-glass approval.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/trustplane/trustplane/internal/events"
)

const (
	// DefaultQueueSize is the maximum number of events that can be queued.
	DefaultQueueSize = 100

	drainTimeout = 5 * time.Second
)

// Provider delivers notifications over one channel (log, webhook, pager).
type Provider interface {
	// Name identifies the provider for diagnostics.
	Name() string

	// SupportsEvent reports whether this provider wants the event type.
	SupportsEvent(eventType events.Type) bool

	// Send delivers the notification. Errors are logged, never fatal.
	Send(ctx context.Context, event events.Event) error
}

// Manager coordinates notification delivery across multiple providers.
type Manager struct {
	providers []Provider
	queue     chan events.Event
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	done      chan struct{}

	droppedCount int64
	droppedMu    sync.Mutex

	// errFn receives provider delivery failures; nil means ignore.
	errFn func(provider string, err error)
}

// NewManager creates a notification manager with the specified queue size.
// If queueSize is 0, DefaultQueueSize is used.
func NewManager(queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		providers: make([]Provider, 0),
		queue:     make(chan events.Event, queueSize),
		done:      make(chan struct{}),
	}
}

// OnError registers a callback for provider delivery failures.
func (m *Manager) OnError(fn func(provider string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errFn = fn
}

// RegisterProvider adds a notification provider.
func (m *Manager) RegisterProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns a copy of the registered providers.
func (m *Manager) Providers() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	providers := make([]Provider, len(m.providers))
	copy(providers, m.providers)
	return providers
}

// Start begins the background delivery worker. Must be called before
// sending events.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop gracefully shuts down the manager, draining pending notifications.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Handler returns an event-bus handler that feeds this manager.
func (m *Manager) Handler() events.Handler {
	return func(event events.Event) {
		m.Send(event)
	}
}

// Send queues an event for delivery. Never blocks; when the queue is full
// the event is dropped and counted.
func (m *Manager) Send(event events.Event) {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return
	}

	select {
	case m.queue <- event:
	default:
		m.droppedMu.Lock()
		m.droppedCount++
		m.droppedMu.Unlock()
	}
}

// DroppedCount returns the number of events dropped due to queue overflow.
func (m *Manager) DroppedCount() int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.droppedCount
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.drainQueue()
			return
		case <-m.done:
			m.drainQueue()
			return
		case event, ok := <-m.queue:
			if !ok {
				return
			}
			m.dispatchEvent(ctx, event)
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		select {
		case event, ok := <-m.queue:
			if !ok {
				return
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			m.dispatchEvent(drainCtx, event)
			cancel()
		default:
			return
		}
	}
}

func (m *Manager) dispatchEvent(ctx context.Context, event events.Event) {
	m.mu.RLock()
	providers := m.providers
	errFn := m.errFn
	m.mu.RUnlock()

	for _, provider := range providers {
		if !provider.SupportsEvent(event.Type) {
			continue
		}
		if err := provider.Send(ctx, event); err != nil && errFn != nil {
			errFn(provider.Name(), err)
		}
	}
}
