// Package events provides the typed lifecycle-event bus shared by all
// trustplane components. Components publish events; audit and notification
// consumers subscribe. Dispatch runs on a single worker goroutine so events
// for the same subject are always observed in the order they were emitted.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeSecretStored  Type = "secret.stored"
	TypeSecretRead    Type = "secret.read"
	TypeSecretDeleted Type = "secret.deleted"

	TypeKeyCreated Type = "key.created"
	TypeKeyRotated Type = "key.rotated"

	TypeCertIssued   Type = "certificate.issued"
	TypeCertRevoked  Type = "certificate.revoked"
	TypeCertExpiring Type = "certificate.expiring"

	TypeRotationScheduled Type = "rotation.scheduled"
	TypeRotationStarted   Type = "rotation.started"
	TypeRotationCompleted Type = "rotation.completed"
	TypeRotationFailed    Type = "rotation.failed"
	TypeRotationCancelled Type = "rotation.cancelled"
	TypeRotationStuck     Type = "rotation.stuck"

	TypeBreakGlassInitiated Type = "breakglass.initiated"
	TypeBreakGlassApproved  Type = "breakglass.approved"
	TypeBreakGlassDenied    Type = "breakglass.denied"
	TypeBreakGlassActivated Type = "breakglass.activated"
	TypeBreakGlassExpired   Type = "breakglass.expired"
	TypeBreakGlassRevoked   Type = "breakglass.revoked"
	TypeBreakGlassAction    Type = "breakglass.action"

	TypeAuthFailed Type = "auth.failed"
)

// Event is a single lifecycle event.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      Type
	// Subject is the resource the event is about (secret path, context id,
	// session id). Ordering is guaranteed per subject.
	Subject  string
	Actor    string
	Source   string
	Success  bool
	Error    string
	Metadata map[string]interface{}
}

// Handler consumes events. Handlers run on the bus worker goroutine and
// must not block for long; slow consumers should queue internally.
type Handler func(Event)

const defaultQueueSize = 256

// Bus is a process-scoped event bus with a bounded queue. It is injected
// into components rather than accessed as a global so tests can run
// multiple isolated instances.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	running  bool
	dropped  int64
}

// NewBus creates an event bus with the given queue size (0 for default).
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
}

// Subscribe registers a handler for all events. Must be called before
// Start for deterministic delivery of early events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start begins the dispatch worker.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.worker()
}

// Stop drains pending events and stops the worker.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

// Publish queues an event for delivery. Fills in ID and Timestamp when
// unset. Never blocks; when the queue is full the event is dropped and
// counted.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return
	}

	select {
	case b.queue <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// DroppedCount returns the number of events dropped due to queue overflow.
func (b *Bus) DroppedCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			b.drain()
			return
		case event := <-b.queue:
			b.dispatch(event)
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case event := <-b.queue:
			b.dispatch(event)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
