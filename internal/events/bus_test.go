package events

import (
	"fmt"
	"sync"
	"testing"
)

func TestDispatchPreservesPublishOrder(t *testing.T) {
	bus := NewBus(64)
	var mu sync.Mutex
	var seen []int
	bus.Subscribe(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Metadata["seq"].(int))
		mu.Unlock()
	})
	bus.Start()

	for i := 0; i < 50; i++ {
		bus.Publish(Event{
			Type: TypeSecretStored, Subject: "app/db", Source: "test",
			Metadata: map[string]interface{}{"seq": i},
		})
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 50 {
		t.Fatalf("expected 50 events, got %d", len(seen))
	}
	for i, seq := range seen {
		if seq != i {
			t.Fatalf("event %d delivered out of order: got seq %d", i, seq)
		}
	}
}

func TestPublishFillsIdentity(t *testing.T) {
	bus := NewBus(4)
	got := make(chan Event, 1)
	bus.Subscribe(func(e Event) { got <- e })
	bus.Start()
	bus.Publish(Event{Type: TypeKeyCreated, Subject: "app-master"})
	bus.Stop()

	e := <-got
	if e.ID == "" {
		t.Error("event ID not filled in")
	}
	if e.Timestamp.IsZero() {
		t.Error("event timestamp not filled in")
	}
}

func TestPublishNeverBlocksOnFullQueue(t *testing.T) {
	bus := NewBus(1)
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	bus.Subscribe(func(Event) {
		entered <- struct{}{}
		<-release
	})
	bus.Start()

	bus.Publish(Event{Type: TypeSecretRead, Subject: "a"})
	<-entered
	bus.Publish(Event{Type: TypeSecretRead, Subject: "b"}) // fills the queue
	bus.Publish(Event{Type: TypeSecretRead, Subject: "c"}) // must be dropped

	if got := bus.DroppedCount(); got != 1 {
		t.Errorf("expected 1 dropped event, got %d", got)
	}
	close(release)
	bus.Stop()
}

func TestPublishBeforeStartIsIgnored(t *testing.T) {
	bus := NewBus(4)
	var mu sync.Mutex
	var delivered int
	bus.Subscribe(func(Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	bus.Publish(Event{Type: TypeSecretRead, Subject: "a"})
	bus.Start()
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Errorf("expected nothing delivered before Start, got %d", delivered)
	}
	if bus.DroppedCount() != 0 {
		t.Error("pre-start publishes are ignored, not counted as drops")
	}
}

func TestAllSubscribersReceiveEveryEvent(t *testing.T) {
	bus := NewBus(16)
	counts := make([]int, 2)
	var mu sync.Mutex
	for i := range counts {
		i := i
		bus.Subscribe(func(Event) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
	}
	bus.Start()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeRotationCompleted, Subject: fmt.Sprintf("app/%d", i)})
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	for i, n := range counts {
		if n != 5 {
			t.Errorf("subscriber %d received %d events, want 5", i, n)
		}
	}
}
