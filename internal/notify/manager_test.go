package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/trustplane/trustplane/internal/events"
)

// recordingProvider captures delivered events, optionally filtered by
// type and optionally parking in Send until released.
type recordingProvider struct {
	name    string
	types   map[events.Type]bool
	sendErr error
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	sent []events.Event
}

func (p *recordingProvider) Name() string { return p.name }

func (p *recordingProvider) SupportsEvent(eventType events.Type) bool {
	if len(p.types) == 0 {
		return true
	}
	return p.types[eventType]
}

func (p *recordingProvider) Send(_ context.Context, event events.Event) error {
	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}
	p.mu.Lock()
	p.sent = append(p.sent, event)
	p.mu.Unlock()
	return p.sendErr
}

func (p *recordingProvider) delivered() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.sent))
	copy(out, p.sent)
	return out
}

func TestDispatchFiltersByEventType(t *testing.T) {
	m := NewManager(8)
	all := &recordingProvider{name: "all"}
	failuresOnly := &recordingProvider{
		name:  "failures",
		types: map[events.Type]bool{events.TypeRotationFailed: true},
	}
	m.RegisterProvider(all)
	m.RegisterProvider(failuresOnly)
	m.Start(context.Background())

	m.Send(events.Event{Type: events.TypeSecretStored, Subject: "app/db"})
	m.Send(events.Event{Type: events.TypeRotationFailed, Subject: "app/db"})
	m.Stop()

	if n := len(all.delivered()); n != 2 {
		t.Errorf("unfiltered provider received %d events, want 2", n)
	}
	got := failuresOnly.delivered()
	if len(got) != 1 || got[0].Type != events.TypeRotationFailed {
		t.Errorf("filtered provider received %v", got)
	}
}

func TestSendNeverBlocksOnFullQueue(t *testing.T) {
	m := NewManager(1)
	p := &recordingProvider{
		name:    "slow",
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	m.RegisterProvider(p)
	m.Start(context.Background())

	m.Send(events.Event{Type: events.TypeSecretStored, Subject: "a"})
	<-p.entered
	m.Send(events.Event{Type: events.TypeSecretStored, Subject: "b"}) // fills the queue
	m.Send(events.Event{Type: events.TypeSecretStored, Subject: "c"}) // must be dropped

	if got := m.DroppedCount(); got != 1 {
		t.Errorf("expected 1 dropped notification, got %d", got)
	}
	close(p.release)
	m.Stop()
}

func TestSendBeforeStartIsIgnored(t *testing.T) {
	m := NewManager(4)
	p := &recordingProvider{name: "log"}
	m.RegisterProvider(p)

	m.Send(events.Event{Type: events.TypeSecretStored, Subject: "a"})
	m.Start(context.Background())
	m.Stop()

	if n := len(p.delivered()); n != 0 {
		t.Errorf("expected nothing delivered before Start, got %d", n)
	}
	if m.DroppedCount() != 0 {
		t.Error("pre-start sends are ignored, not counted as drops")
	}
}

func TestOnErrorReceivesDeliveryFailures(t *testing.T) {
	m := NewManager(8)
	m.RegisterProvider(&recordingProvider{name: "webhook", sendErr: errors.New("status 503")})

	var mu sync.Mutex
	var failed []string
	m.OnError(func(provider string, err error) {
		mu.Lock()
		failed = append(failed, provider)
		mu.Unlock()
	})
	m.Start(context.Background())

	m.Send(events.Event{Type: events.TypeRotationFailed, Subject: "app/db"})
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0] != "webhook" {
		t.Errorf("expected one failure from webhook, got %v", failed)
	}
}

func TestWebhookProviderDeliversJSON(t *testing.T) {
	var mu sync.Mutex
	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	t.Cleanup(server.Close)

	p := NewWebhookProvider(server.URL, []events.Type{events.TypeBreakGlassActivated})
	if p.SupportsEvent(events.TypeSecretRead) {
		t.Error("allow list must filter unrelated events")
	}
	if !p.SupportsEvent(events.TypeBreakGlassActivated) {
		t.Error("allow-listed type must be supported")
	}

	event := events.Event{ID: "e1", Type: events.TypeBreakGlassActivated, Subject: "session-1", Success: true}
	if err := p.Send(context.Background(), event); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.Type != "breakglass.activated" || got.Subject != "session-1" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestWebhookProviderRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	p := NewWebhookProvider(server.URL, nil)
	if err := p.Send(context.Background(), events.Event{Type: events.TypeSecretRead}); err == nil {
		t.Error("non-2xx response must surface as an error")
	}
}
