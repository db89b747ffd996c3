package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trustplane/trustplane/internal/config"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/internal/logging"
	"github.com/trustplane/trustplane/pkg/breakglass"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Logger: logging.New(false, true),
		Definition: &config.Definition{
			AuditDir: t.TempDir(),
		},
	}
}

// memStore is a minimal in-memory Store for composition tests.
type memStore struct {
	mu      sync.Mutex
	secrets map[string]map[string]interface{}
}

func newMemStore() *memStore {
	return &memStore{secrets: make(map[string]map[string]interface{})}
}

func (s *memStore) Name() string { return "memory" }

func (s *memStore) Get(_ context.Context, path string) (*secretstore.SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.secrets[path]
	if !ok {
		return nil, nil
	}
	return &secretstore.SecretRecord{Path: path, Value: value, Version: 1}, nil
}

func (s *memStore) Put(_ context.Context, path string, value map[string]interface{}, _ *secretstore.Metadata) (*secretstore.SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[path] = value
	return &secretstore.SecretRecord{Path: path, Value: value, Version: 1}, nil
}

func (s *memStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, path)
	return nil
}

func (s *memStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for p := range s.secrets {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (s *memStore) Capabilities() secretstore.Capabilities {
	return secretstore.Capabilities{}
}

func (s *memStore) Validate(context.Context) error { return nil }

func TestEventPipelineRecordsIncidents(t *testing.T) {
	cfg := testConfig(t)
	bus, stop := buildEventPipeline(cfg)

	bus.Publish(events.Event{
		Type: events.TypeRotationFailed, Subject: "app/db", Source: "rotation",
		Error: "generator failure",
	})
	stop()

	data, err := os.ReadFile(filepath.Join(cfg.Definition.AuditDir, "audit.log"))
	if err != nil {
		t.Fatalf("audit log not written: %v", err)
	}
	if !strings.Contains(string(data), "rotation.failed") {
		t.Errorf("audit log missing the event: %s", data)
	}

	incidents, err := os.ReadDir(filepath.Join(cfg.Definition.AuditDir, "incidents"))
	if err != nil {
		t.Fatalf("incident directory not created: %v", err)
	}
	if len(incidents) != 1 {
		t.Errorf("expected one incident report, got %d", len(incidents))
	}
}

func TestBuildStoreWiresEventPipeline(t *testing.T) {
	const token = "cli-test-token"
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/token/lookup-self", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != token {
			w.WriteHeader(http.StatusForbidden)
		}
	})
	mux.HandleFunc("/v1/secret/data/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"version": 1},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := testConfig(t)
	cfg.Definition.Backend = config.BackendConfig{
		Type:    "vault",
		Address: server.URL,
		Auth:    config.AuthConfig{Method: "token", Token: token},
	}

	ctx := context.Background()
	store, bus, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		t.Fatalf("buildStore: %v", err)
	}
	if bus == nil {
		t.Fatal("expected an event bus alongside the store")
	}

	if _, err := store.Put(ctx, "app/demo", map[string]interface{}{"k": "v"}, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	closeStore()

	data, err := os.ReadFile(filepath.Join(cfg.Definition.AuditDir, "audit.log"))
	if err != nil {
		t.Fatalf("audit log not written: %v", err)
	}
	if !strings.Contains(string(data), "secret.stored") {
		t.Errorf("store write missing from audit log: %s", data)
	}
}

func TestBuildControllerReturnsEngineCloser(t *testing.T) {
	cfg := testConfig(t)
	cfg.Definition.BreakGlass.Procedures = []config.ProcedureConfig{{
		ID:        "db-outage",
		Name:      "Database outage",
		TimeLimit: config.Duration(time.Hour),
		AllowedActions: []config.ActionRuleConfig{
			{Type: "reveal-secret", ResourcePattern: "app/*"},
		},
	}}

	bus := events.NewBus(8)
	bus.Start()
	defer bus.Stop()

	controller, closeController, err := buildController(newMemStore(), bus, cfg)
	if err != nil {
		t.Fatalf("buildController: %v", err)
	}
	if closeController == nil {
		t.Fatal("expected a closer that purges the engine key cache")
	}
	defer closeController()

	session, err := controller.Initiate("db-outage", "oncall", "primary down", "high")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if session.Status != breakglass.StatusActive {
		t.Errorf("zero-approval procedure must auto-activate, got %s", session.Status)
	}
}
