package secrets

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/pkg/encryption"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

// countingStore is an in-memory Store that counts calls and can fail a
// set number of reads.
type countingStore struct {
	mu          sync.Mutex
	secrets     map[string]map[string]interface{}
	getCalls    int
	failReads   int
	failWith    error
	validateErr error
}

func newCountingStore() *countingStore {
	return &countingStore{secrets: make(map[string]map[string]interface{})}
}

func (s *countingStore) Name() string { return "counting" }

func (s *countingStore) Get(_ context.Context, path string) (*secretstore.SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.failReads > 0 {
		s.failReads--
		return nil, s.failWith
	}
	value, ok := s.secrets[path]
	if !ok {
		return nil, nil
	}
	return &secretstore.SecretRecord{Path: path, Value: value, Version: 1}, nil
}

func (s *countingStore) Put(_ context.Context, path string, value map[string]interface{}, _ *secretstore.Metadata) (*secretstore.SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[path] = value
	return &secretstore.SecretRecord{Path: path, Value: value, Version: 1}, nil
}

func (s *countingStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, path)
	return nil
}

func (s *countingStore) List(_ context.Context, prefix string) ([]string, error) {
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

func (s *countingStore) Capabilities() secretstore.Capabilities {
	return secretstore.Capabilities{}
}

func (s *countingStore) Validate(context.Context) error { return s.validateErr }

func (s *countingStore) reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

func TestGetSecretCaching(t *testing.T) {
	store := newCountingStore()
	ctx := context.Background()
	store.Put(ctx, "app/db", map[string]interface{}{"password": "hunter2"}, nil)

	f := New(store, WithCacheTTL(time.Minute))

	value, err := f.GetSecret(ctx, "app/db", nil)
	if err != nil || value["password"] != "hunter2" {
		t.Fatalf("GetSecret: %v %v", value, err)
	}
	// Mutating the returned map must not poison the cache.
	value["password"] = "tampered"

	value, err = f.GetSecret(ctx, "app/db", nil)
	if err != nil || value["password"] != "hunter2" {
		t.Fatalf("cached read: %v %v", value, err)
	}
	if store.reads() != 1 {
		t.Errorf("expected 1 backend read, got %d", store.reads())
	}

	if _, err := f.GetSecret(ctx, "app/db", &GetOptions{BypassCache: true}); err != nil {
		t.Fatalf("bypass read: %v", err)
	}
	if store.reads() != 2 {
		t.Errorf("bypass must hit the backend, got %d reads", store.reads())
	}
}

func TestCacheInvalidation(t *testing.T) {
	store := newCountingStore()
	ctx := context.Background()
	store.Put(ctx, "app/db", map[string]interface{}{"password": "one"}, nil)

	f := New(store, WithCacheTTL(time.Minute))
	f.GetSecret(ctx, "app/db", nil)

	if err := f.StoreSecret(ctx, "app/db", map[string]interface{}{"password": "two"}, nil); err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}
	value, _ := f.GetSecret(ctx, "app/db", nil)
	if value["password"] != "two" {
		t.Error("write did not invalidate the cache")
	}

	if err := f.DeleteSecret(ctx, "app/db"); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	value, err := f.GetSecret(ctx, "app/db", nil)
	if err != nil || value != nil {
		t.Errorf("deleted secret must read as (nil, nil), got %v %v", value, err)
	}
}

func TestRetryOnTransientOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("transient retried", func(t *testing.T) {
		store := newCountingStore()
		store.Put(ctx, "app/db", map[string]interface{}{"password": "x"}, nil)
		store.failReads = 2
		store.failWith = tperrors.UnavailableError{Backend: "counting"}

		f := New(store, WithRetry(3, time.Millisecond), WithCacheTTL(0))
		value, err := f.GetSecret(ctx, "app/db", nil)
		if err != nil || value == nil {
			t.Fatalf("expected recovery after retries, got %v %v", value, err)
		}
		if store.reads() != 3 {
			t.Errorf("expected 3 attempts, got %d", store.reads())
		}
	})

	t.Run("transient exhausted", func(t *testing.T) {
		store := newCountingStore()
		store.failReads = 10
		store.failWith = tperrors.UnavailableError{Backend: "counting"}

		f := New(store, WithRetry(2, time.Millisecond), WithCacheTTL(0))
		if _, err := f.GetSecret(ctx, "app/db", nil); !tperrors.IsRetryable(err) {
			t.Errorf("expected the transient error to surface, got %v", err)
		}
		if store.reads() != 3 {
			t.Errorf("expected 3 attempts, got %d", store.reads())
		}
	})

	t.Run("auth never retried", func(t *testing.T) {
		store := newCountingStore()
		store.failReads = 10
		store.failWith = tperrors.AuthError{Backend: "counting"}

		f := New(store, WithRetry(3, time.Millisecond), WithCacheTTL(0))
		if _, err := f.GetSecret(ctx, "app/db", nil); !tperrors.IsAuth(err) {
			t.Errorf("expected the auth error to surface, got %v", err)
		}
		if store.reads() != 1 {
			t.Errorf("auth errors must not be retried, got %d attempts", store.reads())
		}
	})
}

func TestGetBulkSecrets(t *testing.T) {
	store := newCountingStore()
	ctx := context.Background()
	store.Put(ctx, "app/a", map[string]interface{}{"value": "1"}, nil)
	store.Put(ctx, "app/b", map[string]interface{}{"value": "2"}, nil)

	f := New(store)
	values, err := f.GetBulkSecrets(ctx, []string{"app/a", "app/b", "app/missing"})
	if err != nil {
		t.Fatalf("GetBulkSecrets: %v", err)
	}
	if len(values) != 2 {
		t.Errorf("expected 2 results, got %d", len(values))
	}
	if _, ok := values["app/missing"]; ok {
		t.Error("missing path must be absent, not nil")
	}
}

func TestGetAppConfig(t *testing.T) {
	store := newCountingStore()
	ctx := context.Background()
	store.Put(ctx, "app/config", map[string]interface{}{
		"db_host":     "db.internal",
		"db_password": "ref:app/db-password",
		"api": map[string]interface{}{
			"credentials": "ref:app/api-creds",
		},
	}, nil)
	store.Put(ctx, "app/db-password", map[string]interface{}{"value": "hunter2"}, nil)
	store.Put(ctx, "app/api-creds", map[string]interface{}{"key": "k", "secret": "s"}, nil)

	f := New(store)
	cfg, err := f.GetAppConfig(ctx, "app/config")
	if err != nil {
		t.Fatalf("GetAppConfig: %v", err)
	}
	if cfg["db_host"] != "db.internal" {
		t.Error("plain value must pass through")
	}
	if cfg["db_password"] != "hunter2" {
		t.Errorf("single-value reference must collapse, got %v", cfg["db_password"])
	}
	creds, ok := cfg["api"].(map[string]interface{})["credentials"].(map[string]interface{})
	if !ok || creds["key"] != "k" || creds["secret"] != "s" {
		t.Errorf("multi-field reference must embed as a map, got %v", creds)
	}

	store.Put(ctx, "app/broken", map[string]interface{}{"x": "ref:app/missing"}, nil)
	if _, err := f.GetAppConfig(ctx, "app/broken"); err == nil {
		t.Error("dangling reference must fail")
	}
}

func TestTypedAccessor(t *testing.T) {
	store := newCountingStore()
	ctx := context.Background()
	store.Put(ctx, "app/prod/db", map[string]interface{}{
		"host":    "db.internal",
		"port":    5432.0,
		"tls":     true,
		"timeout": "30s",
	}, nil)

	accessor := New(store).CreateTypedAccessor("app/prod")

	host, err := accessor.String(ctx, "db", "host")
	if err != nil || host != "db.internal" {
		t.Errorf("String: %q %v", host, err)
	}
	port, err := accessor.Int(ctx, "db", "port")
	if err != nil || port != 5432 {
		t.Errorf("Int: %d %v", port, err)
	}
	tls, err := accessor.Bool(ctx, "db", "tls")
	if err != nil || !tls {
		t.Errorf("Bool: %t %v", tls, err)
	}
	timeout, err := accessor.Duration(ctx, "db", "timeout")
	if err != nil || timeout != 30*time.Second {
		t.Errorf("Duration: %s %v", timeout, err)
	}

	if _, err := accessor.Int(ctx, "db", "host"); err == nil {
		t.Error("non-numeric field must fail Int")
	}
	if _, err := accessor.String(ctx, "db", "nope"); !tperrors.IsNotFound(err) {
		t.Errorf("missing field: expected not-found, got %v", err)
	}
	if _, err := accessor.Value(ctx, "missing"); !tperrors.IsNotFound(err) {
		t.Errorf("missing secret: expected not-found, got %v", err)
	}
}

func TestTypedAccessorWrites(t *testing.T) {
	store := newCountingStore()
	ctx := context.Background()
	f := New(store, WithCacheTTL(time.Minute))
	accessor := f.CreateTypedAccessor("app/prod")

	if err := accessor.Set(ctx, "db", map[string]interface{}{"host": "db.internal"}, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, err := f.GetSecret(ctx, "app/prod/db", nil)
	if err != nil || value["host"] != "db.internal" {
		t.Fatalf("write did not land under the base path: %v %v", value, err)
	}

	paths, err := accessor.List(ctx)
	if err != nil || len(paths) != 1 || paths[0] != "app/prod/db" {
		t.Fatalf("List: %v %v", paths, err)
	}

	host, err := accessor.String(ctx, "db", "host")
	if err != nil || host != "db.internal" {
		t.Fatalf("read through accessor after write: %q %v", host, err)
	}

	if err := accessor.Delete(ctx, "db"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// The delete must also evict the cached read.
	if _, err := accessor.Value(ctx, "db"); !tperrors.IsNotFound(err) {
		t.Errorf("deleted secret must read as not-found, got %v", err)
	}
}

func TestFieldEncryptionRoundTrip(t *testing.T) {
	provider := encryption.NewLocalKeyProvider(time.Minute)
	t.Cleanup(provider.Close)
	engine, err := encryption.New(provider)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	f := New(newCountingStore(), WithEngine(engine))
	ctx := context.Background()
	bindings := map[string]string{"app": "billing"}

	envelope, err := f.EncryptField(ctx, "hunter2", "", bindings)
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	plaintext, err := f.DecryptField(ctx, envelope, bindings)
	if err != nil || plaintext != "hunter2" {
		t.Errorf("DecryptField: %q %v", plaintext, err)
	}

	bare := New(newCountingStore())
	if _, err := bare.EncryptField(ctx, "x", "", nil); err == nil {
		t.Error("encryption without an engine must fail")
	}
}

type fakeIssuer struct{ role string }

func (f *fakeIssuer) IssueDatabaseCredential(_ context.Context, role string) (*secretstore.DatabaseCredential, error) {
	f.role = role
	return &secretstore.DatabaseCredential{Username: "v-x", Password: "p", TTL: time.Hour}, nil
}

func TestGetDatabaseCredentials(t *testing.T) {
	issuer := &fakeIssuer{}
	f := New(newCountingStore(), WithCredentialIssuer(issuer))

	cred, err := f.GetDatabaseCredentials(context.Background(), "app-role")
	if err != nil || cred.Username != "v-x" {
		t.Fatalf("GetDatabaseCredentials: %v %v", cred, err)
	}
	if issuer.role != "app-role" {
		t.Errorf("issued for role %q", issuer.role)
	}

	bare := New(newCountingStore())
	if _, err := bare.GetDatabaseCredentials(context.Background(), "r"); err == nil {
		t.Error("facade without an issuer must refuse dynamic credentials")
	}
}

func TestHealthCheck(t *testing.T) {
	store := newCountingStore()
	f := New(store)
	if err := f.HealthCheck(context.Background()); err != nil {
		t.Errorf("healthy backend: %v", err)
	}

	store.validateErr = tperrors.UnavailableError{Backend: "counting"}
	if err := f.HealthCheck(context.Background()); err == nil {
		t.Error("unhealthy backend must fail the health check")
	}
}
