package rotation

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

// memoryStore is a minimal versioning Store for tests.
type memoryStore struct {
	mu       sync.Mutex
	secrets  map[string]map[string]interface{}
	versions map[string]int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		secrets:  make(map[string]map[string]interface{}),
		versions: make(map[string]int),
	}
}

func (s *memoryStore) Name() string { return "memory" }

func (s *memoryStore) Get(_ context.Context, path string) (*secretstore.SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.secrets[path]
	if !ok {
		return nil, nil
	}
	copied := make(map[string]interface{}, len(value))
	for k, v := range value {
		copied[k] = v
	}
	return &secretstore.SecretRecord{Path: path, Value: copied, Version: s.versions[path]}, nil
}

func (s *memoryStore) Put(_ context.Context, path string, value map[string]interface{}, _ *secretstore.Metadata) (*secretstore.SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]interface{}, len(value))
	for k, v := range value {
		copied[k] = v
	}
	s.secrets[path] = copied
	s.versions[path]++
	return &secretstore.SecretRecord{Path: path, Value: copied, Version: s.versions[path]}, nil
}

func (s *memoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, path)
	return nil
}

func (s *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
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

func (s *memoryStore) Capabilities() secretstore.Capabilities {
	return secretstore.Capabilities{SupportsVersioning: true}
}

func (s *memoryStore) Validate(context.Context) error { return nil }

func (s *memoryStore) has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.secrets[path]
	return ok
}

func newTestScheduler(store secretstore.Store, opts ...SchedulerOption) *Scheduler {
	base := []SchedulerOption{
		WithGenerator(TypeAPIKey, &APIKeyGenerator{}),
		WithGenerator(TypeSigningSecret, &SigningSecretGenerator{}),
	}
	return NewScheduler(store, append(base, opts...)...)
}

func TestRotateNowImmediate(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	store.Put(ctx, "app/api-key", map[string]interface{}{"api_key": "tpk_old"}, nil)

	s := newTestScheduler(store)
	job, err := s.RotateNow(ctx, "app/api-key", TypeAPIKey, StrategyImmediate)
	if err != nil {
		t.Fatalf("RotateNow: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("unexpected status %s (error %q)", job.Status, job.Error)
	}
	if job.OldVersion != 1 || job.NewVersion != 2 {
		t.Errorf("unexpected versions %d -> %d", job.OldVersion, job.NewVersion)
	}

	record, _ := store.Get(ctx, "app/api-key")
	key, _ := record.Value["api_key"].(string)
	if !strings.HasPrefix(key, "tpk_") || key == "tpk_old" {
		t.Errorf("secret was not rotated: %q", key)
	}
}

func TestRotateNowGradualRetainsPrevious(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	store.Put(ctx, "app/signing", map[string]interface{}{"signing_secret": "old"}, nil)

	s := newTestScheduler(store)
	job := &Job{
		ID: "j1", Path: "app/signing", Type: TypeSigningSecret,
		Policy: Policy{Strategy: StrategyGradual, GracePeriod: 50 * time.Millisecond},
	}
	s.jobs[job.ID] = job
	if err := s.execute(ctx, job, false); err != nil {
		t.Fatalf("execute: %v", err)
	}

	record, _ := store.Get(ctx, "app/signing")
	previous, ok := record.Value[previousValueField].(map[string]interface{})
	if !ok || previous["signing_secret"] != "old" {
		t.Fatalf("previous value not retained in-record: %+v", record.Value)
	}

	time.Sleep(200 * time.Millisecond)
	record, _ = store.Get(ctx, "app/signing")
	if _, ok := record.Value[previousValueField]; ok {
		t.Error("previous value not purged after grace period")
	}
	if _, ok := record.Value["signing_secret"]; !ok {
		t.Error("new value lost during purge")
	}
}

func TestRotateNowBlueGreen(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	store.Put(ctx, "app/key", map[string]interface{}{"api_key": "tpk_old"}, nil)

	s := newTestScheduler(store)
	job := &Job{
		ID: "j1", Path: "app/key", Type: TypeAPIKey,
		Policy: Policy{Strategy: StrategyBlueGreen, GracePeriod: 50 * time.Millisecond},
	}
	s.jobs[job.ID] = job
	if err := s.execute(ctx, job, false); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if store.has("app/key" + stagingSuffix) {
		t.Error("staging record left behind")
	}
	previous, _ := store.Get(ctx, "app/key"+previousSuffix)
	if previous == nil || previous.Value["api_key"] != "tpk_old" {
		t.Fatal("old value not retained for the grace period")
	}
	live, _ := store.Get(ctx, "app/key")
	if live.Value["api_key"] == "tpk_old" {
		t.Error("live record was not switched")
	}

	time.Sleep(200 * time.Millisecond)
	if store.has("app/key" + previousSuffix) {
		t.Error("previous record not purged after grace period")
	}
}

// blockingGenerator parks in Generate until released.
type blockingGenerator struct {
	started chan string
	release chan struct{}
}

func (g *blockingGenerator) Generate(_ context.Context, job *Job) (map[string]interface{}, error) {
	g.started <- job.Path
	<-g.release
	return map[string]interface{}{"value": "new"}, nil
}

func TestPerPathMutualExclusion(t *testing.T) {
	store := newMemoryStore()
	gen := &blockingGenerator{started: make(chan string, 2), release: make(chan struct{})}
	s := NewScheduler(store, WithGenerator(TypeAPIKey, gen))
	ctx := context.Background()

	done := make(chan error, 2)
	go func() {
		_, err := s.RotateNow(ctx, "app/a", TypeAPIKey, StrategyImmediate)
		done <- err
	}()
	<-gen.started

	// Same path while running must be refused.
	if _, err := s.RotateNow(ctx, "app/a", TypeAPIKey, StrategyImmediate); err == nil {
		t.Error("expected second rotation of the same path to be refused")
	}

	// A different path proceeds in parallel.
	go func() {
		_, err := s.RotateNow(ctx, "app/b", TypeAPIKey, StrategyImmediate)
		done <- err
	}()
	<-gen.started

	close(gen.release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("rotation failed: %v", err)
		}
	}
}

func TestRefusedRotationIsFailedNotScheduled(t *testing.T) {
	store := newMemoryStore()
	gen := &blockingGenerator{started: make(chan string, 1), release: make(chan struct{})}
	s := NewScheduler(store, WithGenerator(TypeAPIKey, gen))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		s.RotateNow(ctx, "app/a", TypeAPIKey, StrategyImmediate)
		close(done)
	}()
	<-gen.started

	job, err := s.RotateNow(ctx, "app/a", TypeAPIKey, StrategyImmediate)
	if err == nil {
		t.Fatal("expected the conflicting rotation to be refused")
	}
	if job == nil {
		t.Fatal("refused rotation must still return its job record")
	}
	if job.Status != StatusFailed {
		t.Errorf("refused job has status %s, want %s", job.Status, StatusFailed)
	}
	if job.Error == "" || job.CompletedAt.IsZero() {
		t.Errorf("refused job record not closed out: %+v", job)
	}
	if err := s.Cancel(job.ID); err == nil {
		t.Error("refused job must not be cancellable")
	}

	close(gen.release)
	<-done

	if got := s.Status(job.ID).Status; got != StatusFailed {
		t.Errorf("refused job resurfaced as %s", got)
	}
}

func TestCancelOnlyWhileScheduled(t *testing.T) {
	store := newMemoryStore()
	s := newTestScheduler(store)

	jobID, err := s.Schedule("app/key", TypeAPIKey, Policy{Interval: IntervalDaily})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Cancel(jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := s.Status(jobID).Status; got != StatusCancelled {
		t.Errorf("unexpected status %s", got)
	}
	if err := s.Cancel(jobID); err == nil {
		t.Error("cancelling a cancelled job must fail")
	}

	job, err := s.RotateNow(context.Background(), "app/key", TypeAPIKey, StrategyImmediate)
	if err != nil {
		t.Fatalf("RotateNow: %v", err)
	}
	if err := s.Cancel(job.ID); err == nil {
		t.Error("cancelling a completed job must fail")
	}
}

func TestScheduleValidation(t *testing.T) {
	s := newTestScheduler(newMemoryStore())

	if _, err := s.Schedule("", TypeAPIKey, Policy{Interval: IntervalDaily}); err == nil {
		t.Error("empty path must be rejected")
	}
	if _, err := s.Schedule("app/key", TypeAPIKey, Policy{Interval: "hourly"}); err == nil {
		t.Error("unknown interval must be rejected")
	}
	if _, err := s.Schedule("app/key", TypeAPIKey, Policy{Interval: IntervalDaily, Strategy: "canary"}); err == nil {
		t.Error("unknown strategy must be rejected")
	}
	if _, err := s.Schedule("app/db", TypeDatabaseCredential, Policy{Interval: IntervalDaily}); err == nil {
		t.Error("unregistered secret type must be rejected")
	}
}

func TestHistoryBounded(t *testing.T) {
	store := newMemoryStore()
	s := newTestScheduler(store, WithHistoryLimit(3))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.RotateNow(ctx, "app/key", TypeAPIKey, StrategyImmediate); err != nil {
			t.Fatalf("RotateNow: %v", err)
		}
	}

	history := s.History("app/key")
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	// Newest first.
	for i := 0; i < len(history)-1; i++ {
		if history[i].NewVersion <= history[i+1].NewVersion {
			t.Errorf("history not newest-first: %d before %d",
				history[i].NewVersion, history[i+1].NewVersion)
		}
	}
	if history[0].NewVersion != 5 {
		t.Errorf("newest entry has version %d, want 5", history[0].NewVersion)
	}
}

func TestSweepFlagsStuckOnce(t *testing.T) {
	store := newMemoryStore()
	gen := &blockingGenerator{started: make(chan string, 1), release: make(chan struct{})}

	bus := events.NewBus(16)
	var mu sync.Mutex
	var stuck int
	bus.Subscribe(func(e events.Event) {
		if e.Type == events.TypeRotationStuck {
			mu.Lock()
			stuck++
			mu.Unlock()
		}
	})
	bus.Start()
	defer bus.Stop()

	s := NewScheduler(store,
		WithGenerator(TypeAPIKey, gen),
		WithStuckThreshold(10*time.Millisecond),
		WithSchedulerEventBus(bus),
	)

	done := make(chan struct{})
	go func() {
		s.RotateNow(context.Background(), "app/key", TypeAPIKey, StrategyImmediate)
		close(done)
	}()
	<-gen.started
	time.Sleep(30 * time.Millisecond)

	s.Sweep()
	s.Sweep()
	close(gen.release)
	<-done
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if stuck != 1 {
		t.Errorf("expected exactly one stuck event, got %d", stuck)
	}
}

type fakeCredentialIssuer struct {
	role string
}

func (f *fakeCredentialIssuer) IssueDatabaseCredential(_ context.Context, role string) (*secretstore.DatabaseCredential, error) {
	f.role = role
	return &secretstore.DatabaseCredential{
		Username: "v-app-x1",
		Password: "generated",
		LeaseID:  "database/creds/app/abc",
		TTL:      time.Hour,
	}, nil
}

func TestDatabaseCredentialGenerator(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectPing()

	verifier := NewVerifier()
	verifier.open = func(string, string) (*sql.DB, error) { return db, nil }

	issuer := &fakeCredentialIssuer{}
	gen := &DatabaseCredentialGenerator{
		Issuer:      issuer,
		Verifier:    verifier,
		Driver:      "postgres",
		DSNTemplate: "postgres://%s:%s@db.internal:5432/app",
	}

	value, err := gen.Generate(context.Background(), &Job{Path: "database/app-role"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if issuer.role != "app-role" {
		t.Errorf("role derived from path is %q, want app-role", issuer.role)
	}
	if value["username"] != "v-app-x1" || value["password"] != "generated" {
		t.Errorf("unexpected credential value %+v", value)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("verification ping did not happen: %v", err)
	}
}

func TestVerifierRejectsBadCredentials(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectPing().WillReturnError(tperrors.AuthError{Backend: "postgres"})

	verifier := NewVerifier()
	verifier.open = func(string, string) (*sql.DB, error) { return db, nil }

	gen := &DatabaseCredentialGenerator{
		Issuer:      &fakeCredentialIssuer{},
		Verifier:    verifier,
		Driver:      "postgres",
		DSNTemplate: "postgres://%s:%s@db.internal:5432/app",
	}
	if _, err := gen.Generate(context.Background(), &Job{Path: "database/app-role"}); err == nil {
		t.Fatal("unverifiable credentials must not be accepted")
	}
}

type fakeDelegate struct {
	name string
}

func (f *fakeDelegate) RotateCertificates(_ context.Context, name string) error {
	f.name = name
	return nil
}

func (f *fakeDelegate) RotateTransitKey(_ context.Context, keyName string) error {
	f.name = keyName
	return nil
}

func TestDelegatedGenerators(t *testing.T) {
	store := newMemoryStore()
	delegate := &fakeDelegate{}
	s := NewScheduler(store,
		WithGenerator(TypeCertificate, &CertificateGenerator{Rotator: delegate}),
		WithGenerator(TypeEncryptionKey, &EncryptionKeyGenerator{Rotator: delegate}),
	)
	ctx := context.Background()

	job, err := s.RotateNow(ctx, "tls/api", TypeCertificate, StrategyImmediate)
	if err != nil {
		t.Fatalf("RotateNow: %v", err)
	}
	if job.Status != StatusCompleted || delegate.name != "api" {
		t.Errorf("certificate rotation not delegated: status %s, name %q", job.Status, delegate.name)
	}
	if store.has("tls/api") {
		t.Error("delegated rotation must not write the rotation path")
	}

	job, err = s.RotateNow(ctx, "transit/payments", TypeEncryptionKey, StrategyImmediate)
	if err != nil {
		t.Fatalf("RotateNow: %v", err)
	}
	if job.Status != StatusCompleted || delegate.name != "payments" {
		t.Errorf("key rotation not delegated: status %s, name %q", job.Status, delegate.name)
	}
}
