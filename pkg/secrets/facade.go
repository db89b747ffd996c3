// Package secrets is the high-level entry point applications use. It
// fronts the secret store with a read cache, bounded retries for
// transient backend failures, field encryption, and convenience
// accessors. Auth and integrity failures are never retried.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/logging"
	"github.com/trustplane/trustplane/pkg/encryption"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

const (
	// DefaultCacheTTL bounds how long a read is served from cache.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultMaxRetries bounds retry attempts for transient failures.
	DefaultMaxRetries = 3
	// DefaultRetryBackoff is the initial delay between attempts; it
	// doubles per attempt.
	DefaultRetryBackoff = 200 * time.Millisecond
)

// CredentialIssuer issues dynamic database credentials. Implemented by
// *secretstore.Client.
type CredentialIssuer interface {
	IssueDatabaseCredential(ctx context.Context, role string) (*secretstore.DatabaseCredential, error)
}

type cacheEntry struct {
	value   map[string]interface{}
	expires time.Time
}

// Facade is the application-facing secrets API.
type Facade struct {
	store  secretstore.Store
	engine *encryption.Engine
	issuer CredentialIssuer
	logger *logging.Logger

	cacheTTL     time.Duration
	maxRetries   int
	retryBackoff time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

// WithEngine enables field encryption through the given engine.
func WithEngine(engine *encryption.Engine) FacadeOption {
	return func(f *Facade) { f.engine = engine }
}

// WithCredentialIssuer enables dynamic database credentials.
func WithCredentialIssuer(issuer CredentialIssuer) FacadeOption {
	return func(f *Facade) { f.issuer = issuer }
}

// WithCacheTTL sets the read cache TTL. Zero disables caching.
func WithCacheTTL(ttl time.Duration) FacadeOption {
	return func(f *Facade) { f.cacheTTL = ttl }
}

// WithRetry sets the transient-failure retry budget.
func WithRetry(maxRetries int, backoff time.Duration) FacadeOption {
	return func(f *Facade) {
		if maxRetries >= 0 {
			f.maxRetries = maxRetries
		}
		if backoff > 0 {
			f.retryBackoff = backoff
		}
	}
}

// WithFacadeLogger sets the logger.
func WithFacadeLogger(logger *logging.Logger) FacadeOption {
	return func(f *Facade) { f.logger = logger.WithComponent("secrets") }
}

// New creates a facade over the given store.
func New(store secretstore.Store, opts ...FacadeOption) *Facade {
	f := &Facade{
		store:        store,
		logger:       logging.New(false, false).WithComponent("secrets"),
		cacheTTL:     DefaultCacheTTL,
		maxRetries:   DefaultMaxRetries,
		retryBackoff: DefaultRetryBackoff,
		cache:        make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// GetOptions adjusts a single read.
type GetOptions struct {
	// BypassCache forces a backend read even when a fresh cache entry
	// exists. The result still refreshes the cache.
	BypassCache bool
}

// GetSecret returns the value at path, or (nil, nil) when it does not
// exist. Reads are served from cache within the TTL.
func (f *Facade) GetSecret(ctx context.Context, path string, opts *GetOptions) (map[string]interface{}, error) {
	if opts == nil || !opts.BypassCache {
		if value, ok := f.cached(path); ok {
			return value, nil
		}
	}

	var record *secretstore.SecretRecord
	err := f.withRetry(ctx, "read "+path, func() error {
		var err error
		record, err = f.store.Get(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	f.storeCache(path, record.Value)
	return record.Value, nil
}

// GetBulkSecrets reads several paths. Missing paths are absent from the
// result; per-path failures are joined into the returned error while
// successful reads are still returned.
func (f *Facade) GetBulkSecrets(ctx context.Context, paths []string) (map[string]map[string]interface{}, error) {
	out := make(map[string]map[string]interface{}, len(paths))
	var errs []error
	for _, path := range paths {
		value, err := f.GetSecret(ctx, path, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if value != nil {
			out[path] = value
		}
	}
	return out, errors.Join(errs...)
}

// StoreSecret writes a secret and invalidates its cache entry.
func (f *Facade) StoreSecret(ctx context.Context, path string, value map[string]interface{}, meta *secretstore.Metadata) error {
	err := f.withRetry(ctx, "write "+path, func() error {
		_, err := f.store.Put(ctx, path, value, meta)
		return err
	})
	if err != nil {
		return err
	}
	f.invalidate(path)
	return nil
}

// DeleteSecret removes a secret and invalidates its cache entry.
func (f *Facade) DeleteSecret(ctx context.Context, path string) error {
	err := f.withRetry(ctx, "delete "+path, func() error {
		return f.store.Delete(ctx, path)
	})
	if err != nil {
		return err
	}
	f.invalidate(path)
	return nil
}

// ListSecrets lists paths under prefix.
func (f *Facade) ListSecrets(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := f.withRetry(ctx, "list "+prefix, func() error {
		var err error
		paths, err = f.store.List(ctx, prefix)
		return err
	})
	return paths, err
}

// EncryptField seals a single value with the encryption engine.
func (f *Facade) EncryptField(ctx context.Context, value, keyID string, bindings map[string]string) (*encryption.Envelope, error) {
	if f.engine == nil {
		return nil, f.noEngine()
	}
	return f.engine.Encrypt(ctx, []byte(value), keyID, bindings)
}

// DecryptField opens an envelope produced by EncryptField.
func (f *Facade) DecryptField(ctx context.Context, envelope *encryption.Envelope, bindings map[string]string) (string, error) {
	if f.engine == nil {
		return "", f.noEngine()
	}
	plaintext, err := f.engine.Decrypt(ctx, envelope, bindings)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GetDatabaseCredentials issues short-lived database credentials for a
// backend role. Dynamic credentials are never cached.
func (f *Facade) GetDatabaseCredentials(ctx context.Context, role string) (*secretstore.DatabaseCredential, error) {
	if f.issuer == nil {
		return nil, tperrors.ConfigError{
			Field:      "facade",
			Message:    "the configured backend does not issue dynamic credentials",
			Suggestion: "Use a backend with a database secrets engine",
		}
	}
	var cred *secretstore.DatabaseCredential
	err := f.withRetry(ctx, "issue credentials for "+role, func() error {
		var err error
		cred, err = f.issuer.IssueDatabaseCredential(ctx, role)
		return err
	})
	return cred, err
}

// HealthCheck verifies the backend is reachable and, when an encryption
// engine is attached, that it passed its self-test.
func (f *Facade) HealthCheck(ctx context.Context) error {
	if err := f.store.Validate(ctx); err != nil {
		return fmt.Errorf("backend %s unhealthy: %w", f.store.Name(), err)
	}
	if f.engine != nil && !f.engine.Ready() {
		return fmt.Errorf("encryption engine is not ready")
	}
	return nil
}

// withRetry runs op, retrying transient failures with doubling backoff.
// Errors that are not retryable surface immediately.
func (f *Facade) withRetry(ctx context.Context, what string, op func() error) error {
	backoff := f.retryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !tperrors.IsRetryable(err) || attempt >= f.maxRetries {
			return err
		}
		f.logger.Warn("Transient failure on %s (attempt %d/%d): %v",
			what, attempt+1, f.maxRetries, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

func (f *Facade) noEngine() error {
	return tperrors.ConfigError{
		Field:      "facade",
		Message:    "no encryption engine attached",
		Suggestion: "Construct the facade with WithEngine",
	}
}

func (f *Facade) cached(path string) (map[string]interface{}, bool) {
	if f.cacheTTL <= 0 {
		return nil, false
	}
	f.mu.RLock()
	entry, ok := f.cache[path]
	f.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return cloneValue(entry.value), true
}

func (f *Facade) storeCache(path string, value map[string]interface{}) {
	if f.cacheTTL <= 0 {
		return
	}
	f.mu.Lock()
	f.cache[path] = cacheEntry{
		value:   cloneValue(value),
		expires: time.Now().Add(f.cacheTTL),
	}
	f.mu.Unlock()
}

func (f *Facade) invalidate(path string) {
	f.mu.Lock()
	delete(f.cache, path)
	f.mu.Unlock()
}

// cloneValue copies a value map one level deep, recursing into nested
// maps so cache entries cannot be mutated through returned values.
func cloneValue(value map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(value))
	for k, v := range value {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = cloneValue(nested)
			continue
		}
		out[k] = v
	}
	return out
}
