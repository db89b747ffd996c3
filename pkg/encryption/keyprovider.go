package encryption

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/trustplane/trustplane/internal/secure"
)

// KeyProvider supplies key material for envelope operations. Returned
// key slices are owned by the caller and wiped after use.
type KeyProvider interface {
	// Name identifies the provider for diagnostics.
	Name() string

	// KeyForEncrypt returns a 32-byte key for keyID, plus an opaque
	// wrapped form to embed in the envelope when the provider wraps keys
	// (empty for providers with stable local keys).
	KeyForEncrypt(ctx context.Context, keyID string) (key []byte, wrapped string, err error)

	// KeyForDecrypt returns the key for an envelope produced with the
	// given keyID and wrapped form.
	KeyForDecrypt(ctx context.Context, keyID, wrapped string) ([]byte, error)
}

// LocalKeyProvider holds keys in process memory. Keys are generated on
// first use or registered explicitly (static or passphrase-derived), and
// cached in protected buffers with a bounded TTL. Close purges all
// material.
type LocalKeyProvider struct {
	mu    sync.Mutex
	cache *secure.KeyCache
	// keep retains material for cache refill after TTL expiry. Both
	// copies are destroyed on Close.
	keep map[string]*secure.Buffer
}

// NewLocalKeyProvider creates a provider with the given cache TTL (0 for
// the default).
func NewLocalKeyProvider(cacheTTL time.Duration) *LocalKeyProvider {
	return &LocalKeyProvider{
		cache: secure.NewKeyCache(cacheTTL),
		keep:  make(map[string]*secure.Buffer),
	}
}

func (p *LocalKeyProvider) Name() string { return "local" }

// Register installs key material under keyID, replacing any previous
// key. The input slice is copied; the caller should zero it.
func (p *LocalKeyProvider) Register(keyID string, material []byte) error {
	if len(material) != 32 {
		return fmt.Errorf("key %s must be 32 bytes, got %d", keyID, len(material))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.keep[keyID]; ok {
		old.Destroy()
	}
	// The protected containers wipe their input, so each gets its own
	// copy.
	p.keep[keyID] = secure.NewBuffer(clone(material))
	p.cache.Put(keyID, clone(material))
	return nil
}

func (p *LocalKeyProvider) KeyForEncrypt(ctx context.Context, keyID string) ([]byte, string, error) {
	key, err := p.key(keyID, true)
	return key, "", err
}

func (p *LocalKeyProvider) KeyForDecrypt(ctx context.Context, keyID, _ string) ([]byte, error) {
	return p.key(keyID, false)
}

func (p *LocalKeyProvider) key(keyID string, generate bool) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf := p.cache.Get(keyID); buf != nil {
		return openCopy(buf)
	}
	if buf, ok := p.keep[keyID]; ok {
		key, err := openCopy(buf)
		if err != nil {
			return nil, err
		}
		p.cache.Put(keyID, clone(key))
		return key, nil
	}
	if !generate {
		return nil, fmt.Errorf("unknown key: %s", keyID)
	}

	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	p.keep[keyID] = secure.NewBuffer(clone(material))
	p.cache.Put(keyID, clone(material))
	return material, nil
}

// Close destroys all key material. The provider is unusable afterwards.
func (p *LocalKeyProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Close()
	for id, buf := range p.keep {
		buf.Destroy()
		delete(p.keep, id)
	}
}

func openCopy(buf *secure.Buffer) ([]byte, error) {
	locked, err := buf.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key buffer: %w", err)
	}
	defer locked.Destroy()
	key := make([]byte, len(locked.Bytes()))
	copy(key, locked.Bytes())
	return key, nil
}

// TransitClient is the backend surface the transit provider needs.
// *secretstore.Client implements it.
type TransitClient interface {
	GenerateDataKey(ctx context.Context, keyName string) (plaintext []byte, ciphertext string, err error)
	TransitDecrypt(ctx context.Context, keyName, ciphertext string, keyContext []byte) ([]byte, error)
}

// TransitKeyProvider performs envelope encryption against a backend
// transit engine: each Encrypt uses a fresh data key whose wrapped form
// travels in the envelope, so only the backend-held root key can unwrap
// it. Unwrapped keys are cached briefly to keep bulk decryption cheap.
type TransitKeyProvider struct {
	client TransitClient
	cache  *secure.KeyCache
}

// NewTransitKeyProvider creates a provider backed by the given transit
// client.
func NewTransitKeyProvider(client TransitClient, cacheTTL time.Duration) *TransitKeyProvider {
	return &TransitKeyProvider{
		client: client,
		cache:  secure.NewKeyCache(cacheTTL),
	}
}

func (p *TransitKeyProvider) Name() string { return "transit" }

func (p *TransitKeyProvider) KeyForEncrypt(ctx context.Context, keyID string) ([]byte, string, error) {
	plaintext, ciphertext, err := p.client.GenerateDataKey(ctx, keyID)
	if err != nil {
		return nil, "", err
	}
	if len(plaintext) != 32 {
		return nil, "", fmt.Errorf("backend returned a %d-byte data key", len(plaintext))
	}
	p.cache.Put(cacheKey(keyID, ciphertext), clone(plaintext))
	return plaintext, ciphertext, nil
}

func (p *TransitKeyProvider) KeyForDecrypt(ctx context.Context, keyID, wrapped string) ([]byte, error) {
	if wrapped == "" {
		return nil, fmt.Errorf("envelope has no wrapped key for transit key %s", keyID)
	}
	if buf := p.cache.Get(cacheKey(keyID, wrapped)); buf != nil {
		return openCopy(buf)
	}

	key, err := p.client.TransitDecrypt(ctx, keyID, wrapped, nil)
	if err != nil {
		return nil, err
	}
	p.cache.Put(cacheKey(keyID, wrapped), clone(key))
	return key, nil
}

// Close purges cached data keys.
func (p *TransitKeyProvider) Close() {
	p.cache.Close()
}

func cacheKey(keyID, wrapped string) string {
	return keyID + "\x00" + wrapped
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
