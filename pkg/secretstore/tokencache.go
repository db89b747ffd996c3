package secretstore

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
)

// refreshBuffer is subtracted from the stored TTL so a cached token is
// refreshed before it actually expires.
const refreshBuffer = 5 * time.Second

// TokenCache stores a backend session token between authentications.
type TokenCache interface {
	// Get returns the cached token and true when a valid token exists.
	Get() (string, bool)
	// Set stores a token. A zero ttl means the token does not expire.
	Set(token string, ttl time.Duration)
	// Clear removes the cached token.
	Clear()
}

// MemoryTokenCache keeps the token in process memory only. This is the
// default for service deployments where the process lifetime matches the
// session lifetime.
type MemoryTokenCache struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewMemoryTokenCache creates an empty in-memory token cache.
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{}
}

func (c *MemoryTokenCache) Get() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", false
	}
	if !c.expiresAt.IsZero() && time.Now().After(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

func (c *MemoryTokenCache) Set(token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	if ttl <= 0 {
		c.expiresAt = time.Time{}
		return
	}
	if ttl > refreshBuffer {
		ttl -= refreshBuffer
	}
	c.expiresAt = time.Now().Add(ttl)
}

func (c *MemoryTokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
}

// KeyringTokenCache persists the session token in the OS keyring so
// consecutive CLI invocations reuse one session instead of
// re-authenticating each time. The expiry is stored alongside the token.
type KeyringTokenCache struct {
	service string
	account string
}

// NewKeyringTokenCache creates a keyring-backed cache scoped to the given
// backend address.
func NewKeyringTokenCache(backendAddress string) *KeyringTokenCache {
	return &KeyringTokenCache{
		service: "trustplane",
		account: "session:" + backendAddress,
	}
}

func (c *KeyringTokenCache) Get() (string, bool) {
	token, err := keyring.Get(c.service, c.account)
	if err != nil {
		return "", false
	}

	expiryRaw, err := keyring.Get(c.service, c.account+":expiry")
	if err == nil && expiryRaw != "" {
		unix, err := strconv.ParseInt(expiryRaw, 10, 64)
		if err == nil && unix > 0 && time.Now().Unix() >= unix {
			c.Clear()
			return "", false
		}
	}
	return token, true
}

func (c *KeyringTokenCache) Set(token string, ttl time.Duration) {
	if err := keyring.Set(c.service, c.account, token); err != nil {
		return
	}
	expiry := int64(0)
	if ttl > 0 {
		if ttl > refreshBuffer {
			ttl -= refreshBuffer
		}
		expiry = time.Now().Add(ttl).Unix()
	}
	_ = keyring.Set(c.service, c.account+":expiry", strconv.FormatInt(expiry, 10))
}

func (c *KeyringTokenCache) Clear() {
	if err := keyring.Delete(c.service, c.account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return
	}
	_ = keyring.Delete(c.service, c.account+":expiry")
}
