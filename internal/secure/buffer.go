// Package secure provides memory-safe containers for key material.
// Secrets held here are encrypted at rest in process memory via memguard
// and protected from swapping with mlock where the platform allows it.
package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Buffer wraps a memguard enclave holding sensitive bytes. The plaintext
// only exists while a caller holds the LockedBuffer returned by Open.
type Buffer struct {
	enclave   *memguard.Enclave
	mu        sync.RWMutex
	destroyed bool
}

// NewBuffer copies data into a protected memory region. The caller should
// zero its own copy afterwards.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{enclave: memguard.NewEnclave(data)}
}

// Open decrypts the enclave into a locked buffer. The caller MUST call
// Destroy() on the returned buffer to wipe the plaintext:
//
//	locked, err := buf.Open()
//	if err != nil {
//	    return err
//	}
//	defer locked.Destroy()
//	key := locked.Bytes()
func (b *Buffer) Open() (*memguard.LockedBuffer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.destroyed {
		return memguard.NewBufferFromBytes([]byte{}), nil
	}
	return b.enclave.Open()
}

// Destroy marks the buffer as unusable. Idempotent. The encrypted enclave
// contents are safe to leave for the garbage collector; callers wanting a
// hard purge of all memguard state should defer memguard.Purge() in main.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.enclave = nil
	b.destroyed = true
}

// Destroyed reports whether Destroy has been called.
func (b *Buffer) Destroyed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.destroyed
}
