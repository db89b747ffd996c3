package encryption

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"

	tperrors "github.com/trustplane/trustplane/internal/errors"
)

// Derivation cost floor. Parameters below these values produce keys that
// are too cheap to brute-force and are rejected outright.
const (
	MinDeriveTime     = 1
	MinDeriveMemoryKB = 1024
	SaltSize          = 16
	derivedKeySize    = 32
)

// DeriveParams holds argon2id parameters for passphrase key derivation.
type DeriveParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

// DefaultDeriveParams returns the recommended argon2id parameters.
func DefaultDeriveParams() DeriveParams {
	return DeriveParams{Time: 3, MemoryKB: 64 * 1024, Threads: 4}
}

// Validate rejects parameters below the cost floor.
func (p DeriveParams) Validate() error {
	if p.Time < MinDeriveTime {
		return tperrors.ValidationError{
			Field:      "time",
			Value:      p.Time,
			Message:    fmt.Sprintf("derivation time cost below minimum of %d", MinDeriveTime),
			Suggestion: "Use DefaultDeriveParams or raise the time cost",
		}
	}
	if p.MemoryKB < MinDeriveMemoryKB {
		return tperrors.ValidationError{
			Field:      "memoryKb",
			Value:      p.MemoryKB,
			Message:    fmt.Sprintf("derivation memory cost below minimum of %d KiB", MinDeriveMemoryKB),
			Suggestion: "Use DefaultDeriveParams or raise the memory cost",
		}
	}
	if p.Threads == 0 {
		return tperrors.ValidationError{
			Field:   "threads",
			Value:   p.Threads,
			Message: "derivation thread count must be at least 1",
		}
	}
	return nil
}

// DeriveKey derives a 32-byte key from a passphrase and salt with
// argon2id. The same passphrase, salt, and parameters always produce the
// same key.
func DeriveKey(passphrase, salt []byte, params DeriveParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, tperrors.ValidationError{Field: "passphrase", Message: "passphrase must not be empty"}
	}
	if len(salt) < SaltSize {
		return nil, tperrors.ValidationError{
			Field:      "salt",
			Message:    fmt.Sprintf("salt must be at least %d bytes", SaltSize),
			Suggestion: "Generate one with NewSalt",
		}
	}
	return argon2.IDKey(passphrase, salt, params.Time, params.MemoryKB, params.Threads, derivedKeySize), nil
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
