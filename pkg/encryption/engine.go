// Package encryption implements authenticated application-layer
// encryption: AES-256-GCM envelopes with context binding, passphrase key
// derivation, and selective object-level field encryption.
//
// The engine takes keys from a KeyProvider; key material may live in a
// backend transit engine or in locally held protected buffers. An engine
// is not ready until its initialization self-test has passed.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/logging"
)

// Algorithm identifies the AEAD used for envelopes.
const Algorithm = "aes-256-gcm"

// Envelope is the result of an Encrypt call. It carries everything needed
// for decryption except the key and the caller-supplied context.
type Envelope struct {
	Ciphertext string    `json:"ciphertext"`
	KeyID      string    `json:"key_id"`
	Algorithm  string    `json:"algorithm"`
	IV         string    `json:"iv"`
	WrappedKey string    `json:"wrapped_key,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Engine encrypts and decrypts envelopes using keys from a KeyProvider.
type Engine struct {
	provider     KeyProvider
	logger       *logging.Logger
	defaultKeyID string
	strictFields bool
	ready        bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger.WithComponent("encryption") }
}

// WithDefaultKeyID sets the key used when a rule names none.
func WithDefaultKeyID(keyID string) Option {
	return func(e *Engine) { e.defaultKeyID = keyID }
}

// WithStrictFieldFailure makes object encryption fail closed: any field
// failure aborts the whole operation instead of degrading that field to
// cleartext with a warning.
func WithStrictFieldFailure() Option {
	return func(e *Engine) { e.strictFields = true }
}

// New creates an engine and runs the initialization self-test. The engine
// is unusable if the self-test fails.
func New(provider KeyProvider, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, tperrors.ValidationError{
			Field:   "provider",
			Message: "a key provider is required",
		}
	}
	e := &Engine{
		provider:     provider,
		logger:       logging.New(false, false).WithComponent("encryption"),
		defaultKeyID: "default",
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.selfTest(); err != nil {
		return nil, fmt.Errorf("encryption self-test failed: %w", err)
	}
	e.ready = true
	return e, nil
}

// Ready reports whether the self-test has passed.
func (e *Engine) Ready() bool { return e.ready }

// Encrypt seals plaintext under the named key. The context map is bound
// into the authentication tag; Decrypt must present an equal map.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte, keyID string, bindings map[string]string) (*Envelope, error) {
	if keyID == "" {
		keyID = e.defaultKeyID
	}

	key, wrapped, err := e.provider.KeyForEncrypt(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain key %s: %w", keyID, err)
	}
	defer wipe(key)

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, encodeBindings(bindings))
	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		KeyID:      keyID,
		Algorithm:  Algorithm,
		IV:         base64.StdEncoding.EncodeToString(nonce),
		WrappedKey: wrapped,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Decrypt opens an envelope. A wrong key, tampered ciphertext, or context
// mismatch returns an IntegrityError; partial plaintext is never released.
func (e *Engine) Decrypt(ctx context.Context, envelope *Envelope, bindings map[string]string) ([]byte, error) {
	if envelope == nil {
		return nil, tperrors.ValidationError{Field: "envelope", Message: "envelope is required"}
	}
	if envelope.Algorithm != Algorithm {
		return nil, tperrors.ValidationError{
			Field:      "algorithm",
			Value:      envelope.Algorithm,
			Message:    "unsupported envelope algorithm",
			Suggestion: "Only " + Algorithm + " envelopes are supported",
		}
	}

	key, err := e.provider.KeyForDecrypt(ctx, envelope.KeyID, envelope.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain key %s: %w", envelope.KeyID, err)
	}
	defer wipe(key)

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil || len(nonce) != aead.NonceSize() {
		return nil, tperrors.IntegrityError{KeyID: envelope.KeyID, Message: "malformed nonce"}
	}
	sealed, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, tperrors.IntegrityError{KeyID: envelope.KeyID, Message: "malformed ciphertext"}
	}

	plaintext, err := aead.Open(nil, nonce, sealed, encodeBindings(bindings))
	if err != nil {
		return nil, tperrors.IntegrityError{
			KeyID:   envelope.KeyID,
			Message: "authentication failed: ciphertext or context does not match",
		}
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, tperrors.ValidationError{
			Field:   "key",
			Message: fmt.Sprintf("expected a 32-byte key, got %d bytes", len(key)),
		}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// encodeBindings serializes the context map deterministically so the same
// map always produces the same additional authenticated data.
func encodeBindings(bindings map[string]string) []byte {
	if len(bindings) == 0 {
		return nil
	}
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(bindings[k])
		b.WriteByte(';')
	}
	return []byte(b.String())
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// selfTest exercises a full round trip, a context-mismatch rejection, and
// one field-level round trip before the engine is marked ready.
func (e *Engine) selfTest() error {
	ctx := context.Background()
	plaintext := []byte("self-test payload")
	bindings := map[string]string{"purpose": "self-test"}

	envelope, err := e.Encrypt(ctx, plaintext, e.defaultKeyID, bindings)
	if err != nil {
		return err
	}
	decrypted, err := e.Decrypt(ctx, envelope, bindings)
	if err != nil {
		return err
	}
	if string(decrypted) != string(plaintext) {
		return fmt.Errorf("round trip mismatch")
	}
	if _, err := e.Decrypt(ctx, envelope, map[string]string{"purpose": "other"}); !tperrors.IsIntegrity(err) {
		return fmt.Errorf("context mismatch was not rejected")
	}

	obj := map[string]interface{}{"password": "test", "host": "localhost"}
	encrypted, err := e.encryptObject(ctx, obj, []FieldRule{{Pattern: "password"}}, nil)
	if err != nil {
		return err
	}
	if _, ok := encrypted["password_encrypted"]; !ok {
		return fmt.Errorf("field-level marker missing")
	}
	roundTripped, err := e.decryptObject(ctx, encrypted, nil)
	if err != nil {
		return err
	}
	if roundTripped["password"] != "test" {
		return fmt.Errorf("field-level round trip mismatch")
	}
	return nil
}
