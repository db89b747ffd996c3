package encryption

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	provider := NewLocalKeyProvider(time.Minute)
	t.Cleanup(provider.Close)

	engine, err := New(provider, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return engine
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		plaintext []byte
		bindings  map[string]string
	}{
		{"no context", []byte("hello"), nil},
		{"with context", []byte("hello"), map[string]string{"env": "prod", "app": "billing"}},
		{"empty plaintext", []byte{}, map[string]string{"env": "prod"}},
		{"binary", []byte{0x00, 0xff, 0x10, 0x80}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope, err := engine.Encrypt(ctx, tt.plaintext, "k1", tt.bindings)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if envelope.Algorithm != Algorithm {
				t.Errorf("unexpected algorithm %q", envelope.Algorithm)
			}
			if envelope.KeyID != "k1" {
				t.Errorf("unexpected key id %q", envelope.KeyID)
			}

			decrypted, err := engine.Decrypt(ctx, envelope, tt.bindings)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("round trip mismatch: got %q want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestDecryptContextMismatch(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	envelope, err := engine.Encrypt(ctx, []byte("data"), "k1", map[string]string{"env": "prod"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tests := []struct {
		name     string
		bindings map[string]string
	}{
		{"different value", map[string]string{"env": "staging"}},
		{"missing context", nil},
		{"extra key", map[string]string{"env": "prod", "extra": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Decrypt(ctx, envelope, tt.bindings)
			if !tperrors.IsIntegrity(err) {
				t.Errorf("expected integrity error, got %v", err)
			}
		})
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	envelope, err := engine.Encrypt(ctx, []byte("data"), "k1", nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[0] ^= 0x01
	envelope.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	if _, err := engine.Decrypt(ctx, envelope, nil); !tperrors.IsIntegrity(err) {
		t.Errorf("expected integrity error for tampered ciphertext, got %v", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	envelope, err := engine.Encrypt(ctx, []byte("data"), "k1", nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	// Point the envelope at a different key. The provider generates a
	// fresh key for it, so authentication must fail.
	envelope.KeyID = "k2"
	if _, err := engine.Decrypt(ctx, envelope, nil); !tperrors.IsIntegrity(err) {
		t.Errorf("expected integrity error for wrong key, got %v", err)
	}
}

func TestEncodeBindingsDeterministic(t *testing.T) {
	a := encodeBindings(map[string]string{"b": "2", "a": "1", "c": "3"})
	b := encodeBindings(map[string]string{"c": "3", "a": "1", "b": "2"})
	if !bytes.Equal(a, b) {
		t.Errorf("binding encoding depends on map order: %q vs %q", a, b)
	}
	if encodeBindings(nil) != nil {
		t.Error("empty bindings should encode to nil")
	}
}

func TestEncryptObjectSelective(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	obj := map[string]interface{}{
		"host":     "db.internal",
		"port":     5432.0,
		"password": "hunter2",
		"api_key":  "ak-123",
		"nested": map[string]interface{}{
			"signing_secret": "s3cret",
			"public":         "ok",
		},
	}
	rules := []FieldRule{
		{Pattern: "password"},
		{Pattern: "*_key"},
		{Pattern: "*_secret"},
	}

	encrypted, err := engine.EncryptObject(ctx, obj, rules, nil)
	if err != nil {
		t.Fatalf("EncryptObject: %v", err)
	}

	if encrypted["host"] != "db.internal" || encrypted["port"] != 5432.0 {
		t.Error("unmatched fields must pass through unchanged")
	}
	for _, field := range []string{"password", "api_key"} {
		if _, ok := encrypted[field+"_encrypted"].(bool); !ok {
			t.Errorf("missing sibling marker for %s", field)
		}
		if _, ok := encrypted[field].(map[string]interface{}); !ok {
			t.Errorf("field %s was not replaced by an envelope", field)
		}
	}
	nested := encrypted["nested"].(map[string]interface{})
	if _, ok := nested["signing_secret_encrypted"].(bool); !ok {
		t.Error("missing sibling marker in nested object")
	}
	if nested["public"] != "ok" {
		t.Error("nested unmatched field must pass through")
	}

	decrypted, err := engine.DecryptObject(ctx, encrypted, nil)
	if err != nil {
		t.Fatalf("DecryptObject: %v", err)
	}
	if decrypted["password"] != "hunter2" || decrypted["api_key"] != "ak-123" {
		t.Errorf("round trip mismatch: %+v", decrypted)
	}
	if _, ok := decrypted["password_encrypted"]; ok {
		t.Error("marker must be removed after decryption")
	}
	if decrypted["nested"].(map[string]interface{})["signing_secret"] != "s3cret" {
		t.Error("nested round trip mismatch")
	}
}

// failingProvider fails encryption for every key except "default", which
// the self-test needs.
type failingProvider struct {
	*LocalKeyProvider
}

func (p *failingProvider) KeyForEncrypt(ctx context.Context, keyID string) ([]byte, string, error) {
	if keyID != "default" {
		return nil, "", tperrors.UnavailableError{Backend: "test"}
	}
	return p.LocalKeyProvider.KeyForEncrypt(ctx, keyID)
}

func TestEncryptObjectFieldFailureLenient(t *testing.T) {
	provider := &failingProvider{NewLocalKeyProvider(time.Minute)}
	t.Cleanup(provider.Close)
	engine, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	obj := map[string]interface{}{"password": "pw", "host": "h"}
	rules := []FieldRule{{Pattern: "password", KeyID: "broken"}}

	encrypted, err := engine.EncryptObject(context.Background(), obj, rules, nil)
	if err != nil {
		t.Fatalf("lenient mode must not fail the operation: %v", err)
	}
	if encrypted["password"] != "pw" {
		t.Error("failed field must degrade to cleartext")
	}
	if _, ok := encrypted["password_encrypted"]; ok {
		t.Error("failed field must not carry a marker")
	}
}

func TestEncryptObjectFieldFailureStrict(t *testing.T) {
	provider := &failingProvider{NewLocalKeyProvider(time.Minute)}
	t.Cleanup(provider.Close)
	engine, err := New(provider, WithStrictFieldFailure())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	obj := map[string]interface{}{"password": "pw"}
	rules := []FieldRule{{Pattern: "password", KeyID: "broken"}}
	if _, err := engine.EncryptObject(context.Background(), obj, rules, nil); err == nil {
		t.Fatal("strict mode must fail the whole operation")
	}
}

func TestDeriveKey(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	params := DeriveParams{Time: 1, MemoryKB: 1024, Threads: 1}

	k1, err := DeriveKey([]byte("passphrase"), salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := DeriveKey([]byte("passphrase"), salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("derivation must be deterministic")
	}
	if len(k1) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(k1))
	}

	other, err := DeriveKey([]byte("different"), salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(k1, other) {
		t.Error("different passphrases must derive different keys")
	}
}

func TestDeriveKeyCostFloor(t *testing.T) {
	salt, _ := NewSalt()
	tests := []struct {
		name   string
		params DeriveParams
	}{
		{"zero time", DeriveParams{Time: 0, MemoryKB: 2048, Threads: 1}},
		{"sub-floor memory", DeriveParams{Time: 2, MemoryKB: 512, Threads: 1}},
		{"zero threads", DeriveParams{Time: 2, MemoryKB: 2048, Threads: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DeriveKey([]byte("pw"), salt, tt.params); err == nil {
				t.Error("expected cost floor rejection")
			}
		})
	}
}

func TestDerivedKeyUsableByEngine(t *testing.T) {
	provider := NewLocalKeyProvider(time.Minute)
	t.Cleanup(provider.Close)

	salt, _ := NewSalt()
	key, err := DeriveKey([]byte("passphrase"), salt, DeriveParams{Time: 1, MemoryKB: 1024, Threads: 1})
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if err := provider.Register("derived", key); err != nil {
		t.Fatalf("Register: %v", err)
	}

	engine, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	envelope, err := engine.Encrypt(ctx, []byte("data"), "derived", nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	decrypted, err := engine.Decrypt(ctx, envelope, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(decrypted) != "data" {
		t.Error("round trip with derived key failed")
	}
}
