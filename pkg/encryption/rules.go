package encryption

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// FieldRule selects object fields for encryption. Pattern is an exact
// field name or a glob ("*_secret", "password*"). KeyID overrides the
// engine default for matching fields.
type FieldRule struct {
	Pattern string
	KeyID   string
}

// markerSuffix is appended to a field name to flag its sibling as
// encrypted.
const markerSuffix = "_encrypted"

// EncryptObject walks obj and encrypts every field matched by a rule,
// recursing into nested objects. Each encrypted field is replaced by its
// envelope and gains a sibling "<field>_encrypted: true" marker; fields
// matching no rule pass through untouched.
//
// A field that fails to encrypt is left in cleartext with a warning
// unless the engine was built with WithStrictFieldFailure, in which case
// the whole operation fails.
func (e *Engine) EncryptObject(ctx context.Context, obj map[string]interface{}, rules []FieldRule, bindings map[string]string) (map[string]interface{}, error) {
	return e.encryptObject(ctx, obj, rules, bindings)
}

func (e *Engine) encryptObject(ctx context.Context, obj map[string]interface{}, rules []FieldRule, bindings map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(obj))

	for field, value := range obj {
		// Skip markers produced by a previous pass.
		if strings.HasSuffix(field, markerSuffix) {
			out[field] = value
			continue
		}

		if nested, ok := value.(map[string]interface{}); ok {
			encrypted, err := e.encryptObject(ctx, nested, rules, bindings)
			if err != nil {
				return nil, err
			}
			out[field] = encrypted
			continue
		}

		rule, matched := matchRule(field, rules)
		if !matched {
			out[field] = value
			continue
		}

		envelope, err := e.encryptField(ctx, value, rule, bindings)
		if err != nil {
			if e.strictFields {
				return nil, fmt.Errorf("failed to encrypt field %s: %w", field, err)
			}
			e.logger.Warn("failed to encrypt field %s, leaving cleartext: %v", field, err)
			out[field] = value
			continue
		}
		out[field] = envelope
		out[field+markerSuffix] = true
	}
	return out, nil
}

// DecryptObject reverses EncryptObject: every field whose sibling marker
// is true is decrypted in place and its marker removed. Decryption
// failures are never degraded; a tampered field fails the operation.
func (e *Engine) DecryptObject(ctx context.Context, obj map[string]interface{}, bindings map[string]string) (map[string]interface{}, error) {
	return e.decryptObject(ctx, obj, bindings)
}

func (e *Engine) decryptObject(ctx context.Context, obj map[string]interface{}, bindings map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(obj))

	for field, value := range obj {
		if strings.HasSuffix(field, markerSuffix) {
			continue
		}

		if flag, ok := obj[field+markerSuffix].(bool); !ok || !flag {
			if nested, isMap := value.(map[string]interface{}); isMap {
				decrypted, err := e.decryptObject(ctx, nested, bindings)
				if err != nil {
					return nil, err
				}
				out[field] = decrypted
			} else {
				out[field] = value
			}
			continue
		}

		envelope, err := envelopeFromValue(value)
		if err != nil {
			return nil, fmt.Errorf("field %s is marked encrypted but malformed: %w", field, err)
		}
		plaintext, err := e.Decrypt(ctx, envelope, bindings)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt field %s: %w", field, err)
		}

		var decoded interface{}
		if err := json.Unmarshal(plaintext, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode field %s: %w", field, err)
		}
		out[field] = decoded
	}
	return out, nil
}

// encryptField seals one field value. Values are JSON-encoded before
// encryption so non-string types round trip.
func (e *Engine) encryptField(ctx context.Context, value interface{}, rule FieldRule, bindings map[string]string) (map[string]interface{}, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}

	envelope, err := e.Encrypt(ctx, plaintext, rule.KeyID, bindings)
	if err != nil {
		return nil, err
	}
	return envelopeToValue(envelope)
}

func matchRule(field string, rules []FieldRule) (FieldRule, bool) {
	for _, rule := range rules {
		if rule.Pattern == field {
			return rule, true
		}
		if ok, err := path.Match(rule.Pattern, field); err == nil && ok {
			return rule, true
		}
	}
	return FieldRule{}, false
}

func envelopeToValue(envelope *Envelope) (map[string]interface{}, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	var value map[string]interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func envelopeFromValue(value interface{}) (*Envelope, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if envelope.Ciphertext == "" || envelope.IV == "" {
		return nil, fmt.Errorf("missing ciphertext or nonce")
	}
	return &envelope, nil
}
