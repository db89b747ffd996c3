package breakglass

import (
	"context"
	"fmt"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/pkg/encryption"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

// RevealSecretAction reads a secret and returns its value to the
// session holder.
type RevealSecretAction struct {
	Store secretstore.Store
}

func (a *RevealSecretAction) Execute(ctx context.Context, _ *Session, resource string, _ map[string]interface{}) (map[string]interface{}, error) {
	record, err := a.Store.Get(ctx, resource)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, tperrors.NotFoundError{Resource: "secret", Path: resource}
	}
	return record.Value, nil
}

// Decrypter opens envelopes. Implemented by *encryption.Engine.
type Decrypter interface {
	Decrypt(ctx context.Context, envelope *encryption.Envelope, bindings map[string]string) ([]byte, error)
}

// EmergencyDecryptAction decrypts an envelope with the reserved
// emergency key. Params must carry the envelope under "envelope" and may
// carry the original context map under "context".
type EmergencyDecryptAction struct {
	Engine Decrypter
}

func (a *EmergencyDecryptAction) Execute(ctx context.Context, _ *Session, _ string, params map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := params["envelope"].(map[string]interface{})
	if !ok {
		return nil, tperrors.ValidationError{
			Field:      "envelope",
			Message:    "params must carry the envelope to decrypt",
			Suggestion: `Pass the stored envelope object under "envelope"`,
		}
	}
	envelope := &encryption.Envelope{}
	if s, ok := raw["ciphertext"].(string); ok {
		envelope.Ciphertext = s
	}
	if s, ok := raw["key_id"].(string); ok {
		envelope.KeyID = s
	}
	if s, ok := raw["algorithm"].(string); ok {
		envelope.Algorithm = s
	}
	if s, ok := raw["iv"].(string); ok {
		envelope.IV = s
	}
	if s, ok := raw["wrapped_key"].(string); ok {
		envelope.WrappedKey = s
	}

	var bindings map[string]string
	if rawCtx, ok := params["context"].(map[string]interface{}); ok {
		bindings = make(map[string]string, len(rawCtx))
		for k, v := range rawCtx {
			bindings[k] = fmt.Sprint(v)
		}
	}

	plaintext, err := a.Engine.Decrypt(ctx, envelope, bindings)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"plaintext": string(plaintext)}, nil
}

// RotationCanceller cancels scheduled rotation jobs. Implemented by
// *rotation.Scheduler.
type RotationCanceller interface {
	Cancel(jobID string) error
}

// SuspendRotationAction cancels the scheduled rotation named in params.
type SuspendRotationAction struct {
	Scheduler RotationCanceller
}

func (a *SuspendRotationAction) Execute(_ context.Context, _ *Session, _ string, params map[string]interface{}) (map[string]interface{}, error) {
	jobID, _ := params["job_id"].(string)
	if jobID == "" {
		return nil, tperrors.ValidationError{
			Field:   "job_id",
			Message: "params must name the rotation job to suspend",
		}
	}
	if err := a.Scheduler.Cancel(jobID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cancelled_job": jobID}, nil
}

// OverrideExpirationAction rewrites the expiry metadata of a secret.
// Params must carry the new RFC 3339 timestamp under "expires_at".
type OverrideExpirationAction struct {
	Store secretstore.Store
}

func (a *OverrideExpirationAction) Execute(ctx context.Context, _ *Session, resource string, params map[string]interface{}) (map[string]interface{}, error) {
	stamp, _ := params["expires_at"].(string)
	expiresAt, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return nil, tperrors.ValidationError{
			Field:      "expires_at",
			Value:      stamp,
			Message:    "params must carry the new expiry as RFC 3339",
			Suggestion: "Example: 2026-12-31T00:00:00Z",
		}
	}

	record, err := a.Store.Get(ctx, resource)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, tperrors.NotFoundError{Resource: "secret", Path: resource}
	}

	meta := record.Meta
	meta.ExpiresAt = expiresAt
	if _, err := a.Store.Put(ctx, resource, record.Value, &meta); err != nil {
		return nil, err
	}
	return map[string]interface{}{"expires_at": expiresAt.Format(time.RFC3339)}, nil
}
