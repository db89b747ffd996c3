package secretstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
)

// TransitEncrypt encrypts plaintext under a named backend-managed key.
// The context bytes are bound into the ciphertext; the same context must
// be presented on decrypt.
func (c *Client) TransitEncrypt(ctx context.Context, keyName string, plaintext, keyContext []byte) (string, error) {
	payload := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(keyContext) > 0 {
		payload["context"] = base64.StdEncoding.EncodeToString(keyContext)
	}

	status, body, err := c.doAuthed(ctx, http.MethodPost, "transit/encrypt/"+keyName, payload)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", c.statusError(status, body, keyName)
	}

	var resp struct {
		Data struct {
			Ciphertext string `json:"ciphertext"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode encrypt response: %w", err)
	}
	return resp.Data.Ciphertext, nil
}

// TransitDecrypt decrypts a transit ciphertext. A context mismatch is an
// integrity violation, not a transient failure.
func (c *Client) TransitDecrypt(ctx context.Context, keyName, ciphertext string, keyContext []byte) ([]byte, error) {
	payload := map[string]interface{}{"ciphertext": ciphertext}
	if len(keyContext) > 0 {
		payload["context"] = base64.StdEncoding.EncodeToString(keyContext)
	}

	status, body, err := c.doAuthed(ctx, http.MethodPost, "transit/decrypt/"+keyName, payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusBadRequest {
		return nil, tperrors.IntegrityError{
			KeyID:   keyName,
			Message: "backend rejected ciphertext or context",
		}
	}
	if status != http.StatusOK {
		return nil, c.statusError(status, body, keyName)
	}

	var resp struct {
		Data struct {
			Plaintext string `json:"plaintext"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode decrypt response: %w", err)
	}

	plaintext, err := base64.StdEncoding.DecodeString(resp.Data.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

// TransitSign signs data with a named signing key.
func (c *Client) TransitSign(ctx context.Context, keyName string, data []byte) (string, error) {
	payload := map[string]interface{}{
		"input": base64.StdEncoding.EncodeToString(data),
	}
	status, body, err := c.doAuthed(ctx, http.MethodPost, "transit/sign/"+keyName, payload)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", c.statusError(status, body, keyName)
	}

	var resp struct {
		Data struct {
			Signature string `json:"signature"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode sign response: %w", err)
	}
	return resp.Data.Signature, nil
}

// TransitVerify verifies a signature produced by TransitSign.
func (c *Client) TransitVerify(ctx context.Context, keyName string, data []byte, signature string) (bool, error) {
	payload := map[string]interface{}{
		"input":     base64.StdEncoding.EncodeToString(data),
		"signature": signature,
	}
	status, body, err := c.doAuthed(ctx, http.MethodPost, "transit/verify/"+keyName, payload)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, c.statusError(status, body, keyName)
	}

	var resp struct {
		Data struct {
			Valid bool `json:"valid"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("failed to decode verify response: %w", err)
	}
	return resp.Data.Valid, nil
}

// GenerateDataKey asks the backend for a fresh 256-bit data key under
// the named root key. The plaintext key is returned alongside its wrapped
// form; only the wrapped form should be persisted.
func (c *Client) GenerateDataKey(ctx context.Context, keyName string) ([]byte, string, error) {
	status, body, err := c.doAuthed(ctx, http.MethodPost, "transit/datakey/plaintext/"+keyName, map[string]interface{}{
		"bits": 256,
	})
	if err != nil {
		return nil, "", err
	}
	if status != http.StatusOK {
		return nil, "", c.statusError(status, body, keyName)
	}

	var resp struct {
		Data struct {
			Plaintext  string `json:"plaintext"`
			Ciphertext string `json:"ciphertext"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("failed to decode data key response: %w", err)
	}

	plaintext, err := base64.StdEncoding.DecodeString(resp.Data.Plaintext)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode data key: %w", err)
	}
	return plaintext, resp.Data.Ciphertext, nil
}

// RotateTransitKey rotates a backend-managed key to a new version. Old
// versions remain available for decryption of existing ciphertexts.
func (c *Client) RotateTransitKey(ctx context.Context, keyName string) error {
	status, body, err := c.doAuthed(ctx, http.MethodPost, "transit/keys/"+keyName+"/rotate", map[string]interface{}{})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return c.statusError(status, body, keyName)
	}

	c.publish(events.Event{
		Type: events.TypeKeyRotated, Subject: keyName, Source: c.Name(), Success: true,
	})
	return nil
}
