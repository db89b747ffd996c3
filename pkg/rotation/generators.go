package rotation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"path"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

// Generator produces fresh material for one secret type. A nil value
// with a nil error means the generator persisted the material itself
// (certificate and key rotation delegate to their owning subsystems) and
// the executor should not write anything.
type Generator interface {
	Generate(ctx context.Context, job *Job) (map[string]interface{}, error)
}

// APIKeyGenerator mints random opaque API keys.
type APIKeyGenerator struct {
	// Prefix is prepended to generated keys for greppability. Defaults
	// to "tpk_".
	Prefix string
}

func (g *APIKeyGenerator) Generate(_ context.Context, _ *Job) (map[string]interface{}, error) {
	prefix := g.Prefix
	if prefix == "" {
		prefix = "tpk_"
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	return map[string]interface{}{
		"api_key":    prefix + base64.RawURLEncoding.EncodeToString(raw),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// SigningSecretGenerator mints HMAC signing secrets.
type SigningSecretGenerator struct{}

func (g *SigningSecretGenerator) Generate(_ context.Context, _ *Job) (map[string]interface{}, error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate signing secret: %w", err)
	}
	return map[string]interface{}{
		"signing_secret": base64.StdEncoding.EncodeToString(raw),
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// CredentialIssuer issues dynamic database credentials. Implemented by
// *secretstore.Client.
type CredentialIssuer interface {
	IssueDatabaseCredential(ctx context.Context, role string) (*secretstore.DatabaseCredential, error)
}

// DatabaseCredentialGenerator obtains fresh credentials from the
// backend's dynamic database engine and proves they work before they are
// stored.
type DatabaseCredentialGenerator struct {
	Issuer CredentialIssuer
	// Role overrides the backend role; when empty the last path segment
	// of the rotating secret is used.
	Role string
	// Verifier connects with the new credentials before accepting them.
	// Optional; without one the credentials are stored unproven.
	Verifier *Verifier
	// Driver and DSNTemplate feed the verifier. The template receives
	// username and password in that order.
	Driver      string
	DSNTemplate string
}

func (g *DatabaseCredentialGenerator) Generate(ctx context.Context, job *Job) (map[string]interface{}, error) {
	if g.Issuer == nil {
		return nil, tperrors.ConfigError{
			Field:      "rotation",
			Message:    "no credential issuer configured for database rotation",
			Suggestion: "Wire the backend client into the database generator",
		}
	}
	role := g.Role
	if role == "" {
		role = path.Base(job.Path)
	}

	cred, err := g.Issuer.IssueDatabaseCredential(ctx, role)
	if err != nil {
		return nil, err
	}

	if g.Verifier != nil && g.DSNTemplate != "" {
		dsn := fmt.Sprintf(g.DSNTemplate, cred.Username, cred.Password)
		if err := g.Verifier.VerifyDatabaseCredential(ctx, g.Driver, dsn); err != nil {
			return nil, fmt.Errorf("issued credentials failed verification: %w", err)
		}
	}

	return map[string]interface{}{
		"username": cred.Username,
		"password": cred.Password,
		"lease_id": cred.LeaseID,
		"ttl":      cred.TTL.String(),
	}, nil
}

// CertificateRotator rotates the certificate behind a TLS context.
// Implemented by *mtls.Manager.
type CertificateRotator interface {
	RotateCertificates(ctx context.Context, name string) error
}

// CertificateGenerator delegates to the TLS manager, which issues,
// persists, and swaps the certificate itself.
type CertificateGenerator struct {
	Rotator CertificateRotator
	// ContextName overrides the TLS context; when empty the last path
	// segment is used.
	ContextName string
}

func (g *CertificateGenerator) Generate(ctx context.Context, job *Job) (map[string]interface{}, error) {
	if g.Rotator == nil {
		return nil, tperrors.ConfigError{
			Field:      "rotation",
			Message:    "no certificate rotator configured",
			Suggestion: "Wire the TLS manager into the certificate generator",
		}
	}
	name := g.ContextName
	if name == "" {
		name = path.Base(job.Path)
	}
	if err := g.Rotator.RotateCertificates(ctx, name); err != nil {
		return nil, err
	}
	return nil, nil
}

// TransitRotator rotates a backend-managed encryption key. Implemented
// by *secretstore.Client.
type TransitRotator interface {
	RotateTransitKey(ctx context.Context, keyName string) error
}

// EncryptionKeyGenerator delegates to the backend transit engine; old
// key versions stay available for existing ciphertexts.
type EncryptionKeyGenerator struct {
	Rotator TransitRotator
	// KeyName overrides the transit key; when empty the last path
	// segment is used.
	KeyName string
}

func (g *EncryptionKeyGenerator) Generate(ctx context.Context, job *Job) (map[string]interface{}, error) {
	if g.Rotator == nil {
		return nil, tperrors.ConfigError{
			Field:      "rotation",
			Message:    "no transit rotator configured",
			Suggestion: "Wire the backend client into the encryption key generator",
		}
	}
	name := g.KeyName
	if name == "" {
		name = path.Base(job.Path)
	}
	if err := g.Rotator.RotateTransitKey(ctx, name); err != nil {
		return nil, err
	}
	return nil, nil
}
