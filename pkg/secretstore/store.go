// Package secretstore provides clients for secret storage backends.
//
// The primary implementation is Client, an HTTP client for a Vault-style
// backend with key/value storage, transit cryptography, PKI issuance, and
// dynamic database credentials. Cloud KV backends (AWS Secrets Manager,
// GCP Secret Manager, Azure Key Vault) implement the same Store interface
// with reduced capabilities; callers negotiate features through
// Capabilities rather than assuming a full-featured backend.
//
// All implementations are safe for concurrent use. Secret values are
// never logged; use logging.Secret when a value must appear in a message.
package secretstore

import (
	"context"
	"time"
)

// Store is the common surface of every secret storage backend.
type Store interface {
	// Name returns the backend's stable identifier ("vault", "aws",
	// "gcp", "azure"). Used in error messages and event sources.
	Name() string

	// Get retrieves the secret at path. A missing secret returns
	// (nil, nil); callers treat absence as a normal outcome.
	Get(ctx context.Context, path string) (*SecretRecord, error)

	// Put stores value at path, creating a new version where the backend
	// supports versioning. Returns the stored record.
	Put(ctx context.Context, path string, value map[string]interface{}, metadata *Metadata) (*SecretRecord, error)

	// Delete removes the secret at path. Deleting a missing secret is
	// not an error.
	Delete(ctx context.Context, path string) error

	// List returns the keys directly under the given path prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Capabilities reports which optional features this backend supports.
	Capabilities() Capabilities

	// Validate checks connectivity and authentication.
	Validate(ctx context.Context) error
}

// Capabilities describes what a backend supports beyond the KV surface.
// Components that need transit or PKI check here and fall back to local
// implementations when the backend lacks them.
type Capabilities struct {
	SupportsVersioning   bool
	SupportsTransit      bool
	SupportsPKI          bool
	SupportsDynamicCreds bool
	AuthMethods          []string
}

// SecretRecord is a stored secret with its metadata.
type SecretRecord struct {
	Path    string
	Value   map[string]interface{}
	Version int
	Meta    Metadata
}

// Metadata carries classification and lifecycle information for a secret.
type Metadata struct {
	Classification string
	Environment    string
	Owner          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
	Tags           map[string]string
}

// DatabaseCredential is a short-lived credential issued by the backend's
// database engine.
type DatabaseCredential struct {
	Username string
	Password string
	LeaseID  string
	TTL      time.Duration
	IssuedAt time.Time
}

// IssuedCertificate is the result of a PKI issuance.
type IssuedCertificate struct {
	CertificatePEM string
	PrivateKeyPEM  string
	CAChainPEM     []string
	SerialNumber   string
	Expiration     time.Time
}

// CSRParams describes the certificate to issue.
type CSRParams struct {
	CommonName string
	AltNames   []string
	IPSANs     []string
	TTL        time.Duration
}
