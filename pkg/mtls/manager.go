// Package mtls manages named mutual-TLS contexts. Certificate material
// lives in the secret store, not on disk; each context hands out
// tls.Config values whose certificate callbacks read an atomically
// swapped pair, so rotation never disturbs established listeners.
package mtls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/trustplane/trustplane/internal/config"
	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/internal/logging"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

// Issuer issues certificates from a backend PKI role. Implemented by
// *secretstore.Client.
type Issuer interface {
	IssueCertificate(ctx context.Context, role string, params secretstore.CSRParams) (*secretstore.IssuedCertificate, error)
}

// tlsContext is one named context. The active keypair is behind an
// atomic pointer so rotation swaps it without locking the handshake
// path.
type tlsContext struct {
	name   string
	config config.ContextConfig
	cert   atomic.Pointer[tls.Certificate]
	caPool *x509.CertPool
}

// Manager loads, serves, and rotates TLS contexts.
type Manager struct {
	store  secretstore.Store
	issuer Issuer
	logger *logging.Logger
	bus    *events.Bus

	mu       sync.RWMutex
	contexts map[string]*tlsContext
}

// Option configures a Manager.
type Option func(*Manager)

// WithIssuer enables certificate rotation through a backend PKI role.
func WithIssuer(issuer Issuer) Option {
	return func(m *Manager) { m.issuer = issuer }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger.WithComponent("mtls") }
}

// WithEventBus publishes certificate lifecycle events to the bus.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// NewManager creates a manager that reads certificate material from the
// given store.
func NewManager(store secretstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   logging.New(false, false).WithComponent("mtls"),
		contexts: make(map[string]*tlsContext),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddContext loads the certificate, key, and optional CA bundle from the
// store paths in cfg and registers the context under name. Re-adding a
// name replaces its material.
func (m *Manager) AddContext(ctx context.Context, name string, cfg config.ContextConfig) error {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return tperrors.ConfigError{
			Field:      fmt.Sprintf("mtls.contexts.%s", name),
			Message:    "certPath and keyPath are required",
			Suggestion: "Point them at store paths holding PEM material",
		}
	}

	certPEM, err := m.loadPEM(ctx, cfg.CertPath, "certificate")
	if err != nil {
		return err
	}
	keyPEM, err := m.loadPEM(ctx, cfg.KeyPath, "private_key")
	if err != nil {
		return err
	}
	keypair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("invalid keypair for context %s: %w", name, err)
	}

	tc := &tlsContext{name: name, config: cfg}
	tc.cert.Store(&keypair)

	if cfg.CAPath != "" {
		caPEM, err := m.loadPEM(ctx, cfg.CAPath, "certificate")
		if err != nil {
			return err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("no usable CA certificates at %s", cfg.CAPath)
		}
		tc.caPool = pool
	}

	m.mu.Lock()
	m.contexts[name] = tc
	m.mu.Unlock()

	m.logger.Info("Loaded TLS context %s", name)
	return nil
}

// RemoveContext drops a context. Existing tls.Config values handed out
// for it keep serving the last loaded certificate.
func (m *Manager) RemoveContext(name string) {
	m.mu.Lock()
	delete(m.contexts, name)
	m.mu.Unlock()
}

// ContextNames returns the registered context names, sorted.
func (m *Manager) ContextNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.contexts))
	for name := range m.contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerTLSConfig returns a server-side tls.Config for the named
// context. The certificate is resolved per handshake, so a later
// rotation takes effect without rebuilding the config.
func (m *Manager) ServerTLSConfig(name string) (*tls.Config, error) {
	tc, err := m.context(name)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return tc.cert.Load(), nil
		},
		ClientAuth: clientAuthType(tc.config.ClientAuth),
	}
	if tc.caPool != nil {
		cfg.ClientCAs = tc.caPool
	}
	return cfg, nil
}

// ClientTLSConfig returns a client-side tls.Config for the named
// context, presenting its certificate and trusting its CA bundle.
func (m *Manager) ClientTLSConfig(name string) (*tls.Config, error) {
	tc, err := m.context(name)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return tc.cert.Load(), nil
		},
	}
	if tc.caPool != nil {
		cfg.RootCAs = tc.caPool
	}
	return cfg, nil
}

// RotateCertificates issues a fresh certificate for the named context
// from its PKI role, persists the new material to the store, and swaps
// it in atomically. In-flight handshakes finish on the old pair; new
// handshakes pick up the new one.
func (m *Manager) RotateCertificates(ctx context.Context, name string) error {
	tc, err := m.context(name)
	if err != nil {
		return err
	}
	if m.issuer == nil {
		return tperrors.ConfigError{
			Field:      "mtls",
			Message:    "no certificate issuer configured",
			Suggestion: "Construct the manager with WithIssuer",
		}
	}
	if tc.config.PKIRole == "" {
		return tperrors.ConfigError{
			Field:      fmt.Sprintf("mtls.contexts.%s.pkiRole", name),
			Message:    "context has no PKI role, cannot rotate",
			Suggestion: "Set pkiRole to the backend role that issues this certificate",
		}
	}

	commonName := tc.config.CommonName
	if commonName == "" {
		commonName = name
	}
	issued, err := m.issuer.IssueCertificate(ctx, tc.config.PKIRole, secretstore.CSRParams{
		CommonName: commonName,
	})
	if err != nil {
		return fmt.Errorf("failed to issue certificate for context %s: %w", name, err)
	}

	keypair, err := tls.X509KeyPair([]byte(issued.CertificatePEM), []byte(issued.PrivateKeyPEM))
	if err != nil {
		return fmt.Errorf("backend issued an unusable keypair for context %s: %w", name, err)
	}

	// Persist before swapping so a restart loads the new material.
	if _, err := m.store.Put(ctx, tc.config.CertPath, map[string]interface{}{
		"certificate": issued.CertificatePEM,
	}, nil); err != nil {
		return fmt.Errorf("failed to store rotated certificate: %w", err)
	}
	if _, err := m.store.Put(ctx, tc.config.KeyPath, map[string]interface{}{
		"private_key": issued.PrivateKeyPEM,
	}, nil); err != nil {
		return fmt.Errorf("failed to store rotated key: %w", err)
	}

	tc.cert.Store(&keypair)

	m.logger.Info("Rotated certificate for context %s (serial %s, expires %s)",
		name, issued.SerialNumber, issued.Expiration.Format("2006-01-02"))
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:    events.TypeCertIssued,
			Subject: name,
			Source:  "mtls",
			Success: true,
			Metadata: map[string]interface{}{
				"serial_number": issued.SerialNumber,
				"expiration":    issued.Expiration,
			},
		})
	}
	return nil
}

// ContextInfo returns details of the active certificate for the named
// context.
func (m *Manager) ContextInfo(name string) (*CertificateInfo, error) {
	tc, err := m.context(name)
	if err != nil {
		return nil, err
	}
	keypair := tc.cert.Load()
	if keypair == nil || len(keypair.Certificate) == 0 {
		return nil, fmt.Errorf("context %s has no certificate loaded", name)
	}
	leaf, err := x509.ParseCertificate(keypair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate for context %s: %w", name, err)
	}
	return infoFromCertificate(leaf), nil
}

func (m *Manager) context(name string) (*tlsContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, ok := m.contexts[name]
	if !ok {
		return nil, tperrors.NotFoundError{Resource: "tls context", Path: name}
	}
	return tc, nil
}

// loadPEM reads PEM material from a store path. The record may hold it
// under the preferred key or under "value" for plain-string backends.
func (m *Manager) loadPEM(ctx context.Context, path, key string) ([]byte, error) {
	record, err := m.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, tperrors.NotFoundError{Resource: "secret", Path: path}
	}
	for _, k := range []string{key, "value"} {
		if pem, ok := record.Value[k].(string); ok && pem != "" {
			return []byte(pem), nil
		}
	}
	return nil, fmt.Errorf("secret %s holds no %q field", path, key)
}

func clientAuthType(policy string) tls.ClientAuthType {
	switch policy {
	case "request":
		return tls.RequestClientCert
	case "require-any":
		return tls.RequireAnyClientCert
	case "require-verify":
		return tls.RequireAndVerifyClientCert
	default:
		return tls.NoClientCert
	}
}
