package mtls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
)

// CertificateInfo summarizes one parsed certificate.
type CertificateInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	DNSNames     []string
	// Fingerprint is the SHA-256 digest of the DER encoding, colon
	// separated.
	Fingerprint string
}

// ExpiresWithin reports whether the certificate expires within d of now.
func (i *CertificateInfo) ExpiresWithin(d time.Duration) bool {
	return time.Until(i.NotAfter) < d
}

// ValidateCertificate parses certPEM, checks its validity window, and,
// when caPEM is non-empty, verifies the chain against that bundle. It
// returns the parsed details on success.
func ValidateCertificate(certPEM, caPEM []byte) (*CertificateInfo, error) {
	leaf, err := parseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) {
		return nil, tperrors.IntegrityError{
			Message: fmt.Sprintf("certificate not valid until %s", leaf.NotBefore.Format(time.RFC3339)),
		}
	}
	if now.After(leaf.NotAfter) {
		return nil, tperrors.IntegrityError{
			Message: fmt.Sprintf("certificate expired %s", leaf.NotAfter.Format(time.RFC3339)),
		}
	}

	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no usable CA certificates in bundle")
		}
		if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool}); err != nil {
			return nil, tperrors.IntegrityError{
				Message: fmt.Sprintf("chain verification failed: %v", err),
			}
		}
	}
	return infoFromCertificate(leaf), nil
}

func parseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func infoFromCertificate(cert *x509.Certificate) *CertificateInfo {
	return &CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.Text(16),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		DNSNames:     cert.DNSNames,
		Fingerprint:  fingerprint(cert.Raw),
	}
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.ToUpper(strings.Join(parts, ":"))
}
