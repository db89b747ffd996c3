package secretstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/trustplane/trustplane/internal/events"
)

// IssueCertificate requests a certificate from the backend PKI engine
// under the given role. The private key is generated backend-side and
// returned once; it is never stored by the client.
func (c *Client) IssueCertificate(ctx context.Context, role string, params CSRParams) (*IssuedCertificate, error) {
	payload := map[string]interface{}{
		"common_name": params.CommonName,
	}
	if len(params.AltNames) > 0 {
		payload["alt_names"] = strings.Join(params.AltNames, ",")
	}
	if len(params.IPSANs) > 0 {
		payload["ip_sans"] = strings.Join(params.IPSANs, ",")
	}
	if params.TTL > 0 {
		payload["ttl"] = params.TTL.String()
	}

	status, body, err := c.doAuthed(ctx, http.MethodPost, "pki/issue/"+role, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError(status, body, role)
	}

	var resp struct {
		Data struct {
			Certificate  string   `json:"certificate"`
			PrivateKey   string   `json:"private_key"`
			CAChain      []string `json:"ca_chain"`
			IssuingCA    string   `json:"issuing_ca"`
			SerialNumber string   `json:"serial_number"`
			Expiration   int64    `json:"expiration"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode issue response: %w", err)
	}

	chain := resp.Data.CAChain
	if len(chain) == 0 && resp.Data.IssuingCA != "" {
		chain = []string{resp.Data.IssuingCA}
	}

	cert := &IssuedCertificate{
		CertificatePEM: resp.Data.Certificate,
		PrivateKeyPEM:  resp.Data.PrivateKey,
		CAChainPEM:     chain,
		SerialNumber:   resp.Data.SerialNumber,
		Expiration:     time.Unix(resp.Data.Expiration, 0),
	}

	c.publish(events.Event{
		Type: events.TypeCertIssued, Subject: params.CommonName, Source: c.Name(), Success: true,
		Metadata: map[string]interface{}{"serial": cert.SerialNumber, "role": role},
	})
	return cert, nil
}

// RevokeCertificate revokes a certificate by serial number.
func (c *Client) RevokeCertificate(ctx context.Context, serialNumber string) error {
	payload := map[string]interface{}{"serial_number": serialNumber}
	status, body, err := c.doAuthed(ctx, http.MethodPost, "pki/revoke", payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return c.statusError(status, body, serialNumber)
	}

	c.publish(events.Event{
		Type: events.TypeCertRevoked, Subject: serialNumber, Source: c.Name(), Success: true,
	})
	return nil
}
