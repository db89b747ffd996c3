package secretstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// IssueDatabaseCredential requests a short-lived database credential from
// the backend's database engine. The credential expires with its lease;
// callers needing longevity should re-issue rather than renew.
func (c *Client) IssueDatabaseCredential(ctx context.Context, role string) (*DatabaseCredential, error) {
	status, body, err := c.doAuthed(ctx, http.MethodGet, "database/creds/"+role, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError(status, body, role)
	}

	var resp struct {
		LeaseID       string `json:"lease_id"`
		LeaseDuration int    `json:"lease_duration"`
		Data          struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode credential response: %w", err)
	}

	return &DatabaseCredential{
		Username: resp.Data.Username,
		Password: resp.Data.Password,
		LeaseID:  resp.LeaseID,
		TTL:      time.Duration(resp.LeaseDuration) * time.Second,
		IssuedAt: time.Now(),
	}, nil
}
