package secretstore

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// StartRenewal runs a background loop that renews the session lease
// shortly before it expires. The renewal point is ttl minus the configured
// safety buffer; when renewal fails the client falls back to a full
// re-authentication. Non-renewable or TTL-less sessions are left alone.
func (c *Client) StartRenewal(ctx context.Context) {
	c.mu.Lock()
	if c.renewStop != nil {
		c.mu.Unlock()
		return
	}
	c.renewStop = make(chan struct{})
	stop := c.renewStop
	c.mu.Unlock()

	c.renewWG.Add(1)
	go c.renewLoop(ctx, stop)
}

// StopRenewal stops the renewal loop. Safe to call multiple times.
func (c *Client) StopRenewal() {
	c.mu.Lock()
	if c.renewStop == nil {
		c.mu.Unlock()
		return
	}
	close(c.renewStop)
	c.renewStop = nil
	c.mu.Unlock()
	c.renewWG.Wait()
}

func (c *Client) renewLoop(ctx context.Context, stop chan struct{}) {
	defer c.renewWG.Done()

	for {
		lease := c.Lease()
		if lease.TTL <= 0 {
			// Static token session, nothing to renew.
			return
		}

		wait := lease.TTL - c.config.SafetyBuffer
		if wait < time.Second {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.renewSelf(ctx); err != nil {
			c.logger.Warn("lease renewal failed, re-authenticating: %v", err)
			c.cache.Clear()
			c.mu.Lock()
			c.lease = Lease{}
			c.mu.Unlock()
			if err := c.Authenticate(ctx); err != nil {
				c.logger.Error("re-authentication failed: %v", err)
				// Back off before the next attempt so a dead backend is
				// not hammered.
				select {
				case <-ctx.Done():
					return
				case <-stop:
					return
				case <-time.After(10 * time.Second):
				}
			}
		}
	}
}

// renewSelf renews the current session lease in place.
func (c *Client) renewSelf(ctx context.Context) error {
	status, body, err := c.doOnce(ctx, http.MethodPost, "auth/token/renew-self", map[string]interface{}{})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.statusError(status, body, "auth/token/renew-self")
	}

	var resp struct {
		Auth struct {
			ClientToken   string `json:"client_token"`
			LeaseDuration int    `json:"lease_duration"`
			Renewable     bool   `json:"renewable"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}

	c.mu.Lock()
	if resp.Auth.ClientToken != "" {
		c.lease.Token = resp.Auth.ClientToken
	}
	c.lease.TTL = time.Duration(resp.Auth.LeaseDuration) * time.Second
	c.lease.Renewable = resp.Auth.Renewable
	c.lease.IssuedAt = time.Now()
	token, ttl := c.lease.Token, c.lease.TTL
	c.mu.Unlock()

	c.cache.Set(token, ttl)
	c.logger.Debug("lease renewed, ttl %s", ttl)
	return nil
}
