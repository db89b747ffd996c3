package secretstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/internal/logging"
)

// DefaultTimeout is the default HTTP timeout for backend requests.
const DefaultTimeout = 30 * time.Second

// DefaultSafetyBuffer is subtracted from the lease TTL to pick the
// renewal point.
const DefaultSafetyBuffer = 30 * time.Second

// ClientConfig configures the Vault-style backend client.
type ClientConfig struct {
	Address   string
	Namespace string
	Timeout   time.Duration

	// AuthMethod is one of: token, approle, kubernetes, aws-iam.
	AuthMethod string
	Token      string
	RoleID     string
	SecretID   string
	Role       string
	// JWTPath is the platform identity token file for kubernetes auth.
	// Defaults to the in-cluster service account token path.
	JWTPath string
	// STSRegion is the region used to sign the identity request for
	// aws-iam auth.
	STSRegion string

	// KVMount is the KV v2 mount point. Defaults to "secret".
	KVMount string

	SafetyBuffer time.Duration
}

// Lease describes an authenticated session with the backend.
type Lease struct {
	Token     string
	TTL       time.Duration
	Policies  []string
	Renewable bool
	IssuedAt  time.Time
}

// Client is an HTTP client for a Vault-style secret backend.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *logging.Logger
	bus        *events.Bus
	cache      TokenCache

	mu    sync.RWMutex
	lease Lease

	renewStop chan struct{}
	renewWG   sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithEventBus attaches a lifecycle event bus.
func WithEventBus(bus *events.Bus) ClientOption {
	return func(c *Client) { c.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) ClientOption {
	return func(c *Client) { c.logger = logger.WithComponent("secretstore") }
}

// WithTokenCache sets the session token cache. The CLI path uses the
// keyring-backed cache; services use the in-memory default.
func WithTokenCache(cache TokenCache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// NewClient creates a backend client. Authenticate must be called before
// secret operations.
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	if cfg.Address == "" {
		return nil, tperrors.ValidationError{
			Field:      "address",
			Message:    "backend address is required",
			Suggestion: "Set backend.address in trustplane.yaml",
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SafetyBuffer <= 0 {
		cfg.SafetyBuffer = DefaultSafetyBuffer
	}
	if cfg.KVMount == "" {
		cfg.KVMount = "secret"
	}

	c := &Client{
		config: cfg,
		logger: logging.New(false, false).WithComponent("secretstore"),
		cache:  NewMemoryTokenCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return c, nil
}

// Name implements Store.
func (c *Client) Name() string { return "vault" }

// Capabilities implements Store. The Vault-style backend supports the
// full feature set.
func (c *Client) Capabilities() Capabilities {
	return Capabilities{
		SupportsVersioning:   true,
		SupportsTransit:      true,
		SupportsPKI:          true,
		SupportsDynamicCreds: true,
		AuthMethods:          []string{"token", "approle", "kubernetes", "aws-iam"},
	}
}

// Lease returns a copy of the current session lease.
func (c *Client) Lease() Lease {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lease
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lease.Token
}

// Authenticate establishes a session using the configured method. A token
// already cached for this backend is reused when still valid.
func (c *Client) Authenticate(ctx context.Context) error {
	if cached, ok := c.cache.Get(); ok {
		c.mu.Lock()
		c.lease.Token = cached
		c.mu.Unlock()
		if err := c.validateToken(ctx); err == nil {
			return nil
		}
		c.cache.Clear()
		c.mu.Lock()
		c.lease = Lease{}
		c.mu.Unlock()
	}

	var err error
	switch c.config.AuthMethod {
	case "", "token":
		err = c.authenticateToken(ctx)
	case "approle":
		err = c.authenticateAppRole(ctx)
	case "kubernetes":
		err = c.authenticateKubernetes(ctx)
	case "aws-iam":
		err = c.authenticateAWSIAM(ctx)
	default:
		err = tperrors.ValidationError{
			Field:      "auth.method",
			Value:      c.config.AuthMethod,
			Message:    "unsupported auth method",
			Suggestion: "Use one of: token, approle, kubernetes, aws-iam",
		}
	}

	if err != nil {
		c.publish(events.Event{
			Type:    events.TypeAuthFailed,
			Subject: c.config.Address,
			Source:  c.Name(),
			Error:   err.Error(),
		})
		return err
	}

	lease := c.Lease()
	if lease.TTL > 0 {
		c.cache.Set(lease.Token, lease.TTL)
	} else {
		c.cache.Set(lease.Token, 0)
	}
	c.logger.Debug("authenticated via %s, lease ttl %s", c.config.AuthMethod, lease.TTL)
	return nil
}

func (c *Client) authenticateToken(ctx context.Context) error {
	token := c.config.Token
	if token == "" {
		token = os.Getenv("TRUSTPLANE_TOKEN")
	}
	if token == "" {
		return tperrors.AuthError{
			Backend: c.Name(),
			Message: "no token found in config or TRUSTPLANE_TOKEN environment variable",
		}
	}

	c.mu.Lock()
	c.lease = Lease{Token: token, IssuedAt: time.Now()}
	c.mu.Unlock()
	return c.validateToken(ctx)
}

func (c *Client) authenticateAppRole(ctx context.Context) error {
	if c.config.RoleID == "" || c.config.SecretID == "" {
		return tperrors.AuthError{
			Backend: c.Name(),
			Message: "approle auth requires both role id and secret id",
		}
	}
	return c.performLogin(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   c.config.RoleID,
		"secret_id": c.config.SecretID,
	})
}

func (c *Client) authenticateKubernetes(ctx context.Context) error {
	tokenPath := c.config.JWTPath
	if tokenPath == "" {
		tokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	}
	jwt, err := os.ReadFile(tokenPath)
	if err != nil {
		return tperrors.AuthError{
			Backend: c.Name(),
			Message: fmt.Sprintf("failed to read platform identity token: %v", err),
		}
	}
	return c.performLogin(ctx, "auth/kubernetes/login", map[string]interface{}{
		"role": c.config.Role,
		"jwt":  strings.TrimSpace(string(jwt)),
	})
}

// performLogin posts credentials to an auth mount and records the lease.
func (c *Client) performLogin(ctx context.Context, authPath string, authData map[string]interface{}) error {
	body, err := json.Marshal(authData)
	if err != nil {
		return fmt.Errorf("failed to marshal auth data: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, authPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tperrors.UnavailableError{Backend: c.Name(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return tperrors.AuthError{
			Backend: c.Name(),
			Message: fmt.Sprintf("login returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var authResp struct {
		Auth struct {
			ClientToken   string   `json:"client_token"`
			Policies      []string `json:"policies"`
			LeaseDuration int      `json:"lease_duration"`
			Renewable     bool     `json:"renewable"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}
	if authResp.Auth.ClientToken == "" {
		return tperrors.AuthError{Backend: c.Name(), Message: "no token received from backend"}
	}

	c.mu.Lock()
	c.lease = Lease{
		Token:     authResp.Auth.ClientToken,
		TTL:       time.Duration(authResp.Auth.LeaseDuration) * time.Second,
		Policies:  authResp.Auth.Policies,
		Renewable: authResp.Auth.Renewable,
		IssuedAt:  time.Now(),
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) validateToken(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "auth/token/lookup-self", nil)
	if err != nil {
		return err
	}
	req.Header.Set(tokenHeader, c.token())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tperrors.UnavailableError{Backend: c.Name(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return tperrors.AuthError{
			Backend: c.Name(),
			Message: fmt.Sprintf("token validation failed with status %d", resp.StatusCode),
		}
	}
	return nil
}

const tokenHeader = "X-Vault-Token"

func (c *Client) newRequest(ctx context.Context, method, apiPath string, body io.Reader) (*http.Request, error) {
	url := strings.TrimSuffix(c.config.Address, "/") + "/v1/" + strings.TrimPrefix(apiPath, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}
	return req, nil
}

// doAuthed performs an authenticated request. On a 403 the session is
// assumed expired; one transparent re-authentication is attempted before
// the request is retried.
func (c *Client) doAuthed(ctx context.Context, method, apiPath string, payload interface{}) (int, []byte, error) {
	status, respBody, err := c.doOnce(ctx, method, apiPath, payload)
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusForbidden {
		c.logger.Debug("session rejected, re-authenticating")
		c.cache.Clear()
		c.mu.Lock()
		c.lease = Lease{}
		c.mu.Unlock()
		if err := c.Authenticate(ctx); err != nil {
			return 0, nil, err
		}
		return c.doOnce(ctx, method, apiPath, payload)
	}
	return status, respBody, nil
}

func (c *Client) doOnce(ctx context.Context, method, apiPath string, payload interface{}) (int, []byte, error) {
	token := c.token()
	if token == "" {
		return 0, nil, tperrors.AuthError{Backend: c.Name(), Message: "not authenticated"}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, apiPath, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(tokenHeader, token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, tperrors.UnavailableError{Backend: c.Name(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) kvPath(kind, path string) string {
	return c.config.KVMount + "/" + kind + "/" + strings.Trim(path, "/")
}

// Get implements Store. A missing secret returns (nil, nil).
func (c *Client) Get(ctx context.Context, path string) (*SecretRecord, error) {
	status, body, err := c.doAuthed(ctx, http.MethodGet, c.kvPath("data", path), nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, c.statusError(status, body, path)
	}

	var resp struct {
		Data struct {
			Data     map[string]interface{} `json:"data"`
			Metadata struct {
				Version     int               `json:"version"`
				CreatedTime time.Time         `json:"created_time"`
				Custom      map[string]string `json:"custom_metadata"`
			} `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode secret response: %w", err)
	}

	record := &SecretRecord{
		Path:    path,
		Value:   resp.Data.Data,
		Version: resp.Data.Metadata.Version,
		Meta:    metadataFromCustom(resp.Data.Metadata.Custom),
	}
	record.Meta.CreatedAt = resp.Data.Metadata.CreatedTime

	c.publish(events.Event{
		Type: events.TypeSecretRead, Subject: path, Source: c.Name(), Success: true,
	})
	return record, nil
}

// Put implements Store.
func (c *Client) Put(ctx context.Context, path string, value map[string]interface{}, metadata *Metadata) (*SecretRecord, error) {
	payload := map[string]interface{}{"data": value}
	status, body, err := c.doAuthed(ctx, http.MethodPost, c.kvPath("data", path), payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return nil, c.statusError(status, body, path)
	}

	version := 0
	if status == http.StatusOK {
		var resp struct {
			Data struct {
				Version int `json:"version"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err == nil {
			version = resp.Data.Version
		}
	}

	if metadata != nil {
		metaPayload := map[string]interface{}{"custom_metadata": customFromMetadata(*metadata)}
		if status, body, err := c.doAuthed(ctx, http.MethodPost, c.kvPath("metadata", path), metaPayload); err != nil {
			return nil, err
		} else if status != http.StatusOK && status != http.StatusNoContent {
			return nil, c.statusError(status, body, path)
		}
	}

	record := &SecretRecord{Path: path, Value: value, Version: version}
	if metadata != nil {
		record.Meta = *metadata
	}

	c.publish(events.Event{
		Type: events.TypeSecretStored, Subject: path, Source: c.Name(), Success: true,
		Metadata: map[string]interface{}{"version": version},
	})
	return record, nil
}

// Delete implements Store. Removes the secret and all its versions.
func (c *Client) Delete(ctx context.Context, path string) error {
	status, body, err := c.doAuthed(ctx, http.MethodDelete, c.kvPath("metadata", path), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound {
		return c.statusError(status, body, path)
	}

	c.publish(events.Event{
		Type: events.TypeSecretDeleted, Subject: path, Source: c.Name(), Success: true,
	})
	return nil
}

// List implements Store.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	status, body, err := c.doAuthed(ctx, "LIST", c.kvPath("metadata", prefix), nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return []string{}, nil
	default:
		return nil, c.statusError(status, body, prefix)
	}

	var resp struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}
	return resp.Data.Keys, nil
}

// Validate implements Store.
func (c *Client) Validate(ctx context.Context) error {
	if c.token() == "" {
		return c.Authenticate(ctx)
	}
	return c.validateToken(ctx)
}

// statusError maps a backend HTTP status to the error taxonomy.
func (c *Client) statusError(status int, body []byte, path string) error {
	msg := strings.TrimSpace(string(body))
	switch status {
	case http.StatusNotFound:
		return tperrors.NotFoundError{Resource: "secret", Path: path}
	case http.StatusForbidden, http.StatusUnauthorized:
		return tperrors.AuthError{Backend: c.Name(), Message: msg}
	case http.StatusTooManyRequests, http.StatusServiceUnavailable,
		http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusInternalServerError:
		return tperrors.UnavailableError{
			Backend: c.Name(),
			Err:     fmt.Errorf("status %d: %s", status, msg),
		}
	default:
		return fmt.Errorf("backend returned status %d: %s", status, msg)
	}
}

func (c *Client) publish(event events.Event) {
	if c.bus != nil {
		c.bus.Publish(event)
	}
}

// Close stops the renewal loop and drops the session.
func (c *Client) Close() error {
	c.StopRenewal()
	c.mu.Lock()
	c.lease = Lease{}
	c.mu.Unlock()
	return nil
}

func metadataFromCustom(custom map[string]string) Metadata {
	meta := Metadata{Tags: map[string]string{}}
	for k, v := range custom {
		switch k {
		case "classification":
			meta.Classification = v
		case "environment":
			meta.Environment = v
		case "owner":
			meta.Owner = v
		case "expires_at":
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				meta.ExpiresAt = t
			}
		default:
			meta.Tags[k] = v
		}
	}
	return meta
}

func customFromMetadata(meta Metadata) map[string]string {
	custom := make(map[string]string)
	if meta.Classification != "" {
		custom["classification"] = meta.Classification
	}
	if meta.Environment != "" {
		custom["environment"] = meta.Environment
	}
	if meta.Owner != "" {
		custom["owner"] = meta.Owner
	}
	if !meta.ExpiresAt.IsZero() {
		custom["expires_at"] = meta.ExpiresAt.Format(time.RFC3339)
	}
	for k, v := range meta.Tags {
		custom[k] = v
	}
	return custom
}
