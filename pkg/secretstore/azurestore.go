package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
)

// AzureKeyVaultAPI defines the Key Vault operations used by AzureStore.
// This allows for mocking in tests; fake pagers are built with
// runtime.NewPager.
type AzureKeyVaultAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
	NewListSecretPropertiesPager(options *azsecrets.ListSecretPropertiesOptions) *runtime.Pager[azsecrets.ListSecretPropertiesResponse]
}

// AzureStore is a Store backed by Azure Key Vault. Key Vault secret names
// only allow letters, digits, and hyphens, so slash-separated paths are
// encoded with "--" separators.
type AzureStore struct {
	client   AzureKeyVaultAPI
	bus      *events.Bus
	vaultURL string
}

// AzureStoreConfig configures an AzureStore.
type AzureStoreConfig struct {
	VaultURL string
	TenantID string
	ClientID string
	// ClientSecret enables service principal auth; DefaultAzureCredential
	// (managed identity, CLI, environment) is used when empty.
	ClientSecret string
}

// AzureStoreOption configures an AzureStore.
type AzureStoreOption func(*AzureStore)

// WithAzureClient sets a custom Key Vault client (for testing).
func WithAzureClient(client AzureKeyVaultAPI) AzureStoreOption {
	return func(s *AzureStore) { s.client = client }
}

// WithAzureEventBus attaches a lifecycle event bus.
func WithAzureEventBus(bus *events.Bus) AzureStoreOption {
	return func(s *AzureStore) { s.bus = bus }
}

// NewAzureStore creates a Key Vault backed store.
func NewAzureStore(cfg AzureStoreConfig, opts ...AzureStoreOption) (*AzureStore, error) {
	if cfg.VaultURL == "" {
		return nil, tperrors.ConfigError{
			Field:      "backend.vaultUrl",
			Message:    "vault URL is required for the Azure backend",
			Suggestion: "Set backend.vaultUrl to https://<name>.vault.azure.net",
		}
	}

	s := &AzureStore{vaultURL: cfg.VaultURL}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		var cred azcore.TokenCredential
		var err error
		if cfg.ClientSecret != "" {
			cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		} else {
			cred, err = azidentity.NewDefaultAzureCredential(nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
		client, err := azsecrets.NewClient(cfg.VaultURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
		}
		s.client = client
	}
	return s, nil
}

// Name implements Store.
func (s *AzureStore) Name() string { return "azure" }

// Capabilities implements Store.
func (s *AzureStore) Capabilities() Capabilities {
	return Capabilities{
		SupportsVersioning: true,
		AuthMethods:        []string{"managed-identity", "service-principal"},
	}
}

func (s *AzureStore) secretName(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", "--")
}

// Get implements Store. A missing secret returns (nil, nil).
func (s *AzureStore) Get(ctx context.Context, path string) (*SecretRecord, error) {
	resp, err := s.client.GetSecret(ctx, s.secretName(path), "", nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, nil
		}
		return nil, s.mapError(err)
	}

	record := &SecretRecord{
		Path:  path,
		Value: decodeJSONValue(deref(resp.Value)),
		Meta:  Metadata{Tags: map[string]string{}},
	}
	if resp.ID != nil {
		record.Meta.Tags["version_id"] = resp.ID.Version()
	}
	if resp.Attributes != nil && resp.Attributes.Created != nil {
		record.Meta.CreatedAt = *resp.Attributes.Created
	}

	s.publish(events.Event{Type: events.TypeSecretRead, Subject: path, Source: s.Name(), Success: true})
	return record, nil
}

// Put implements Store. Key Vault creates a new version on every set.
func (s *AzureStore) Put(ctx context.Context, path string, value map[string]interface{}, metadata *Metadata) (*SecretRecord, error) {
	doc, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret value: %w", err)
	}

	params := azsecrets.SetSecretParameters{Value: to.Ptr(string(doc))}
	if metadata != nil {
		params.Tags = azureTags(*metadata)
	}
	if _, err := s.client.SetSecret(ctx, s.secretName(path), params, nil); err != nil {
		return nil, s.mapError(err)
	}

	record := &SecretRecord{Path: path, Value: value}
	if metadata != nil {
		record.Meta = *metadata
	}

	s.publish(events.Event{Type: events.TypeSecretStored, Subject: path, Source: s.Name(), Success: true})
	return record, nil
}

// Delete implements Store.
func (s *AzureStore) Delete(ctx context.Context, path string) error {
	if _, err := s.client.DeleteSecret(ctx, s.secretName(path), nil); err != nil && !isAzureNotFound(err) {
		return s.mapError(err)
	}

	s.publish(events.Event{Type: events.TypeSecretDeleted, Subject: path, Source: s.Name(), Success: true})
	return nil
}

// List implements Store.
func (s *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	encodedPrefix := s.secretName(prefix)
	pager := s.client.NewListSecretPropertiesPager(nil)

	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, s.mapError(err)
		}
		for _, item := range page.Value {
			if item.ID == nil {
				continue
			}
			name := item.ID.Name()
			if encodedPrefix == "" || strings.HasPrefix(name, encodedPrefix) {
				names = append(names, strings.ReplaceAll(name, "--", "/"))
			}
		}
	}
	return names, nil
}

// Validate implements Store.
func (s *AzureStore) Validate(ctx context.Context) error {
	pager := s.client.NewListSecretPropertiesPager(nil)
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			return s.mapError(err)
		}
	}
	return nil
}

func (s *AzureStore) publish(event events.Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

func (s *AzureStore) mapError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 401, 403:
			return tperrors.AuthError{Backend: s.Name(), Message: respErr.Error()}
		case 429, 500, 502, 503, 504:
			return tperrors.UnavailableError{Backend: s.Name(), Err: err}
		}
	}
	return fmt.Errorf("azure key vault: %w", err)
}

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func azureTags(meta Metadata) map[string]*string {
	tags := make(map[string]*string)
	add := func(key, value string) {
		if value != "" {
			tags[key] = to.Ptr(value)
		}
	}
	add("classification", meta.Classification)
	add("environment", meta.Environment)
	add("owner", meta.Owner)
	for k, v := range meta.Tags {
		add(k, v)
	}
	return tags
}
