package secretstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
)

// GCPSecretManagerAPI defines the Secret Manager operations used by
// GCPStore. This allows for mocking in tests.
type GCPSecretManagerAPI interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest, opts ...gax.CallOption) error
	ListSecrets(ctx context.Context, req *secretmanagerpb.ListSecretsRequest, opts ...gax.CallOption) *secretmanager.SecretIterator
}

// GCPStore is a Store backed by Google Cloud Secret Manager. Secret paths
// map to secret ids with slashes encoded, since Secret Manager ids only
// allow letters, digits, hyphens, and underscores.
type GCPStore struct {
	client    GCPSecretManagerAPI
	bus       *events.Bus
	projectID string
}

// GCPStoreConfig configures a GCPStore.
type GCPStoreConfig struct {
	ProjectID string
	// ServiceAccountKeyPath points at a credentials file; application
	// default credentials are used when empty.
	ServiceAccountKeyPath string
}

// GCPStoreOption configures a GCPStore.
type GCPStoreOption func(*GCPStore)

// WithGCPClient sets a custom Secret Manager client (for testing).
func WithGCPClient(client GCPSecretManagerAPI) GCPStoreOption {
	return func(s *GCPStore) { s.client = client }
}

// WithGCPEventBus attaches a lifecycle event bus.
func WithGCPEventBus(bus *events.Bus) GCPStoreOption {
	return func(s *GCPStore) { s.bus = bus }
}

// NewGCPStore creates a Secret Manager backed store.
func NewGCPStore(ctx context.Context, cfg GCPStoreConfig, opts ...GCPStoreOption) (*GCPStore, error) {
	if cfg.ProjectID == "" {
		cfg.ProjectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if cfg.ProjectID == "" {
		return nil, tperrors.ConfigError{
			Field:      "backend.project",
			Message:    "project id is required for the GCP backend",
			Suggestion: "Set backend.project in trustplane.yaml or GOOGLE_CLOUD_PROJECT in the environment",
		}
	}

	s := &GCPStore{projectID: cfg.ProjectID}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		var clientOpts []option.ClientOption
		if cfg.ServiceAccountKeyPath != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.ServiceAccountKeyPath))
		}
		client, err := secretmanager.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create secret manager client: %w", err)
		}
		s.client = client
	}
	return s, nil
}

// Name implements Store.
func (s *GCPStore) Name() string { return "gcp" }

// Capabilities implements Store.
func (s *GCPStore) Capabilities() Capabilities {
	return Capabilities{
		SupportsVersioning: true,
		AuthMethods:        []string{"iam"},
	}
}

// secretID encodes a slash-separated path into a valid secret id.
func (s *GCPStore) secretID(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", "__")
}

func (s *GCPStore) secretName(path string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", s.projectID, s.secretID(path))
}

// Get implements Store. A missing secret returns (nil, nil).
func (s *GCPStore) Get(ctx context.Context, path string) (*SecretRecord, error) {
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.secretName(path) + "/versions/latest",
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, s.mapError(err)
	}

	record := &SecretRecord{
		Path:  path,
		Value: decodeJSONValue(string(resp.GetPayload().GetData())),
		Meta:  Metadata{Tags: map[string]string{}},
	}
	// Version resource names end in ".../versions/N".
	if name := resp.GetName(); name != "" {
		if idx := strings.LastIndex(name, "/"); idx != -1 {
			fmt.Sscanf(name[idx+1:], "%d", &record.Version)
		}
	}

	s.publish(events.Event{Type: events.TypeSecretRead, Subject: path, Source: s.Name(), Success: true})
	return record, nil
}

// Put implements Store. Creates the secret container on first write, then
// adds a new version.
func (s *GCPStore) Put(ctx context.Context, path string, value map[string]interface{}, metadata *Metadata) (*SecretRecord, error) {
	doc, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret value: %w", err)
	}

	_, err = s.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + s.projectID,
		SecretId: s.secretID(path),
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
			Labels: gcpLabels(metadata),
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, s.mapError(err)
	}

	version, err := s.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  s.secretName(path),
		Payload: &secretmanagerpb.SecretPayload{Data: doc},
	})
	if err != nil {
		return nil, s.mapError(err)
	}

	record := &SecretRecord{Path: path, Value: value}
	if metadata != nil {
		record.Meta = *metadata
	}
	if name := version.GetName(); name != "" {
		if idx := strings.LastIndex(name, "/"); idx != -1 {
			fmt.Sscanf(name[idx+1:], "%d", &record.Version)
		}
	}

	s.publish(events.Event{Type: events.TypeSecretStored, Subject: path, Source: s.Name(), Success: true})
	return record, nil
}

// Delete implements Store.
func (s *GCPStore) Delete(ctx context.Context, path string) error {
	err := s.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{
		Name: s.secretName(path),
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return s.mapError(err)
	}

	s.publish(events.Event{Type: events.TypeSecretDeleted, Subject: path, Source: s.Name(), Success: true})
	return nil
}

// List implements Store.
func (s *GCPStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.ListSecrets(ctx, &secretmanagerpb.ListSecretsRequest{
		Parent: "projects/" + s.projectID,
	})

	encodedPrefix := s.secretID(prefix)
	var names []string
	for {
		secret, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, s.mapError(err)
		}
		name := secret.GetName()
		if idx := strings.LastIndex(name, "/"); idx != -1 {
			name = name[idx+1:]
		}
		if encodedPrefix == "" || strings.HasPrefix(name, encodedPrefix) {
			names = append(names, strings.ReplaceAll(name, "__", "/"))
		}
	}
	return names, nil
}

// Validate implements Store.
func (s *GCPStore) Validate(ctx context.Context) error {
	it := s.client.ListSecrets(ctx, &secretmanagerpb.ListSecretsRequest{
		Parent:   "projects/" + s.projectID,
		PageSize: 1,
	})
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return s.mapError(err)
	}
	return nil
}

func (s *GCPStore) publish(event events.Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

func (s *GCPStore) mapError(err error) error {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return tperrors.AuthError{Backend: s.Name(), Message: err.Error()}
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
		return tperrors.UnavailableError{Backend: s.Name(), Err: err}
	default:
		return fmt.Errorf("gcp secret manager: %w", err)
	}
}

func gcpLabels(metadata *Metadata) map[string]string {
	if metadata == nil {
		return nil
	}
	labels := make(map[string]string)
	if metadata.Classification != "" {
		labels["classification"] = strings.ToLower(metadata.Classification)
	}
	if metadata.Environment != "" {
		labels["environment"] = strings.ToLower(metadata.Environment)
	}
	if metadata.Owner != "" {
		labels["owner"] = strings.ToLower(metadata.Owner)
	}
	return labels
}
