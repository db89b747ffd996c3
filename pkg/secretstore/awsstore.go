package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
)

// SecretsManagerClientAPI defines the AWS Secrets Manager operations used
// by AWSStore. This allows for mocking in tests.
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// AWSStore is a Store backed by AWS Secrets Manager. Secret values are
// stored as JSON documents. The store has no transit, PKI, or dynamic
// credential support; components needing those fall back to local
// implementations per Capabilities.
type AWSStore struct {
	client SecretsManagerClientAPI
	bus    *events.Bus
	region string
}

// AWSStoreConfig configures an AWSStore.
type AWSStoreConfig struct {
	Region string
	// Endpoint overrides the service endpoint (LocalStack, testing).
	Endpoint string
	// Static credentials for testing; the default credential chain is
	// used when empty.
	AccessKeyID     string
	SecretAccessKey string
}

// AWSStoreOption configures an AWSStore.
type AWSStoreOption func(*AWSStore)

// WithSecretsManagerClient sets a custom client (for testing).
func WithSecretsManagerClient(client SecretsManagerClientAPI) AWSStoreOption {
	return func(s *AWSStore) { s.client = client }
}

// WithAWSEventBus attaches a lifecycle event bus.
func WithAWSEventBus(bus *events.Bus) AWSStoreOption {
	return func(s *AWSStore) { s.bus = bus }
}

// NewAWSStore creates a Secrets Manager backed store.
func NewAWSStore(cfg AWSStoreConfig, opts ...AWSStoreOption) (*AWSStore, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	s := &AWSStore{region: cfg.Region}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		configOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		var clientOpts []func(*secretsmanager.Options)
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		s.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	}
	return s, nil
}

// Name implements Store.
func (s *AWSStore) Name() string { return "aws" }

// Capabilities implements Store.
func (s *AWSStore) Capabilities() Capabilities {
	return Capabilities{
		SupportsVersioning: true,
		AuthMethods:        []string{"iam"},
	}
}

// Get implements Store. A missing secret returns (nil, nil).
func (s *AWSStore) Get(ctx context.Context, path string) (*SecretRecord, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(path),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, nil
		}
		return nil, s.mapError(err)
	}

	value := decodeJSONValue(aws.ToString(out.SecretString))

	record := &SecretRecord{
		Path:  path,
		Value: value,
		Meta:  Metadata{Tags: map[string]string{}},
	}
	if out.VersionId != nil {
		record.Meta.Tags["version_id"] = *out.VersionId
	}
	if out.CreatedDate != nil {
		record.Meta.CreatedAt = *out.CreatedDate
	}

	s.publish(events.Event{Type: events.TypeSecretRead, Subject: path, Source: s.Name(), Success: true})
	return record, nil
}

// Put implements Store. Creates the secret on first write, adds a new
// version afterwards.
func (s *AWSStore) Put(ctx context.Context, path string, value map[string]interface{}, metadata *Metadata) (*SecretRecord, error) {
	doc, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret value: %w", err)
	}
	payload := string(doc)

	_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(path),
		SecretString: aws.String(payload),
	})
	if err != nil {
		if !isAWSNotFound(err) {
			return nil, s.mapError(err)
		}
		createIn := &secretsmanager.CreateSecretInput{
			Name:         aws.String(path),
			SecretString: aws.String(payload),
		}
		if metadata != nil {
			createIn.Tags = awsTags(*metadata)
		}
		if _, err := s.client.CreateSecret(ctx, createIn); err != nil {
			return nil, s.mapError(err)
		}
	}

	record := &SecretRecord{Path: path, Value: value}
	if metadata != nil {
		record.Meta = *metadata
	}
	record.Meta.UpdatedAt = time.Now()

	s.publish(events.Event{Type: events.TypeSecretStored, Subject: path, Source: s.Name(), Success: true})
	return record, nil
}

// Delete implements Store. The secret is deleted without a recovery
// window so a subsequent create with the same name succeeds.
func (s *AWSStore) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(path),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil && !isAWSNotFound(err) {
		return s.mapError(err)
	}

	s.publish(events.Event{Type: events.TypeSecretDeleted, Subject: path, Source: s.Name(), Success: true})
	return nil
}

// List implements Store.
func (s *AWSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	var nextToken *string
	for {
		out, err := s.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
			NextToken: nextToken,
		})
		if err != nil {
			return nil, s.mapError(err)
		}
		for _, entry := range out.SecretList {
			name := aws.ToString(entry.Name)
			if prefix == "" || strings.HasPrefix(name, strings.Trim(prefix, "/")) {
				names = append(names, name)
			}
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return names, nil
}

// Validate implements Store.
func (s *AWSStore) Validate(ctx context.Context) error {
	_, err := s.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
	if err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *AWSStore) publish(event events.Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

func (s *AWSStore) mapError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "UnrecognizedClient"),
		strings.Contains(msg, "InvalidSignature"), strings.Contains(msg, "ExpiredToken"):
		return tperrors.AuthError{Backend: s.Name(), Message: msg}
	case strings.Contains(msg, "Throttling"), strings.Contains(msg, "ServiceUnavailable"),
		strings.Contains(msg, "InternalServiceError"):
		return tperrors.UnavailableError{Backend: s.Name(), Err: err}
	default:
		return fmt.Errorf("aws secrets manager: %w", err)
	}
}

func isAWSNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}

// decodeJSONValue parses a stored secret string. Plain-string secrets are
// wrapped under a conventional "value" key.
func decodeJSONValue(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var value map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return map[string]interface{}{"value": raw}
	}
	return value
}

func awsTags(meta Metadata) []types.Tag {
	var tags []types.Tag
	add := func(key, value string) {
		if value != "" {
			tags = append(tags, types.Tag{Key: aws.String(key), Value: aws.String(value)})
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
