package secretstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// mockSecretsManager implements SecretsManagerClientAPI in memory.
type mockSecretsManager struct {
	secrets map[string]string
}

func newMockSecretsManager() *mockSecretsManager {
	return &mockSecretsManager{secrets: make(map[string]string)}
}

func (m *mockSecretsManager) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	value, ok := m.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	return &secretsmanager.GetSecretValueOutput{
		Name:         params.SecretId,
		SecretString: aws.String(value),
		VersionId:    aws.String("v1"),
	}, nil
}

func (m *mockSecretsManager) CreateSecret(_ context.Context, params *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	m.secrets[aws.ToString(params.Name)] = aws.ToString(params.SecretString)
	return &secretsmanager.CreateSecretOutput{Name: params.Name}, nil
}

func (m *mockSecretsManager) PutSecretValue(_ context.Context, params *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	name := aws.ToString(params.SecretId)
	if _, ok := m.secrets[name]; !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	m.secrets[name] = aws.ToString(params.SecretString)
	return &secretsmanager.PutSecretValueOutput{Name: params.SecretId}, nil
}

func (m *mockSecretsManager) DeleteSecret(_ context.Context, params *secretsmanager.DeleteSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	delete(m.secrets, aws.ToString(params.SecretId))
	return &secretsmanager.DeleteSecretOutput{Name: params.SecretId}, nil
}

func (m *mockSecretsManager) ListSecrets(_ context.Context, _ *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	out := &secretsmanager.ListSecretsOutput{}
	for name := range m.secrets {
		out.SecretList = append(out.SecretList, types.SecretListEntry{Name: aws.String(name)})
	}
	return out, nil
}

func newTestAWSStore(t *testing.T) (*AWSStore, *mockSecretsManager) {
	t.Helper()
	mock := newMockSecretsManager()
	store, err := NewAWSStore(AWSStoreConfig{Region: "us-east-1"}, WithSecretsManagerClient(mock))
	if err != nil {
		t.Fatalf("NewAWSStore: %v", err)
	}
	return store, mock
}

func TestAWSStoreCapabilities(t *testing.T) {
	store, _ := newTestAWSStore(t)
	caps := store.Capabilities()
	if !caps.SupportsVersioning {
		t.Error("expected versioning support")
	}
	if caps.SupportsTransit || caps.SupportsPKI || caps.SupportsDynamicCreds {
		t.Error("AWS store must not advertise transit, PKI, or dynamic credentials")
	}
}

func TestAWSStoreRoundTrip(t *testing.T) {
	store, _ := newTestAWSStore(t)
	ctx := context.Background()

	value := map[string]interface{}{"api_key": "abc123"}
	if _, err := store.Put(ctx, "app/api", value, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	record, err := store.Get(ctx, "app/api")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record == nil {
		t.Fatal("expected record")
	}
	if record.Value["api_key"] != "abc123" {
		t.Errorf("unexpected value: %+v", record.Value)
	}

	names, err := store.List(ctx, "app")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "app/api" {
		t.Errorf("unexpected names: %v", names)
	}

	if err := store.Delete(ctx, "app/api"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	record, err = store.Get(ctx, "app/api")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if record != nil {
		t.Error("expected secret gone after delete")
	}
}

func TestAWSStoreMissingSecretReturnsNil(t *testing.T) {
	store, _ := newTestAWSStore(t)
	record, err := store.Get(context.Background(), "does/not/exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record != nil {
		t.Errorf("expected nil record, got %+v", record)
	}
}

func TestAWSStorePlainStringWrapped(t *testing.T) {
	store, mock := newTestAWSStore(t)
	mock.secrets["legacy"] = "not-json"

	record, err := store.Get(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Value["value"] != "not-json" {
		t.Errorf("expected plain string wrapped under value key, got %+v", record.Value)
	}
}
