package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tperrors "github.com/trustplane/trustplane/internal/errors"
)

func writeDefinition(t *testing.T, content string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trustplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return &Config{Path: path}
}

func TestLoadValidDefinition(t *testing.T) {
	cfg := writeDefinition(t, `
backend:
  type: vault
  address: https://vault.internal:8200
  timeout_ms: 5000
  auth:
    method: approle
    roleId: role-123
    secretId: secret-456
  safetyBuffer: 45s

encryption:
  defaultKeyId: app-master
  keyCacheTtl: 10m
  strictFieldFailure: true
  rules:
    - pattern: "*_secret"
      keyId: app-master

mtls:
  expiryThresholdDays: 30
  contexts:
    api:
      certPath: tls/api/cert
      keyPath: tls/api/key
      clientAuth: require-verify

rotation:
  historyLimit: 20
  policies:
    app/database:
      type: database-credential
      interval: weekly
      strategy: blue-green
      gracePeriod: 1h

breakGlass:
  procedures:
    - id: db-outage
      name: Database outage response
      requiredApprovals: 2
      timeLimit: 1h
      allowedActions:
        - type: reveal-secret
          resourcePattern: database/*
      emergencyContacts:
        - oncall@example.com

facade:
  cacheTtl: 5m
  maxRetries: 3
`)

	require.NoError(t, cfg.Load())
	def := cfg.Definition
	require.NotNil(t, def)

	assert.Equal(t, "vault", def.Backend.Type)
	assert.Equal(t, 5*time.Second, def.Backend.GetTimeout())
	assert.Equal(t, 45*time.Second, def.Backend.GetSafetyBuffer())
	assert.Equal(t, "approle", def.Backend.Auth.Method)

	assert.True(t, def.Encryption.StrictFieldFailure)
	assert.Equal(t, 10*time.Minute, def.Encryption.KeyCacheTTL.Std())

	require.Contains(t, def.MTLS.Contexts, "api")
	assert.Equal(t, "require-verify", def.MTLS.Contexts["api"].ClientAuth)

	policy := def.Rotation.Policies["app/database"]
	assert.Equal(t, "weekly", policy.Interval)
	assert.Equal(t, time.Hour, policy.GracePeriod.Std())

	require.Len(t, def.BreakGlass.Procedures, 1)
	assert.Equal(t, 2, def.BreakGlass.Procedures[0].RequiredApprovals)
	assert.Equal(t, time.Hour, def.BreakGlass.Procedures[0].TimeLimit.Std())
}

func TestLoadDefaults(t *testing.T) {
	cfg := writeDefinition(t, `
backend:
  type: aws
  region: eu-west-1
`)
	require.NoError(t, cfg.Load())
	assert.Equal(t, 30*time.Second, cfg.Definition.Backend.GetTimeout())
	assert.Equal(t, 30*time.Second, cfg.Definition.Backend.GetSafetyBuffer())
}

func TestDerivationFloorAccepted(t *testing.T) {
	cfg := writeDefinition(t, `
backend:
  type: vault
encryption:
  derivation:
    time: 1
    memoryKb: 1024
`)
	require.NoError(t, cfg.Load())
	assert.Equal(t, uint32(1), cfg.Definition.Encryption.Derivation.Time)
	assert.Equal(t, uint32(1024), cfg.Definition.Encryption.Derivation.MemoryKB)
}

func TestLoadMissingFile(t *testing.T) {
	cfg := &Config{Path: filepath.Join(t.TempDir(), "absent.yaml")}
	err := cfg.Load()
	require.Error(t, err)
	var configErr tperrors.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Contains(t, configErr.Suggestion, "--config")
}

func TestLoadRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantIn  string
	}{
		{
			name: "unknown_backend_type",
			content: `
backend:
  type: consul
`,
			wantIn: "backend.type",
		},
		{
			name: "unknown_auth_method",
			content: `
backend:
  type: vault
  auth:
    method: ldap
`,
			wantIn: "auth.method",
		},
		{
			name: "derivation_below_memory_floor",
			content: `
backend:
  type: vault
encryption:
  derivation:
    memoryKb: 512
`,
			wantIn: "memoryKb",
		},
		{
			name: "unknown_rotation_interval",
			content: `
backend:
  type: vault
rotation:
  policies:
    app/key:
      type: api-key
      interval: hourly
`,
			wantIn: "interval",
		},
		{
			name: "unknown_client_auth",
			content: `
backend:
  type: vault
mtls:
  contexts:
    api:
      certPath: tls/api/cert
      keyPath: tls/api/key
      clientAuth: optional
`,
			wantIn: "clientAuth",
		},
		{
			name: "duplicate_procedure_id",
			content: `
backend:
  type: vault
breakGlass:
  procedures:
    - id: p1
      name: First
      timeLimit: 1h
      allowedActions:
        - type: reveal-secret
    - id: p1
      name: Second
      timeLimit: 1h
      allowedActions:
        - type: reveal-secret
`,
			wantIn: "duplicate",
		},
		{
			name: "procedure_without_time_limit",
			content: `
backend:
  type: vault
breakGlass:
  procedures:
    - id: p1
      name: First
      allowedActions:
        - type: reveal-secret
`,
			wantIn: "time limit",
		},
		{
			name: "unknown_break_glass_action",
			content: `
backend:
  type: vault
breakGlass:
  procedures:
    - id: p1
      name: First
      timeLimit: 1h
      allowedActions:
        - type: delete-everything
`,
			wantIn: "allowedActions",
		},
		{
			name: "unsupported_version",
			content: `
version: 3
backend:
  type: vault
`,
			wantIn: "version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := writeDefinition(t, tt.content)
			err := cfg.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantIn)
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cfg := writeDefinition(t, `
backend:
  type: vault
facade:
  cacheTtl: 90s
  retryBackoff: 250ms
`)
	require.NoError(t, cfg.Load())
	assert.Equal(t, 90*time.Second, cfg.Definition.Facade.CacheTTL.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Definition.Facade.RetryBackoff.Std())
}

func TestDurationRejectsGarbage(t *testing.T) {
	cfg := writeDefinition(t, `
backend:
  type: vault
facade:
  cacheTtl: five minutes
`)
	require.Error(t, cfg.Load())
}
