// Package config loads and validates the trustplane.yaml definition.
// Loading is fail-fast: structural problems are caught by JSON schema
// validation, semantic problems (derivation cost floor, bad intervals)
// by Validate. A definition that loads without error is safe to run.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/logging"
)

// Cost floor for passphrase key derivation. Values below this are
// rejected at load time rather than silently weakening derived keys.
// argon2id is memory-hard, so the work factor is carried by the memory
// cost: one pass over the 1 MiB floor already outweighs a classic
// high-iteration PBKDF2 run, and RFC 9106 itself recommends a single
// pass with a large memory size over more passes with less memory.
const (
	MinDerivationTime     = 1
	MinDerivationMemoryKB = 1024
)

// Duration wraps time.Duration with YAML string parsing ("30s", "24h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Definition represents the trustplane.yaml structure.
type Definition struct {
	Version       int                 `yaml:"version"`
	Backend       BackendConfig       `yaml:"backend"`
	Encryption    EncryptionConfig    `yaml:"encryption,omitempty"`
	MTLS          MTLSConfig          `yaml:"mtls,omitempty"`
	Rotation      RotationConfig      `yaml:"rotation,omitempty"`
	BreakGlass    BreakGlassConfig    `yaml:"breakGlass,omitempty"`
	Notifications NotificationsConfig `yaml:"notifications,omitempty"`
	Facade        FacadeConfig        `yaml:"facade,omitempty"`
	AuditDir      string              `yaml:"auditDir,omitempty"`
}

// BackendConfig selects and configures the secret store backend.
type BackendConfig struct {
	// Type is one of: vault, aws, gcp, azure.
	Type      string     `yaml:"type"`
	Address   string     `yaml:"address,omitempty"`
	Namespace string     `yaml:"namespace,omitempty"`
	TimeoutMs int        `yaml:"timeout_ms,omitempty"`
	Auth      AuthConfig `yaml:"auth,omitempty"`

	// SafetyBuffer is subtracted from the lease TTL to pick the renewal
	// point. Defaults to 30s.
	SafetyBuffer Duration `yaml:"safetyBuffer,omitempty"`

	// Cloud backend settings.
	Region   string `yaml:"region,omitempty"`   // aws
	Project  string `yaml:"project,omitempty"`  // gcp
	VaultURL string `yaml:"vaultUrl,omitempty"` // azure key vault
}

// AuthConfig configures backend authentication.
type AuthConfig struct {
	// Method is one of: token, approle, kubernetes, aws-iam.
	Method   string `yaml:"method"`
	Token    string `yaml:"token,omitempty"`
	RoleID   string `yaml:"roleId,omitempty"`
	SecretID string `yaml:"secretId,omitempty"`
	Role     string `yaml:"role,omitempty"`
	// JWTPath is the platform identity token file for kubernetes auth.
	JWTPath string `yaml:"jwtPath,omitempty"`
	// STSRegion is used to sign the identity request for aws-iam auth.
	STSRegion string `yaml:"stsRegion,omitempty"`
	// UseKeyring persists the session token in the OS keyring between
	// CLI invocations.
	UseKeyring bool `yaml:"useKeyring,omitempty"`
}

// GetTimeout returns the backend timeout.
func (b BackendConfig) GetTimeout() time.Duration {
	if b.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// GetSafetyBuffer returns the lease renewal safety buffer.
func (b BackendConfig) GetSafetyBuffer() time.Duration {
	if b.SafetyBuffer <= 0 {
		return 30 * time.Second
	}
	return b.SafetyBuffer.Std()
}

// EncryptionConfig configures the encryption engine.
type EncryptionConfig struct {
	DefaultKeyID string   `yaml:"defaultKeyId,omitempty"`
	KeyCacheTTL  Duration `yaml:"keyCacheTtl,omitempty"`
	// StrictFieldFailure makes object-level encryption fail the whole
	// operation when one field fails, instead of degrading that field to
	// cleartext with a warning.
	StrictFieldFailure bool             `yaml:"strictFieldFailure,omitempty"`
	Derivation         DerivationConfig `yaml:"derivation,omitempty"`
	Rules              []FieldRule      `yaml:"rules,omitempty"`
}

// DerivationConfig holds argon2id parameters for passphrase-derived keys.
type DerivationConfig struct {
	Time     uint32 `yaml:"time,omitempty"`
	MemoryKB uint32 `yaml:"memoryKb,omitempty"`
	Threads  uint8  `yaml:"threads,omitempty"`
}

// FieldRule maps a field name or glob pattern to an encryption key.
type FieldRule struct {
	Pattern string `yaml:"pattern"`
	KeyID   string `yaml:"keyId,omitempty"`
}

// MTLSConfig configures TLS contexts and the expiry watcher.
type MTLSConfig struct {
	ExpiryThresholdDays int                      `yaml:"expiryThresholdDays,omitempty"`
	WatchInterval       Duration                 `yaml:"watchInterval,omitempty"`
	Contexts            map[string]ContextConfig `yaml:"contexts,omitempty"`
}

// ContextConfig describes one named TLS context. Paths are secret store
// paths holding PEM material, not filesystem paths.
type ContextConfig struct {
	CertPath string `yaml:"certPath"`
	KeyPath  string `yaml:"keyPath"`
	CAPath   string `yaml:"caPath,omitempty"`
	// ClientAuth is one of: none, request, require-any, require-verify.
	ClientAuth string `yaml:"clientAuth,omitempty"`
	PKIRole    string `yaml:"pkiRole,omitempty"`
	CommonName string `yaml:"commonName,omitempty"`
}

// RotationConfig configures the rotation scheduler.
type RotationConfig struct {
	HistoryLimit   int                     `yaml:"historyLimit,omitempty"`
	StuckThreshold Duration                `yaml:"stuckThreshold,omitempty"`
	Policies       map[string]PolicyConfig `yaml:"policies,omitempty"`
}

// PolicyConfig is a per-path rotation policy.
type PolicyConfig struct {
	// Type is the secret type: database-credential, api-key, certificate,
	// encryption-key, signing-secret.
	Type string `yaml:"type"`
	// Interval is one of: daily, weekly, monthly, quarterly.
	Interval        string   `yaml:"interval"`
	GracePeriod     Duration `yaml:"gracePeriod,omitempty"`
	Strategy        string   `yaml:"strategy,omitempty"`
	RequireApproval bool     `yaml:"requireApproval,omitempty"`
}

// BreakGlassConfig holds emergency access procedures.
type BreakGlassConfig struct {
	MonitorInterval Duration          `yaml:"monitorInterval,omitempty"`
	Procedures      []ProcedureConfig `yaml:"procedures,omitempty"`
}

// ProcedureConfig defines one break-glass procedure.
type ProcedureConfig struct {
	ID                string             `yaml:"id"`
	Name              string             `yaml:"name"`
	RequiredApprovals int                `yaml:"requiredApprovals"`
	TimeLimit         Duration           `yaml:"timeLimit"`
	AllowedActions    []ActionRuleConfig `yaml:"allowedActions"`
	EmergencyContacts []string           `yaml:"emergencyContacts,omitempty"`
}

// ActionRuleConfig allow-lists one action type against a resource pattern.
type ActionRuleConfig struct {
	Type            string `yaml:"type"`
	ResourcePattern string `yaml:"resourcePattern,omitempty"`
}

// NotificationsConfig configures notification delivery.
type NotificationsConfig struct {
	QueueSize int             `yaml:"queueSize,omitempty"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is one webhook notification target.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events,omitempty"`
}

// FacadeConfig tunes the secrets facade cache and retry behaviour.
type FacadeConfig struct {
	CacheTTL     Duration `yaml:"cacheTtl,omitempty"`
	MaxRetries   int      `yaml:"maxRetries,omitempty"`
	RetryBackoff Duration `yaml:"retryBackoff,omitempty"`
}

// Config holds the runtime configuration.
type Config struct {
	Path       string
	Definition *Definition
	Logger     *logging.Logger
}

// Load reads, schema-checks, and semantically validates the definition.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return tperrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a trustplane.yaml or pass --config with the right path",
			}
		}
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return tperrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 {
		return tperrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your trustplane.yaml file",
		}
	}

	if err := validateSchema(data); err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return err
	}

	c.Definition = &def
	return nil
}

var validIntervals = map[string]bool{
	"daily": true, "weekly": true, "monthly": true, "quarterly": true,
}

var validStrategies = map[string]bool{
	"": true, "immediate": true, "blue-green": true, "gradual": true,
}

var validBackends = map[string]bool{
	"vault": true, "aws": true, "gcp": true, "azure": true,
}

var validAuthMethods = map[string]bool{
	"": true, "token": true, "approle": true, "kubernetes": true, "aws-iam": true,
}

var validClientAuth = map[string]bool{
	"": true, "none": true, "request": true, "require-any": true, "require-verify": true,
}

// Validate performs semantic validation beyond the JSON schema.
func (d *Definition) Validate() error {
	if !validBackends[d.Backend.Type] {
		return tperrors.ConfigError{
			Field:      "backend.type",
			Value:      d.Backend.Type,
			Message:    "unknown backend type",
			Suggestion: "Use one of: vault, aws, gcp, azure",
		}
	}
	if !validAuthMethods[d.Backend.Auth.Method] {
		return tperrors.ConfigError{
			Field:      "backend.auth.method",
			Value:      d.Backend.Auth.Method,
			Message:    "unknown authentication method",
			Suggestion: "Use one of: token, approle, kubernetes, aws-iam",
		}
	}

	// Derivation cost floor. Zero values mean "use defaults" and are fine;
	// explicit sub-floor values are a misconfiguration.
	deriv := d.Encryption.Derivation
	if deriv.Time != 0 && deriv.Time < MinDerivationTime {
		return tperrors.ConfigError{
			Field:      "encryption.derivation.time",
			Value:      deriv.Time,
			Message:    fmt.Sprintf("derivation time cost below minimum of %d", MinDerivationTime),
			Suggestion: "Raise the time cost or remove the field to use the default",
		}
	}
	if deriv.MemoryKB != 0 && deriv.MemoryKB < MinDerivationMemoryKB {
		return tperrors.ConfigError{
			Field:      "encryption.derivation.memoryKb",
			Value:      deriv.MemoryKB,
			Message:    fmt.Sprintf("derivation memory cost below minimum of %d KiB", MinDerivationMemoryKB),
			Suggestion: "Raise the memory cost or remove the field to use the default",
		}
	}

	for path, policy := range d.Rotation.Policies {
		if !validIntervals[policy.Interval] {
			return tperrors.ConfigError{
				Field:      fmt.Sprintf("rotation.policies.%s.interval", path),
				Value:      policy.Interval,
				Message:    "unknown rotation interval",
				Suggestion: "Use one of: daily, weekly, monthly, quarterly",
			}
		}
		if !validStrategies[policy.Strategy] {
			return tperrors.ConfigError{
				Field:      fmt.Sprintf("rotation.policies.%s.strategy", path),
				Value:      policy.Strategy,
				Message:    "unknown rotation strategy",
				Suggestion: "Use one of: immediate, blue-green, gradual",
			}
		}
	}

	for name, mc := range d.MTLS.Contexts {
		if !validClientAuth[mc.ClientAuth] {
			return tperrors.ConfigError{
				Field:      fmt.Sprintf("mtls.contexts.%s.clientAuth", name),
				Value:      mc.ClientAuth,
				Message:    "unknown client auth policy",
				Suggestion: "Use one of: none, request, require-any, require-verify",
			}
		}
	}

	seen := make(map[string]bool)
	for i, proc := range d.BreakGlass.Procedures {
		if proc.ID == "" {
			return tperrors.ConfigError{
				Field:   fmt.Sprintf("breakGlass.procedures[%d].id", i),
				Message: "procedure id is required",
			}
		}
		if seen[proc.ID] {
			return tperrors.ConfigError{
				Field:      "breakGlass.procedures",
				Value:      proc.ID,
				Message:    "duplicate procedure id",
				Suggestion: "Give each break-glass procedure a unique id",
			}
		}
		seen[proc.ID] = true
		if proc.TimeLimit <= 0 {
			return tperrors.ConfigError{
				Field:      fmt.Sprintf("breakGlass.procedures[%d].timeLimit", i),
				Message:    "time limit must be positive",
				Suggestion: "Set a bounded session duration such as '1h'",
			}
		}
		if proc.RequiredApprovals < 0 {
			return tperrors.ConfigError{
				Field:   fmt.Sprintf("breakGlass.procedures[%d].requiredApprovals", i),
				Value:   proc.RequiredApprovals,
				Message: "required approvals cannot be negative",
			}
		}
	}

	return nil
}
