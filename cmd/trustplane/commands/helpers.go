package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/trustplane/trustplane/internal/audit"
	"github.com/trustplane/trustplane/internal/config"
	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/internal/logging"
	"github.com/trustplane/trustplane/internal/notify"
	"github.com/trustplane/trustplane/pkg/encryption"
	"github.com/trustplane/trustplane/pkg/secrets"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

// loadConfig ensures the definition is loaded and a logger is present.
func loadConfig(cfg *config.Config) error {
	if cfg.Logger == nil {
		cfg.Logger = logging.New(false, false)
	}
	if cfg.Definition != nil {
		return nil
	}
	return cfg.Load()
}

// buildEventPipeline assembles the lifecycle event bus with its audit
// and notification consumers from the definition. The returned stop
// function drains both; stopping the bus first flushes queued events
// into the notification manager before its own drain runs.
func buildEventPipeline(cfg *config.Config) (*events.Bus, func()) {
	nc := cfg.Definition.Notifications

	recorder := audit.NewRecorder(cfg.Definition.AuditDir)

	manager := notify.NewManager(nc.QueueSize)
	manager.RegisterProvider(notify.NewLogProvider(cfg.Logger))
	for _, wh := range nc.Webhooks {
		types := make([]events.Type, 0, len(wh.Events))
		for _, name := range wh.Events {
			types = append(types, events.Type(name))
		}
		manager.RegisterProvider(notify.NewWebhookProvider(wh.URL, types))
	}
	manager.OnError(func(provider string, err error) {
		cfg.Logger.Warn("Notification via %s failed: %v", provider, err)
	})

	bus := events.NewBus(nc.QueueSize)
	bus.Subscribe(recorder.Handler())
	bus.Subscribe(manager.Handler())
	manager.Start(context.Background())
	bus.Start()

	return bus, func() {
		bus.Stop()
		manager.Stop()
	}
}

// buildStore constructs the configured backend store with the event
// pipeline attached. The returned closer releases backend resources and
// drains the pipeline; it must always be called.
func buildStore(ctx context.Context, cfg *config.Config) (secretstore.Store, *events.Bus, func(), error) {
	if err := loadConfig(cfg); err != nil {
		return nil, nil, nil, err
	}
	backend := cfg.Definition.Backend
	bus, stopPipeline := buildEventPipeline(cfg)

	switch backend.Type {
	case "vault":
		opts := []secretstore.ClientOption{
			secretstore.WithLogger(cfg.Logger),
			secretstore.WithEventBus(bus),
		}
		if backend.Auth.UseKeyring {
			opts = append(opts, secretstore.WithTokenCache(secretstore.NewKeyringTokenCache(backend.Address)))
		}
		client, err := secretstore.NewClient(secretstore.ClientConfig{
			Address:      backend.Address,
			Namespace:    backend.Namespace,
			Timeout:      backend.GetTimeout(),
			AuthMethod:   backend.Auth.Method,
			Token:        backend.Auth.Token,
			RoleID:       backend.Auth.RoleID,
			SecretID:     backend.Auth.SecretID,
			Role:         backend.Auth.Role,
			JWTPath:      backend.Auth.JWTPath,
			STSRegion:    backend.Auth.STSRegion,
			SafetyBuffer: backend.GetSafetyBuffer(),
		}, opts...)
		if err != nil {
			stopPipeline()
			return nil, nil, nil, err
		}
		if err := client.Authenticate(ctx); err != nil {
			// Drains the pipeline so the auth failure reaches the audit log.
			stopPipeline()
			return nil, nil, nil, err
		}
		return client, bus, func() {
			client.Close()
			stopPipeline()
		}, nil

	case "aws":
		store, err := secretstore.NewAWSStore(secretstore.AWSStoreConfig{Region: backend.Region},
			secretstore.WithAWSEventBus(bus))
		if err != nil {
			stopPipeline()
			return nil, nil, nil, err
		}
		return store, bus, stopPipeline, nil

	case "gcp":
		store, err := secretstore.NewGCPStore(ctx, secretstore.GCPStoreConfig{ProjectID: backend.Project},
			secretstore.WithGCPEventBus(bus))
		if err != nil {
			stopPipeline()
			return nil, nil, nil, err
		}
		return store, bus, stopPipeline, nil

	case "azure":
		store, err := secretstore.NewAzureStore(secretstore.AzureStoreConfig{VaultURL: backend.VaultURL},
			secretstore.WithAzureEventBus(bus))
		if err != nil {
			stopPipeline()
			return nil, nil, nil, err
		}
		return store, bus, stopPipeline, nil

	default:
		stopPipeline()
		return nil, nil, nil, tperrors.ConfigError{
			Field:      "backend.type",
			Value:      backend.Type,
			Message:    "unknown backend type",
			Suggestion: "Use one of: vault, aws, gcp, azure",
		}
	}
}

// buildEngine constructs the encryption engine over the store's key
// source: backend transit when available, local keys otherwise.
func buildEngine(store secretstore.Store, cfg *config.Config) (*encryption.Engine, func(), error) {
	enc := cfg.Definition.Encryption

	var provider encryption.KeyProvider
	var closer func()
	if client, ok := store.(*secretstore.Client); ok && client.Capabilities().SupportsTransit {
		p := encryption.NewTransitKeyProvider(client, enc.KeyCacheTTL.Std())
		provider, closer = p, p.Close
	} else {
		p := encryption.NewLocalKeyProvider(enc.KeyCacheTTL.Std())
		provider, closer = p, p.Close
	}

	opts := []encryption.Option{encryption.WithLogger(cfg.Logger)}
	if enc.DefaultKeyID != "" {
		opts = append(opts, encryption.WithDefaultKeyID(enc.DefaultKeyID))
	}
	if enc.StrictFieldFailure {
		opts = append(opts, encryption.WithStrictFieldFailure())
	}

	engine, err := encryption.New(provider, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return engine, closer, nil
}

// buildFacade wires the facade over the store with the configured cache
// and retry budget.
func buildFacade(store secretstore.Store, cfg *config.Config) *secrets.Facade {
	fc := cfg.Definition.Facade
	opts := []secrets.FacadeOption{secrets.WithFacadeLogger(cfg.Logger)}
	if fc.CacheTTL > 0 {
		opts = append(opts, secrets.WithCacheTTL(fc.CacheTTL.Std()))
	}
	if fc.MaxRetries > 0 || fc.RetryBackoff > 0 {
		opts = append(opts, secrets.WithRetry(fc.MaxRetries, fc.RetryBackoff.Std()))
	}
	if client, ok := store.(*secretstore.Client); ok && client.Capabilities().SupportsDynamicCreds {
		opts = append(opts, secrets.WithCredentialIssuer(client))
	}
	return secrets.New(store, opts...)
}

// parseFields turns key=value arguments into a value map.
func parseFields(args []string) (map[string]interface{}, error) {
	value := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, tperrors.ValidationError{
				Field:      "fields",
				Value:      arg,
				Message:    "fields must be key=value pairs",
				Suggestion: "Example: trustplane put app/db password=hunter2",
			}
		}
		value[key] = val
	}
	return value, nil
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func fieldValue(value map[string]interface{}, field string) (string, error) {
	raw, ok := value[field]
	if !ok {
		return "", tperrors.NotFoundError{Resource: "field " + field}
	}
	if s, ok := raw.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encode field %s: %w", field, err)
	}
	return string(data), nil
}
