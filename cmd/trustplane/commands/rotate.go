package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trustplane/trustplane/internal/config"
	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/pkg/mtls"
	"github.com/trustplane/trustplane/pkg/rotation"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		secretType string
		strategy   string
	)

	cmd := &cobra.Command{
		Use:   "rotate <path>",
		Short: "Rotate a secret now",
		Long: `Rotate a secret immediately and wait for the result.

The secret type selects how new material is generated; the strategy
controls how it replaces the old value.

Examples:
  trustplane rotate app/api-key --type api-key
  trustplane rotate app/database --type database-credential --strategy blue-green
  trustplane rotate tls/api --type certificate`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, bus, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			scheduler, err := buildScheduler(ctx, store, bus, cfg)
			if err != nil {
				return err
			}

			job, err := scheduler.RotateNow(ctx, args[0],
				rotation.SecretType(secretType), rotation.Strategy(strategy))
			if job != nil {
				printJSON(job)
			}
			if err != nil {
				return fmt.Errorf("rotation failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&secretType, "type", "api-key",
		"Secret type: database-credential, api-key, certificate, encryption-key, signing-secret")
	cmd.Flags().StringVar(&strategy, "strategy", "immediate",
		"Rotation strategy: immediate, blue-green, gradual")
	return cmd
}

// buildScheduler wires every generator the configured backend can
// support.
func buildScheduler(ctx context.Context, store secretstore.Store, bus *events.Bus, cfg *config.Config) (*rotation.Scheduler, error) {
	opts := []rotation.SchedulerOption{
		rotation.WithSchedulerLogger(cfg.Logger),
		rotation.WithSchedulerEventBus(bus),
		rotation.WithGenerator(rotation.TypeAPIKey, &rotation.APIKeyGenerator{}),
		rotation.WithGenerator(rotation.TypeSigningSecret, &rotation.SigningSecretGenerator{}),
	}
	if def := cfg.Definition.Rotation; def.HistoryLimit > 0 {
		opts = append(opts, rotation.WithHistoryLimit(def.HistoryLimit))
	}
	if def := cfg.Definition.Rotation; def.StuckThreshold > 0 {
		opts = append(opts, rotation.WithStuckThreshold(def.StuckThreshold.Std()))
	}

	client, isVault := store.(*secretstore.Client)
	if isVault {
		caps := client.Capabilities()
		if caps.SupportsDynamicCreds {
			opts = append(opts, rotation.WithGenerator(rotation.TypeDatabaseCredential,
				&rotation.DatabaseCredentialGenerator{Issuer: client}))
		}
		if caps.SupportsTransit {
			opts = append(opts, rotation.WithGenerator(rotation.TypeEncryptionKey,
				&rotation.EncryptionKeyGenerator{Rotator: client}))
		}
	}

	if contexts := cfg.Definition.MTLS.Contexts; len(contexts) > 0 {
		if !isVault {
			return nil, tperrors.ConfigError{
				Field:      "mtls",
				Message:    "certificate rotation needs a backend with a PKI engine",
				Suggestion: "Configure the vault backend to rotate certificates",
			}
		}
		manager := mtls.NewManager(store, mtls.WithIssuer(client), mtls.WithLogger(cfg.Logger),
			mtls.WithEventBus(bus))
		for name, contextCfg := range contexts {
			if err := manager.AddContext(ctx, name, contextCfg); err != nil {
				return nil, err
			}
		}
		opts = append(opts, rotation.WithGenerator(rotation.TypeCertificate,
			&rotation.CertificateGenerator{Rotator: manager}))
	}

	return rotation.NewScheduler(store, opts...), nil
}
