package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustplane/trustplane/internal/config"
	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

func NewPutCommand(cfg *config.Config) *cobra.Command {
	var (
		classification string
		environment    string
		owner          string
		expiresAt      string
	)

	cmd := &cobra.Command{
		Use:   "put <path> <key=value>...",
		Short: "Store a secret",
		Long: `Store a secret in the configured backend.

Examples:
  trustplane put app/database username=app password=hunter2
  trustplane put app/api-key api_key=tpk_abc --classification confidential`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseFields(args[1:])
			if err != nil {
				return err
			}

			var meta *secretstore.Metadata
			if classification != "" || environment != "" || owner != "" || expiresAt != "" {
				meta = &secretstore.Metadata{
					Classification: classification,
					Environment:    environment,
					Owner:          owner,
				}
				if expiresAt != "" {
					parsed, err := time.Parse(time.RFC3339, expiresAt)
					if err != nil {
						return tperrors.ValidationError{
							Field:      "expires-at",
							Value:      expiresAt,
							Message:    "expiry must be RFC 3339",
							Suggestion: "Example: --expires-at 2026-12-31T00:00:00Z",
						}
					}
					meta.ExpiresAt = parsed
				}
			}

			ctx := context.Background()
			store, _, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			facade := buildFacade(store, cfg)
			if err := facade.StoreSecret(ctx, args[0], value, meta); err != nil {
				return err
			}
			cfg.Logger.Info("Stored %s", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&classification, "classification", "", "Secret classification (public, internal, confidential, restricted)")
	cmd.Flags().StringVar(&environment, "environment", "", "Deployment environment tag")
	cmd.Flags().StringVar(&owner, "owner", "", "Owning team or service")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "Expiry timestamp (RFC 3339)")
	return cmd
}

func NewDeleteCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, _, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			facade := buildFacade(store, cfg)
			if err := facade.DeleteSecret(ctx, args[0]); err != nil {
				return err
			}
			cfg.Logger.Info("Deleted %s", args[0])
			return nil
		},
	}
}

func NewListCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [prefix]",
		Short: "List secret paths",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}

			ctx := context.Background()
			store, _, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			facade := buildFacade(store, cfg)
			paths, err := facade.ListSecrets(ctx, prefix)
			if err != nil {
				return err
			}
			return printJSON(paths)
		},
	}
	return cmd
}
