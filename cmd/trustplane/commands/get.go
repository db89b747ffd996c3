package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trustplane/trustplane/internal/config"
	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/pkg/secrets"
)

func NewGetCommand(cfg *config.Config) *cobra.Command {
	var (
		field       string
		jsonOutput  bool
		bypassCache bool
	)

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read a secret",
		Long: `Read a secret from the configured backend.

By default the whole value is printed as JSON. With --field, only that
field's raw value is printed, making it suitable for scripting.

Examples:
  # Full value as JSON
  trustplane get app/database

  # One field, raw, for scripts
  export DB_PASSWORD=$(trustplane get app/database --field password)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, _, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			facade := buildFacade(store, cfg)
			value, err := facade.GetSecret(ctx, args[0], &secrets.GetOptions{BypassCache: bypassCache})
			if err != nil {
				return err
			}
			if value == nil {
				return tperrors.NotFoundError{Resource: "secret", Path: args[0]}
			}

			if field != "" {
				raw, err := fieldValue(value, field)
				if err != nil {
					return err
				}
				fmt.Println(raw)
				return nil
			}
			if jsonOutput {
				return printJSON(map[string]interface{}{"path": args[0], "value": value})
			}
			return printJSON(value)
		},
	}

	cmd.Flags().StringVar(&field, "field", "", "Print only this field's value")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Include the path in the JSON output")
	cmd.Flags().BoolVar(&bypassCache, "no-cache", false, "Bypass the read cache")
	return cmd
}
