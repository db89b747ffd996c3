package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trustplane/trustplane/internal/config"
	"github.com/trustplane/trustplane/pkg/mtls"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

// checkResult is the outcome of one health check.
type checkResult struct {
	Name    string
	Status  string // healthy, error, skipped
	Message string
}

func NewHealthCommand(cfg *config.Config) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check backend connectivity and configuration",
		Long: `Verify that the configured backend is reachable and the local
subsystems are operational.

This command checks:
- Configuration file validity
- Backend authentication and connectivity
- Encryption engine self-test
- Configured TLS contexts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Logger.Info("Checking trustplane configuration...")
			if err := loadConfig(cfg); err != nil {
				cfg.Logger.Error("Configuration error: %v", err)
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Logger.Info("✓ Configuration loaded successfully")

			ctx := context.Background()
			results := []checkResult{
				{Name: "config", Status: "healthy", Message: "Definition is valid"},
			}

			store, _, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				results = append(results, checkResult{
					Name: "backend", Status: "error", Message: err.Error(),
				})
				displayCheckResults(results, nil, verbose)
				return fmt.Errorf("backend is not usable")
			}
			defer closeStore()

			backend := checkResult{Name: "backend", Status: "healthy",
				Message: fmt.Sprintf("%s backend is ready", store.Name())}
			if err := store.Validate(ctx); err != nil {
				backend.Status = "error"
				backend.Message = err.Error()
			}
			results = append(results, backend)

			engineCheck := checkResult{Name: "encryption", Status: "healthy",
				Message: "Engine self-test passed"}
			if _, closeEngine, err := buildEngine(store, cfg); err != nil {
				engineCheck.Status = "error"
				engineCheck.Message = err.Error()
			} else {
				closeEngine()
			}
			results = append(results, engineCheck)

			results = append(results, checkTLSContexts(ctx, store, cfg)...)

			displayCheckResults(results, store.Capabilities().AuthMethods, verbose)

			healthy := 0
			failed := 0
			for _, result := range results {
				switch result.Status {
				case "healthy":
					healthy++
				case "error":
					failed++
				}
			}
			fmt.Printf("\nSummary: %d/%d checks healthy\n", healthy, healthy+failed)
			if failed > 0 {
				return fmt.Errorf("some checks failed")
			}

			cfg.Logger.Info("✓ All systems operational!")
			return nil
		},
	}

	cmd.Flags().BoolVar(&verbose, "verbose", false, "Show backend capability details")
	return cmd
}

// checkTLSContexts loads every configured TLS context and reports
// whether its stored material is usable.
func checkTLSContexts(ctx context.Context, store secretstore.Store, cfg *config.Config) []checkResult {
	contexts := cfg.Definition.MTLS.Contexts
	if len(contexts) == 0 {
		return nil
	}

	manager := mtls.NewManager(store, mtls.WithLogger(cfg.Logger))
	results := make([]checkResult, 0, len(contexts))
	for name, contextCfg := range contexts {
		result := checkResult{Name: "tls:" + name, Status: "healthy"}
		if err := manager.AddContext(ctx, name, contextCfg); err != nil {
			result.Status = "error"
			result.Message = err.Error()
			results = append(results, result)
			continue
		}
		info, err := manager.ContextInfo(name)
		if err != nil {
			result.Status = "error"
			result.Message = err.Error()
		} else {
			result.Message = fmt.Sprintf("Certificate valid until %s",
				info.NotAfter.Format("2006-01-02"))
		}
		results = append(results, result)
	}
	return results
}

// displayCheckResults shows check outcomes in a formatted table.
func displayCheckResults(results []checkResult, authMethods []string, verbose bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "CHECK\tSTATUS\tMESSAGE\n")
	_, _ = fmt.Fprintf(w, "-----\t------\t-------\n")

	for _, result := range results {
		status := result.Status
		switch result.Status {
		case "healthy":
			status = "✓ " + status
		case "error":
			status = "✗ " + status
		default:
			status = "? " + status
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", result.Name, status, result.Message)
	}
	_ = w.Flush()

	if verbose && len(authMethods) > 0 {
		fmt.Printf("\nBackend auth methods: %v\n", authMethods)
	}
}
