package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trustplane/trustplane/cmd/trustplane/commands"
	"github.com/trustplane/trustplane/internal/config"
	"github.com/trustplane/trustplane/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "trustplane",
		Short: "Secret lifecycle and trust infrastructure toolkit",
		Long: `trustplane manages the full lifecycle of application secrets:
storage across backends, application-layer encryption, certificate
management, scheduled rotation, and controlled emergency access.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "trustplane.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewGetCommand(cfg),
		commands.NewPutCommand(cfg),
		commands.NewDeleteCommand(cfg),
		commands.NewListCommand(cfg),
		commands.NewRotateCommand(cfg),
		commands.NewBreakGlassCommand(cfg),
		commands.NewHealthCommand(cfg),
	)

	return rootCmd.Execute()
}
