package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeops/vault/cmd/vaultd/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "vaultd",
		Short:   "Team-scoped secrets management service",
		Long:    `vaultd stores versioned, envelope-encrypted secrets behind a Shamir seal and serves them over HTTP.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.AddCommand(
		commands.NewServeCommand(),
		commands.NewGenKeyCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
