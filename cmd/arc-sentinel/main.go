// Package main is the arc-sentinel command line: the API server plus the
// offline train, simulate, import and check tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"arc-sentinel/internal/config"
	apperrors "arc-sentinel/internal/errors"
	"arc-sentinel/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	cfg        *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "arc-sentinel",
		Short: "Anomaly scoring and incident response for security events",
		Long: `arc-sentinel ingests security events, scores them against a learned
baseline and a set of detection rules, opens incidents for what stands out and
runs simulated containment for the critical ones.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (default $ARC_CONFIG_PATH or "+config.DefaultPath+")")

	root.AddCommand(
		newServeCmd(),
		newTrainCmd(),
		newSimulateCmd(),
		newImportCmd(),
		newCheckCmd(),
		newVersionCmd(),
	)
	return root
}

// setup loads the configuration and installs the logger before any
// subcommand runs.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.LoadFile(resolvedConfigPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ResolveSecrets(cmd.Context()); err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}
	if err := logging.Setup(os.Stdout, cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	apperrors.SetProductionMode(cfg.Server.Production)
	return nil
}

// resolvedConfigPath is the --config flag, then ARC_CONFIG_PATH, then the
// default path.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("ARC_CONFIG_PATH"); p != "" {
		return p
	}
	return config.DefaultPath
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "arc-sentinel %s\n", version)
		},
	}
}
