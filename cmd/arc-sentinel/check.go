package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"arc-sentinel/internal/startup"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run preflight diagnostics against the configuration",
		Long: `check validates the configuration, probes the listener addresses and the
model directory, and dials every enabled backend. It exits non-zero when any
check fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Results go to stdout as a table; keep the log quiet.
			d := startup.NewDiagnostics(cfg, resolvedConfigPath(), slog.New(slog.DiscardHandler))
			results := d.RunAll(cmd.Context())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Status, r.Message)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			ok, warnings, errs, skipped := d.Counts()
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d passed, %d warnings, %d failed, %d skipped\n", ok, warnings, errs, skipped)
			if errs > 0 {
				return fmt.Errorf("%d preflight checks failed", errs)
			}
			return nil
		},
	}
}
