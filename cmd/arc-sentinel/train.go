package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the anomaly model on stored events and persist it",
		Long: `train rebuilds feature vectors for the stored history, fits a new model and
writes it to the configured model store. It needs a persistent event store;
with the memory backend there is nothing to train on.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.trainer.Train(ctx)
			if err != nil {
				return fmt.Errorf("training failed: %w", err)
			}
			if !res.Persisted {
				return fmt.Errorf("model trained on %d samples but could not be persisted", res.Samples)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
