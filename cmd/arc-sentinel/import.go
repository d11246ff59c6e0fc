package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"arc-sentinel/internal/schema"
	"arc-sentinel/internal/storage"
)

// importChunk bounds how many decoded events are held before a flush.
const importChunk = 10000

type importStats struct {
	Lines    int
	Imported int
	Skipped  int
}

func newImportCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Bulk-load newline-delimited JSON events into the event store",
		Long: `import reads one JSON event per line from file, or stdin when file is
omitted or "-", and writes them straight to the event store without scoring.
Old events are accepted; the event age bound applies to live ingestion only.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			ctx := cmd.Context()
			a := &app{cfg: cfg}
			if err := a.openEventStore(ctx); err != nil {
				a.close()
				return err
			}
			defer a.close()

			st, err := importEvents(ctx, in, a.events, a.clickhouse, strict)
			fmt.Fprintf(cmd.OutOrStdout(), "read %d lines, imported %d events, skipped %d\n", st.Lines, st.Imported, st.Skipped)
			return err
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "stop at the first invalid line instead of skipping it")
	return cmd
}

// importEvents decodes, normalizes and validates each line, then stores the
// valid events. ClickHouse imports go through the batch writer.
func importEvents(ctx context.Context, r io.Reader, store storage.EventStore, ch *storage.ClickHouseStore, strict bool) (importStats, error) {
	var st importStats
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{MaxFuture: cfg.Ingest.MaxFuture})

	pending := make([]*schema.Event, 0, importChunk)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if ch != nil {
			m, err := ch.Import(ctx, pending, cfg.Storage.BatchWriter)
			st.Imported += int(m.Written)
			if err != nil {
				return fmt.Errorf("batch import: %w", err)
			}
		} else {
			for _, e := range pending {
				if err := store.Insert(ctx, e); err != nil {
					return fmt.Errorf("insert event %s: %w", e.ID, err)
				}
				st.Imported++
			}
		}
		pending = pending[:0]
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), cfg.Ingest.MaxPayloadSize)
	now := time.Now()
	for sc.Scan() {
		st.Lines++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e schema.Event
		err := json.Unmarshal(line, &e)
		if err == nil {
			schema.Normalize(&e, now)
			err = validator.Validate(&e)
		}
		if err != nil {
			if strict {
				return st, fmt.Errorf("line %d: %w", st.Lines, err)
			}
			st.Skipped++
			slog.Debug("skipping invalid line", "line", st.Lines, "error", err)
			continue
		}
		pending = append(pending, &e)
		if len(pending) == importChunk {
			if err := flush(); err != nil {
				return st, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read input: %w", err)
	}
	return st, flush()
}
