package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"sumcut/internal/ledger"
)

func newHistoryCmd() *cobra.Command {
	var artifactsRoot string
	var limit int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:          "history",
		Short:        "List recent pipeline runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := filepath.Join(artifactsRoot, "runs.db")
			if _, err := os.Stat(dbPath); err != nil {
				return usageErrorf("no run ledger at %s", dbPath)
			}
			store, err := ledger.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printHistory(cmd, runs, jsonOut)
		},
	}
	cmd.Flags().StringVar(&artifactsRoot, "artifacts-root", "artifacts", "Artifacts directory holding runs.db")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit run history as JSON")
	return cmd
}

func printHistory(cmd *cobra.Command, runs []ledger.RunRecord, forceJSON bool) error {
	if forceJSON || !stdoutIsTTY() {
		b, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.RunID,
			r.OverallStatus,
			r.InputProfile,
			r.StartedAt.Local().Format(time.DateTime),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			shortHash(r.ConfigHash),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"RUN", "STATUS", "PROFILE", "STARTED", "DURATION", "CONFIG"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
