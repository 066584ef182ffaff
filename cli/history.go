package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/bsaid97/go-spatial-overlay/store"
)

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		limit  int
		dbPath string
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or show one run's chunks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.settings(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("history") {
				cfg.HistoryDB = dbPath
			}
			if cfg.HistoryDB == "" {
				return fmt.Errorf("run history is disabled")
			}

			db, err := store.Open(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer db.Close()

			w := cmd.OutOrStdout()
			if len(args) == 1 {
				run, chunks, err := db.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return outputJSON(w, struct {
						*store.RunSummary
						Chunks []store.ChunkOutcome `json:"chunks"`
					}{run, chunks})
				}
				printRun(cmd, run, chunks)
				return nil
			}

			runs, err := db.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return outputJSON(w, runs)
			}
			PrintSection(w, "Runs")
			if len(runs) == 0 {
				PrintEmptyState(w, "No runs recorded")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID,
					r.StartedAt.Format(time.DateTime),
					r.Status,
					fmt.Sprintf("%d/%d", r.Succeeded, r.Succeeded+r.Failed),
					strconv.Itoa(r.RecordsOut),
					r.Output,
				})
			}
			PrintTable(w, []string{"ID", "Started", "Status", "Chunks", "Records", "Output"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	cmd.Flags().StringVar(&dbPath, "history", "", "Run history database")
	return cmd
}

func printRun(cmd *cobra.Command, run *store.RunSummary, chunks []store.ChunkOutcome) {
	w := cmd.OutOrStdout()
	PrintSection(w, "Run "+run.ID)
	PrintLabelValue(w, "Status", run.Status)
	PrintLabelValue(w, "Source", run.Source)
	PrintLabelValue(w, "Target", run.Target)
	PrintLabelValue(w, "Attributes", joinAttributes(run.Attributes))
	PrintLabelValue(w, "Output", run.Output)
	PrintLabelValue(w, "Records", fmt.Sprintf("%d in, %d out", run.RecordsIn, run.RecordsOut))
	PrintLabelValue(w, "Duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String())
	if run.Error != "" {
		PrintLabelValue(w, "Error", run.Error)
	}
	if len(chunks) == 0 {
		return
	}
	fmt.Fprintln(w)
	rows := make([][]string, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, []string{strconv.Itoa(c.Index), c.Status, c.Reason})
	}
	PrintTable(w, []string{"Chunk", "Status", "Reason"}, rows)
}
