package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bsaid97/go-spatial-overlay/engine"
	"github.com/bsaid97/go-spatial-overlay/features"
	"github.com/bsaid97/go-spatial-overlay/handlers"
)

func newCheckCmd(g *globalFlags) *cobra.Command {
	var (
		target    string
		fix       bool
		output    string
		precision int
		overwrite bool
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report invalid target geometries, or repair them with --fix",
		Example: `  overlay check --target parcels.shp
  overlay check --target parcels.shp --fix --precision 6 --output parcels-fixed.geojson`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.settings(cmd)
			if err != nil {
				return err
			}
			if fix && output == "" {
				return fmt.Errorf("--fix needs --output")
			}

			ctx := cmd.Context()
			coll, err := features.Open(ctx, features.Ref(target), features.Options{IDField: cfg.IDField})
			if err != nil {
				return err
			}
			feats, err := coll.Select(ctx, features.All())
			coll.Close()
			if err != nil {
				return err
			}
			logger.Debug("loaded targets", "target", target, "features", len(feats))

			w := cmd.OutOrStdout()
			if !fix {
				issues := engine.CheckGeometries(feats)
				if g.jsonOutput {
					if err := outputJSON(w, issues); err != nil {
						return err
					}
				} else {
					printIssues(cmd, len(feats), issues)
				}
				if len(issues) > 0 {
					return fmt.Errorf("%d invalid geometries", len(issues))
				}
				return nil
			}

			kept, dropped := engine.RepairGeometries(ctx, feats, precision, workers)
			if err := features.Write(ctx, features.Ref(output), kept, cfg.IDField, overwrite); err != nil {
				return err
			}
			if g.jsonOutput {
				return outputJSON(w, dropped)
			}
			PrintSuccess(w, fmt.Sprintf("Wrote %d repaired features to %s", len(kept), output))
			if len(dropped) > 0 {
				PrintWarning(w, fmt.Sprintf("%d features could not be repaired", len(dropped)))
				printIssueTable(cmd, dropped)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "Polygon collection to check")
	cmd.Flags().BoolVar(&fix, "fix", false, "Repair the geometries and write them to --output")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination of the repaired collection")
	cmd.Flags().IntVar(&precision, "precision", handlers.DefaultPrecision, "Decimals kept by the repair (negative keeps all)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing destination")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Repair pool size (default: CPU count)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func printIssues(cmd *cobra.Command, checked int, issues []engine.GeometryIssue) {
	w := cmd.OutOrStdout()
	if len(issues) == 0 {
		PrintSuccess(w, fmt.Sprintf("All %d geometries are valid", checked))
		return
	}
	PrintWarning(w, fmt.Sprintf("%d of %d geometries are invalid", len(issues), checked))
	printIssueTable(cmd, issues)
}

func printIssueTable(cmd *cobra.Command, issues []engine.GeometryIssue) {
	rows := make([][]string, 0, len(issues))
	for _, issue := range issues {
		rows = append(rows, []string{issue.ID.String(), issue.Reason})
	}
	PrintTable(cmd.OutOrStdout(), []string{"ID", "Reason"}, rows)
}
