package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bsaid97/go-spatial-overlay/config"
	"github.com/bsaid97/go-spatial-overlay/engine"
	"github.com/bsaid97/go-spatial-overlay/features"
	"github.com/bsaid97/go-spatial-overlay/pipeline"
	"github.com/bsaid97/go-spatial-overlay/store"
)

type runFlags struct {
	source       string
	target       string
	attributes   []string
	output       string
	where        string
	workers      int
	chunkSize    int
	isolation    string
	overwrite    bool
	keepScratch  bool
	chunkTimeout time.Duration
	runTimeout   time.Duration
	history      string
	quiet        bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apportion source attributes onto the target polygons",
		Long: `Split the target collection into chunks, overlay every chunk against the
source in a bounded pool of workers and merge the partial outputs.

Chunks that fail are reported; the remaining chunks are still merged and the
command exits with status 1.`,
		Example: `  overlay run --source blocks.shp --target parcels.geojson --attributes POP,JOBS --output out.geojson
  overlay run -c overlay.yaml --source mongodb://localhost/gis/blocks --target parcels.shp \
      --attributes POP --where "OBJECTID < 5000" --output out.shp --workers 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.settings(cmd)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			req := pipeline.Request{
				Source:     features.Ref(f.source),
				Target:     features.Ref(f.target),
				Attributes: f.attributes,
				Output:     features.Ref(f.output),
			}
			if f.where != "" {
				where, err := features.Expression(f.where)
				if err != nil {
					return err
				}
				req.Where = &where
			}

			var progress io.Writer
			if !f.quiet && !g.jsonOutput {
				progress = cmd.ErrOrStderr()
			}
			ctrl, closeFn, err := newController(cfg, logger, progress)
			if err != nil {
				return err
			}
			defer closeFn()

			out, runErr := ctrl.Run(cmd.Context(), req)
			if out == nil {
				return runErr
			}
			if g.jsonOutput {
				if err := outputJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				return runErr
			}
			printRunSummary(cmd.OutOrStdout(), out)
			return runErr
		},
	}

	cmd.Flags().StringVar(&f.source, "source", "", "Source collection holding the attributes")
	cmd.Flags().StringVar(&f.target, "target", "", "Target polygon collection")
	cmd.Flags().StringSliceVar(&f.attributes, "attributes", nil, "Numeric source attributes to apportion")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Destination (.geojson, .shp or mongodb:// URI)")
	cmd.Flags().StringVar(&f.where, "where", "", "Restrict the targets, e.g. \"OBJECTID IN (1, 2)\"")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "Worker pool size (default: CPU count - 1)")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "Fixed number of targets per chunk")
	cmd.Flags().StringVar(&f.isolation, "isolation", "", "Worker isolation: process or goroutine")
	cmd.Flags().BoolVar(&f.overwrite, "overwrite", false, "Replace an existing destination")
	cmd.Flags().BoolVar(&f.keepScratch, "keep-scratch", false, "Keep the run's scratch directory")
	cmd.Flags().DurationVar(&f.chunkTimeout, "chunk-timeout", 0, "Fail a chunk that runs longer than this")
	cmd.Flags().DurationVar(&f.runTimeout, "run-timeout", 0, "Fail the chunks still running after this")
	cmd.Flags().StringVar(&f.history, "history", "", "Run history database (empty string disables)")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Hide the progress line")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("attributes")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// apply copies the flags that were set over the loaded settings.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("chunk-size") {
		cfg.ChunkSize = f.chunkSize
	}
	if changed("isolation") {
		cfg.Isolation = f.isolation
	}
	if changed("overwrite") {
		cfg.Overwrite = f.overwrite
	}
	if changed("keep-scratch") {
		cfg.KeepScratch = f.keepScratch
	}
	if changed("chunk-timeout") {
		cfg.ChunkTimeout = config.Duration(f.chunkTimeout)
	}
	if changed("run-timeout") {
		cfg.RunTimeout = config.Duration(f.runTimeout)
	}
	if changed("history") {
		cfg.HistoryDB = f.history
	}
}

// newController builds a controller from the settings. The returned func
// closes the run history.
func newController(cfg *config.Config, logger *slog.Logger, progress io.Writer) (*pipeline.Controller, func(), error) {
	pcfg := cfg.Pipeline()
	pcfg.Logger = logger
	pcfg.Progress = progress

	ctrl := &pipeline.Controller{
		Config: pcfg,
		Engine: engine.NewApportioner(cfg.EngineSettings()),
	}
	if cfg.Isolation == config.IsolationProcess {
		ctrl.NewExecutor = func(ws *features.Workspace) pipeline.Executor {
			return &pipeline.Subprocess{
				Settings: pipeline.WorkerSettings{
					IDField:    cfg.IDField,
					ScratchDir: ws.Dir,
					Engine:     cfg.EngineSettings(),
				},
				Logger: logger,
			}
		}
	}

	closeFn := func() {}
	if cfg.HistoryDB != "" {
		db, err := store.Open(cfg.HistoryDB)
		if err != nil {
			return nil, nil, err
		}
		ctrl.Recorder = db
		closeFn = func() {
			if err := db.Close(); err != nil {
				logger.Warn("failed to close run history", "error", err)
			}
		}
	}
	return ctrl, closeFn, nil
}

func printRunSummary(w io.Writer, out *pipeline.MergedOutput) {
	s := out.Summary
	PrintSection(w, "Run "+out.RunID)
	PrintLabelValue(w, "Output", out.Output)
	PrintLabelValue(w, "Records", fmt.Sprintf("%d in, %d out", s.TotalRecordsIn, s.TotalRecordsOut))
	fmt.Fprintln(w)

	if len(s.FailedChunks) == 0 {
		PrintSuccess(w, fmt.Sprintf("%d chunks succeeded", len(s.SucceededChunks)))
		return
	}
	PrintWarning(w, fmt.Sprintf("%d chunks succeeded, %d failed", len(s.SucceededChunks), len(s.FailedChunks)))
	rows := make([][]string, 0, len(s.FailedChunks))
	for _, f := range s.FailedChunks {
		rows = append(rows, []string{strconv.Itoa(f.Index), f.Reason})
	}
	PrintTable(w, []string{"Chunk", "Reason"}, rows)
}

func joinAttributes(attrs []string) string {
	return strings.Join(attrs, ",")
}
