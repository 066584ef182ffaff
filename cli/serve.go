package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/bsaid97/go-spatial-overlay/handlers"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen, dataRoot string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /overlay and /check-geometry over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.settings(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("data-root") {
				cfg.DataRoot = dataRoot
			}
			refs := handlers.RefPolicy{DataRoot: cfg.DataRoot, MongoAllow: cfg.MongoAllow}
			if refs.DataRoot == "" && len(refs.MongoAllow) == 0 {
				logger.Warn("no data root or mongo allowlist configured, only uploads are accepted")
			}

			ctrl, closeFn, err := newController(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer closeFn()

			mux := handlers.NewMux(
				&handlers.Overlay{Run: ctrl.Run, Refs: refs, IDField: cfg.IDField, Logger: logger},
				&handlers.CheckGeometry{Refs: refs, IDField: cfg.IDField, Logger: logger},
			)
			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           mux,
				ReadHeaderTimeout: 30 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server listening", "addr", cfg.Listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server stopped: %w", err)
			case <-cmd.Context().Done():
			}

			logger.Info("shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config, :8080)")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "Directory that request file references resolve under")
	return cmd
}
