package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/catalog-extractor/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the batch API",
	Long: `serve accepts extraction batches over HTTP and runs them in the background.
With a postgres or multi sink it also runs the outbox relay in-process.`,
	RunE: serve,
}

var serveNoRelay bool

func init() {
	serveCmd.Flags().BoolVar(&serveNoRelay, "no-relay", false, "Do not run the outbox relay in this process")
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg)
	defer a.close()

	manager := api.NewManager(cfg.Pipeline.QueueMaxSize, a.logger)
	orch, err := a.pipeline(ctx, cfg.Sink.Type, manager)
	if err != nil {
		return err
	}
	manager.SetRunner(orch)

	catalog, err := a.catalog(ctx, cfg.Sink.Type)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var outbox api.OutboxMonitor
	if usesOutbox(cfg.Sink.Type) && !serveNoRelay {
		relay, err := a.relay(ctx)
		if err != nil {
			return err
		}
		outbox = relay
		g.Go(func() error {
			if err := relay.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(api.NewHandlers(manager, outbox, a.logger).WithCatalog(catalog), nil),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		a.logger.Info("starting server", "addr", srv.Addr, "sink", cfg.Sink.Type)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server forced to shutdown", "error", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("batches cancelled on shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("server exited")
	return nil
}

func usesOutbox(sinkKind string) bool {
	return sinkKind == "postgres" || sinkKind == "multi"
}
