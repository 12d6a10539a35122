package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pullci/internal/blockchain"
	"pullci/internal/config"
	"pullci/internal/core"
	"pullci/internal/export"
	"pullci/internal/metrics"
	"pullci/internal/reporter"
	"pullci/internal/security"
	"pullci/internal/server"
	"pullci/internal/source"
	"pullci/internal/storage"
	"pullci/internal/store"
	"pullci/internal/trigger"
)

func serveCmd(rf *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the event endpoints and run matching pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			logger, err := cfg.NewLogger(os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	return cmd
}

// serve wires every component from cfg and blocks until ctx is done.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg, err := newRegistry(cfg, nil)
	if err != nil {
		return err
	}
	pipelines, err := loadPipelines(cfg.Pipelines, reg)
	if err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}
	reg.Freeze()
	logger.Info("Pipelines loaded", "path", cfg.Pipelines, "count", len(pipelines), "handlers", reg.IDs())

	collector := metrics.NewCollector()
	logs := storage.NewLogStorage(cfg.LogDir)
	exec := core.NewExecutor(reg,
		core.WithLogger(logger),
		core.WithLogStore(logs),
		core.WithReporter(reporter.Fanout{collector, reporter.Slog{Logger: logger}}),
		core.WithWorkspaceRoot(cfg.WorkspaceRoot, cfg.KeepWorkspaces),
		core.WithOutputLimit(cfg.OutputLimit),
	)

	sinks := []export.Sink{export.LogSink{Logger: logger}}
	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	if cfg.RunsFile != "" {
		js, err := export.OpenJSONLFile(cfg.RunsFile)
		if err != nil {
			return err
		}
		cleanups = append(cleanups, func() { _ = js.Close() })
		sinks = append(sinks, js)
	}

	var ledger *blockchain.Ledger
	if cfg.Ledger.Enabled {
		pub, priv, generated, err := security.EnsureKeyPair(cfg.Ledger.KeysDir)
		if err != nil {
			return fmt.Errorf("ledger keys: %w", err)
		}
		if generated {
			logger.Info("Generated new ledger keys", "dir", cfg.Ledger.KeysDir)
		}
		ledger, err = blockchain.OpenLedger(cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		sinks = append(sinks, &export.LedgerSink{Ledger: ledger, Priv: priv, Pub: pub, AgentID: cfg.Ledger.AgentID})
	}

	var runs server.RunLookup
	if cfg.DatabaseURL != "" {
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		st, err := store.Open(openCtx, cfg.DatabaseURL)
		if err == nil {
			err = st.EnsureSchema(openCtx)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		cleanups = append(cleanups, st.Close)
		sinks = append(sinks, export.PostgresSink{Store: st})
		runs = st
	}

	opts := []trigger.Option{
		trigger.WithLogger(logger),
		trigger.WithObserver(collector),
		trigger.WithSinks(sinks...),
		trigger.WithRecentRuns(cfg.RecentRuns),
	}
	if cfg.Mode == config.ModeAsync {
		opts = append(opts, trigger.WithScheduler(core.NewScheduler(cfg.Workers, cfg.Queue)))
	}
	listener := trigger.NewListener(exec, pipelines, opts...)

	if cfg.Reload {
		w := config.NewPipelineWatcher(cfg.Pipelines, reg, listener.SetPipelines,
			config.WithWatchDebounce(cfg.ReloadDebounce), config.WithWatchLogger(logger))
		if err := w.Start(); err != nil {
			return err
		}
		cleanups = append(cleanups, func() { _ = w.Stop() })
	}

	if cfg.NATS.URL != "" {
		ns := &source.NATSSource{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
			Logger:  logger,
			Handle: func(ctx context.Context, ev core.Event) (source.Summary, error) {
				d, err := listener.Dispatch(ctx, ev)
				sum := source.Summary{Matched: d.Matched, Queued: d.Queued}
				for _, rec := range d.Runs {
					sum.Runs = append(sum.Runs, source.RunSummary{ID: rec.ID, Pipeline: rec.Pipeline, Status: rec.Status})
				}
				return sum, err
			},
		}
		if err := ns.Start(ctx); err != nil {
			return err
		}
		cleanups = append(cleanups, func() { _ = ns.Stop() })
	}

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: server.New(server.Options{
			Listener:      listener,
			Ledger:        ledger,
			Metrics:       collector,
			Runs:          runs,
			Logs:          logs,
			WebhookSecret: cfg.GitHub.WebhookSecret,
			Logger:        logger,
			BaseContext:   ctx,
		}).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pullci listening", "addr", cfg.Listen, "mode", cfg.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "grace", cfg.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := listener.Close(shutdownCtx); err != nil {
		logger.Warn("Queued runs cancelled", "error", err)
	}
	return nil
}
