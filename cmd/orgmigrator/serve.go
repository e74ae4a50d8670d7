package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/api"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/scheduler"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&a.cfg.Listen, "listen", "", "HTTP listen address (default :8080)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	server := &api.Server{
		Connections: a.connections,
		Jobs:        models.NewJobStore(),
		Store:       a.store,
		Exclusions:  api.NewExclusionStore(),
		Options: api.RunOptions{
			Workers:        a.cfg.Workers,
			ReplayPasses:   a.cfg.ReplayPasses,
			ClaimBatchSize: a.cfg.ClaimBatchSize,
			Platform:       a.cfg.PlatformOptions(a.log.Named("api")),
		},
		Logger:   a.log,
		Gatherer: prometheus.DefaultGatherer,
	}

	// Verify privileges early
	for _, conn := range a.connections.List() {
		if conn.Token == "" {
			a.connections.SetAccess(conn.ID, "error", "no API token configured", "")
			continue
		}
		platform.DiscoverAndStore(ctx, a.api(conn), conn, a.connections, a.log)
	}

	sched := scheduler.New(server.ScheduledBackup, a.log.Named("scheduler"))
	for _, sc := range a.cfg.Schedules {
		err := sched.Add(scheduler.Entry{Name: sc.Name, Connection: sc.Connection, Spec: sc.Cron, Inventory: sc.Inventory})
		if err != nil {
			return err
		}
	}
	server.Schedules = sched
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           api.NewRouter(server),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("org migrator starting", zap.String("version", version), zap.String("listen", a.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	for _, job := range server.Jobs.List() {
		if job.Cancel() {
			job.AppendLog("CANCELLED: server shutting down")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
