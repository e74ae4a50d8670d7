package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/config"
	"github.com/rflorenc/org-migrator/internal/logging"
	"github.com/rflorenc/org-migrator/internal/metrics"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
)

// app is the state shared by every command once the configuration is loaded.
type app struct {
	configPath string
	cfg        config.Config

	log         *zap.Logger
	closeLog    func() error
	progress    func(string)
	connections *models.ConnectionStore
	store       bundle.Store
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "orgmigrator",
		Short: "Back up, restore and migrate cloud network orgs",
		Long: `orgmigrator captures the configuration of an org into a backup,
recreates a backup in another org with every cross-reference rewritten,
and moves the device inventory between orgs.

Run "orgmigrator serve" for the HTTP API and the scheduled backups.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to the YAML config file")
	flags.StringVar(&a.cfg.EnvFile, "env-file", "", "env file holding API tokens (default .env)")
	flags.StringVar(&a.cfg.BackupDir, "backup-dir", "", "backup directory of the fs storage driver (default ./backups)")
	flags.StringVar(&a.cfg.LogLevel, "log-level", "", "log level: debug, info, warn, error (default info)")
	flags.StringVar(&a.cfg.LogFile, "log-file", "", "also write JSON logs to this rotated file")
	flags.IntVar(&a.cfg.Workers, "workers", 0, "sites restored concurrently (default 4)")
	flags.IntVar(&a.cfg.ReplayPasses, "replay-passes", 0, "passes over objects with unresolved references (default 2)")
	flags.Float64Var(&a.cfg.RateLimit, "rate-limit", 0, "API requests per second (default 10)")

	root.AddCommand(
		newServeCmd(a),
		newBackupCmd(a),
		newRestoreCmd(a, false),
		newRestoreCmd(a, true),
		newBackupsCmd(a),
		newInventoryCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	if err := a.cfg.Load(a.configPath); err != nil {
		return err
	}
	log, closeLog, err := logging.New(logging.Options{Level: a.cfg.LogLevel, File: a.cfg.LogFile})
	if err != nil {
		return err
	}
	a.log, a.closeLog = log, closeLog
	a.progress = logging.Progress(os.Stdout)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	a.connections = models.NewConnectionStore()
	for _, cc := range a.cfg.Connections {
		conn := cc.Connection()
		a.connections.Create(conn)
		if conn.Token == "" {
			a.log.Warn("connection has no API token", zap.String("connection", conn.Name))
		}
		a.log.Debug("loaded connection", zap.String("connection", conn.Name),
			zap.String("url", conn.BaseURL()), zap.String("org", conn.OrgID))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	store, err := bundle.Open(ctx, a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening backup store: %w", err)
	}
	a.store = store
	return nil
}

// connection returns the configured connection with the given name.
func (a *app) connection(name string) (*models.Connection, error) {
	if name == "" {
		return nil, fmt.Errorf("a connection name is required")
	}
	conn := a.connections.FindByName(name)
	if conn == nil {
		return nil, fmt.Errorf("connection %q is not configured", name)
	}
	if conn.Token == "" {
		return nil, fmt.Errorf("connection %q has no API token", name)
	}
	return conn, nil
}

func (a *app) api(conn *models.Connection) platform.API {
	return platform.New(conn, a.cfg.PlatformOptions(a.log.Named("api")))
}
