package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/inventory"
	"github.com/rflorenc/org-migrator/internal/migration"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// runContext is cancelled by SIGINT and SIGTERM. A cancelled run keeps the
// changes already applied.
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newBackupCmd(a *app) *cobra.Command {
	var withInventory bool
	cmd := &cobra.Command{
		Use:   "backup CONNECTION",
		Short: "Capture the configuration of a connection's org",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.connection(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := runContext(cmd)
			defer cancel()

			snap := bundle.NewSnapshot(a.store, conn.OrgID, time.Now())
			if _, _, err := migration.Backup(ctx, a.api(conn), snap, conn.OrgID, migration.Options{
				Logger: a.progress,
				Log:    a.log.Named("backup"),
			}); err != nil {
				return err
			}
			if !withInventory {
				return nil
			}
			_, _, err = inventory.Backup(ctx, a.api(conn), snap, conn.OrgID, inventory.Options{
				Logger: a.progress,
				Log:    a.log.Named("inventory"),
			})
			return err
		},
	}
	cmd.Flags().BoolVar(&withInventory, "inventory", false, "also capture the device inventory")
	return cmd
}

type snapshotFlags struct {
	dir       string
	sourceOrg string
}

func (f *snapshotFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dir, "snapshot", "", "backup directory, e.g. <org id>/20240101T020000Z")
	cmd.Flags().StringVar(&f.sourceOrg, "source-org", "", "use the newest backup of this org")
}

func (f *snapshotFlags) open(ctx context.Context, store bundle.Store, document string) (*bundle.Snapshot, error) {
	switch {
	case f.dir != "":
		return bundle.OpenSnapshot(store, f.dir), nil
	case f.sourceOrg != "":
		return bundle.Latest(ctx, store, f.sourceOrg, document)
	}
	return nil, fmt.Errorf("--snapshot or --source-org is required")
}

// parseExclude parses "scope/type=name" flags.
func parseExclude(values []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, v := range values {
		key, name, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid exclusion %q, want scope/type=name", v)
		}
		if _, err := schema.ParseKey(key); err != nil {
			return nil, err
		}
		out[key] = append(out[key], name)
	}
	return out, nil
}

func newRestoreCmd(a *app, precheck bool) *cobra.Command {
	var (
		snap    snapshotFlags
		exclude []string
	)
	use, short := "restore DESTINATION", "Recreate a backup in the destination connection's org"
	if precheck {
		use, short = "precheck DESTINATION", "Report what a restore would do, without any change"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := a.connection(args[0])
			if err != nil {
				return err
			}
			excluded, err := parseExclude(exclude)
			if err != nil {
				return err
			}
			ctx, cancel := runContext(cmd)
			defer cancel()

			s, err := snap.open(ctx, a.store, bundle.ConfigDocument)
			if err != nil {
				return err
			}
			b, err := s.ReadBundle(ctx)
			if err != nil {
				return err
			}
			opts := migration.Options{
				Workers:      a.cfg.Workers,
				ReplayPasses: a.cfg.ReplayPasses,
				Exclude:      excluded,
				Logger:       a.progress,
				Log:          a.log.Named("restore"),
			}
			run := migration.Restore
			if precheck {
				run = migration.Precheck
			}
			report, err := run(ctx, a.api(dst), b, s, dst.OrgID, opts)
			if err != nil {
				return err
			}
			return migration.CheckMissing(report)
		},
	}
	snap.register(cmd)
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "leave out an object, as scope/type=name (repeatable)")
	return cmd
}

func newBackupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backups [ORG_ID]",
		Short: "List the stored backups, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org := ""
			if len(args) == 1 {
				org = args[0]
			}
			infos, err := bundle.List(cmd.Context(), a.store, org)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SNAPSHOT\tCAPTURED\tCONFIG\tINVENTORY\tFILES")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%d\n", info.Dir,
					info.CapturedAt.Format(time.RFC3339), info.HasConfig, info.HasInventory, info.Files)
			}
			return w.Flush()
		},
	}
}

func newInventoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Back up and migrate the device inventory",
	}
	cmd.AddCommand(newInventoryBackupCmd(a), newInventoryDeployCmd(a, false), newInventoryDeployCmd(a, true))
	return cmd
}

func newInventoryBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup CONNECTION",
		Short: "Capture the device inventory of a connection's org",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.connection(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := runContext(cmd)
			defer cancel()
			snap := bundle.NewSnapshot(a.store, conn.OrgID, time.Now())
			_, _, err = inventory.Backup(ctx, a.api(conn), snap, conn.OrgID, inventory.Options{
				Logger: a.progress,
				Log:    a.log.Named("inventory"),
			})
			return err
		},
	}
}

func newInventoryDeployCmd(a *app, precheck bool) *cobra.Command {
	var (
		snap       snapshotFlags
		source     string
		unclaim    bool
		unclaimAll bool
		sites      []string
	)
	use, short := "deploy DESTINATION", "Move the devices of an inventory backup into the destination org"
	if precheck {
		use, short = "precheck DESTINATION", "Report what an inventory deploy would do, without any change"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := a.connection(args[0])
			if err != nil {
				return err
			}
			opts := inventory.Options{
				DestOrgID:      dst.OrgID,
				Unclaim:        unclaim || unclaimAll,
				UnclaimAll:     unclaimAll,
				ClaimBatchSize: a.cfg.ClaimBatchSize,
				SiteNames:      sites,
				Logger:         a.progress,
				Log:            a.log.Named("inventory"),
			}
			var src platform.API
			if source != "" {
				conn, err := a.connection(source)
				if err != nil {
					return err
				}
				src = a.api(conn)
				if snap.sourceOrg == "" && snap.dir == "" {
					snap.sourceOrg = conn.OrgID
				}
			} else if opts.Unclaim {
				return fmt.Errorf("--unclaim requires --source")
			}

			ctx, cancel := runContext(cmd)
			defer cancel()
			s, err := snap.open(ctx, a.store, bundle.InventoryDocument)
			if err != nil {
				return err
			}
			inv, err := s.ReadInventory(ctx)
			if err != nil {
				return err
			}
			run := inventory.Migrate
			if precheck {
				run = inventory.Precheck
			}
			report, err := run(ctx, src, a.api(dst), inv, s, opts)
			if err != nil {
				return err
			}
			return migration.CheckMissing(report)
		},
	}
	snap.register(cmd)
	cmd.Flags().StringVar(&source, "source", "", "source connection, required to unclaim")
	cmd.Flags().BoolVar(&unclaim, "unclaim", false, "unclaim the access points from the source org first")
	cmd.Flags().BoolVar(&unclaimAll, "unclaim-all", false, "unclaim every device type, not only access points")
	cmd.Flags().StringSliceVar(&sites, "site", nil, "restrict to these source sites (repeatable)")
	return cmd
}
