package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/inventory"
	"github.com/rflorenc/org-migrator/internal/migration"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/scheduler"
)

// RunBackup starts a configuration backup of the connection's org.
func (s *Server) RunBackup(w http.ResponseWriter, r *http.Request) {
	s.startBackup(w, r, false)
}

// RunInventoryBackup starts an inventory backup of the connection's org.
func (s *Server) RunInventoryBackup(w http.ResponseWriter, r *http.Request) {
	s.startBackup(w, r, true)
}

func (s *Server) startBackup(w http.ResponseWriter, r *http.Request, withInventory bool) {
	conn := s.connection(w, r)
	if conn == nil {
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no backup store configured")
		return
	}
	jobType := migration.OpBackup
	if withInventory {
		jobType = inventory.OpBackup
	}
	job := s.startJob(jobType, conn.ID, func(ctx context.Context, job *models.Job) (*models.Report, error) {
		return s.backup(ctx, job, conn, withInventory)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) backup(ctx context.Context, job *models.Job, conn *models.Connection, withInventory bool) (*models.Report, error) {
	snap := bundle.NewSnapshot(s.Store, conn.OrgID, time.Now())
	job.SetSnapshot(snap.Dir())
	job.AppendLog(fmt.Sprintf("Backing up org %s from %s (%s)", conn.OrgID, conn.Name, conn.BaseURL()))
	api := s.api(conn)
	if withInventory {
		_, report, err := inventory.Backup(ctx, api, snap, conn.OrgID, s.inventoryOptions(job, ""))
		return report, err
	}
	_, report, err := migration.Backup(ctx, api, snap, conn.OrgID, s.migrationOptions(job, nil))
	return report, err
}

// ScheduledBackup runs the backup of a schedule entry and blocks until it
// ends. The run is recorded as a job.
func (s *Server) ScheduledBackup(ctx context.Context, e scheduler.Entry) error {
	conn := s.Connections.FindByName(e.Connection)
	if conn == nil {
		return fmt.Errorf("schedule %q: connection %q not found", e.Name, e.Connection)
	}
	if s.Store == nil {
		return errors.New("no backup store configured")
	}
	jobType := migration.OpBackup
	if e.Inventory {
		jobType = inventory.OpBackup
	}
	job := s.Jobs.Create(jobType, conn.ID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	job.SetCancel(cancel)
	job.AppendLog(fmt.Sprintf("Scheduled backup %q", e.Name))
	return s.runJob(ctx, job, func(ctx context.Context, job *models.Job) (*models.Report, error) {
		return s.backup(ctx, job, conn, e.Inventory)
	})
}

// ListBackups lists the stored snapshots, newest first. The "org" query
// parameter restricts the list to one org.
func (s *Server) ListBackups(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no backup store configured")
		return
	}
	infos, err := bundle.List(r.Context(), s.Store, r.URL.Query().Get("org"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if infos == nil {
		infos = []bundle.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) migrationOptions(job *models.Job, exclude map[string][]string) migration.Options {
	return migration.Options{
		Workers:      s.Options.Workers,
		ReplayPasses: s.Options.ReplayPasses,
		Exclude:      exclude,
		Logger:       job.AppendLog,
		Log:          s.logger().With(zap.String("job", job.ID)),
	}
}

func (s *Server) inventoryOptions(job *models.Job, destOrgID string) inventory.Options {
	return inventory.Options{
		DestOrgID:      destOrgID,
		ClaimBatchSize: s.Options.ClaimBatchSize,
		Logger:         job.AppendLog,
		Log:            s.logger().With(zap.String("job", job.ID)),
	}
}

// openSnapshot resolves a snapshot from its directory or, when dir is empty,
// the newest snapshot of orgID holding document. The returned status is the
// HTTP status to answer with on error.
func (s *Server) openSnapshot(ctx context.Context, dir, orgID, document string) (*bundle.Snapshot, int, error) {
	if s.Store == nil {
		return nil, http.StatusServiceUnavailable, errors.New("no backup store configured")
	}
	switch {
	case dir != "":
		return bundle.OpenSnapshot(s.Store, dir), 0, nil
	case orgID != "":
		snap, err := bundle.Latest(ctx, s.Store, orgID, document)
		if errors.Is(err, bundle.ErrNotFound) {
			return nil, http.StatusNotFound, err
		}
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return snap, 0, nil
	}
	return nil, http.StatusBadRequest, errors.New("snapshot or source_org_id is required")
}
