package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rflorenc/org-migrator/internal/inventory"
	"github.com/rflorenc/org-migrator/internal/migration"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/scheduler"
)

func (s *Server) ListSchedules(w http.ResponseWriter, r *http.Request) {
	entries := []scheduler.Entry{}
	if s.Schedules != nil {
		entries = append(entries, s.Schedules.Entries()...)
	}
	writeJSON(w, http.StatusOK, entries)
}

// RunSchedule starts the backup of a schedule immediately.
func (s *Server) RunSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var entry *scheduler.Entry
	if s.Schedules != nil {
		for _, e := range s.Schedules.Entries() {
			if e.Name == name {
				e := e
				entry = &e
				break
			}
		}
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	conn := s.Connections.FindByName(entry.Connection)
	if conn == nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no backup store configured")
		return
	}
	jobType := migration.OpBackup
	if entry.Inventory {
		jobType = inventory.OpBackup
	}
	withInventory := entry.Inventory
	job := s.startJob(jobType, conn.ID, func(ctx context.Context, job *models.Job) (*models.Report, error) {
		job.AppendLog("Manual run of schedule " + name)
		return s.backup(ctx, job, conn, withInventory)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}
