package api

import (
	"context"
	"net/http"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/inventory"
	"github.com/rflorenc/org-migrator/internal/migration"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/schema"
)

type restoreRequest struct {
	Snapshot      string              `json:"snapshot"`
	SourceOrgID   string              `json:"source_org_id"`
	DestinationID string              `json:"destination_id"`
	Exclude       map[string][]string `json:"exclude"`
}

type inventoryRequest struct {
	Snapshot      string   `json:"snapshot"`
	SourceOrgID   string   `json:"source_org_id"`
	SourceID      string   `json:"source_id"`
	DestinationID string   `json:"destination_id"`
	Unclaim       bool     `json:"unclaim"`
	UnclaimAll    bool     `json:"unclaim_all"`
	SiteNames     []string `json:"site_names"`
}

// RunRestore starts the restore of a configuration backup into the
// destination connection's org.
func (s *Server) RunRestore(w http.ResponseWriter, r *http.Request) {
	s.startRestore(w, r, false)
}

// RunPrecheck starts a dry run of a restore.
func (s *Server) RunPrecheck(w http.ResponseWriter, r *http.Request) {
	s.startRestore(w, r, true)
}

func (s *Server) startRestore(w http.ResponseWriter, r *http.Request, precheck bool) {
	var req restoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	dst := s.Connections.Get(req.DestinationID)
	if dst == nil {
		writeError(w, http.StatusNotFound, "destination connection not found")
		return
	}
	for k := range req.Exclude {
		if _, err := schema.ParseKey(k); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	snap, status, err := s.openSnapshot(r.Context(), req.Snapshot, req.SourceOrgID, bundle.ConfigDocument)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	jobType := migration.OpRestore
	if precheck {
		jobType = migration.OpPrecheck
	}
	exclude := s.Exclusions.Merge(req.Exclude)
	job := s.startJob(jobType, dst.ID, func(ctx context.Context, job *models.Job) (*models.Report, error) {
		job.SetSnapshot(snap.Dir())
		b, err := snap.ReadBundle(ctx)
		if err != nil {
			return nil, err
		}
		opts := s.migrationOptions(job, exclude)
		if precheck {
			return migration.Precheck(ctx, s.api(dst), b, snap, dst.OrgID, opts)
		}
		return migration.Restore(ctx, s.api(dst), b, snap, dst.OrgID, opts)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "snapshot": snap.Dir()})
}

// RunInventoryDeploy starts the migration of an inventory backup into the
// destination connection's org.
func (s *Server) RunInventoryDeploy(w http.ResponseWriter, r *http.Request) {
	s.startInventoryDeploy(w, r, false)
}

// RunInventoryPrecheck starts a dry run of an inventory migration.
func (s *Server) RunInventoryPrecheck(w http.ResponseWriter, r *http.Request) {
	s.startInventoryDeploy(w, r, true)
}

func (s *Server) startInventoryDeploy(w http.ResponseWriter, r *http.Request, precheck bool) {
	var req inventoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	dst := s.Connections.Get(req.DestinationID)
	if dst == nil {
		writeError(w, http.StatusNotFound, "destination connection not found")
		return
	}
	var src *models.Connection
	if req.SourceID != "" {
		if src = s.Connections.Get(req.SourceID); src == nil {
			writeError(w, http.StatusNotFound, "source connection not found")
			return
		}
		if req.SourceOrgID == "" {
			req.SourceOrgID = src.OrgID
		}
	}
	if (req.Unclaim || req.UnclaimAll) && src == nil {
		writeError(w, http.StatusBadRequest, "unclaim requires source_id")
		return
	}
	snap, status, err := s.openSnapshot(r.Context(), req.Snapshot, req.SourceOrgID, bundle.InventoryDocument)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	jobType := inventory.OpDeploy
	if precheck {
		jobType = inventory.OpPrecheck
	}
	job := s.startJob(jobType, dst.ID, func(ctx context.Context, job *models.Job) (*models.Report, error) {
		job.SetSnapshot(snap.Dir())
		inv, err := snap.ReadInventory(ctx)
		if err != nil {
			return nil, err
		}
		opts := s.inventoryOptions(job, dst.OrgID)
		opts.Unclaim = req.Unclaim || req.UnclaimAll
		opts.UnclaimAll = req.UnclaimAll
		opts.SiteNames = req.SiteNames

		var srcAPI platform.API
		if src != nil {
			srcAPI = s.api(src)
		}
		if precheck {
			return inventory.Precheck(ctx, srcAPI, s.api(dst), inv, snap, opts)
		}
		return inventory.Migrate(ctx, srcAPI, s.api(dst), inv, snap, opts)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "snapshot": snap.Dir()})
}
