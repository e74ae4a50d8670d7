package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/migration"
	"github.com/rflorenc/org-migrator/internal/models"
)

// jobFunc is the body of an async job. It returns the run report, if any.
type jobFunc func(ctx context.Context, job *models.Job) (*models.Report, error)

// startJob runs fn in the background under a cancellable context.
func (s *Server) startJob(jobType, connectionID string, fn jobFunc) *models.Job {
	job := s.Jobs.Create(jobType, connectionID)
	ctx, cancel := context.WithCancel(context.Background())
	job.SetCancel(cancel)
	go func() {
		defer cancel()
		s.runJob(ctx, job, fn)
	}()
	return job
}

// runJob runs fn and moves job to its terminal state. Unresolved references
// leave the job completed with a warning.
func (s *Server) runJob(ctx context.Context, job *models.Job, fn jobFunc) error {
	log := s.logger().With(zap.String("job", job.ID), zap.String("type", job.Type))
	log.Info("job started")

	report, err := fn(ctx, job)
	if report != nil {
		job.SetReport(report)
	}
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil):
		job.AppendLog("CANCELLED: run stopped, changes already applied are kept")
		job.Cancel()
		log.Info("job cancelled")
		return err
	case err != nil:
		job.AppendLog("ERROR: " + err.Error())
		job.Fail(err.Error())
		log.Error("job failed", zap.Error(err))
		return err
	}
	if report != nil {
		if missing := migration.CheckMissing(report); missing != nil {
			job.AppendLog("WARNING: " + missing.Error())
		}
	}
	job.Complete()
	log.Info("job completed")
	return nil
}

func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.Jobs.List()
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := s.Jobs.Get(id)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetJobReport returns the report of a finished run.
func (s *Server) GetJobReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := s.Jobs.Get(id)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	report := job.Report()
	if report == nil {
		writeError(w, http.StatusNotFound, "job has no report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CancelJob cancels a running job.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := s.Jobs.Get(id)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !job.Cancel() {
		writeError(w, http.StatusConflict, "job is not running")
		return
	}
	job.AppendLog("CANCELLED: run stopped by user")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
