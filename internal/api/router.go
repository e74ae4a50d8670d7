package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/scheduler"
)

// RunOptions are the tuning knobs applied to every run started by the server.
type RunOptions struct {
	Workers        int
	ReplayPasses   int
	ClaimBatchSize int
	Platform       platform.Options
}

// Server holds shared state for all API handlers.
type Server struct {
	Connections *models.ConnectionStore
	Jobs        *models.JobStore
	Store       bundle.Store
	Exclusions  *ExclusionStore
	Schedules   *scheduler.Scheduler
	Options     RunOptions
	Logger      *zap.Logger
	Gatherer    prometheus.Gatherer

	// NewAPI builds the cloud client of a connection. Defaults to
	// platform.New with Options.Platform.
	NewAPI func(conn *models.Connection) platform.API
}

func (s *Server) api(conn *models.Connection) platform.API {
	if s.NewAPI != nil {
		return s.NewAPI(conn)
	}
	return platform.New(conn, s.Options.Platform)
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// NewRouter builds the chi router with all API routes.
func NewRouter(s *Server) http.Handler {
	if s.Exclusions == nil {
		s.Exclusions = NewExclusionStore()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger()))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		// Connections
		r.Post("/connections", s.CreateConnection)
		r.Get("/connections", s.ListConnections)
		r.Put("/connections/{id}", s.UpdateConnection)
		r.Delete("/connections/{id}", s.DeleteConnection)
		r.Post("/connections/{id}/test", s.TestConnection)

		// Resource browsing
		r.Get("/connections/{id}/resources", s.ListResourceTypes)
		r.Get("/connections/{id}/resources/{scope}/{type}", s.ListResourcesOfType)

		// Backups (async)
		r.Post("/connections/{id}/backup", s.RunBackup)
		r.Post("/connections/{id}/inventory/backup", s.RunInventoryBackup)
		r.Get("/backups", s.ListBackups)

		// Restore and inventory deploy (async)
		r.Post("/restore", s.RunRestore)
		r.Post("/precheck", s.RunPrecheck)
		r.Post("/inventory/deploy", s.RunInventoryDeploy)
		r.Post("/inventory/precheck", s.RunInventoryPrecheck)

		// Jobs
		r.Get("/jobs", s.ListJobs)
		r.Get("/jobs/{id}", s.GetJob)
		r.Get("/jobs/{id}/report", s.GetJobReport)
		r.Post("/jobs/{id}/cancel", s.CancelJob)

		// Exclusions
		r.Get("/exclusions", s.GetExclusions)
		r.Put("/exclusions", s.PutExclusions)

		// Schedules
		r.Get("/schedules", s.ListSchedules)
		r.Post("/schedules/{name}/run", s.RunSchedule)
	})

	// WebSocket (outside /api to avoid JSON content-type assumptions)
	r.Get("/ws/jobs/{id}/logs", s.StreamJobLogs)

	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
