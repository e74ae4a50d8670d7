package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// resourceType describes a browsable collection.
type resourceType struct {
	Key       string `json:"key"`
	Scope     string `json:"scope"`
	Type      string `json:"type"`
	Singleton bool   `json:"singleton,omitempty"`
}

// ListResourceTypes returns the registered org and site collections.
func (s *Server) ListResourceTypes(w http.ResponseWriter, r *http.Request) {
	if s.connection(w, r) == nil {
		return
	}
	var out []resourceType
	for _, scope := range []schema.Scope{schema.ScopeOrg, schema.ScopeSite} {
		for _, route := range schema.Routes(scope) {
			out = append(out, resourceType{
				Key:       route.Key.String(),
				Scope:     string(route.Scope),
				Type:      route.Type,
				Singleton: route.Singleton,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ListResourcesOfType lists a live collection. Site collections take the
// site id from the "site" query parameter.
func (s *Server) ListResourcesOfType(w http.ResponseWriter, r *http.Request) {
	conn := s.connection(w, r)
	if conn == nil {
		return
	}
	scope := schema.Scope(chi.URLParam(r, "scope"))
	route, ok := schema.Lookup(scope, chi.URLParam(r, "type"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown resource type")
		return
	}
	scopeID := conn.OrgID
	if scope == schema.ScopeSite {
		scopeID = r.URL.Query().Get("site")
		if scopeID == "" {
			writeError(w, http.StatusBadRequest, "site query parameter is required")
			return
		}
	}

	api := s.api(conn)
	var resources []models.Record
	if route.Singleton {
		rec, err := api.Get(r.Context(), route, scopeID, "")
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		resources = []models.Record{rec}
	} else {
		var err error
		resources, err = api.List(r.Context(), route, scopeID)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	// Ensure we return [] not null for empty results
	if resources == nil {
		resources = []models.Record{}
	}
	writeJSON(w, http.StatusOK, resources)
}

// statusFor maps a cloud error to the status returned to API clients.
func statusFor(err error) int {
	switch {
	case platform.IsNotFound(err):
		return http.StatusNotFound
	case platform.StatusCode(err) == http.StatusUnauthorized, platform.StatusCode(err) == http.StatusForbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}
