package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
)

func (s *Server) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var conn models.Connection
	if err := decodeJSON(r, &conn); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if conn.Host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	if conn.OrgID == "" {
		writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	conn.Host = platform.NormalizeHost(conn.Host)
	if conn.Role == "" {
		conn.Role = "destination"
	}
	if conn.Scheme == "" {
		conn.Scheme = "https"
	}
	conn.AccessStatus = ""
	s.Connections.Create(&conn)
	writeJSON(w, http.StatusCreated, conn.Redacted())
}

func (s *Server) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.Connections.List()
	out := make([]models.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateConnection replaces a connection. An empty or masked token keeps the
// stored one.
func (s *Server) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing := s.Connections.Get(id)
	if existing == nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	var conn models.Connection
	if err := decodeJSON(r, &conn); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	conn.ID = id
	conn.Host = platform.NormalizeHost(conn.Host)
	if conn.Token == "" || strings.HasPrefix(conn.Token, "••••") {
		conn.Token = existing.Token
	}
	conn.AccessStatus = "unknown"
	if !s.Connections.Update(&conn) {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, conn.Redacted())
}

func (s *Server) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Connections.Delete(id) {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestConnection checks that the token holds admin privileges on the org.
func (s *Server) TestConnection(w http.ResponseWriter, r *http.Request) {
	conn := s.connection(w, r)
	if conn == nil {
		return
	}
	platform.DiscoverAndStore(r.Context(), s.api(conn), conn, s.Connections, s.logger())
	c := s.Connections.Get(conn.ID)
	if c == nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	out := c.Redacted()
	resp := map[string]interface{}{
		"ok":         out.AccessStatus == "admin",
		"connection": out,
	}
	if out.AccessError != "" {
		resp["error"] = out.AccessError
	}
	writeJSON(w, http.StatusOK, resp)
}

// connection resolves the {id} URL parameter, writing a 404 when unknown.
func (s *Server) connection(w http.ResponseWriter, r *http.Request) *models.Connection {
	conn := s.Connections.Get(chi.URLParam(r, "id"))
	if conn == nil {
		writeError(w, http.StatusNotFound, "connection not found")
	}
	return conn
}
