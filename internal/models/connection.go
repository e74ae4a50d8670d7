package models

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection represents a cloud API endpoint scoped to one organization.
type Connection struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`   // "source" or "destination"
	Scheme   string `json:"scheme"` // "https" unless pointed at a local mock
	Host     string `json:"host"`   // "api.mist.com", "api.eu.mist.com", ...
	Port     int    `json:"port,omitempty"`
	Token    string `json:"token,omitempty"`
	OrgID    string `json:"org_id"`
	Insecure bool   `json:"insecure"` // skip TLS verification

	OrgName      string     `json:"org_name,omitempty"`
	AccessStatus string     `json:"access_status"` // "unknown", "admin", "denied", "error"
	AccessError  string     `json:"access_error,omitempty"`
	LastChecked  *time.Time `json:"last_checked,omitempty"`
}

// BaseURL returns the full base URL for this connection. Default ports are
// omitted.
func (c *Connection) BaseURL() string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "https"
	}
	if c.Port == 0 || (scheme == "https" && c.Port == 443) || (scheme == "http" && c.Port == 80) {
		return fmt.Sprintf("%s://%s", scheme, c.Host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// MaskedToken hides all but the last four characters of the API token.
func (c *Connection) MaskedToken() string {
	if c.Token == "" {
		return ""
	}
	if len(c.Token) <= 4 {
		return "••••"
	}
	return "••••••••" + c.Token[len(c.Token)-4:]
}

// Redacted returns a copy safe to hand out over the API.
func (c *Connection) Redacted() Connection {
	out := *c
	out.Token = c.MaskedToken()
	return out
}

// ConnectionStore is an in-memory thread-safe store for connections.
type ConnectionStore struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionStore creates an empty connection store.
func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{conns: make(map[string]*Connection)}
}

// Create adds a new connection, assigning it a UUID.
func (s *ConnectionStore) Create(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = uuid.New().String()
	if c.AccessStatus == "" {
		c.AccessStatus = "unknown"
	}
	s.conns[c.ID] = c
}

// Get returns a connection by ID, or nil if not found.
func (s *ConnectionStore) Get(id string) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// FindByName returns the first connection with the given name.
func (s *ConnectionStore) FindByName(name string) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// List returns all connections.
func (s *ConnectionStore) List() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		result = append(result, c)
	}
	return result
}

// Update replaces an existing connection's settings.
func (s *ConnectionStore) Update(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.ID]; !ok {
		return false
	}
	s.conns[c.ID] = c
	return true
}

// Delete removes a connection by ID.
func (s *ConnectionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return false
	}
	delete(s.conns, id)
	return true
}

// SetAccess records the outcome of the last privilege check.
func (s *ConnectionStore) SetAccess(id, status, errMsg, orgName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return
	}
	c.AccessStatus = status
	c.AccessError = errMsg
	if orgName != "" {
		c.OrgName = orgName
	}
	now := time.Now()
	c.LastChecked = &now
}
