package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// ErrNoOrgAccess is returned when the token holds no privilege on the org.
var ErrNoOrgAccess = errors.New("no access to this org")

// ErrNotOrgAdmin is returned when the token has a non-admin role on the org.
var ErrNotOrgAdmin = errors.New("admin privilege required on this org")

// Self holds the parsed /api/v1/self response.
type Self struct {
	Email      string      `json:"email"`
	FirstName  string      `json:"first_name"`
	LastName   string      `json:"last_name"`
	Privileges []Privilege `json:"privileges"`
}

// Privilege is one role grant of the current token.
type Privilege struct {
	Scope  string `json:"scope"` // "org", "site", "msp"
	OrgID  string `json:"org_id"`
	SiteID string `json:"site_id,omitempty"`
	Role   string `json:"role"` // "admin", "write", "read", "helpdesk"
	Name   string `json:"name"`
}

// ParseSelf parses a /self response body.
func ParseSelf(body []byte) (*Self, error) {
	var s Self
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("parsing self response: %w", err)
	}
	return &s, nil
}

// OrgPrivilege returns the org-scoped privilege for orgID, if any.
func (s *Self) OrgPrivilege(orgID string) (Privilege, bool) {
	for _, p := range s.Privileges {
		if p.Scope == "org" && p.OrgID == orgID {
			return p, true
		}
	}
	return Privilege{}, false
}

// CheckOrgAccess verifies that the token has admin privileges on orgID.
func CheckOrgAccess(ctx context.Context, api API, orgID string) (*Privilege, error) {
	self, err := api.Self(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieving privileges: %w", err)
	}
	p, ok := self.OrgPrivilege(orgID)
	if !ok {
		return nil, fmt.Errorf("org %s: %w", orgID, ErrNoOrgAccess)
	}
	if p.Role != "admin" {
		return &p, fmt.Errorf("org %s (role %s): %w", orgID, p.Role, ErrNotOrgAdmin)
	}
	return &p, nil
}

// CloudHosts are the public API hosts of the cloud regions.
var CloudHosts = []string{
	"api.mist.com",
	"api.gc1.mist.com",
	"api.ac2.mist.com",
	"api.gc2.mist.com",
	"api.gc3.mist.com",
	"api.gc4.mist.com",
	"api.eu.mist.com",
	"api.gc5.mist.com",
	"api.ac5.mist.com",
	"api.ac6.mist.com",
	"api.gc6.mist.com",
	"api.gc7.mist.com",
	"api.mistsys.com",
}

// NormalizeHost turns a portal host or URL into its API host:
// "https://manage.eu.mist.com/" -> "api.eu.mist.com".
func NormalizeHost(host string) string {
	h := strings.TrimSpace(strings.ToLower(host))
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	h = strings.TrimSuffix(h, "/")
	if strings.HasPrefix(h, "manage.") {
		h = "api." + strings.TrimPrefix(h, "manage.")
	}
	return h
}

// IsKnownCloud reports whether host is a public cloud API host.
func IsKnownCloud(host string) bool {
	h := NormalizeHost(host)
	for _, c := range CloudHosts {
		if c == h {
			return true
		}
	}
	return false
}

// DiscoverAndStore checks the connection's privileges and org name and stores
// the outcome on the connection. Failures are recorded, not returned.
func DiscoverAndStore(ctx context.Context, api API, conn *models.Connection, store *models.ConnectionStore, logger *zap.Logger) {
	if conn.OrgID == "" {
		store.SetAccess(conn.ID, "error", "no org_id configured", "")
		return
	}
	p, err := CheckOrgAccess(ctx, api, conn.OrgID)
	switch {
	case errors.Is(err, ErrNotOrgAdmin), errors.Is(err, ErrNoOrgAccess):
		store.SetAccess(conn.ID, "denied", err.Error(), "")
		logger.Warn("insufficient privileges", zap.String("connection", conn.Name), zap.Error(err))
		return
	case err != nil:
		store.SetAccess(conn.ID, "error", err.Error(), "")
		logger.Warn("privilege check failed", zap.String("connection", conn.Name), zap.Error(err))
		return
	}

	name := p.Name
	if org, err := api.Get(ctx, schema.OrgInfo, conn.OrgID, ""); err == nil {
		if n := org.String("name"); n != "" {
			name = n
		}
	}
	store.SetAccess(conn.ID, "admin", "", name)
	logger.Info("connection ready", zap.String("connection", conn.Name),
		zap.String("org", name), zap.String("host", conn.Host))
}
