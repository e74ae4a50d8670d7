package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rflorenc/org-migrator/internal/models"
)

// Document names inside a snapshot directory.
const (
	ConfigDocument    = "org_conf_file.json"
	InventoryDocument = "org_inventory_file.json"

	configPrefix    = "org_conf_file"
	inventoryPrefix = "org_inventory_file"

	timeLayout = "20060102T150405Z"
)

// AssetReader gives access to the binary assets of a snapshot.
type AssetReader interface {
	Asset(ctx context.Context, name string) ([]byte, error)
}

// AssetKey names a configuration asset:
// org_conf_file_org_<org>[_site_<site>]_<kind>_<id>.<ext>.
func AssetKey(orgID, siteID, kind, id, ext string) string {
	if siteID == "" {
		return fmt.Sprintf("%s_org_%s_%s_%s.%s", configPrefix, orgID, kind, id, ext)
	}
	return fmt.Sprintf("%s_org_%s_site_%s_%s_%s.%s", configPrefix, orgID, siteID, kind, id, ext)
}

// DeviceImageKey names the n-th image of a device.
func DeviceImageKey(orgID, serial string, n int) string {
	return fmt.Sprintf("%s_org_%s_device_%s_image_%d.png", inventoryPrefix, orgID, serial, n)
}

// Snapshot is one capture directory, <org id>/<UTC timestamp>, in a Store.
type Snapshot struct {
	store Store
	dir   string
}

// NewSnapshot returns the snapshot of orgID captured at t.
func NewSnapshot(store Store, orgID string, t time.Time) *Snapshot {
	return &Snapshot{store: store, dir: orgID + "/" + t.UTC().Format(timeLayout)}
}

// OpenSnapshot returns an existing snapshot directory.
func OpenSnapshot(store Store, dir string) *Snapshot {
	return &Snapshot{store: store, dir: strings.Trim(dir, "/")}
}

// Dir returns the snapshot directory, relative to the store.
func (s *Snapshot) Dir() string { return s.dir }

func (s *Snapshot) key(name string) string { return path.Join(s.dir, name) }

func (s *Snapshot) putJSON(ctx context.Context, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return s.store.Put(ctx, s.key(name), data)
}

// WriteBundle stores the bundle document.
func (s *Snapshot) WriteBundle(ctx context.Context, b *models.Bundle) error {
	return s.putJSON(ctx, ConfigDocument, b)
}

// ReadBundle loads the bundle document. A missing or unparsable document is
// an IntegrityError.
func (s *Snapshot) ReadBundle(ctx context.Context) (*models.Bundle, error) {
	data, err := s.store.Get(ctx, s.key(ConfigDocument))
	if err != nil {
		return nil, &IntegrityError{Key: s.key(ConfigDocument), Err: err}
	}
	var b models.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, &IntegrityError{Key: s.key(ConfigDocument), Err: err}
	}
	return &b, nil
}

// WriteInventory stores the inventory document.
func (s *Snapshot) WriteInventory(ctx context.Context, inv *models.InventoryBundle) error {
	return s.putJSON(ctx, InventoryDocument, models.InventoryDocument{Org: inv})
}

// ReadInventory loads the inventory document.
func (s *Snapshot) ReadInventory(ctx context.Context) (*models.InventoryBundle, error) {
	data, err := s.store.Get(ctx, s.key(InventoryDocument))
	if err != nil {
		return nil, &IntegrityError{Key: s.key(InventoryDocument), Err: err}
	}
	var doc models.InventoryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &IntegrityError{Key: s.key(InventoryDocument), Err: err}
	}
	if doc.Org == nil {
		return nil, &IntegrityError{Key: s.key(InventoryDocument), Err: errors.New(`missing "org" object`)}
	}
	return doc.Org, nil
}

// ReportName names the report of a run.
func ReportName(r *models.Report) string {
	return fmt.Sprintf("report_%s_%s.json", r.Operation, r.StartedAt.UTC().Format(timeLayout))
}

// WriteReport stores a run report next to the documents.
func (s *Snapshot) WriteReport(ctx context.Context, r *models.Report) error {
	return s.putJSON(ctx, ReportName(r), r)
}

// PutAsset stores a binary asset.
func (s *Snapshot) PutAsset(ctx context.Context, name string, data []byte) error {
	return s.store.Put(ctx, s.key(name), data)
}

// Asset loads a binary asset. A missing asset is an IntegrityError wrapping
// ErrNotFound.
func (s *Snapshot) Asset(ctx context.Context, name string) ([]byte, error) {
	data, err := s.store.Get(ctx, s.key(name))
	if err != nil {
		return nil, &IntegrityError{Key: s.key(name), Err: err}
	}
	return data, nil
}

// Info describes a stored snapshot.
type Info struct {
	Dir          string    `json:"dir"`
	OrgID        string    `json:"org_id"`
	CapturedAt   time.Time `json:"captured_at"`
	HasConfig    bool      `json:"has_config"`
	HasInventory bool      `json:"has_inventory"`
	Files        int       `json:"files"`
}

// List returns the snapshots of a store, newest first. An empty orgID lists
// every org.
func List(ctx context.Context, store Store, orgID string) ([]Info, error) {
	prefix := ""
	if orgID != "" {
		prefix = orgID + "/"
	}
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	byDir := make(map[string]*Info)
	for _, k := range keys {
		parts := strings.SplitN(k, "/", 3)
		if len(parts) != 3 {
			continue
		}
		at, err := time.Parse(timeLayout, parts[1])
		if err != nil {
			continue
		}
		dir := parts[0] + "/" + parts[1]
		info, ok := byDir[dir]
		if !ok {
			info = &Info{Dir: dir, OrgID: parts[0], CapturedAt: at}
			byDir[dir] = info
		}
		info.Files++
		switch parts[2] {
		case ConfigDocument:
			info.HasConfig = true
		case InventoryDocument:
			info.HasInventory = true
		}
	}
	out := make([]Info, 0, len(byDir))
	for _, info := range byDir {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.After(out[j].CapturedAt)
		}
		return out[i].Dir < out[j].Dir
	})
	return out, nil
}

// Latest returns the newest snapshot of orgID holding the given document.
func Latest(ctx context.Context, store Store, orgID, document string) (*Snapshot, error) {
	infos, err := List(ctx, store, orgID)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if (document == ConfigDocument && info.HasConfig) || (document == InventoryDocument && info.HasInventory) {
			return OpenSnapshot(store, info.Dir), nil
		}
	}
	return nil, fmt.Errorf("no %s for org %s: %w", document, orgID, ErrNotFound)
}
