package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Keys of the bundle document that are not collections.
var bundleReservedKeys = map[string]bool{
	"id": true, "data": true, "settings": true, "sites": true, "captured_at": true,
}

// Bundle is an immutable snapshot of one source org. A collection present
// with a nil slice failed to capture and is serialized as null.
type Bundle struct {
	OrgID       string
	Org         Record
	Settings    Record
	Collections map[string][]Record
	Sites       []SiteBundle
	CapturedAt  time.Time
}

// SiteBundle is the captured state of one site.
type SiteBundle struct {
	Data        Record
	Settings    Record
	Collections map[string][]Record
}

// ID returns the source site id.
func (s SiteBundle) ID() string { return s.Data.ID() }

// Name returns the site name.
func (s SiteBundle) Name() string { return s.Data.String("name") }

// OrgName returns the captured org name.
func (b *Bundle) OrgName() string { return b.Org.String("name") }

// CollectionNames returns the org collection keys in sorted order.
func (b *Bundle) CollectionNames() []string {
	return sortedKeys(b.Collections)
}

// MarshalJSON writes the {"org": {...}} document layout.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	org := map[string]interface{}{
		"id":       b.OrgID,
		"data":     b.Org,
		"settings": b.Settings,
	}
	if !b.CapturedAt.IsZero() {
		org["captured_at"] = b.CapturedAt.UTC().Format(time.RFC3339)
	}
	for typ, items := range b.Collections {
		if bundleReservedKeys[typ] {
			return nil, fmt.Errorf("collection name %q is reserved", typ)
		}
		org[typ] = items
	}
	sites := make([]interface{}, 0, len(b.Sites))
	for _, s := range b.Sites {
		site := map[string]interface{}{
			"data":     s.Data,
			"settings": s.Settings,
		}
		for typ, items := range s.Collections {
			if typ == "data" || typ == "settings" {
				return nil, fmt.Errorf("site collection name %q is reserved", typ)
			}
			site[typ] = items
		}
		sites = append(sites, site)
	}
	org["sites"] = sites
	return json.Marshal(map[string]interface{}{"org": org})
}

// UnmarshalJSON reads the {"org": {...}} document layout.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var doc struct {
		Org map[string]json.RawMessage `json:"org"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Org == nil {
		return fmt.Errorf("missing \"org\" root object")
	}
	*b = Bundle{Collections: make(map[string][]Record)}
	if raw, ok := doc.Org["id"]; ok {
		if err := json.Unmarshal(raw, &b.OrgID); err != nil {
			return fmt.Errorf("parsing org id: %w", err)
		}
	}
	if raw, ok := doc.Org["data"]; ok {
		if err := json.Unmarshal(raw, &b.Org); err != nil {
			return fmt.Errorf("parsing org data: %w", err)
		}
	}
	if raw, ok := doc.Org["settings"]; ok {
		if err := json.Unmarshal(raw, &b.Settings); err != nil {
			return fmt.Errorf("parsing org settings: %w", err)
		}
	}
	if raw, ok := doc.Org["captured_at"]; ok {
		var ts string
		if err := json.Unmarshal(raw, &ts); err == nil && ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				b.CapturedAt = t
			}
		}
	}
	for key, raw := range doc.Org {
		if bundleReservedKeys[key] {
			continue
		}
		var items []Record
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("parsing collection %s: %w", key, err)
		}
		b.Collections[key] = items
	}
	if b.OrgID == "" {
		b.OrgID = b.Org.ID()
	}

	if raw, ok := doc.Org["sites"]; ok {
		var sites []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &sites); err != nil {
			return fmt.Errorf("parsing sites: %w", err)
		}
		for i, s := range sites {
			site := SiteBundle{Collections: make(map[string][]Record)}
			for key, raw := range s {
				var err error
				switch key {
				case "data":
					err = json.Unmarshal(raw, &site.Data)
				case "settings":
					err = json.Unmarshal(raw, &site.Settings)
				default:
					var items []Record
					err = json.Unmarshal(raw, &items)
					site.Collections[key] = items
				}
				if err != nil {
					return fmt.Errorf("parsing site %d %s: %w", i, key, err)
				}
			}
			b.Sites = append(b.Sites, site)
		}
	}
	return nil
}

// InventoryBundle is the device inventory snapshot of one source org.
type InventoryBundle struct {
	OrgID               string                   `json:"id"`
	Sites               map[string]InventorySite `json:"sites"`
	SitesIDs            map[string]OldID         `json:"sites_ids"`
	DeviceProfilesIDs   map[string]OldID         `json:"deviceprofiles_ids"`
	Inventory           []InventoryItem          `json:"inventory"`
	DevicesWithoutMagic []InventoryItem          `json:"devices_without_magic"`
	CapturedAt          time.Time                `json:"captured_at"`
}

// InventorySite holds the devices assigned to one source site.
type InventorySite struct {
	ID      string            `json:"id"`
	MapsIDs map[string]string `json:"maps_ids"` // map name -> old map id
	Devices []Record          `json:"devices"`
}

// OldID wraps a source identifier keyed by name.
type OldID struct {
	OldID string `json:"old_id"`
}

// InventoryItem is one claimed device in the source org inventory.
type InventoryItem struct {
	Serial string `json:"serial" mapstructure:"serial"`
	MAC    string `json:"mac" mapstructure:"mac"`
	Magic  string `json:"magic" mapstructure:"magic"`
	Type   string `json:"type" mapstructure:"type"`
	Model  string `json:"model,omitempty" mapstructure:"model"`
	SiteID string `json:"site_id,omitempty" mapstructure:"site_id"`
}

// InventoryDocument is the on-disk wrapper of an InventoryBundle.
type InventoryDocument struct {
	Org *InventoryBundle `json:"org"`
}

// SiteNames returns the captured site names in sorted order.
func (b *InventoryBundle) SiteNames() []string {
	names := make([]string, 0, len(b.Sites))
	for name := range b.Sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ItemByMAC returns the inventory entry for a MAC address.
func (b *InventoryBundle) ItemByMAC(mac string) (InventoryItem, bool) {
	for _, it := range b.Inventory {
		if it.MAC == mac {
			return it, true
		}
	}
	return InventoryItem{}, false
}

func sortedKeys(m map[string][]Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
