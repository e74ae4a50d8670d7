// Package platformtest provides an in-memory cloud for tests.
package platformtest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// Call is one request received by the fake.
type Call struct {
	Method string
	Path   string
	Body   interface{}
}

// Device is a physical device known to the cloud, claimable by magic.
type Device struct {
	Serial string
	MAC    string
	Magic  string
	Type   string
	Model  string
}

// FakeCloud implements platform.API in memory. Several orgs may live in one
// fake so that claims and unclaims interact like on a real cloud.
type FakeCloud struct {
	// FailOn, if set, is consulted before every call. A non-nil error is
	// returned to the caller.
	FailOn func(method, path string, payload interface{}) error
	// SelfInfo is returned by Self.
	SelfInfo *platform.Self
	// Assets maps download URLs to content.
	Assets map[string][]byte

	mu          sync.Mutex
	collections map[string][]models.Record
	singletons  map[string]models.Record
	devices     map[string]Device          // magic -> device
	inventory   map[string][]models.Record // org id -> inventory entries
	uploads     map[string][]byte
	puts        map[string]interface{}
	calls       []Call
}

// New creates an empty fake cloud.
func New() *FakeCloud {
	return &FakeCloud{
		Assets:      make(map[string][]byte),
		collections: make(map[string][]models.Record),
		singletons:  make(map[string]models.Record),
		devices:     make(map[string]Device),
		inventory:   make(map[string][]models.Record),
		uploads:     make(map[string][]byte),
		puts:        make(map[string]interface{}),
	}
}

var _ platform.API = (*FakeCloud)(nil)

func (f *FakeCloud) record(method, path string, body interface{}) error {
	f.calls = append(f.calls, Call{Method: method, Path: path, Body: body})
	if f.FailOn != nil {
		return f.FailOn(method, path, body)
	}
	return nil
}

func notFound(method, path string) error {
	return &platform.APIError{Method: method, Path: path, StatusCode: http.StatusNotFound, Body: `{"detail":"not found"}`}
}

func matches(rec models.Record, query map[string]string) bool {
	for k, v := range query {
		if v == "" || v == "all" {
			continue
		}
		if rec.String(k) != v {
			return false
		}
	}
	return true
}

// Seed stores records under a route, assigning ids to records without one.
func (f *FakeCloud) Seed(route schema.Route, scopeID string, recs ...models.Record) []models.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := route.CollectionPath(scopeID)
	out := make([]models.Record, 0, len(recs))
	for _, r := range recs {
		c := r.Clone()
		if c.ID() == "" {
			c["id"] = uuid.New().String()
		}
		for k, v := range route.Query {
			if _, ok := c[k]; !ok && v != "all" {
				c[k] = v
			}
		}
		f.collections[path] = append(f.collections[path], c)
		out = append(out, c.Clone())
	}
	return out
}

// SetSingleton stores a settings-like object.
func (f *FakeCloud) SetSingleton(route schema.Route, scopeID string, rec models.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singletons[route.CollectionPath(scopeID)] = rec.Clone()
}

// Singleton returns a stored settings-like object.
func (f *FakeCloud) Singleton(route schema.Route, scopeID string) models.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.singletons[route.CollectionPath(scopeID)].Clone()
}

// Records returns the stored records of a route.
func (f *FakeCloud) Records(route schema.Route, scopeID string) []models.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Record
	for _, r := range f.collections[route.CollectionPath(scopeID)] {
		if matches(r, route.Query) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// FindByName returns the stored record of a route with the given display name.
func (f *FakeCloud) FindByName(route schema.Route, scopeID, name string) models.Record {
	for _, r := range f.Records(route, scopeID) {
		if route.DisplayName(r) == name {
			return r
		}
	}
	return nil
}

// AddDevice registers a physical device and optionally claims it into orgID.
func (f *FakeCloud) AddDevice(d Device, orgID, siteID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.Magic] = d
	if orgID != "" {
		f.inventory[orgID] = append(f.inventory[orgID], inventoryEntry(d, siteID))
	}
}

// Inventory returns the inventory entries of an org.
func (f *FakeCloud) Inventory(orgID string) []models.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.CloneRecords(f.inventory[orgID])
}

// Calls returns every call received so far.
func (f *FakeCloud) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Mutations returns the calls that would change state on a real cloud.
func (f *FakeCloud) Mutations() []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method != http.MethodGet {
			out = append(out, c)
		}
	}
	return out
}

// Upload returns the data posted to an image endpoint.
func (f *FakeCloud) Upload(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.uploads[path]
	return d, ok
}

// Put returns the payload of a PutJSON call.
func (f *FakeCloud) Put(path string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.puts[path]
	return d, ok
}

func inventoryEntry(d Device, siteID string) models.Record {
	return models.Record{
		"serial":  d.Serial,
		"mac":     d.MAC,
		"magic":   d.Magic,
		"type":    d.Type,
		"model":   d.Model,
		"site_id": siteID,
		"id":      platform.DeviceID(d.MAC),
	}
}

func (f *FakeCloud) List(ctx context.Context, route schema.Route, scopeID string) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := route.CollectionPath(scopeID)
	if err := f.record(http.MethodGet, path, nil); err != nil {
		return nil, err
	}
	if route.Key == schema.Inventory.Key {
		var out []models.Record
		for _, r := range f.inventory[scopeID] {
			if matches(r, route.Query) {
				out = append(out, r.Clone())
			}
		}
		if out == nil {
			out = []models.Record{}
		}
		return out, nil
	}
	out := []models.Record{}
	for _, r := range f.collections[path] {
		if matches(r, route.Query) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (f *FakeCloud) Get(ctx context.Context, route schema.Route, scopeID, id string) (models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := route.ItemPath(scopeID, id)
	if err := f.record(http.MethodGet, path, nil); err != nil {
		return nil, err
	}
	if route.Singleton {
		rec, ok := f.singletons[path]
		if !ok {
			return nil, notFound(http.MethodGet, path)
		}
		return rec.Clone(), nil
	}
	for _, r := range f.collections[route.CollectionPath(scopeID)] {
		if r.ID() == id {
			return r.Clone(), nil
		}
	}
	return nil, notFound(http.MethodGet, path)
}

func (f *FakeCloud) Create(ctx context.Context, route schema.Route, scopeID string, payload models.Record) (models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := route.CollectionPath(scopeID)
	if err := f.record(http.MethodPost, path, payload.Clone()); err != nil {
		return nil, err
	}
	rec := payload.Clone()
	rec["id"] = uuid.New().String()
	switch route.Scope {
	case schema.ScopeSite:
		rec["site_id"] = scopeID
	default:
		rec["org_id"] = scopeID
	}
	delete(rec, "overwrite")
	for k, v := range route.Query {
		if _, ok := rec[k]; !ok && v != "all" {
			rec[k] = v
		}
	}
	f.collections[path] = append(f.collections[path], rec)
	return rec.Clone(), nil
}

func (f *FakeCloud) Update(ctx context.Context, route schema.Route, scopeID, id string, payload models.Record) (models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := route.ItemPath(scopeID, id)
	if err := f.record(http.MethodPut, path, payload.Clone()); err != nil {
		return nil, err
	}
	if route.Singleton {
		rec := f.singletons[path]
		if rec == nil {
			rec = models.Record{}
		}
		for k, v := range payload {
			rec[k] = models.CloneValue(v)
		}
		f.singletons[path] = rec
		return rec.Clone(), nil
	}
	items := f.collections[route.CollectionPath(scopeID)]
	for i, r := range items {
		if r.ID() == id {
			for k, v := range payload {
				r[k] = models.CloneValue(v)
			}
			r["id"] = id
			items[i] = r
			return r.Clone(), nil
		}
	}
	return nil, notFound(http.MethodPut, path)
}

func (f *FakeCloud) Delete(ctx context.Context, route schema.Route, scopeID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := route.ItemPath(scopeID, id)
	if err := f.record(http.MethodDelete, path, nil); err != nil {
		return err
	}
	cp := route.CollectionPath(scopeID)
	items := f.collections[cp]
	for i, r := range items {
		if r.ID() == id {
			f.collections[cp] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *FakeCloud) PutJSON(ctx context.Context, path string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(http.MethodPut, path, payload); err != nil {
		return err
	}
	f.puts[path] = payload
	return nil
}

func (f *FakeCloud) UploadImage(ctx context.Context, path, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(http.MethodPost, path, filename); err != nil {
		return err
	}
	f.uploads[path] = append([]byte(nil), data...)
	return nil
}

func (f *FakeCloud) Download(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(http.MethodGet, url, nil); err != nil {
		return nil, err
	}
	data, ok := f.Assets[url]
	if !ok {
		return nil, notFound(http.MethodGet, url)
	}
	return append([]byte(nil), data...), nil
}

// ClaimInventory adds devices by magic. A magic active in another org is
// rejected.
func (f *FakeCloud) ClaimInventory(ctx context.Context, orgID string, magics []string) (*platform.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := schema.Inventory.CollectionPath(orgID)
	if err := f.record(http.MethodPost, path, append([]string(nil), magics...)); err != nil {
		return nil, err
	}
	res := &platform.ClaimResult{Added: []string{}, Duplicated: []string{}, Error: []string{}, Reason: []string{}}
	for _, magic := range magics {
		d, ok := f.devices[magic]
		if !ok {
			res.Error = append(res.Error, magic)
			res.Reason = append(res.Reason, "invalid claim code")
			continue
		}
		owner := f.ownerOf(d.MAC)
		switch {
		case owner == orgID:
			res.Duplicated = append(res.Duplicated, magic)
		case owner != "":
			res.Error = append(res.Error, magic)
			res.Reason = append(res.Reason, "device already claimed by another org")
		default:
			f.inventory[orgID] = append(f.inventory[orgID], inventoryEntry(d, ""))
			res.Added = append(res.Added, magic)
		}
	}
	return res, nil
}

func (f *FakeCloud) ownerOf(mac string) string {
	orgs := make([]string, 0, len(f.inventory))
	for org := range f.inventory {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	for _, org := range orgs {
		for _, r := range f.inventory[org] {
			if r.String("mac") == mac {
				return org
			}
		}
	}
	return ""
}

// UpdateInventory supports "delete" by serial and "assign" by MAC.
func (f *FakeCloud) UpdateInventory(ctx context.Context, orgID string, update platform.InventoryUpdate) (*platform.InventoryUpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := schema.Inventory.CollectionPath(orgID)
	if err := f.record(http.MethodPut, path, update); err != nil {
		return nil, err
	}
	res := &platform.InventoryUpdateResult{Op: update.Op, Success: []string{}, Error: []string{}, Reason: []string{}}
	switch update.Op {
	case "delete":
		for _, serial := range update.Serials {
			idx := -1
			for i, r := range f.inventory[orgID] {
				if r.String("serial") == serial {
					idx = i
				}
			}
			if idx < 0 {
				res.Error = append(res.Error, serial)
				res.Reason = append(res.Reason, "serial not in inventory")
				continue
			}
			inv := f.inventory[orgID]
			f.inventory[orgID] = append(inv[:idx], inv[idx+1:]...)
			res.Success = append(res.Success, serial)
		}
	case "assign":
		devPath := schema.Devices.CollectionPath(update.SiteID)
		for _, mac := range update.MACs {
			found := false
			for _, r := range f.inventory[orgID] {
				if r.String("mac") == mac {
					r["site_id"] = update.SiteID
					found = true
					f.collections[devPath] = append(f.collections[devPath], models.Record{
						"id":      platform.DeviceID(mac),
						"mac":     mac,
						"serial":  r.String("serial"),
						"type":    r.String("type"),
						"site_id": update.SiteID,
					})
				}
			}
			if !found {
				res.Error = append(res.Error, mac)
				res.Reason = append(res.Reason, "mac not in inventory")
				continue
			}
			res.Success = append(res.Success, mac)
		}
	default:
		return nil, fmt.Errorf("unsupported inventory op %q", update.Op)
	}
	return res, nil
}

func (f *FakeCloud) Self(ctx context.Context) (*platform.Self, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(http.MethodGet, schema.APIPrefix+"/self", nil); err != nil {
		return nil, err
	}
	if f.SelfInfo == nil {
		return &platform.Self{}, nil
	}
	s := *f.SelfInfo
	return &s, nil
}
