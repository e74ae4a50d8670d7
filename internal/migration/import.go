package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/mapping"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// Restore recreates the configuration of b in the destination org, in
// dependency order. Per-object failures are reported and do not stop the run.
// Cancellation stops the run between two objects; nothing is rolled back.
func Restore(ctx context.Context, api platform.API, b *models.Bundle, assets bundle.AssetReader, destOrgID string, opts Options) (*models.Report, error) {
	if _, err := platform.CheckOrgAccess(ctx, api, destOrgID); err != nil {
		return nil, fmt.Errorf("destination org: %w", err)
	}
	return run(ctx, OpRestore, api, b, assets, destOrgID, opts)
}

func run(ctx context.Context, operation string, api platform.API, b *models.Bundle, assets bundle.AssetReader, destOrgID string, opts Options) (*models.Report, error) {
	if b == nil || b.OrgID == "" {
		return nil, errors.New("bundle has no source org id")
	}
	if destOrgID == "" {
		return nil, errors.New("destination org id required")
	}
	opts = opts.withDefaults()
	rc := newContext(api, assets, b, destOrgID, operation, opts)
	started := time.Now()

	err := rc.restore(ctx)
	rc.finish(started, err)
	if err != nil {
		return rc.Report, err
	}
	if n := rc.Report.MissingCount(); n > 0 {
		opts.Log.Warn("unresolved references", zap.Int("count", n), zap.String("operation", operation))
	}
	return rc.Report, nil
}

func (rc *Context) restore(ctx context.Context) error {
	b := rc.bundle
	if rc.opts.DryRun {
		rc.logf("Dry run: no modification will be done on the destination org")
	}
	rc.logf("=== Deploying org %s (%s) into %s ===", b.OrgName(), b.OrgID, rc.destOrgID)
	if err := rc.Mapping.AddMapping(rc.destOrgID, b.OrgID, b.OrgName()); err != nil {
		return err
	}

	steps := []func(context.Context) error{
		rc.restoreOrgSettings,
		rc.restorePhase0,
		rc.restorePhase1,
		rc.restoreSites,
		rc.restoreSiteChildren,
		rc.restorePortals,
		rc.replay,
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			rc.logf("Run cancelled by user")
			return ctx.Err()
		}
		if err := step(ctx); err != nil {
			if ctx.Err() != nil {
				rc.logf("Run cancelled by user")
				return ctx.Err()
			}
			return err
		}
	}
	return nil
}

func (rc *Context) restoreOrgSettings(ctx context.Context) error {
	rc.logf("")
	rc.logf("=== Org settings ===")
	if rc.bundle.Settings == nil {
		rc.logf("  SKIP: no settings captured")
		return nil
	}
	return rc.updateSettings(ctx, schema.OrgSettings, rc.destOrgID, "", rc.bundle.OrgID, rc.bundle.Settings)
}

func (rc *Context) updateSettings(ctx context.Context, route schema.Route, scopeID, site, oldID string, settings models.Record) error {
	source := cleanPayload(route, settings)
	payload, unresolved := rc.Mapping.ReplaceAndStrip(source)
	res := models.ObjectResult{Scope: string(route.Scope), Site: site, Type: route.Type, SourceID: oldID, Name: "settings"}

	if rc.opts.DryRun || rc.isPlaceholder(scopeID) {
		res.Action = models.ActionWouldUpdate
		rc.record(res)
		rc.logf("  WOULD UPDATE: settings")
	} else if _, err := rc.api.Update(ctx, route, scopeID, "", payload); err != nil {
		if abort(ctx, err) {
			return err
		}
		res.Action, res.Error = models.ActionFailed, err.Error()
		rc.record(res)
		rc.logf("  FAIL: settings: %v", err)
		return nil
	} else {
		res.Action = models.ActionUpdated
		rc.record(res)
		rc.logf("  UPDATED: settings")
	}
	if len(unresolved) > 0 {
		rc.Mapping.QueueReplay(mapping.ReplayTask{
			Scope: route.Scope, ScopeID: scopeID, Site: site, ObjectType: route.Type,
			OldID: oldID, Name: "settings", Payload: source, ObjectID: scopeID, Pending: len(unresolved),
		})
	}
	return nil
}

func (rc *Context) restorePhase0(ctx context.Context) error {
	return rc.restoreOrgPhase(ctx, "Phase 0: org objects", schema.Phase0)
}

func (rc *Context) restorePhase1(ctx context.Context) error {
	return rc.restoreOrgPhase(ctx, "Phase 1: dependent org objects", schema.Phase1)
}

func (rc *Context) restoreOrgPhase(ctx context.Context, title string, types []string) error {
	rc.logf("")
	rc.logf("=== %s ===", title)
	for _, typ := range types {
		route := schema.MustLookup(schema.ScopeOrg, typ)
		items, ok := rc.bundle.Collections[typ]
		if !ok || len(items) == 0 {
			if ok && items == nil {
				rc.Report.Warn("%s was not captured, nothing to restore", route.Key)
			}
			continue
		}
		rc.logf("--- %s ---", typ)
		existing := rc.existingObjects(ctx, route, rc.destOrgID)
		for _, item := range items {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := rc.restoreObject(ctx, route, rc.destOrgID, "", "", item, existing); err != nil {
				return err
			}
		}
	}
	return nil
}

// destIndex holds the objects of a destination collection by display name.
type destIndex map[string][]models.Record

// existingObjects lists a destination collection by display name.
// Placeholder scopes have no destination objects.
func (rc *Context) existingObjects(ctx context.Context, route schema.Route, scopeID string) destIndex {
	idx := make(destIndex)
	if rc.isPlaceholder(scopeID) || route.NameField == schema.NoName {
		return idx
	}
	items, err := rc.api.List(ctx, route, scopeID)
	if err != nil {
		rc.Report.Warn("listing destination %s: %v", route.Key, err)
		rc.logf("  WARNING: could not list destination %s: %v", route.Key, err)
		return idx
	}
	for _, it := range items {
		if n := route.DisplayName(it); n != "" && it.ID() != "" {
			idx[n] = append(idx[n], it)
		}
	}
	return idx
}

// match returns an existing destination object for source: same display
// name, same top-level references once rewritten, and not already bound to
// another source object in this run. The returned id is bound.
func (rc *Context) match(idx destIndex, name string, source, payload models.Record) (string, bool) {
	if name == "" {
		return "", false
	}
	for _, cand := range idx[name] {
		if !sameReferences(source, payload, cand) {
			continue
		}
		if rc.bind(cand.ID()) {
			return cand.ID(), true
		}
	}
	return "", false
}

// sameReferences reports whether every top-level reference of source is
// resolved in payload to the value dest holds. An unresolved reference
// never matches.
func sameReferences(source, payload, dest models.Record) bool {
	for k, v := range source {
		if schema.IsNonReference(k) {
			continue
		}
		switch t := v.(type) {
		case string:
			if !mapping.IsIdentifier(t) {
				continue
			}
			if got, ok := payload[k].(string); !ok || got != dest[k] {
				return false
			}
		case []interface{}:
			refs := 0
			for _, e := range t {
				if s, ok := e.(string); ok && mapping.IsIdentifier(s) {
					refs++
				}
			}
			if refs == 0 {
				continue
			}
			want, _ := payload[k].([]interface{})
			if len(want) != refs || !sameSet(want, dest[k]) {
				return false
			}
		}
	}
	return true
}

func sameSet(want []interface{}, v interface{}) bool {
	have, _ := v.([]interface{})
	if len(have) != len(want) {
		return false
	}
	seen := make(map[interface{}]int, len(have))
	for _, h := range have {
		seen[h]++
	}
	for _, w := range want {
		if seen[w] == 0 {
			return false
		}
		seen[w]--
	}
	return true
}

// bind records that destID stands for a source object. It reports false
// when the id is already bound.
func (rc *Context) bind(destID string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.bound[destID] {
		return false
	}
	rc.bound[destID] = true
	return true
}

// restoreObject reuses a matching destination object or creates a
// rewritten copy of item. It returns the action taken. Only errors that
// must stop the run are returned.
func (rc *Context) restoreObject(ctx context.Context, route schema.Route, scopeID, site, oldSiteID string, item models.Record, existing destIndex) (string, error) {
	oldID := item.ID()
	name := route.DisplayName(item)
	label := objectName(route, item)
	res := models.ObjectResult{Scope: string(route.Scope), Site: site, Type: route.Type, SourceID: oldID, Name: name}

	if name != "" && rc.excluded(route.Key, name) {
		res.Action = models.ActionExcluded
		rc.record(res)
		rc.logf("  EXCLUDED: %s (user exclusion)", label)
		return res.Action, nil
	}

	source := cleanPayload(route, item)
	payload, unresolved := rc.Mapping.ReplaceAndStrip(source)

	if destID, ok := rc.match(existing, name, source, payload); ok {
		if err := rc.mapID(destID, oldID, name); err != nil {
			rc.Report.Warn("%s %q: %v", route.Key, name, err)
		}
		res.Action, res.DestID = models.ActionSkipExists, destID
		rc.record(res)
		rc.logf("  SKIP (exists): %s", label)
		return res.Action, nil
	}

	task := mapping.ReplayTask{
		Scope: route.Scope, ScopeID: scopeID, Site: site, ObjectType: route.Type,
		OldID: oldID, Name: name, Payload: source, Pending: len(unresolved),
	}

	var newID string
	if rc.opts.DryRun || rc.isPlaceholder(scopeID) {
		newID = uuid.New().String()
		rc.markPlaceholder(newID)
		res.Action = models.ActionWouldCreate
		rc.logf("  WOULD CREATE: %s", label)
	} else {
		created, err := rc.api.Create(ctx, route, scopeID, payload)
		if err != nil {
			if abort(ctx, err) {
				return models.ActionFailed, err
			}
			res.Action, res.Error = models.ActionFailed, err.Error()
			rc.record(res)
			rc.logf("  FAIL: %s: %v", label, err)
			if len(unresolved) > 0 {
				rc.Mapping.QueueReplay(task)
			}
			return res.Action, nil
		}
		newID = created.ID()
		res.Action = models.ActionCreated
		rc.logf("  CREATED: %s (ID %s)", label, newID)
	}
	res.DestID = newID
	rc.record(res)

	if newID != "" {
		if err := rc.mapID(newID, oldID, name); err != nil {
			rc.Report.Warn("%s %q: %v", route.Key, name, err)
		}
	}
	if len(unresolved) > 0 {
		task.ObjectID = newID
		rc.Mapping.QueueReplay(task)
		rc.opts.Log.Debug("queued for replay",
			zap.String("type", route.Key.String()), zap.String("name", name), zap.Int("unresolved", len(unresolved)))
	}

	if route.Type == "wlans" {
		rc.addWLAN(restoredWLAN{route: route, scopeID: scopeID, oldSiteID: oldSiteID, oldID: oldID, newID: newID, name: label})
	}
	if route.Type == "maps" && !rc.isPlaceholder(newID) {
		rc.uploadMapImage(ctx, route, scopeID, oldSiteID, oldID, newID, label)
	}
	return res.Action, nil
}

func (rc *Context) mapID(newID, oldID, name string) error {
	if oldID == "" {
		return nil
	}
	return rc.Mapping.AddMapping(newID, oldID, name)
}

func (rc *Context) uploadMapImage(ctx context.Context, route schema.Route, siteID, oldSiteID, oldMapID, newMapID, label string) {
	if rc.assets == nil {
		return
	}
	data, err := rc.assets.Asset(ctx, bundle.AssetKey(rc.bundle.OrgID, oldSiteID, "map", oldMapID, "png"))
	if err != nil {
		rc.opts.Log.Debug("no floorplan image", zap.String("map", label), zap.Error(err))
		return
	}
	if err := rc.api.UploadImage(ctx, route.ItemPath(siteID, newMapID)+"/image", "map.png", data); err != nil {
		rc.Report.Warn("uploading floorplan of map %q: %v", label, err)
		rc.logf("  WARNING: floorplan of %s not uploaded: %v", label, err)
		return
	}
	rc.logf("  UPLOADED: floorplan %s", label)
}
