package migration

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// siteTarget is a captured site, by index in the bundle, and its
// destination id.
type siteTarget struct {
	index int
	newID string
}

// restoreSites is phase 2: sites are created with their template references
// rewritten, then the settings of every created site are updated.
func (rc *Context) restoreSites(ctx context.Context) error {
	rc.logf("")
	rc.logf("=== Phase 2: sites ===")
	if len(rc.bundle.Sites) == 0 {
		rc.logf("  no sites captured")
		return nil
	}
	existing := rc.existingObjects(ctx, schema.Sites, rc.destOrgID)
	for i := range rc.bundle.Sites {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		site := rc.bundle.Sites[i]
		action, err := rc.restoreObject(ctx, schema.Sites, rc.destOrgID, site.Name(), "", site.Data, existing)
		if err != nil {
			return err
		}
		if action == models.ActionExcluded {
			continue
		}
		reused := action == models.ActionSkipExists
		newID, ok := rc.Mapping.Resolve(site.ID())
		if !ok {
			rc.logf("  WARNING: site %s not restored, its objects are skipped", site.Name())
			rc.Report.Warn("site %q was not restored, its objects were skipped", site.Name())
			continue
		}
		rc.sites = append(rc.sites, siteTarget{index: i, newID: newID})
		if !reused && site.Settings != nil {
			rc.logf("  [%s] settings", site.Name())
			if err := rc.updateSettings(ctx, schema.SiteSettings, newID, site.Name(), site.ID(), site.Settings); err != nil {
				return err
			}
		}
	}
	return nil
}

// restoreSiteChildren is phase 3: the objects of every site in strict
// order. Sites are processed concurrently on a bounded pool.
func (rc *Context) restoreSiteChildren(ctx context.Context) error {
	rc.logf("")
	rc.logf("=== Phase 3: site objects ===")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.opts.Workers)
	for _, target := range rc.sites {
		target := target
		g.Go(func() error {
			return rc.restoreSite(gctx, target)
		})
	}
	return g.Wait()
}

func (rc *Context) restoreSite(ctx context.Context, target siteTarget) error {
	site := rc.bundle.Sites[target.index]
	for _, typ := range schema.SiteChildOrder {
		items := site.Collections[typ]
		if len(items) == 0 {
			continue
		}
		route := schema.MustLookup(schema.ScopeSite, typ)
		rc.logf("--- [%s] %s ---", site.Name(), typ)
		existing := rc.existingObjects(ctx, route, target.newID)
		for _, item := range items {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := rc.restoreObject(ctx, route, target.newID, site.Name(), site.ID(), item, existing); err != nil {
				return err
			}
		}
	}
	return nil
}

// restorePortals is phase 4: the captured portal template and image of
// every WLAN created by this run.
func (rc *Context) restorePortals(ctx context.Context) error {
	if len(rc.wlans) == 0 || rc.assets == nil {
		return nil
	}
	rc.logf("")
	rc.logf("=== Phase 4: WLAN portals ===")
	for _, w := range rc.wlans {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		base := w.route.ItemPath(w.scopeID, w.newID)

		if data, err := rc.assets.Asset(ctx, bundle.AssetKey(rc.bundle.OrgID, w.oldSiteID, "wlan", w.oldID, "json")); err == nil {
			var template interface{}
			if err := json.Unmarshal(data, &template); err != nil {
				rc.Report.Warn("portal template of WLAN %q is unreadable: %v", w.name, err)
				rc.logf("  WARNING: portal template of %s is unreadable", w.name)
			} else if rc.isPlaceholder(w.newID) {
				rc.logf("  WOULD UPLOAD: portal template for %s", w.name)
			} else if err := rc.api.PutJSON(ctx, base+"/portal_template", template); err != nil {
				if abort(ctx, err) {
					return err
				}
				rc.Report.Warn("uploading portal template of WLAN %q: %v", w.name, err)
				rc.logf("  FAIL: portal template for %s: %v", w.name, err)
			} else {
				rc.logf("  UPLOADED: portal template for %s", w.name)
			}
		} else {
			rc.opts.Log.Debug("no portal template", zap.String("wlan", w.name))
		}

		if data, err := rc.assets.Asset(ctx, bundle.AssetKey(rc.bundle.OrgID, w.oldSiteID, "wlan", w.oldID, "png")); err == nil {
			if rc.isPlaceholder(w.newID) {
				rc.logf("  WOULD UPLOAD: portal image for %s", w.name)
			} else if err := rc.api.UploadImage(ctx, base+"/portal_image", "portal_image.png", data); err != nil {
				if abort(ctx, err) {
					return err
				}
				rc.Report.Warn("uploading portal image of WLAN %q: %v", w.name, err)
				rc.logf("  FAIL: portal image for %s: %v", w.name, err)
			} else {
				rc.logf("  UPLOADED: portal image for %s", w.name)
			}
		}
	}
	return nil
}
