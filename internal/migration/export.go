package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/metrics"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// exporter holds the state of one backup run.
type exporter struct {
	api    platform.API
	snap   *bundle.Snapshot
	orgID  string
	opts   Options
	report *models.Report
}

// Backup captures the configuration of orgID into snap: org info and
// settings, every org collection, every site with its settings and
// collections, and the WLAN portal and floorplan assets. A collection that
// fails to download is stored as null and listed in the report. The bundle
// and the report are written to the snapshot.
func Backup(ctx context.Context, api platform.API, snap *bundle.Snapshot, orgID string, opts Options) (*models.Bundle, *models.Report, error) {
	opts = opts.withDefaults()
	ex := &exporter{
		api:    api,
		snap:   snap,
		orgID:  orgID,
		opts:   opts,
		report: models.NewReport(OpBackup, orgID, "", false),
	}
	started := time.Now()
	b, err := ex.run(ctx)
	ex.report.Cancelled = errors.Is(err, context.Canceled)
	ex.report.Finish()

	result := "success"
	switch {
	case ex.report.Cancelled:
		result = "cancelled"
	case err != nil:
		result = "error"
	}
	metrics.RunDuration.WithLabelValues(OpBackup, result).Observe(time.Since(started).Seconds())
	if err != nil {
		return b, ex.report, err
	}

	if err := snap.WriteReport(ctx, ex.report); err != nil {
		ex.report.Warn("writing report: %v", err)
	}
	opts.Logger("")
	opts.Logger("=== Summary ===")
	for _, line := range ex.report.Summary() {
		opts.Logger(line)
	}
	opts.Logger(fmt.Sprintf("Backup stored in %s", snap.Dir()))
	return b, ex.report, nil
}

func (ex *exporter) run(ctx context.Context) (*models.Bundle, error) {
	log := ex.opts.Logger
	if ex.orgID == "" {
		return nil, errors.New("source org id required")
	}

	log(fmt.Sprintf("=== Capturing org %s ===", ex.orgID))
	org, err := ex.api.Get(ctx, schema.OrgInfo, ex.orgID, "")
	if err != nil {
		return nil, fmt.Errorf("retrieving org info: %w", err)
	}
	log(fmt.Sprintf("Org: %s", org.String("name")))

	b := &models.Bundle{
		OrgID:       ex.orgID,
		Org:         org,
		Collections: make(map[string][]models.Record),
		CapturedAt:  time.Now().UTC(),
	}

	settings, err := ex.api.Get(ctx, schema.OrgSettings, ex.orgID, "")
	if err != nil {
		if abort(ctx, err) {
			return nil, err
		}
		ex.failed(schema.OrgSettings.Key, err)
	} else {
		b.Settings = settings
	}

	for _, typ := range schema.OrgCaptureOrder() {
		if ctx.Err() != nil {
			log("Backup cancelled by user")
			return nil, ctx.Err()
		}
		route := schema.MustLookup(schema.ScopeOrg, typ)
		items, err := ex.capture(ctx, route, ex.orgID)
		if err != nil {
			if abort(ctx, err) {
				return nil, err
			}
			ex.failed(route.Key, err)
			b.Collections[typ] = nil
			continue
		}
		b.Collections[typ] = items
		if typ == "wlans" {
			ex.captureWLANAssets(ctx, "", items)
		}
	}

	log("")
	log("=== Capturing sites ===")
	sites, err := ex.api.List(ctx, schema.Sites, ex.orgID)
	if err != nil {
		if abort(ctx, err) {
			return nil, err
		}
		ex.failed(schema.Sites.Key, err)
	}
	ex.report.AddCaptured(schema.Sites.Key.String(), len(sites))
	for _, site := range sites {
		if ctx.Err() != nil {
			log("Backup cancelled by user")
			return nil, ctx.Err()
		}
		sb, err := ex.captureSite(ctx, site)
		if err != nil {
			return nil, err
		}
		b.Sites = append(b.Sites, sb)
	}

	if err := ex.snap.WriteBundle(ctx, b); err != nil {
		return b, fmt.Errorf("writing bundle: %w", err)
	}
	return b, nil
}

func (ex *exporter) captureSite(ctx context.Context, site models.Record) (models.SiteBundle, error) {
	siteID := site.ID()
	name := site.String("name")
	ex.opts.Logger(fmt.Sprintf("--- Site %s ---", name))
	sb := models.SiteBundle{Data: site, Collections: make(map[string][]models.Record)}

	settings, err := ex.api.Get(ctx, schema.SiteSettings, siteID, "")
	if err != nil {
		if abort(ctx, err) {
			return sb, err
		}
		ex.failed(schema.SiteSettings.Key, fmt.Errorf("site %s: %w", name, err))
	} else {
		sb.Settings = settings
	}

	for _, typ := range schema.SiteCaptureOrder() {
		if ctx.Err() != nil {
			return sb, ctx.Err()
		}
		route := schema.MustLookup(schema.ScopeSite, typ)
		items, err := ex.capture(ctx, route, siteID)
		if err != nil {
			if abort(ctx, err) {
				return sb, err
			}
			ex.failed(route.Key, fmt.Errorf("site %s: %w", name, err))
			sb.Collections[typ] = nil
			continue
		}
		sb.Collections[typ] = items
		switch typ {
		case "wlans":
			ex.captureWLANAssets(ctx, siteID, items)
		case "maps":
			ex.captureMapImages(ctx, siteID, items)
		}
	}
	return sb, nil
}

// capture drains a collection. Routes flagged Detail are fetched item by
// item to get the full object.
func (ex *exporter) capture(ctx context.Context, route schema.Route, scopeID string) ([]models.Record, error) {
	items, err := ex.api.List(ctx, route, scopeID)
	if err != nil {
		return nil, err
	}
	if route.Detail {
		for i, it := range items {
			full, err := ex.api.Get(ctx, route, scopeID, it.ID())
			if err != nil {
				if abort(ctx, err) {
					return nil, err
				}
				ex.report.Warn("%s %q: detail not captured: %v", route.Key, objectName(route, it), err)
				continue
			}
			items[i] = full
		}
	}
	if route.Type == "evpn_topologies" {
		for _, it := range items {
			trimSwitches(it)
		}
	}
	ex.report.AddCaptured(route.Key.String(), len(items))
	metrics.Objects.WithLabelValues(OpBackup, route.Key.String(), models.ActionCaptured).Add(float64(len(items)))
	if len(items) > 0 {
		ex.opts.Logger(fmt.Sprintf("  %d %s", len(items), route.Key.Type))
	}
	return items, nil
}

func (ex *exporter) failed(key schema.Key, err error) {
	ex.report.AddFailedCollection(key.String())
	ex.report.Warn("%s: %v", key, err)
	ex.opts.Logger(fmt.Sprintf("  WARNING: %s not captured: %v", key, err))
	ex.opts.Log.Warn("collection not captured", zap.String("collection", key.String()), zap.Error(err))
}

func (ex *exporter) captureWLANAssets(ctx context.Context, siteID string, wlans []models.Record) {
	for _, w := range wlans {
		if u := stringField(w, "portal_template_url"); u != "" {
			ex.saveAsset(ctx, u, bundle.AssetKey(ex.orgID, siteID, "wlan", w.ID(), "json"), "portal template of "+w.String("ssid"))
		}
		if u := stringField(w, "portal_image"); u != "" {
			ex.saveAsset(ctx, u, bundle.AssetKey(ex.orgID, siteID, "wlan", w.ID(), "png"), "portal image of "+w.String("ssid"))
		}
	}
}

func (ex *exporter) captureMapImages(ctx context.Context, siteID string, maps []models.Record) {
	for _, m := range maps {
		if u := stringField(m, "url"); u != "" {
			ex.saveAsset(ctx, u, bundle.AssetKey(ex.orgID, siteID, "map", m.ID(), "png"), "floorplan of "+m.String("name"))
		}
	}
}

func (ex *exporter) saveAsset(ctx context.Context, url, name, what string) {
	data, err := ex.api.Download(ctx, url)
	if err != nil {
		ex.report.Warn("%s not downloaded: %v", what, err)
		ex.opts.Logger(fmt.Sprintf("  WARNING: %s not downloaded: %v", what, err))
		return
	}
	if err := ex.snap.PutAsset(ctx, name, data); err != nil {
		ex.report.Warn("%s not stored: %v", what, err)
		return
	}
	ex.opts.Log.Debug("asset saved", zap.String("asset", name), zap.Int("bytes", len(data)))
}
