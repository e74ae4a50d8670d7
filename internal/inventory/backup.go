package inventory

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

// DeviceProfileTypes are the org collections holding device profiles.
var DeviceProfileTypes = []string{"deviceprofiles", "switchprofiles", "hubprofiles"}

var mapsRoute = schema.MustLookup(schema.ScopeSite, "maps")

type backupRun struct {
	api    platform.API
	snap   *bundle.Snapshot
	orgID  string
	opts   Options
	report *models.Report
	inv    *models.InventoryBundle
}

// Backup captures the inventory of orgID into snap: claim codes per device
// type, the device profiles and sites by name, and the configuration and
// images of every device assigned to a site.
func Backup(ctx context.Context, api platform.API, snap *bundle.Snapshot, orgID string, opts Options) (*models.InventoryBundle, *models.Report, error) {
	if orgID == "" {
		return nil, nil, errors.New("source org id required")
	}
	opts = opts.withDefaults()
	br := &backupRun{
		api:    api,
		snap:   snap,
		orgID:  orgID,
		opts:   opts,
		report: models.NewReport(OpBackup, orgID, "", false),
		inv: &models.InventoryBundle{
			OrgID:               orgID,
			Sites:               make(map[string]models.InventorySite),
			SitesIDs:            make(map[string]models.OldID),
			DeviceProfilesIDs:   make(map[string]models.OldID),
			Inventory:           []models.InventoryItem{},
			DevicesWithoutMagic: []models.InventoryItem{},
			CapturedAt:          time.Now().UTC(),
		},
	}
	started := time.Now()
	err := br.run(ctx)
	br.report.Cancelled = errors.Is(err, context.Canceled)
	br.report.Finish()

	result := "success"
	switch {
	case br.report.Cancelled:
		result = "cancelled"
	case err != nil:
		result = "error"
	}
	metrics.RunDuration.WithLabelValues(OpBackup, result).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, br.report, err
	}

	if err := snap.WriteReport(ctx, br.report); err != nil {
		br.report.Warn("writing report: %v", err)
	}
	opts.Logger("")
	opts.Logger("=== Summary ===")
	for _, line := range br.report.Summary() {
		opts.Logger(line)
	}
	opts.Logger(fmt.Sprintf("Inventory backup stored in %s", snap.Dir()))
	return br.inv, br.report, nil
}

func (br *backupRun) run(ctx context.Context) error {
	log := br.opts.Logger
	log(fmt.Sprintf("=== Capturing inventory of org %s ===", br.orgID))

	for _, typ := range DeviceTypes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := br.captureInventory(ctx, typ); err != nil {
			return err
		}
	}

	for _, typ := range DeviceProfileTypes {
		route := schema.MustLookup(schema.ScopeOrg, typ)
		profiles, err := br.api.List(ctx, route, br.orgID)
		if err != nil {
			if abort(ctx, err) {
				return err
			}
			br.failed(route.Key.String(), err)
			continue
		}
		for _, p := range profiles {
			br.inv.DeviceProfilesIDs[p.String("name")] = models.OldID{OldID: p.ID()}
		}
		br.report.AddCaptured(route.Key.String(), len(profiles))
	}
	log(fmt.Sprintf("  %d device profiles", len(br.inv.DeviceProfilesIDs)))

	log("")
	log("=== Capturing sites ===")
	sites, err := br.api.List(ctx, schema.Sites, br.orgID)
	if err != nil {
		return fmt.Errorf("listing sites: %w", err)
	}
	br.report.AddCaptured(schema.Sites.Key.String(), len(sites))
	for _, site := range sites {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := br.captureSite(ctx, site); err != nil {
			return err
		}
	}

	if err := br.snap.WriteInventory(ctx, br.inv); err != nil {
		return fmt.Errorf("writing inventory: %w", err)
	}
	return nil
}

func (br *backupRun) captureInventory(ctx context.Context, typ string) error {
	route := schema.Inventory.WithQuery("type", typ)
	recs, err := br.api.List(ctx, route, br.orgID)
	if err != nil {
		if abort(ctx, err) {
			return err
		}
		br.failed("inventory/"+typ, err)
		return nil
	}
	items, err := DecodeItems(recs)
	if err != nil {
		br.failed("inventory/"+typ, err)
		return nil
	}
	withMagic := 0
	for _, it := range items {
		if it.Type == "" {
			it.Type = typ
		}
		if it.Magic == "" {
			br.inv.DevicesWithoutMagic = append(br.inv.DevicesWithoutMagic, it)
			addDevice(br.report, OpBackup, models.DeviceResult{
				Serial: it.Serial, MAC: it.MAC, Type: it.Type,
				Status: models.DeviceMissingMagic, Reason: "no claim code in the inventory",
			})
			continue
		}
		br.inv.Inventory = append(br.inv.Inventory, it)
		withMagic++
	}
	br.report.AddCaptured("inventory/"+typ, len(items))
	br.opts.Logger(fmt.Sprintf("  %d %s(s), %d with a claim code", len(items), typ, withMagic))
	return nil
}

func (br *backupRun) captureSite(ctx context.Context, site models.Record) error {
	name := site.String("name")
	siteID := site.ID()
	if _, dup := br.inv.Sites[name]; dup {
		br.report.Warn("two sites are named %q, only the first one is captured", name)
		br.opts.Logger(fmt.Sprintf("  WARNING: duplicate site name %s, skipped", name))
		return nil
	}
	br.opts.Logger(fmt.Sprintf("--- Site %s ---", name))
	br.inv.SitesIDs[name] = models.OldID{OldID: siteID}
	is := models.InventorySite{ID: siteID, MapsIDs: make(map[string]string), Devices: []models.Record{}}

	maps, err := br.api.List(ctx, mapsRoute, siteID)
	if err != nil {
		if abort(ctx, err) {
			return err
		}
		br.failed(fmt.Sprintf("site %s maps", name), err)
	}
	for _, m := range maps {
		mn := m.String("name")
		if _, dup := is.MapsIDs[mn]; dup {
			br.report.Warn("site %q: two maps are named %q, only the first one is kept", name, mn)
			continue
		}
		is.MapsIDs[mn] = m.ID()
	}

	devices, err := br.api.List(ctx, schema.Devices, siteID)
	if err != nil {
		if abort(ctx, err) {
			return err
		}
		br.failed(fmt.Sprintf("site %s devices", name), err)
	}
	is.Devices = append(is.Devices, devices...)
	br.inv.Sites[name] = is
	br.report.AddCaptured(schema.Devices.Key.String(), len(devices))
	metrics.Objects.WithLabelValues(OpBackup, schema.Devices.Key.String(), models.ActionCaptured).Add(float64(len(devices)))
	br.opts.Logger(fmt.Sprintf("  %d map(s), %d device(s)", len(is.MapsIDs), len(devices)))

	for _, dev := range devices {
		br.captureImages(ctx, dev)
	}
	return nil
}

// captureImages saves image1_url, image2_url... until the first gap.
func (br *backupRun) captureImages(ctx context.Context, dev models.Record) {
	serial := dev.String("serial")
	for n := 1; ; n++ {
		u := dev.String(fmt.Sprintf("image%d_url", n))
		if u == "" {
			return
		}
		data, err := br.api.Download(ctx, u)
		if err != nil {
			br.report.Warn("image %d of device %s not downloaded: %v", n, serial, err)
			br.opts.Logger(fmt.Sprintf("  WARNING: image %d of %s not downloaded: %v", n, serial, err))
			continue
		}
		if err := br.snap.PutAsset(ctx, bundle.DeviceImageKey(br.orgID, serial, n), data); err != nil {
			br.report.Warn("image %d of device %s not stored: %v", n, serial, err)
			continue
		}
		br.opts.Log.Debug("device image saved", zap.String("serial", serial), zap.Int("image", n))
	}
}

func (br *backupRun) failed(name string, err error) {
	br.report.AddFailedCollection(name)
	br.report.Warn("%s: %v", name, err)
	br.opts.Logger(fmt.Sprintf("  WARNING: %s not captured: %v", name, err))
	br.opts.Log.Warn("collection not captured", zap.String("collection", name), zap.Error(err))
}

// abort reports whether err must stop the whole run.
func abort(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, platform.ErrUnauthorized)
}
