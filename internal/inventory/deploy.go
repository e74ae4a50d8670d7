package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/mapping"
	"github.com/rflorenc/org-migrator/internal/metrics"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// candidate is a device the run tries to move.
type candidate struct {
	dev    Device
	raw    models.Record
	item   models.InventoryItem
	site   string // source site name, empty for unassigned devices
	siteID string // destination site id
	done   bool   // a terminal status was recorded
}

type ref struct {
	typ  string
	name string
}

type deployRun struct {
	src     platform.API
	dst     platform.API
	inv     *models.InventoryBundle
	assets  bundle.AssetReader
	opts    Options
	op      string
	report  *models.Report
	mapping *mapping.Table
	index   map[string]ref
}

// Migrate moves the devices of inv into opts.DestOrgID: optional unclaim
// from the source org, claim by claim code, assignment to the destination
// site with the same name, then the device configuration and images.
// Devices the destination refuses to claim are returned as a
// *ClaimConflictError once the run has completed.
func Migrate(ctx context.Context, src, dst platform.API, inv *models.InventoryBundle, assets bundle.AssetReader, opts Options) (*models.Report, error) {
	if _, err := platform.CheckOrgAccess(ctx, dst, opts.DestOrgID); err != nil {
		return nil, fmt.Errorf("destination org: %w", err)
	}
	if opts.Unclaim {
		if src == nil {
			return nil, errors.New("unclaim requires a source connection")
		}
		if _, err := platform.CheckOrgAccess(ctx, src, inv.OrgID); err != nil {
			return nil, fmt.Errorf("source org: %w", err)
		}
	}
	return run(ctx, OpDeploy, src, dst, inv, assets, opts)
}

// Precheck walks Migrate without any write call and reports what would
// happen.
func Precheck(ctx context.Context, src, dst platform.API, inv *models.InventoryBundle, assets bundle.AssetReader, opts Options) (*models.Report, error) {
	p, err := platform.CheckOrgAccess(ctx, dst, opts.DestOrgID)
	if err != nil {
		return nil, fmt.Errorf("destination org: %w", err)
	}
	if opts.Logger != nil {
		opts.Logger(fmt.Sprintf("Destination privileges OK: %s on %s", p.Role, p.Name))
	}
	opts.DryRun = true
	return run(ctx, OpPrecheck, src, dst, inv, assets, opts)
}

func run(ctx context.Context, op string, src, dst platform.API, inv *models.InventoryBundle, assets bundle.AssetReader, opts Options) (*models.Report, error) {
	if inv == nil || inv.OrgID == "" {
		return nil, errors.New("inventory backup has no source org id")
	}
	if opts.DestOrgID == "" {
		return nil, errors.New("destination org id required")
	}
	opts = opts.withDefaults()
	dr := &deployRun{
		src:     src,
		dst:     dst,
		inv:     inv,
		assets:  assets,
		opts:    opts,
		op:      op,
		report:  models.NewReport(op, inv.OrgID, opts.DestOrgID, opts.DryRun),
		mapping: mapping.NewTable(),
		index:   make(map[string]ref),
	}
	started := time.Now()
	conflicts, err := dr.run(ctx)

	dr.report.SetMissing(dr.mapping.MissingReport())
	dr.report.Cancelled = errors.Is(err, context.Canceled)
	dr.report.Finish()
	result := "success"
	switch {
	case dr.report.Cancelled:
		result = "cancelled"
	case err != nil:
		result = "error"
	}
	metrics.RunDuration.WithLabelValues(op, result).Observe(time.Since(started).Seconds())

	dr.logf("")
	dr.logf("=== Summary ===")
	for _, line := range dr.report.Summary() {
		dr.logf("%s", line)
	}
	if opts.DryRun {
		dr.logf("Dry run: no modification was done")
	}
	if err != nil {
		return dr.report, err
	}
	if len(conflicts) > 0 {
		return dr.report, &ClaimConflictError{Reasons: conflicts}
	}
	return dr.report, nil
}

func (dr *deployRun) logf(format string, args ...interface{}) {
	dr.opts.Logger(fmt.Sprintf(format, args...))
}

func (dr *deployRun) run(ctx context.Context) (map[string]string, error) {
	if dr.opts.DryRun {
		dr.logf("Dry run: no modification will be done")
	}
	dr.logf("=== Moving devices of org %s into %s ===", dr.inv.OrgID, dr.opts.DestOrgID)
	if err := dr.mapping.AddMapping(dr.opts.DestOrgID, dr.inv.OrgID, ""); err != nil {
		return nil, err
	}

	sites, err := dr.resolveSites(ctx)
	if err != nil {
		return nil, err
	}
	if err := dr.resolveProfiles(ctx); err != nil {
		return nil, err
	}
	if err := dr.resolveMaps(ctx, sites); err != nil {
		return nil, err
	}

	cands := dr.collect(sites)
	if len(dr.opts.SiteNames) == 0 {
		cands = append(cands, dr.unassigned(cands)...)
	}
	dr.logf("%d device(s) to move", len(cands))

	if dr.opts.Unclaim {
		if err := dr.unclaim(ctx, cands); err != nil {
			return nil, err
		}
	}
	conflicts, err := dr.claim(ctx, cands)
	if err != nil {
		return conflicts, err
	}
	if err := dr.assign(ctx, cands); err != nil {
		return conflicts, err
	}
	if err := dr.configure(ctx, cands); err != nil {
		return conflicts, err
	}
	return conflicts, nil
}

// selectedSites returns the source site names of this run.
func (dr *deployRun) selectedSites() []string {
	if len(dr.opts.SiteNames) == 0 {
		return dr.inv.SiteNames()
	}
	var names []string
	for _, n := range dr.opts.SiteNames {
		if _, ok := dr.inv.Sites[n]; !ok {
			dr.report.Warn("site %q is not in the inventory backup", n)
			dr.logf("WARNING: site %s is not in the inventory backup", n)
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// resolveSites maps the selected source sites to destination sites by
// name. The result maps source site name to destination id.
func (dr *deployRun) resolveSites(ctx context.Context) (map[string]string, error) {
	existing, err := dr.dst.List(ctx, schema.Sites, dr.opts.DestOrgID)
	if err != nil {
		return nil, fmt.Errorf("listing destination sites: %w", err)
	}
	byName := make(map[string]string, len(existing))
	for _, s := range existing {
		byName[s.String("name")] = s.ID()
	}

	out := make(map[string]string)
	for _, name := range dr.selectedSites() {
		oldID := dr.inv.Sites[name].ID
		if o, ok := dr.inv.SitesIDs[name]; ok && o.OldID != "" {
			oldID = o.OldID
		}
		dr.index[oldID] = ref{typ: "sites", name: name}
		newID, ok := byName[name]
		if !ok {
			dr.mapping.AddMissing("sites", oldID, name)
			dr.logf("WARNING: site %s not found in the destination org", name)
			for _, raw := range dr.inv.Sites[name].Devices {
				d, _ := DecodeDevice(raw)
				dr.device(d, name, models.DeviceSkipped, "destination site not found")
			}
			continue
		}
		if err := dr.mapping.AddMapping(newID, oldID, name); err != nil {
			dr.report.Warn("site %q: %v", name, err)
		}
		out[name] = newID
	}
	return out, nil
}

func (dr *deployRun) resolveProfiles(ctx context.Context) error {
	byName := make(map[string]string)
	for _, typ := range DeviceProfileTypes {
		route := schema.MustLookup(schema.ScopeOrg, typ)
		profiles, err := dr.dst.List(ctx, route, dr.opts.DestOrgID)
		if err != nil {
			if abort(ctx, err) {
				return err
			}
			dr.report.Warn("listing destination %s: %v", route.Key, err)
			continue
		}
		for _, p := range profiles {
			byName[p.String("name")] = p.ID()
		}
	}
	for name, old := range dr.inv.DeviceProfilesIDs {
		dr.index[old.OldID] = ref{typ: "deviceprofiles", name: name}
		if newID, ok := byName[name]; ok {
			if err := dr.mapping.AddMapping(newID, old.OldID, name); err != nil {
				dr.report.Warn("device profile %q: %v", name, err)
			}
		}
	}
	return nil
}

func (dr *deployRun) resolveMaps(ctx context.Context, sites map[string]string) error {
	for name, siteID := range sites {
		olds := dr.inv.Sites[name].MapsIDs
		if len(olds) == 0 {
			continue
		}
		maps, err := dr.dst.List(ctx, mapsRoute, siteID)
		if err != nil {
			if abort(ctx, err) {
				return err
			}
			dr.report.Warn("listing maps of site %q: %v", name, err)
			maps = nil
		}
		byName := make(map[string]string, len(maps))
		for _, m := range maps {
			byName[m.String("name")] = m.ID()
		}
		for mapName, oldID := range olds {
			dr.index[oldID] = ref{typ: "maps", name: mapName}
			if newID, ok := byName[mapName]; ok {
				if err := dr.mapping.AddMapping(newID, oldID, mapName); err != nil {
					dr.report.Warn("map %q: %v", mapName, err)
				}
			}
		}
	}
	return nil
}

func (dr *deployRun) itemFor(d Device) (models.InventoryItem, bool) {
	for _, it := range dr.inv.Inventory {
		if it.Serial != "" && it.Serial == d.Serial {
			return it, true
		}
	}
	return dr.inv.ItemByMAC(d.MAC)
}

// eligible reports why a device must stay in the source org, if it must.
func (dr *deployRun) eligible(typ string) (string, bool) {
	if dr.opts.Unclaim && !dr.opts.UnclaimAll && typ != "ap" {
		return fmt.Sprintf("%s not unclaimed, only access points are moved without unclaim_all", typ), false
	}
	return "", true
}

func (dr *deployRun) collect(sites map[string]string) []*candidate {
	var out []*candidate
	seen := make(map[string]bool)
	names := make([]string, 0, len(sites))
	for n := range sites {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, raw := range dr.inv.Sites[name].Devices {
			d, err := DecodeDevice(raw)
			if err != nil {
				dr.device(d, name, models.DeviceFailed, err.Error())
				continue
			}
			if seen[d.Serial] {
				dr.report.Warn("device %s listed twice, kept in the first site", d.Serial)
				continue
			}
			seen[d.Serial] = true
			item, ok := dr.itemFor(d)
			if !ok || item.Magic == "" {
				dr.device(d, name, models.DeviceMissingMagic, "no claim code in the source inventory")
				continue
			}
			if reason, ok := dr.eligible(d.Type); !ok {
				dr.device(d, name, models.DeviceSkipped, reason)
				continue
			}
			out = append(out, &candidate{dev: d, raw: raw, item: item, site: name, siteID: sites[name]})
		}
	}
	return out
}

// unassigned returns the inventory devices attached to no site. They are
// claimed only.
func (dr *deployRun) unassigned(cands []*candidate) []*candidate {
	taken := make(map[string]bool, len(cands))
	for _, c := range cands {
		taken[c.dev.Serial] = true
	}
	for _, s := range dr.inv.Sites {
		for _, raw := range s.Devices {
			taken[raw.String("serial")] = true
		}
	}
	var out []*candidate
	for _, it := range dr.inv.Inventory {
		if it.SiteID != "" || taken[it.Serial] {
			continue
		}
		taken[it.Serial] = true
		d := Device{Serial: it.Serial, MAC: it.MAC, Type: it.Type, Model: it.Model}
		if reason, ok := dr.eligible(it.Type); !ok {
			dr.device(d, "", models.DeviceSkipped, reason)
			continue
		}
		out = append(out, &candidate{dev: d, item: it})
	}
	for _, it := range dr.inv.DevicesWithoutMagic {
		if it.SiteID == "" && !taken[it.Serial] {
			d := Device{Serial: it.Serial, MAC: it.MAC, Type: it.Type, Model: it.Model}
			dr.device(d, "", models.DeviceMissingMagic, "no claim code in the source inventory")
		}
	}
	return out
}

func (dr *deployRun) device(d Device, site, status, reason string) {
	addDevice(dr.report, dr.op, models.DeviceResult{
		Serial: d.Serial, MAC: d.MAC, Type: d.Type, Site: site, Status: status, Reason: reason,
	})
}

func (dr *deployRun) fail(c *candidate, reason string) {
	c.done = true
	dr.device(c.dev, c.site, models.DeviceFailed, reason)
	dr.logf("  FAIL: %s: %s", c.dev.Label(), reason)
}

func pending(cands []*candidate) []*candidate {
	var out []*candidate
	for _, c := range cands {
		if !c.done {
			out = append(out, c)
		}
	}
	return out
}

func batches(cands []*candidate, size int) [][]*candidate {
	var out [][]*candidate
	for len(cands) > size {
		out = append(out, cands[:size])
		cands = cands[size:]
	}
	if len(cands) > 0 {
		out = append(out, cands)
	}
	return out
}

// unclaim releases the devices from the source org. A device whose release
// failed is not claimed.
func (dr *deployRun) unclaim(ctx context.Context, cands []*candidate) error {
	todo := pending(cands)
	if len(todo) == 0 {
		return nil
	}
	dr.logf("")
	dr.logf("=== Unclaiming %d device(s) from org %s ===", len(todo), dr.inv.OrgID)
	for _, batch := range batches(todo, dr.opts.ClaimBatchSize) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		serials := make([]string, len(batch))
		for i, c := range batch {
			serials[i] = c.dev.Serial
		}
		if dr.opts.DryRun {
			dr.logf("  WOULD UNCLAIM: %s", strings.Join(serials, ", "))
			continue
		}
		res, err := dr.src.UpdateInventory(ctx, dr.inv.OrgID, platform.InventoryUpdate{Op: "delete", Serials: serials})
		if err != nil {
			if abort(ctx, err) {
				return err
			}
			for _, c := range batch {
				dr.fail(c, fmt.Sprintf("unclaim failed: %v", err))
			}
			continue
		}
		reasons := platform.Reasons(res.Error, res.Reason)
		for _, c := range batch {
			if reason, bad := reasons[c.dev.Serial]; bad {
				dr.fail(c, "unclaim failed: "+reason)
			}
		}
		dr.logf("  UNCLAIMED: %d device(s)", len(res.Success))
	}
	return nil
}

// claim submits every claim code once, in batches. It returns the refused
// claims by serial.
func (dr *deployRun) claim(ctx context.Context, cands []*candidate) (map[string]string, error) {
	todo := pending(cands)
	if len(todo) == 0 {
		return nil, nil
	}
	dr.logf("")
	dr.logf("=== Claiming %d device(s) into org %s ===", len(todo), dr.opts.DestOrgID)

	submitted := make(map[string]bool)
	var unique []*candidate
	for _, c := range todo {
		if submitted[c.item.Magic] {
			c.done = true
			dr.device(c.dev, c.site, models.DeviceSkipped, "claim code already submitted in this run")
			continue
		}
		submitted[c.item.Magic] = true
		unique = append(unique, c)
	}

	conflicts := make(map[string]string)
	for i, batch := range batches(unique, dr.opts.ClaimBatchSize) {
		if ctx.Err() != nil {
			return conflicts, ctx.Err()
		}
		magics := make([]string, len(batch))
		for j, c := range batch {
			magics[j] = c.item.Magic
		}
		first := i*dr.opts.ClaimBatchSize + 1
		if dr.opts.DryRun {
			dr.logf("  WOULD CLAIM: devices %d to %d", first, first+len(batch)-1)
			continue
		}
		res, err := dr.dst.ClaimInventory(ctx, dr.opts.DestOrgID, magics)
		if err != nil {
			if abort(ctx, err) {
				return conflicts, err
			}
			for _, c := range batch {
				dr.fail(c, fmt.Sprintf("claim failed: %v", err))
			}
			continue
		}
		reasons := platform.Reasons(res.Error, res.Reason)
		for _, c := range batch {
			if reason, bad := reasons[c.item.Magic]; bad {
				conflicts[c.dev.Serial] = reason
				dr.fail(c, "claim refused: "+reason)
			}
		}
		dr.logf("  CLAIMED: devices %d to %d (%d added, %d already in the org)",
			first, first+len(batch)-1, len(res.Added), len(res.Duplicated))
	}
	return conflicts, nil
}

// assign attaches the claimed devices to their destination site.
func (dr *deployRun) assign(ctx context.Context, cands []*candidate) error {
	bySite := make(map[string][]*candidate)
	var order []string
	for _, c := range pending(cands) {
		if c.siteID == "" {
			continue
		}
		if _, ok := bySite[c.siteID]; !ok {
			order = append(order, c.siteID)
		}
		bySite[c.siteID] = append(bySite[c.siteID], c)
	}
	for _, siteID := range order {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch := bySite[siteID]
		site := batch[0].site
		macs := make([]string, len(batch))
		for i, c := range batch {
			macs[i] = c.dev.MAC
		}
		dr.logf("")
		dr.logf("=== Site %s: assigning %d device(s) ===", site, len(batch))
		if dr.opts.DryRun {
			dr.logf("  WOULD ASSIGN: %s", strings.Join(macs, ", "))
			continue
		}
		res, err := dr.dst.UpdateInventory(ctx, dr.opts.DestOrgID, platform.InventoryUpdate{Op: "assign", SiteID: siteID, MACs: macs})
		if err != nil {
			if abort(ctx, err) {
				return err
			}
			for _, c := range batch {
				dr.fail(c, fmt.Sprintf("assign failed: %v", err))
			}
			continue
		}
		reasons := platform.Reasons(res.Error, res.Reason)
		for _, c := range batch {
			if reason, bad := reasons[c.dev.MAC]; bad {
				dr.fail(c, "assign failed: "+reason)
			}
		}
		dr.logf("  ASSIGNED: %d device(s)", len(res.Success))
	}
	return nil
}

// configure pushes the configuration and images of every assigned device.
// Unassigned devices end the run claimed only.
func (dr *deployRun) configure(ctx context.Context, cands []*candidate) error {
	for _, c := range pending(cands) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.siteID == "" {
			status := models.DeviceClaimedOnly
			if dr.opts.DryRun {
				status = models.DeviceWouldClaim
			}
			c.done = true
			dr.device(c.dev, "", status, "")
			continue
		}
		if err := dr.configureDevice(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// devicePayload strips server-assigned fields and image URLs from a
// captured device.
func devicePayload(raw models.Record) models.Record {
	out := raw.Clone()
	for k := range out {
		if schema.IsReadOnly("devices", k) || (strings.HasPrefix(k, "image") && strings.HasSuffix(k, "_url")) {
			delete(out, k)
		}
	}
	return out
}

func (dr *deployRun) configureDevice(ctx context.Context, c *candidate) error {
	label := c.dev.Label()
	payload, unresolved := dr.mapping.ReplaceAndStrip(devicePayload(c.raw))
	payload["site_id"] = c.siteID

	var reason string
	if len(unresolved) > 0 {
		keys := make([]string, 0, len(unresolved))
		for _, u := range unresolved {
			typ, name := dr.describe(u)
			dr.mapping.AddMissing(typ, u.OldID, name)
			keys = append(keys, u.Key)
		}
		reason = "unresolved " + strings.Join(keys, ", ")
		dr.logf("  WARNING: %s: %s, field(s) not set", label, reason)
	}

	devID := platform.DeviceID(c.dev.MAC)
	if dr.opts.DryRun {
		dr.logf("  WOULD UPDATE: %s configuration", label)
	} else if _, err := dr.dst.Update(ctx, schema.Devices, c.siteID, devID, payload); err != nil {
		if abort(ctx, err) {
			return err
		}
		dr.fail(c, fmt.Sprintf("configuration failed: %v", err))
		return nil
	} else {
		dr.logf("  UPDATED: %s configuration", label)
	}
	dr.uploadImages(ctx, c, devID)

	status := models.DeviceMigrated
	switch {
	case reason != "":
		status = models.DeviceConfigWarning
	case dr.opts.DryRun:
		status = models.DeviceWouldMigrate
	}
	c.done = true
	dr.device(c.dev, c.site, status, reason)
	return nil
}

func (dr *deployRun) uploadImages(ctx context.Context, c *candidate, devID string) {
	if dr.assets == nil {
		return
	}
	for n := 1; ; n++ {
		data, err := dr.assets.Asset(ctx, bundle.DeviceImageKey(dr.inv.OrgID, c.dev.Serial, n))
		if err != nil {
			dr.opts.Log.Debug("no more device images", zap.String("serial", c.dev.Serial), zap.Int("image", n))
			return
		}
		if dr.opts.DryRun {
			dr.logf("  WOULD UPLOAD: %s image %d", c.dev.Label(), n)
			continue
		}
		path := fmt.Sprintf("%s/image%d", schema.Devices.ItemPath(c.siteID, devID), n)
		if err := dr.dst.UploadImage(ctx, path, fmt.Sprintf("image%d.png", n), data); err != nil {
			dr.report.Warn("image %d of device %s not uploaded: %v", n, c.dev.Serial, err)
			dr.logf("  WARNING: %s image %d not uploaded: %v", c.dev.Label(), n, err)
			continue
		}
		dr.logf("  UPLOADED: %s image %d", c.dev.Label(), n)
	}
}

func (dr *deployRun) describe(u mapping.Unresolved) (string, string) {
	if r, ok := dr.index[u.OldID]; ok {
		return r.typ, r.name
	}
	return schema.ReferenceType(u.Key), ""
}
