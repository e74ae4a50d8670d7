// Package inventory moves claimed devices between orgs: backup of the
// inventory and device configuration, then claim, site assignment and
// configuration in the destination org.
package inventory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/metrics"
	"github.com/rflorenc/org-migrator/internal/models"
)

// Operation names recorded in reports.
const (
	OpBackup   = "inventory_backup"
	OpDeploy   = "inventory_deploy"
	OpPrecheck = "inventory_precheck"
)

// DefaultClaimBatchSize is the number of claim codes sent per request.
const DefaultClaimBatchSize = 100

// DeviceTypes are the inventory families captured by a backup.
var DeviceTypes = []string{"ap", "switch", "gateway"}

// Options tunes an inventory run.
type Options struct {
	// DestOrgID is the org receiving the devices.
	DestOrgID string
	// Unclaim releases the devices from the source org before claiming them.
	// Only access points are moved unless UnclaimAll is set.
	Unclaim    bool
	UnclaimAll bool
	// DryRun performs read calls only.
	DryRun bool
	// ClaimBatchSize bounds the claim codes per request.
	ClaimBatchSize int
	// SiteNames restricts the run to these source sites. Empty means every
	// site plus the devices not assigned to a site.
	SiteNames []string
	// Logger receives human-readable progress lines.
	Logger func(string)
	// Log receives structured diagnostics.
	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ClaimBatchSize <= 0 {
		o.ClaimBatchSize = DefaultClaimBatchSize
	}
	if o.Logger == nil {
		o.Logger = func(string) {}
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// ClaimConflictError lists the devices the destination refused to claim,
// by serial. The rest of the run completes.
type ClaimConflictError struct {
	Reasons map[string]string
}

func (e *ClaimConflictError) Error() string {
	serials := make([]string, 0, len(e.Reasons))
	for s := range e.Reasons {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	parts := make([]string, 0, len(serials))
	for _, s := range serials {
		parts = append(parts, fmt.Sprintf("%s (%s)", s, e.Reasons[s]))
	}
	return fmt.Sprintf("%d device(s) could not be claimed: %s", len(serials), strings.Join(parts, ", "))
}

// Device is the part of a device configuration the migration reads.
type Device struct {
	ID              string `mapstructure:"id"`
	Name            string `mapstructure:"name"`
	Serial          string `mapstructure:"serial"`
	MAC             string `mapstructure:"mac"`
	Type            string `mapstructure:"type"`
	Model           string `mapstructure:"model"`
	SiteID          string `mapstructure:"site_id"`
	MapID           string `mapstructure:"map_id"`
	DeviceProfileID string `mapstructure:"deviceprofile_id"`
}

// Label names the device in progress lines.
func (d Device) Label() string {
	typ := d.Type
	if typ == "" {
		typ = "device"
	}
	return fmt.Sprintf("%s %s", strings.ToUpper(typ), d.Serial)
}

func decode(in interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// DecodeDevice reads the typed fields of a device record.
func DecodeDevice(rec models.Record) (Device, error) {
	var d Device
	if err := decode(map[string]interface{}(rec), &d); err != nil {
		return d, fmt.Errorf("decoding device: %w", err)
	}
	return d, nil
}

// DecodeItems reads inventory records.
func DecodeItems(recs []models.Record) ([]models.InventoryItem, error) {
	raw := make([]map[string]interface{}, len(recs))
	for i, r := range recs {
		raw[i] = r
	}
	var items []models.InventoryItem
	if err := decode(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding inventory: %w", err)
	}
	return items, nil
}

func addDevice(r *models.Report, op string, d models.DeviceResult) {
	r.AddDevice(d)
	metrics.Devices.WithLabelValues(op, d.Status).Inc()
}
