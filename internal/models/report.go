package models

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Object actions recorded in a Report. Dry runs use the would_* framing.
const (
	ActionCaptured    = "captured"
	ActionCreated     = "created"
	ActionWouldCreate = "would_create"
	ActionUpdated     = "updated"
	ActionWouldUpdate = "would_update"
	ActionSkipExists  = "skip_exists"
	ActionExcluded    = "excluded"
	ActionFailed      = "failed"
)

// Device statuses recorded in a Report.
const (
	DeviceMigrated      = "migrated"
	DeviceWouldMigrate  = "would_migrate"
	DeviceClaimedOnly   = "claimed"
	DeviceWouldClaim    = "would_claim"
	DeviceSkipped       = "skipped"
	DeviceFailed        = "failed"
	DeviceMissingMagic  = "missing magic"
	DeviceConfigWarning = "config_warning"
)

// ObjectResult describes what happened to one configuration object.
type ObjectResult struct {
	Scope    string `json:"scope"` // "org" or "site"
	Site     string `json:"site,omitempty"`
	Type     string `json:"type"`
	SourceID string `json:"source_id"`
	Name     string `json:"name"`
	Action   string `json:"action"`
	DestID   string `json:"dest_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// MissingReference is a source identifier that could not be translated.
type MissingReference struct {
	Type  string `json:"type"`
	OldID string `json:"old_id"`
	Name  string `json:"name,omitempty"`
}

// DeviceResult describes what happened to one physical device.
type DeviceResult struct {
	Serial string `json:"serial"`
	MAC    string `json:"mac"`
	Type   string `json:"type"`
	Site   string `json:"site,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Report is the outcome of a backup, restore, precheck or inventory run.
// A dry run produces the same structure as a live run.
type Report struct {
	Operation         string                        `json:"operation"`
	SourceOrgID       string                        `json:"source_org_id"`
	DestOrgID         string                        `json:"dest_org_id"`
	DryRun            bool                          `json:"dry_run"`
	Cancelled         bool                          `json:"cancelled"`
	StartedAt         time.Time                     `json:"started_at"`
	FinishedAt        *time.Time                    `json:"finished_at"`
	Objects           map[string][]ObjectResult     `json:"objects"`
	Captured          map[string]int                `json:"captured"`
	Missing           map[string][]MissingReference `json:"missing"`
	FailedCollections []string                      `json:"failed_collections"`
	Devices           []DeviceResult                `json:"devices"`
	FailedDevices     map[string]string             `json:"failed_devices"`
	Warnings          []string                      `json:"warnings"`

	mu sync.Mutex
}

// NewReport creates an empty report for one run.
func NewReport(operation, sourceOrgID, destOrgID string, dryRun bool) *Report {
	return &Report{
		Operation:         operation,
		SourceOrgID:       sourceOrgID,
		DestOrgID:         destOrgID,
		DryRun:            dryRun,
		StartedAt:         time.Now(),
		Objects:           make(map[string][]ObjectResult),
		Captured:          make(map[string]int),
		Missing:           make(map[string][]MissingReference),
		FailedCollections: []string{},
		Devices:           []DeviceResult{},
		FailedDevices:     make(map[string]string),
		Warnings:          []string{},
	}
}

// AddObject records the outcome for one object.
func (r *Report) AddObject(o ObjectResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Objects[o.Type] = append(r.Objects[o.Type], o)
}

// UpdateObject changes the action of a previously recorded object, matched by
// type and source id. Returns false if no such object was recorded.
func (r *Report) UpdateObject(typ, sourceID, action, destID, errMsg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.Objects[typ]
	for i := range items {
		if items[i].SourceID == sourceID {
			items[i].Action = action
			if destID != "" {
				items[i].DestID = destID
			}
			items[i].Error = errMsg
			return true
		}
	}
	return false
}

// AddCaptured adds n captured objects of a type.
func (r *Report) AddCaptured(typ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Captured[typ] += n
}

// AddFailedCollection records a collection that could not be fetched.
func (r *Report) AddFailedCollection(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailedCollections = append(r.FailedCollections, name)
}

// AddDevice records a device outcome. Failed and skipped devices are also
// indexed by MAC in FailedDevices.
func (r *Report) AddDevice(d DeviceResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Devices = append(r.Devices, d)
	switch d.Status {
	case DeviceFailed, DeviceSkipped, DeviceMissingMagic:
		key := d.MAC
		if key == "" {
			key = d.Serial
		}
		r.FailedDevices[key] = d.Reason
	}
}

// Warn appends a warning line.
func (r *Report) Warn(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// SetMissing replaces the missing-reference section.
func (r *Report) SetMissing(missing map[string][]MissingReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Missing = missing
	if r.Missing == nil {
		r.Missing = make(map[string][]MissingReference)
	}
}

// Finish stamps the end time.
func (r *Report) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.FinishedAt = &now
}

// Counts returns the number of objects per action.
func (r *Report) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, items := range r.Objects {
		for _, o := range items {
			counts[o.Action]++
		}
	}
	return counts
}

// MissingCount returns the number of distinct missing references.
func (r *Report) MissingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, refs := range r.Missing {
		n += len(refs)
	}
	return n
}

// Summary renders the end-of-run summary as log lines.
func (r *Report) Summary() []string {
	counts := r.Counts()
	r.mu.Lock()
	defer r.mu.Unlock()

	var lines []string
	if len(counts) > 0 {
		actions := make([]string, 0, len(counts))
		for a := range counts {
			actions = append(actions, a)
		}
		sort.Strings(actions)
		parts := make([]string, 0, len(actions))
		for _, a := range actions {
			parts = append(parts, fmt.Sprintf("%d %s", counts[a], a))
		}
		lines = append(lines, "Objects: "+strings.Join(parts, ", "))
	}
	if len(r.Captured) > 0 {
		total := 0
		for _, n := range r.Captured {
			total += n
		}
		lines = append(lines, fmt.Sprintf("Captured %d objects in %d collections", total, len(r.Captured)))
	}
	for _, name := range r.FailedCollections {
		lines = append(lines, "  FAILED COLLECTION: "+name)
	}

	types := make([]string, 0, len(r.Missing))
	for t := range r.Missing {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		lines = append(lines, fmt.Sprintf("Unable to find the following %s in the destination org:", t))
		for _, m := range r.Missing[t] {
			lines = append(lines, fmt.Sprintf("  %s (old id %s)", m.Name, m.OldID))
		}
	}

	if len(r.FailedDevices) > 0 {
		lines = append(lines, fmt.Sprintf("There were %d device error(s):", len(r.FailedDevices)))
		macs := make([]string, 0, len(r.FailedDevices))
		for mac := range r.FailedDevices {
			macs = append(macs, mac)
		}
		sort.Strings(macs)
		for _, mac := range macs {
			lines = append(lines, fmt.Sprintf("  %s: %s", mac, r.FailedDevices[mac]))
		}
	}
	for _, w := range r.Warnings {
		lines = append(lines, "WARNING: "+w)
	}
	if r.DryRun {
		lines = append(lines, "Dry run: no modification has been done on the destination org")
	}
	return lines
}
