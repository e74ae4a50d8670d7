package migration

import (
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// switchFields are the EVPN topology switch attributes needed to recreate
// a topology.
var switchFields = []string{"mac", "role", "pod"}

// cleanPayload returns a deep copy of rec without the server-assigned
// fields of its type.
func cleanPayload(route schema.Route, rec models.Record) models.Record {
	out := rec.Clone()
	if out == nil {
		return models.Record{}
	}
	for k := range out {
		if schema.IsReadOnly(route.Type, k) {
			delete(out, k)
		}
	}
	if route.Type == "evpn_topologies" {
		out["overwrite"] = true
	}
	stripPolicyIDs(out)
	return out
}

// stripPolicyIDs removes the server-assigned id of every inline service
// policy. Such an id points at nothing in the destination.
func stripPolicyIDs(rec models.Record) {
	policies, ok := rec["service_policies"].([]interface{})
	if !ok {
		return
	}
	for _, p := range policies {
		if m, ok := p.(map[string]interface{}); ok {
			delete(m, "id")
		}
	}
}

// trimSwitches keeps only mac, role and pod of every switch of an EVPN
// topology. rec is modified in place.
func trimSwitches(rec models.Record) {
	switches, ok := rec["switches"].([]interface{})
	if !ok {
		return
	}
	trimmed := make([]interface{}, 0, len(switches))
	for _, sw := range switches {
		m, ok := sw.(map[string]interface{})
		if !ok {
			continue
		}
		keep := make(map[string]interface{}, len(switchFields))
		for _, f := range switchFields {
			if v, ok := m[f]; ok {
				keep[f] = v
			}
		}
		trimmed = append(trimmed, keep)
	}
	rec["switches"] = trimmed
}

// stringField safely extracts a string field, returning "" if nil.
func stringField(obj map[string]interface{}, field string) string {
	if v, ok := obj[field].(string); ok {
		return v
	}
	return ""
}

// objectName returns the display name of a record, falling back to its id.
func objectName(route schema.Route, rec models.Record) string {
	if n := route.DisplayName(rec); n != "" {
		return n
	}
	return rec.ID()
}
