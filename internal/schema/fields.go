package schema

import "strings"

// NonReferenceKeys are keys whose values may look like identifiers but never
// point at another object. Their values are left untouched by reference
// rewriting.
var NonReferenceKeys = map[string]bool{
	"issuer":            true,
	"idp_sso_url":       true,
	"custom_logout_url": true,
	"sso_issuer":        true,
	"sso_idp_sso_url":   true,
	"ibeacon_uuid":      true,
	"beacon_uuid":       true,
	"uuid":              true,
}

// IsNonReference reports whether key is in the deny-list.
func IsNonReference(key string) bool {
	return NonReferenceKeys[key]
}

// ReadOnlyFields are server-assigned fields removed from a create payload.
var ReadOnlyFields = []string{
	"id", "org_id", "site_id", "site_ids", "msp_id", "url",
	"bg_image_url", "portal_template_url", "portal_sso_url",
	"thumbnail_url", "template_url", "ui_url",
	"created_time", "modified_time", "for_site",
}

// readOnlyExceptions lists read-only fields a type must keep.
var readOnlyExceptions = map[string]map[string]bool{
	"webhooks": {"url": true},
}

// IsReadOnly reports whether field is stripped before creating a typ object.
func IsReadOnly(typ, field string) bool {
	if readOnlyExceptions[typ][field] {
		return false
	}
	for _, f := range ReadOnlyFields {
		if f == field {
			return true
		}
	}
	return false
}

// referenceTypes maps reference key stems whose collection name is not the
// plain plural.
var referenceTypes = map[string]string{
	"secpolicy":        "secpolicies",
	"servicepolicy":    "servicepolicies",
	"evpn_topology":    "evpn_topologies",
	"template":         "templates",
	"aptemplate":       "aptemplates",
	"deviceprofile":    "deviceprofiles",
	"gatewaytemplate":  "gatewaytemplates",
	"networktemplate":  "networktemplates",
	"sitetemplate":     "sitetemplates",
	"wxtunnel":         "wxtunnels",
	"mxtunnel":         "mxtunnels",
	"mxcluster":        "mxclusters",
	"mxedge":           "mxedges",
	"sso":              "ssos",
	"nactag":           "nactags",
	"pskportal":        "pskportals",
	"src_wxtags":       "wxtags",
	"dst_wxtags":       "wxtags",
	"dst_allow_wxtags": "wxtags",
	"dst_deny_wxtags":  "wxtags",
}

// ReferenceType derives the collection type a reference key points at:
// "template_id" -> "templates", "sitegroup_ids" -> "sitegroups".
func ReferenceType(key string) string {
	stem := key
	switch {
	case strings.HasSuffix(stem, "_ids"):
		stem = strings.TrimSuffix(stem, "_ids")
	case strings.HasSuffix(stem, "_id"):
		stem = strings.TrimSuffix(stem, "_id")
	}
	if t, ok := referenceTypes[stem]; ok {
		return t
	}
	if stem == "" || strings.HasSuffix(stem, "s") {
		return stem
	}
	return stem + "s"
}
