package schema

import "testing"

func TestLookup(t *testing.T) {
	tests := []struct {
		scope    Scope
		typ      string
		wantPath string
		wantName string
	}{
		{ScopeOrg, "templates", "/api/v1/orgs/o1/templates", "name"},
		{ScopeOrg, "hubprofiles", "/api/v1/orgs/o1/deviceprofiles", "name"},
		{ScopeOrg, "wlans", "/api/v1/orgs/o1/wlans", "ssid"},
		{ScopeSite, "maps", "/api/v1/sites/o1/maps", "name"},
		{ScopeOrg, "setting", "/api/v1/orgs/o1/setting", "name"},
		{ScopeOrg, "info", "/api/v1/orgs/o1", "name"},
	}
	for _, tc := range tests {
		t.Run(string(tc.scope)+"/"+tc.typ, func(t *testing.T) {
			r, ok := Lookup(tc.scope, tc.typ)
			if !ok {
				t.Fatalf("Lookup(%s, %s) not found", tc.scope, tc.typ)
			}
			if got := r.CollectionPath("o1"); got != tc.wantPath {
				t.Errorf("CollectionPath = %q, want %q", got, tc.wantPath)
			}
			if r.NameField != tc.wantName {
				t.Errorf("NameField = %q, want %q", r.NameField, tc.wantName)
			}
		})
	}
	if _, ok := Lookup(ScopeSite, "sitegroups"); ok {
		t.Error("sitegroups should not be a site collection")
	}
}

func TestDeviceProfileFamiliesShareAPath(t *testing.T) {
	want := map[string]string{"deviceprofiles": "ap", "switchprofiles": "switch", "hubprofiles": "gateway"}
	for typ, devType := range want {
		r := MustLookup(ScopeOrg, typ)
		if r.Params().Get("type") != devType {
			t.Errorf("%s type filter = %q, want %q", typ, r.Params().Get("type"), devType)
		}
	}
}

func TestItemPath(t *testing.T) {
	r := MustLookup(ScopeSite, "devices")
	if got := r.ItemPath("s1", "d1"); got != "/api/v1/sites/s1/devices/d1" {
		t.Errorf("ItemPath = %q", got)
	}
	if got := SiteSettings.ItemPath("s1", "ignored"); got != "/api/v1/sites/s1/setting" {
		t.Errorf("singleton ItemPath = %q", got)
	}
}

func TestWithQueryCopies(t *testing.T) {
	r := MustLookup(ScopeOrg, "deviceprofiles")
	all := r.WithQuery("type", "")
	if all.Params() != nil {
		t.Errorf("WithQuery(type, \"\") params = %v, want none", all.Params())
	}
	if r.Params().Get("type") != "ap" {
		t.Error("WithQuery modified the registered route")
	}
}

func TestPhasesAreRegistered(t *testing.T) {
	for _, typ := range OrgCaptureOrder() {
		r, ok := Lookup(ScopeOrg, typ)
		if !ok {
			t.Errorf("org phase type %q not registered", typ)
			continue
		}
		if !r.Supports(OpCreate) {
			t.Errorf("org phase type %q does not support create", typ)
		}
	}
	for _, typ := range SiteCaptureOrder() {
		if _, ok := Lookup(ScopeSite, typ); !ok {
			t.Errorf("site phase type %q not registered", typ)
		}
	}
}

func TestSiteChildOrder(t *testing.T) {
	pos := map[string]int{}
	for i, typ := range SiteChildOrder {
		pos[typ] = i
	}
	before := [][2]string{
		{"maps", "beacons"}, {"maps", "zones"}, {"maps", "vbeacons"},
		{"wlans", "wxtags"}, {"wxtags", "wxrules"}, {"psks", "wlans"},
	}
	for _, b := range before {
		if pos[b[0]] >= pos[b[1]] {
			t.Errorf("%s must come before %s", b[0], b[1])
		}
	}
}

func TestNonReferenceKeys(t *testing.T) {
	for _, key := range []string{"issuer", "idp_sso_url", "custom_logout_url", "sso_issuer", "sso_idp_sso_url", "ibeacon_uuid"} {
		if !IsNonReference(key) {
			t.Errorf("IsNonReference(%q) = false, want true", key)
		}
	}
	for _, key := range []string{"template_id", "sitegroup_ids", "id"} {
		if IsNonReference(key) {
			t.Errorf("IsNonReference(%q) = true, want false", key)
		}
	}
}

func TestIsReadOnly(t *testing.T) {
	tests := []struct {
		typ, field string
		want       bool
	}{
		{"templates", "id", true},
		{"wlans", "portal_template_url", true},
		{"maps", "url", true},
		{"webhooks", "url", false},
		{"templates", "name", false},
	}
	for _, tc := range tests {
		if got := IsReadOnly(tc.typ, tc.field); got != tc.want {
			t.Errorf("IsReadOnly(%q, %q) = %v, want %v", tc.typ, tc.field, got, tc.want)
		}
	}
}

func TestReferenceType(t *testing.T) {
	tests := map[string]string{
		"template_id":        "templates",
		"sitegroup_ids":      "sitegroups",
		"deviceprofile_id":   "deviceprofiles",
		"secpolicy_id":       "secpolicies",
		"map_id":             "maps",
		"networktemplate_id": "networktemplates",
		"src_wxtags":         "wxtags",
		"wxtag_ids":          "wxtags",
		"apply_tags":         "apply_tags",
	}
	for key, want := range tests {
		if got := ReferenceType(key); got != want {
			t.Errorf("ReferenceType(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("site/maps")
	if err != nil || k.Type != "maps" || k.Scope != ScopeSite {
		t.Errorf("ParseKey(site/maps) = %v, %v", k, err)
	}
	if _, err := ParseKey("org/unknown"); err == nil {
		t.Error("ParseKey(org/unknown) should fail")
	}
	if _, err := ParseKey("maps"); err == nil {
		t.Error("ParseKey(maps) should fail")
	}
}
