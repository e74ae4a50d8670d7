package schema

// Singleton routes.
var (
	OrgInfo      = Route{Key: Key{ScopeOrg, "info"}, Singleton: true, Ops: OpGet}
	OrgSettings  = Route{Key: Key{ScopeOrg, "setting"}, Path: "setting", Singleton: true, Ops: OpGet | OpUpdate}
	SiteSettings = Route{Key: Key{ScopeSite, "setting"}, Path: "setting", Singleton: true, Ops: OpGet | OpUpdate}
)

// Phase0 holds org-level objects with no dependency on other restored
// objects, besides earlier entries of the same list.
var Phase0 = []string{
	"templates", "rftemplates", "secpolicies", "alarmtemplates", "aptemplates",
	"deviceprofiles", "switchprofiles", "mxclusters", "evpn_topologies",
	"services", "networks", "servicepolicies", "gatewaytemplates", "hubprofiles",
	"vpns", "networktemplates", "sitetemplates", "sitegroups",
	"webhooks", "assetfilters", "ssoroles", "ssos", "nactags", "pskportals",
}

// Phase1 holds org-level objects referencing Phase0 objects.
var Phase1 = []string{
	"mxtunnels", "wlans", "wxtags", "wxrules", "wxtunnels", "nacrules", "psks", "usermacs",
}

// SiteChildOrder is the strict per-site creation order.
var SiteChildOrder = []string{
	"maps", "beacons", "vbeacons", "zones", "psks", "wlans", "wxtags", "wxrules",
	"wxtunnels", "webhooks", "assetfilters", "assets", "rssizones", "evpn_topologies",
}

// OrgCaptureOrder lists the org collections captured by a backup.
func OrgCaptureOrder() []string {
	out := make([]string, 0, len(Phase0)+len(Phase1))
	out = append(out, Phase0...)
	return append(out, Phase1...)
}

// SiteCaptureOrder lists the site collections captured by a backup.
func SiteCaptureOrder() []string {
	return append([]string(nil), SiteChildOrder...)
}

// Sites is the org collection of sites.
var Sites Route

// Devices is the per-site device collection.
var Devices Route

// Inventory is the org device inventory.
var Inventory Route

func init() {
	for _, r := range []Route{OrgInfo, OrgSettings, SiteSettings} {
		register(r)
	}

	org := func(typ string, opts ...func(*Route)) {
		r := Route{Key: Key{ScopeOrg, typ}, Ops: OpCRUD}
		for _, o := range opts {
			o(&r)
		}
		register(r)
	}
	site := func(typ string, opts ...func(*Route)) {
		r := Route{Key: Key{ScopeSite, typ}, Ops: OpCRUD}
		for _, o := range opts {
			o(&r)
		}
		register(r)
	}

	deviceProfile := func(devType string) func(*Route) {
		return func(r *Route) {
			r.Path = "deviceprofiles"
			r.Query = map[string]string{"type": devType}
		}
	}
	detail := func(r *Route) { r.Detail = true }
	ssid := func(r *Route) { r.NameField = "ssid" }
	unnamed := func(r *Route) { r.NameField = NoName }

	org("templates")
	org("rftemplates")
	org("secpolicies")
	org("alarmtemplates")
	org("aptemplates")
	org("deviceprofiles", deviceProfile("ap"))
	org("switchprofiles", deviceProfile("switch"))
	org("hubprofiles", deviceProfile("gateway"))
	org("mxclusters")
	org("evpn_topologies", detail)
	org("services")
	org("networks")
	org("servicepolicies")
	org("gatewaytemplates")
	org("vpns")
	org("networktemplates")
	org("sitetemplates")
	org("sitegroups")
	org("webhooks")
	org("assetfilters")
	org("ssoroles")
	org("ssos")
	org("nactags")
	org("pskportals")
	org("mxtunnels")
	org("wlans", ssid)
	org("wxtags")
	org("wxrules", unnamed)
	org("wxtunnels")
	org("nacrules")
	org("psks")
	org("usermacs", func(r *Route) { r.NameField = "mac" })
	org("sites")
	org("inventory", func(r *Route) { r.Ops = OpList; r.NameField = "serial" })

	site("maps")
	site("beacons")
	site("vbeacons")
	site("zones")
	site("psks")
	site("wlans", ssid)
	site("wxtags")
	site("wxrules", unnamed)
	site("wxtunnels")
	site("webhooks")
	site("assetfilters")
	site("assets")
	site("rssizones")
	site("evpn_topologies", detail)
	site("devices", func(r *Route) {
		r.Ops = OpList | OpGet | OpUpdate
		r.Query = map[string]string{"type": "all"}
	})

	Sites = MustLookup(ScopeOrg, "sites")
	Devices = MustLookup(ScopeSite, "devices")
	Inventory = MustLookup(ScopeOrg, "inventory")
}
