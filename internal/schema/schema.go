// Package schema is the static registry of cloud collection types: where each
// one lives, which operations it supports and in which order a restore must
// create them.
package schema

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// APIPrefix is the REST API root.
const APIPrefix = "/api/v1"

// NoName marks routes whose objects have no display name and are never
// matched against existing destination objects.
const NoName = "-"

// Scope is the parent of a collection.
type Scope string

const (
	ScopeOrg  Scope = "org"
	ScopeSite Scope = "site"
)

// Op is a bitmask of supported collaborator operations.
type Op uint8

const (
	OpList Op = 1 << iota
	OpGet
	OpCreate
	OpUpdate
	OpDelete

	OpCRUD = OpList | OpGet | OpCreate | OpUpdate | OpDelete
)

// Key identifies a collection.
type Key struct {
	Scope Scope
	Type  string
}

func (k Key) String() string { return string(k.Scope) + "/" + k.Type }

// Route describes one collection type.
type Route struct {
	Key
	Path      string            // path segment under the scope, e.g. "deviceprofiles"
	Query     map[string]string // fixed filter applied to list calls
	NameField string            // display name used for matching existing objects
	Ops       Op
	Singleton bool // settings-like object addressed without an id
	Detail    bool // list returns summaries, fetch each item with get
}

// Supports reports whether the route allows op.
func (r Route) Supports(op Op) bool { return r.Ops&op == op }

// CollectionPath returns the collection URL path for a scope id.
func (r Route) CollectionPath(scopeID string) string {
	base := scopeBase(r.Scope, scopeID)
	if r.Path == "" {
		return base
	}
	return base + "/" + r.Path
}

// ItemPath returns the URL path of one object.
func (r Route) ItemPath(scopeID, id string) string {
	if r.Singleton || id == "" {
		return r.CollectionPath(scopeID)
	}
	return r.CollectionPath(scopeID) + "/" + url.PathEscape(id)
}

// Params returns the fixed query filter as url.Values.
func (r Route) Params() url.Values {
	if len(r.Query) == 0 {
		return nil
	}
	v := url.Values{}
	for k, val := range r.Query {
		if val != "" {
			v.Set(k, val)
		}
	}
	return v
}

// WithQuery returns a copy of the route with one query parameter set.
// An empty value removes the parameter.
func (r Route) WithQuery(key, value string) Route {
	q := make(map[string]string, len(r.Query)+1)
	for k, v := range r.Query {
		q[k] = v
	}
	if value == "" {
		delete(q, key)
	} else {
		q[key] = value
	}
	r.Query = q
	return r
}

// DisplayName returns the route's name field of rec.
func (r Route) DisplayName(rec map[string]interface{}) string {
	field := r.NameField
	switch field {
	case NoName:
		return ""
	case "":
		field = "name"
	}
	if v, ok := rec[field].(string); ok {
		return v
	}
	return ""
}

func scopeBase(scope Scope, scopeID string) string {
	switch scope {
	case ScopeSite:
		return APIPrefix + "/sites/" + url.PathEscape(scopeID)
	default:
		return APIPrefix + "/orgs/" + url.PathEscape(scopeID)
	}
}

var registry = map[Key]Route{}

func register(r Route) {
	if r.NameField == "" {
		r.NameField = "name"
	}
	if r.Path == "" && !r.Singleton {
		r.Path = r.Type
	}
	if _, dup := registry[r.Key]; dup {
		panic(fmt.Sprintf("schema: duplicate route %s", r.Key))
	}
	registry[r.Key] = r
}

// Lookup returns the route for (scope, type).
func Lookup(scope Scope, typ string) (Route, bool) {
	r, ok := registry[Key{Scope: scope, Type: typ}]
	return r, ok
}

// MustLookup is Lookup for routes known to exist. It panics otherwise.
func MustLookup(scope Scope, typ string) Route {
	r, ok := Lookup(scope, typ)
	if !ok {
		panic(fmt.Sprintf("schema: unknown route %s/%s", scope, typ))
	}
	return r
}

// Routes returns all registered routes of a scope sorted by type.
func Routes(scope Scope) []Route {
	var out []Route
	for k, r := range registry {
		if k.Scope == scope {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Resolve returns the routes for a list of types, in order.
func Resolve(scope Scope, types []string) []Route {
	out := make([]Route, 0, len(types))
	for _, t := range types {
		out = append(out, MustLookup(scope, t))
	}
	return out
}

// ParseKey parses "org/wlans" or "site/maps".
func ParseKey(s string) (Key, error) {
	scope, typ, ok := strings.Cut(s, "/")
	if !ok || typ == "" {
		return Key{}, fmt.Errorf("invalid collection key %q", s)
	}
	k := Key{Scope: Scope(scope), Type: typ}
	if _, found := registry[k]; !found {
		return Key{}, fmt.Errorf("unknown collection %q", s)
	}
	return k, nil
}
