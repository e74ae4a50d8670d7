// Package migration captures an org configuration into a bundle and recreates
// a bundle in a destination org.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/mapping"
	"github.com/rflorenc/org-migrator/internal/metrics"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// Operation names recorded in reports.
const (
	OpBackup   = "backup"
	OpRestore  = "restore"
	OpPrecheck = "precheck"
)

// DefaultReplayPasses is the number of replay passes when Options leaves it
// unset.
const DefaultReplayPasses = 2

// Options tunes a backup or restore run.
type Options struct {
	// DryRun performs read calls only against the destination.
	DryRun bool
	// Workers bounds the number of sites restored concurrently.
	Workers int
	// ReplayPasses bounds the passes over objects with unresolved references.
	ReplayPasses int
	// Exclude lists display names to leave out, keyed by "scope/type".
	Exclude map[string][]string
	// Logger receives human-readable progress lines.
	Logger func(string)
	// Log receives structured diagnostics.
	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ReplayPasses <= 0 {
		o.ReplayPasses = DefaultReplayPasses
	}
	if o.Logger == nil {
		o.Logger = func(string) {}
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// MissingReferenceError reports references that stayed unresolved at the end
// of a restore. The run itself completes.
type MissingReferenceError struct {
	Count int
}

func (e *MissingReferenceError) Error() string {
	return fmt.Sprintf("%d reference(s) could not be resolved in the destination org", e.Count)
}

// CheckMissing returns a MissingReferenceError when the report lists
// unresolved references.
func CheckMissing(r *models.Report) error {
	if n := r.MissingCount(); n > 0 {
		return &MissingReferenceError{Count: n}
	}
	return nil
}

type sourceRef struct {
	typ  string
	name string
}

type restoredWLAN struct {
	route     schema.Route
	scopeID   string
	oldSiteID string
	oldID     string
	newID     string
	name      string
}

// Context is the state of one restore or precheck run: the mapping table,
// the report and the bookkeeping shared by the phases.
type Context struct {
	api       platform.API
	assets    bundle.AssetReader
	bundle    *models.Bundle
	destOrgID string
	opts      Options
	operation string

	Mapping *mapping.Table
	Report  *models.Report

	index map[string]sourceRef // source id -> captured type and name

	mu           sync.Mutex
	placeholders map[string]bool // dry-run ids that do not exist on the destination
	bound        map[string]bool // destination ids reused for a source object
	wlans        []restoredWLAN
	sites        []siteTarget
	logMu        sync.Mutex
}

func newContext(api platform.API, assets bundle.AssetReader, b *models.Bundle, destOrgID, operation string, opts Options) *Context {
	rc := &Context{
		api:          api,
		assets:       assets,
		bundle:       b,
		destOrgID:    destOrgID,
		opts:         opts,
		operation:    operation,
		Mapping:      mapping.NewTable(),
		Report:       models.NewReport(operation, b.OrgID, destOrgID, opts.DryRun),
		index:        make(map[string]sourceRef),
		placeholders: make(map[string]bool),
		bound:        make(map[string]bool),
	}
	rc.indexBundle()
	return rc
}

func (rc *Context) indexBundle() {
	add := func(typ string, route schema.Route, items []models.Record) {
		for _, it := range items {
			if id := it.ID(); id != "" {
				rc.index[id] = sourceRef{typ: typ, name: route.DisplayName(it)}
			}
		}
	}
	for typ, items := range rc.bundle.Collections {
		if route, ok := schema.Lookup(schema.ScopeOrg, typ); ok {
			add(typ, route, items)
		}
	}
	for _, s := range rc.bundle.Sites {
		add("sites", schema.Sites, []models.Record{s.Data})
		for typ, items := range s.Collections {
			if route, ok := schema.Lookup(schema.ScopeSite, typ); ok {
				add(typ, route, items)
			}
		}
	}
}

func (rc *Context) logf(format string, args ...interface{}) {
	rc.logMu.Lock()
	defer rc.logMu.Unlock()
	rc.opts.Logger(fmt.Sprintf(format, args...))
}

func (rc *Context) markPlaceholder(id string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.placeholders[id] = true
}

func (rc *Context) isPlaceholder(id string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.placeholders[id]
}

func (rc *Context) addWLAN(w restoredWLAN) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.wlans = append(rc.wlans, w)
}

func (rc *Context) excluded(key schema.Key, name string) bool {
	for _, n := range rc.opts.Exclude[key.String()] {
		if n == name {
			return true
		}
	}
	return false
}

// abort reports whether err must stop the whole run.
func abort(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, platform.ErrUnauthorized)
}

func (rc *Context) record(o models.ObjectResult) {
	rc.Report.AddObject(o)
	metrics.Objects.WithLabelValues(rc.operation, o.Scope+"/"+o.Type, o.Action).Inc()
}

// finish closes the report: missing references, summary lines and metrics.
func (rc *Context) finish(started time.Time, err error) {
	rc.Report.SetMissing(rc.Mapping.MissingReport())
	rc.Report.Cancelled = errors.Is(err, context.Canceled)
	rc.Report.Finish()

	result := "success"
	switch {
	case rc.Report.Cancelled:
		result = "cancelled"
	case err != nil:
		result = "error"
	}
	metrics.RunDuration.WithLabelValues(rc.operation, result).Observe(time.Since(started).Seconds())

	rc.logf("")
	rc.logf("=== Summary ===")
	for _, line := range rc.Report.Summary() {
		rc.logf("%s", line)
	}
}
