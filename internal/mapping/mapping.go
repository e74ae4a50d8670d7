// Package mapping holds the per-run translation table from source-org
// identifiers to destination-org identifiers.
package mapping

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// ErrConflictingMapping is returned when an old id is mapped twice to
// different new ids.
var ErrConflictingMapping = errors.New("conflicting id mapping")

// Entry is one old -> new translation.
type Entry struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
	Name  string `json:"name"`
}

// ReplayTask is an object whose references could not all be resolved when it
// was processed. ObjectID is set when the object was created, in which case a
// replay updates it. Otherwise the replay creates it.
type ReplayTask struct {
	Scope      schema.Scope
	ScopeID    string // destination org or site id
	Site       string // site name, for reporting
	ObjectType string
	OldID      string
	Name       string
	Payload    models.Record // cleaned source record, not yet rewritten
	ObjectID   string
	Pending    int // unresolved references left after the last attempt
	RetryCount int
}

type missingKey struct {
	typ   string
	oldID string
}

// Table is the mapping table of one run. It is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	entries  map[string]Entry
	missing  map[missingKey]int // index into missingList
	missList []models.MissingReference
	replays  []ReplayTask
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]Entry),
		missing: make(map[missingKey]int),
	}
}

// AddMapping records old -> new. Adding an identical pair twice is a no-op;
// mapping an old id to a different new id returns ErrConflictingMapping.
func (t *Table) AddMapping(newID, oldID, name string) error {
	if newID == "" || oldID == "" {
		return fmt.Errorf("add mapping %q -> %q: empty id", oldID, newID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[oldID]; ok {
		if e.NewID != newID {
			return fmt.Errorf("%w: %s already mapped to %s, refusing %s", ErrConflictingMapping, oldID, e.NewID, newID)
		}
		if e.Name == "" && name != "" {
			e.Name = name
			t.entries[oldID] = e
		}
		return nil
	}
	t.entries[oldID] = Entry{OldID: oldID, NewID: newID, Name: name}
	return nil
}

// Resolve returns the new id for an old id.
func (t *Table) Resolve(oldID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[oldID]
	return e.NewID, ok
}

// Name returns the display name recorded with an old id.
func (t *Table) Name(oldID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[oldID].Name
}

// Len returns the number of mappings.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns all mappings sorted by old id.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OldID < out[j].OldID })
	return out
}

// AddMissing records an unresolvable reference once per (type, old id).
func (t *Table) AddMissing(typ, oldID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := missingKey{typ: typ, oldID: oldID}
	if i, ok := t.missing[k]; ok {
		if t.missList[i].Name == "" && name != "" {
			t.missList[i].Name = name
		}
		return
	}
	t.missing[k] = len(t.missList)
	t.missList = append(t.missList, models.MissingReference{Type: typ, OldID: oldID, Name: name})
}

// IsMissing reports whether an old id was recorded as missing for any type.
func (t *Table) IsMissing(oldID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.missing {
		if k.oldID == oldID {
			return true
		}
	}
	return false
}

// MissingReport groups the missing references by type.
func (t *Table) MissingReport() map[string][]models.MissingReference {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]models.MissingReference)
	for _, m := range t.missList {
		out[m.Type] = append(out[m.Type], m)
	}
	return out
}

// QueueReplay adds a task to the replay queue.
func (t *Table) QueueReplay(task ReplayTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replays = append(t.replays, task)
}

// DrainReplays returns and clears the replay queue.
func (t *Table) DrainReplays() []ReplayTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.replays
	t.replays = nil
	return out
}
