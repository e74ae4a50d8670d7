package mapping

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/schema"
)

const nilIdentifier = "00000000-0000-0000-0000-000000000000"

// Unresolved is an identifier found in a record that has no mapping.
type Unresolved struct {
	Path  string // location in the record, e.g. "sitegroup_ids[1]"
	Key   string // nearest object key
	OldID string
}

// IsIdentifier reports whether s has the canonical identifier shape: 36
// characters, version nibble 0-5 and variant nibble 0, 8, 9, a or b.
func IsIdentifier(s string) bool {
	if len(s) != 36 || s == nilIdentifier {
		return false
	}
	if _, err := uuid.Parse(s); err != nil {
		return false
	}
	if v := s[14]; v < '0' || v > '5' {
		return false
	}
	switch s[19] {
	case '0', '8', '9', 'a', 'b', 'A', 'B':
		return true
	}
	return false
}

// FindAndReplace returns a rewritten deep copy of obj in which every mapped
// identifier is replaced by its new id. Unmapped identifiers are kept and
// returned. obj is not modified.
func (t *Table) FindAndReplace(obj models.Record) (models.Record, []Unresolved) {
	return t.rewrite(obj, false)
}

// ReplaceAndStrip is FindAndReplace, except that unmapped identifiers are
// removed: a scalar field is deleted and a list element is dropped.
func (t *Table) ReplaceAndStrip(obj models.Record) (models.Record, []Unresolved) {
	return t.rewrite(obj, true)
}

func (t *Table) rewrite(obj models.Record, strip bool) (models.Record, []Unresolved) {
	if obj == nil {
		return nil, nil
	}
	w := &walker{table: t, strip: strip}
	return models.Record(w.object(obj, "")), w.found
}

type walker struct {
	table *Table
	strip bool
	found []Unresolved
}

func (w *walker) object(in map[string]interface{}, path string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		childPath := k
		if path != "" {
			childPath = path + "." + k
		}
		outKey := k
		if IsIdentifier(k) {
			if n, ok := w.table.Resolve(k); ok {
				outKey = n
			}
		}
		if schema.IsNonReference(k) {
			out[outKey] = models.CloneValue(v)
			continue
		}
		if nv, keep := w.value(v, k, childPath); keep {
			out[outKey] = nv
		}
	}
	return out
}

func (w *walker) list(in []interface{}, key, path string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for i, v := range in {
		if nv, keep := w.value(v, key, fmt.Sprintf("%s[%d]", path, i)); keep {
			out = append(out, nv)
		}
	}
	return out
}

func (w *walker) value(v interface{}, key, path string) (interface{}, bool) {
	switch val := v.(type) {
	case string:
		return w.scalar(val, key, path)
	case []interface{}:
		return w.list(val, key, path), true
	case map[string]interface{}:
		return w.object(val, path), true
	case models.Record:
		return w.object(val, path), true
	default:
		return v, true
	}
}

func (w *walker) scalar(s, key, path string) (interface{}, bool) {
	if !IsIdentifier(s) {
		return s, true
	}
	if n, ok := w.table.Resolve(s); ok {
		return n, true
	}
	w.found = append(w.found, Unresolved{Path: path, Key: key, OldID: s})
	return s, !w.strip
}
