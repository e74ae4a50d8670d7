package api

import (
	"net/http"
	"sort"
	"sync"

	"github.com/rflorenc/org-migrator/internal/schema"
)

// ExclusionStore holds the object names left out of restores, keyed by
// "scope/type".
type ExclusionStore struct {
	mu    sync.RWMutex
	names map[string][]string
}

// NewExclusionStore creates an empty exclusion store.
func NewExclusionStore() *ExclusionStore {
	return &ExclusionStore{names: make(map[string][]string)}
}

// Get returns a copy of the exclusions.
func (e *ExclusionStore) Get() map[string][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]string, len(e.names))
	for k, v := range e.names {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Set replaces the exclusions. Every key must name a registered collection.
func (e *ExclusionStore) Set(names map[string][]string) error {
	for k := range names {
		if _, err := schema.ParseKey(k); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = make(map[string][]string, len(names))
	for k, v := range names {
		if len(v) > 0 {
			e.names[k] = append([]string(nil), v...)
		}
	}
	return nil
}

// Merge returns the stored exclusions extended with extra.
func (e *ExclusionStore) Merge(extra map[string][]string) map[string][]string {
	out := e.Get()
	for k, v := range extra {
		out[k] = append(out[k], v...)
	}
	return out
}

// GetExclusions returns the user exclusions along with the built-in field
// lists that rewriting never touches.
func (s *Server) GetExclusions(w http.ResponseWriter, r *http.Request) {
	keys := make([]string, 0, len(schema.NonReferenceKeys))
	for k := range schema.NonReferenceKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exclusions":         s.Exclusions.Get(),
		"non_reference_keys": keys,
		"read_only_fields":   schema.ReadOnlyFields,
	})
}

// PutExclusions replaces the user exclusions.
func (s *Server) PutExclusions(w http.ResponseWriter, r *http.Request) {
	var names map[string][]string
	if err := decodeJSON(r, &names); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.Exclusions.Set(names); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"exclusions": s.Exclusions.Get()})
}
