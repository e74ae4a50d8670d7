package models

// Record is one configuration object as returned by the cloud API.
type Record map[string]interface{}

// ID returns the record's "id" field, or "" if absent.
func (r Record) ID() string {
	return r.String("id")
}

// String safely extracts a string field, returning "" if missing.
func (r Record) String(field string) string {
	if v, ok := r[field].(string); ok {
		return v
	}
	return ""
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return CloneValue(map[string]interface{}(r)).(map[string]interface{})
}

// CloneValue deep copies a decoded JSON value.
func CloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			out[k] = CloneValue(child)
		}
		return out
	case Record:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			out[k] = CloneValue(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			out[i] = CloneValue(child)
		}
		return out
	default:
		return v
	}
}

// CloneRecords deep copies a list of records, keeping nil as nil.
func CloneRecords(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
