package core

// Row is one record of a tabular dataset: an ordered mapping from column name
// to value with unique keys. The key set may differ between rows once rules
// have renamed or added fields.
type Row struct {
	keys []string
	vals map[string]string
}

// NewRow builds a row from a header and its fields. A repeated header name
// keeps its first position and its last value.
func NewRow(header, fields []string) *Row {
	r := &Row{
		keys: make([]string, 0, len(header)),
		vals: make(map[string]string, len(header)),
	}
	for i, name := range header {
		var v string
		if i < len(fields) {
			v = fields[i]
		}
		r.Set(name, v)
	}
	return r
}

// Keys returns the column names in order. The slice must not be modified.
func (r *Row) Keys() []string { return r.keys }

// Len returns the number of fields.
func (r *Row) Len() int { return len(r.keys) }

// Get returns the value for key.
func (r *Row) Get(key string) (string, bool) {
	v, ok := r.vals[key]
	return v, ok
}

// Set stores value at key, appending key if it is new.
func (r *Row) Set(key, value string) {
	if _, ok := r.vals[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.vals[key] = value
}

// Delete removes key if present.
func (r *Row) Delete(key string) {
	if _, ok := r.vals[key]; !ok {
		return
	}
	delete(r.vals, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			return
		}
	}
}

// Rename moves the value at from to to, keeping from's position. An existing
// field named to is replaced. Returns false when from is absent.
func (r *Row) Rename(from, to string) bool {
	v, ok := r.vals[from]
	if !ok {
		return false
	}
	if from == to {
		return true
	}
	r.Delete(to)
	for i, k := range r.keys {
		if k == from {
			r.keys[i] = to
			break
		}
	}
	delete(r.vals, from)
	r.vals[to] = v
	return true
}
