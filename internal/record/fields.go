package record

import (
	"encoding/json"
	"fmt"
)

// Fields is the flat attribute map carried by mutations and entity
// mirrors (name, notes, coordinates and so on). Values survive a JSON
// round trip through the store, so numbers come back as float64.
type Fields map[string]any

// Clone returns a shallow copy. A nil map clones to nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge applies src over f, last write wins per field, and returns the
// result. The receiver is not modified. Used to fold an update into a
// still-queued create so only one request ever reaches the server.
func (f Fields) Merge(src Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(src))
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SnapshotFor returns the current values of exactly the keys named in
// changed; this becomes the rollback snapshot if the server rejects the
// change. Keys absent from f are recorded as nil so rollback can clear
// them again.
func (f Fields) SnapshotFor(changed Fields) Fields {
	snap := make(Fields, len(changed))
	for k := range changed {
		if v, ok := f[k]; ok {
			snap[k] = v
		} else {
			snap[k] = nil
		}
	}
	return snap
}

// Restore applies a rollback snapshot over f and returns the result. A
// nil snapshot value deletes the key, undoing an optimistic write that
// introduced it. The receiver is not modified.
func (f Fields) Restore(snapshot Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(snapshot))
	}
	for k, v := range snapshot {
		if v == nil {
			delete(out, k)
		} else {
			out[k] = v
		}
	}
	return out
}

// Encode marshals the map for TEXT storage. Nil encodes as empty string.
func (f Fields) Encode() (string, error) {
	if f == nil {
		return "", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w", err)
	}
	return string(data), nil
}

// DecodeFields is the inverse of Encode. Empty input decodes to nil.
func DecodeFields(s string) (Fields, error) {
	if s == "" {
		return nil, nil
	}
	var f Fields
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	return f, nil
}
