// Package records holds the map-shaped record type shared by the dataset,
// the loaders and the transforms.
package records

// Record is a single row keyed by column name.
//
// A nil value (or a missing key) is the missing value for every column kind.
type Record map[string]any

// Clone returns a shallow copy of r. Values are scalars, so this is a full copy
// for every record produced by this module.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
