// Package dataset implements the in-memory tabular structure shared by the
// loaders, the sample split and the winsorizer.
//
// A Dataset is an ordered list of typed fields plus an ordered list of records.
// Values are normalised on the way in (int → int64, float32 → float64, ...), so
// readers only ever see int64, float64, string or nil.
package dataset

import (
	"fmt"
	"strings"

	"claimprep/pkg/records"
)

// Field is a named, typed column.
type Field struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Dataset is an ordered collection of records with a stable schema.
//
// Datasets are not safe for concurrent mutation. Operations in this module
// return new datasets instead of mutating their inputs.
type Dataset struct {
	fields []Field
	index  map[string]int
	rows   []records.Record
}

// New creates an empty dataset with the given schema.
func New(fields ...Field) (*Dataset, error) {
	d := &Dataset{
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("dataset: empty column name")
		}
		if f.Kind == KindInvalid {
			return nil, columnErr(f.Name, fmt.Errorf("%w: invalid kind", ErrTypeMismatch))
		}
		if _, dup := d.index[f.Name]; dup {
			return nil, columnErr(f.Name, ErrDuplicateColumn)
		}
		d.index[f.Name] = len(d.fields)
		d.fields = append(d.fields, f)
	}
	return d, nil
}

// MustNew is New that panics on a bad schema. Intended for static schemas and tests.
func MustNew(fields ...Field) *Dataset {
	d, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// Len returns the number of records.
func (d *Dataset) Len() int { return len(d.rows) }

// Fields returns a copy of the schema.
func (d *Dataset) Fields() []Field {
	return append([]Field(nil), d.fields...)
}

// Columns returns the column names in schema order.
func (d *Dataset) Columns() []string {
	out := make([]string, len(d.fields))
	for i, f := range d.fields {
		out[i] = f.Name
	}
	return out
}

// Field looks up a column by name.
func (d *Dataset) Field(name string) (Field, bool) {
	i, ok := d.index[name]
	if !ok {
		return Field{}, false
	}
	return d.fields[i], true
}

// Has reports whether the column exists.
func (d *Dataset) Has(name string) bool {
	_, ok := d.index[name]
	return ok
}

// Require returns a *ColumnError wrapping ErrMissingColumn for the first
// name that is not part of the schema.
func (d *Dataset) Require(names ...string) error {
	for _, n := range names {
		if !d.Has(n) {
			return columnErr(n, ErrMissingColumn)
		}
	}
	return nil
}

// RequireNumeric is Require plus a check that every column is int or float.
func (d *Dataset) RequireNumeric(names ...string) error {
	if err := d.Require(names...); err != nil {
		return err
	}
	for _, n := range names {
		if f, _ := d.Field(n); !f.Kind.Numeric() {
			return columnErr(n, fmt.Errorf("%w: %s column is not numeric", ErrTypeMismatch, f.Kind))
		}
	}
	return nil
}

// Append adds a record given positional values in schema order.
func (d *Dataset) Append(values ...any) error {
	if len(values) != len(d.fields) {
		return fmt.Errorf("dataset: append: got %d values for %d columns", len(values), len(d.fields))
	}
	rec := make(records.Record, len(d.fields))
	for i, f := range d.fields {
		v, ok := normalize(f.Kind, values[i])
		if !ok {
			return columnErr(f.Name, fmt.Errorf("%w: %T is not %s", ErrTypeMismatch, values[i], f.Kind))
		}
		rec[f.Name] = v
	}
	d.rows = append(d.rows, rec)
	return nil
}

// AppendRecord adds a record keyed by column name. Keys outside the schema are
// rejected; absent schema keys become missing values.
func (d *Dataset) AppendRecord(r records.Record) error {
	for k := range r {
		if !d.Has(k) {
			return columnErr(k, ErrMissingColumn)
		}
	}
	values := make([]any, len(d.fields))
	for i, f := range d.fields {
		values[i] = r[f.Name]
	}
	return d.Append(values...)
}

// Value returns the value at row i, column col (nil when missing).
// It panics if i is out of range, like a slice index.
func (d *Dataset) Value(i int, col string) any {
	return d.rows[i][col]
}

// Row returns a copy of record i.
func (d *Dataset) Row(i int) records.Record {
	return d.rows[i].Clone()
}

// Float64s returns the values of a numeric column as float64, with missing
// values as NaN.
func (d *Dataset) Float64s(col string) ([]float64, error) {
	if err := d.RequireNumeric(col); err != nil {
		return nil, err
	}
	out := make([]float64, len(d.rows))
	for i, r := range d.rows {
		out[i] = toFloat(r[col])
	}
	return out, nil
}

// Values returns a copy of the raw values of one column.
func (d *Dataset) Values(col string) ([]any, error) {
	if err := d.Require(col); err != nil {
		return nil, err
	}
	out := make([]any, len(d.rows))
	for i, r := range d.rows {
		out[i] = r[col]
	}
	return out, nil
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		fields: d.Fields(),
		index:  make(map[string]int, len(d.index)),
		rows:   make([]records.Record, len(d.rows)),
	}
	for k, v := range d.index {
		out.index[k] = v
	}
	for i, r := range d.rows {
		out.rows[i] = r.Clone()
	}
	return out
}

// Filter returns a new dataset holding copies of the records for which keep
// returns true, in their original order.
func (d *Dataset) Filter(keep func(r records.Record) bool) *Dataset {
	out := &Dataset{
		fields: d.Fields(),
		index:  make(map[string]int, len(d.index)),
	}
	for k, v := range d.index {
		out.index[k] = v
	}
	for _, r := range d.rows {
		if keep(r) {
			out.rows = append(out.rows, r.Clone())
		}
	}
	return out
}

// WithColumn returns a copy of d where column f.Name holds values.
//
// An existing column keeps its position and takes the new kind; a new column
// is appended to the schema. len(values) must equal d.Len().
func (d *Dataset) WithColumn(f Field, values []any) (*Dataset, error) {
	if len(values) != len(d.rows) {
		return nil, columnErr(f.Name, fmt.Errorf("got %d values for %d rows", len(values), len(d.rows)))
	}
	if strings.TrimSpace(f.Name) == "" {
		return nil, fmt.Errorf("dataset: empty column name")
	}

	out := d.Clone()
	if i, ok := out.index[f.Name]; ok {
		out.fields[i] = f
	} else {
		out.index[f.Name] = len(out.fields)
		out.fields = append(out.fields, f)
	}

	for i, v := range values {
		nv, ok := normalize(f.Kind, v)
		if !ok {
			return nil, columnErr(f.Name, fmt.Errorf("%w: row %d: %T is not %s", ErrTypeMismatch, i, v, f.Kind))
		}
		out.rows[i][f.Name] = nv
	}
	return out, nil
}
