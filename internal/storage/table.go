package storage

import (
	"fmt"
	"strings"

	"claimprep/internal/dataset"
)

// Logical column types. Backends map them to their own SQL types.
const (
	TypeBigint = "bigint"
	TypeDouble = "double"
	TypeText   = "text"
)

// TableSpec describes the destination table of an export.
type TableSpec struct {
	Name    string       `json:"name"`
	Columns []ColumnSpec `json:"columns"`
	// Unique lists the columns of a UNIQUE constraint. Rows colliding on them
	// are skipped on insert.
	Unique []string `json:"unique,omitempty"`
}

// ColumnSpec is one column with a logical type.
type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ColumnNames returns the column names in table order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Validate checks that the table is usable by every backend.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("storage: table %s has no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		n := strings.ToLower(strings.TrimSpace(c.Name))
		if n == "" {
			return fmt.Errorf("storage: table %s has an empty column name", t.Name)
		}
		if seen[n] {
			return fmt.Errorf("storage: table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[n] = true
		switch c.Type {
		case TypeBigint, TypeDouble, TypeText:
		default:
			return fmt.Errorf("storage: table %s: column %s has unsupported type %q", t.Name, c.Name, c.Type)
		}
	}
	for _, u := range t.Unique {
		if !seen[strings.ToLower(strings.TrimSpace(u))] {
			return fmt.Errorf("storage: table %s: unique column %q is not a table column", t.Name, u)
		}
	}
	return nil
}

// LogicalType maps a dataset kind to a logical column type.
func LogicalType(k dataset.Kind) (string, error) {
	switch k {
	case dataset.KindInt:
		return TypeBigint, nil
	case dataset.KindFloat:
		return TypeDouble, nil
	case dataset.KindString:
		return TypeText, nil
	default:
		return "", fmt.Errorf("storage: no column type for kind %s", k)
	}
}

// TableFromDataset derives a TableSpec from the schema of ds.
func TableFromDataset(name string, ds *dataset.Dataset, unique []string) (TableSpec, error) {
	t := TableSpec{Name: name, Unique: append([]string(nil), unique...)}
	for _, f := range ds.Fields() {
		typ, err := LogicalType(f.Kind)
		if err != nil {
			return TableSpec{}, err
		}
		t.Columns = append(t.Columns, ColumnSpec{Name: f.Name, Type: typ})
	}
	if err := t.Validate(); err != nil {
		return TableSpec{}, err
	}
	return t, nil
}
