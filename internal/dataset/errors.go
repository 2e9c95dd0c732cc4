package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingColumn is returned when a referenced column is not part of the dataset.
	ErrMissingColumn = errors.New("missing column")

	// ErrDuplicateColumn is returned when a dataset would hold two columns with the same name.
	ErrDuplicateColumn = errors.New("duplicate column")

	// ErrTypeMismatch is returned when a value or column does not have the expected kind.
	ErrTypeMismatch = errors.New("type mismatch")
)

// ColumnError ties one of the sentinel errors above to a column name.
type ColumnError struct {
	Column string
	Err    error
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("dataset: column %q: %v", e.Column, e.Err)
}

func (e *ColumnError) Unwrap() error { return e.Err }

func columnErr(col string, err error) error {
	return &ColumnError{Column: col, Err: err}
}
