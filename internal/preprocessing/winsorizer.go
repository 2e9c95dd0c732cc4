// Package preprocessing contains fit/transform estimators applied to datasets
// before modelling.
package preprocessing

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"claimprep/internal/dataset"
)

var (
	// ErrNotFitted is returned by Transform when Fit has not succeeded yet.
	ErrNotFitted = errors.New("winsorizer: not fitted")

	// ErrInvalidParameter is returned for bad constructor arguments.
	ErrInvalidParameter = errors.New("winsorizer: invalid parameter")
)

// Bounds is the learned clipping range of one column.
type Bounds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ClipCount counts the values replaced by each bound during a transform.
type ClipCount struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// ClipReport maps a column name to its clip counts.
type ClipReport map[string]ClipCount

// Total returns the number of clipped values across all columns.
func (r ClipReport) Total() int {
	n := 0
	for _, c := range r {
		n += c.Low + c.High
	}
	return n
}

// Winsorizer caps values of numeric columns to quantile bounds learned by Fit.
//
// A Winsorizer is either unfitted (fitted == nil) or fitted with one Bounds
// per configured column. Only Fit changes that state; Transform reads it.
// Concurrent Fit and Transform calls on the same value need external locking.
type Winsorizer struct {
	columns       []string
	lowerQuantile float64
	upperQuantile float64

	fitted map[string]Bounds
}

// NewWinsorizer validates its arguments and returns an unfitted Winsorizer.
func NewWinsorizer(columns []string, lowerQuantile, upperQuantile float64) (*Winsorizer, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no columns", ErrInvalidParameter)
	}
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("%w: empty column name", ErrInvalidParameter)
		}
		if _, dup := seen[c]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidParameter, c)
		}
		seen[c] = struct{}{}
	}
	if !validQuantile(lowerQuantile) || !validQuantile(upperQuantile) {
		return nil, fmt.Errorf("%w: quantiles must be in [0,1], got lower=%v upper=%v",
			ErrInvalidParameter, lowerQuantile, upperQuantile)
	}
	if lowerQuantile > upperQuantile {
		return nil, fmt.Errorf("%w: lower quantile %v > upper quantile %v",
			ErrInvalidParameter, lowerQuantile, upperQuantile)
	}

	return &Winsorizer{
		columns:       append([]string(nil), columns...),
		lowerQuantile: lowerQuantile,
		upperQuantile: upperQuantile,
	}, nil
}

func validQuantile(q float64) bool {
	return !math.IsNaN(q) && q >= 0 && q <= 1
}

// Columns returns the configured columns.
func (w *Winsorizer) Columns() []string { return append([]string(nil), w.columns...) }

// Fitted reports whether Fit has succeeded at least once.
func (w *Winsorizer) Fitted() bool { return w.fitted != nil }

// Bounds returns the fitted bounds of col.
func (w *Winsorizer) Bounds(col string) (Bounds, error) {
	if w.fitted == nil {
		return Bounds{}, ErrNotFitted
	}
	b, ok := w.fitted[col]
	if !ok {
		return Bounds{}, &dataset.ColumnError{Column: col, Err: dataset.ErrMissingColumn}
	}
	return b, nil
}

// Fit learns the lower and upper quantile of every configured column.
//
// Missing values are ignored. A column without any non-missing value gets NaN
// bounds, which clip nothing. On error the previous fitted state is kept.
func (w *Winsorizer) Fit(ds *dataset.Dataset) error {
	if err := ds.RequireNumeric(w.columns...); err != nil {
		return fmt.Errorf("winsorizer: fit: %w", err)
	}

	fitted := make(map[string]Bounds, len(w.columns))
	for _, col := range w.columns {
		xs, err := ds.Float64s(col)
		if err != nil {
			return fmt.Errorf("winsorizer: fit: %w", err)
		}
		sorted := sortedNonMissing(xs)
		fitted[col] = Bounds{
			Lower: Quantile(sorted, w.lowerQuantile),
			Upper: Quantile(sorted, w.upperQuantile),
		}
	}

	w.fitted = fitted
	return nil
}

// Transform returns a copy of ds with every configured column clipped to its
// fitted bounds. Integer columns come back as float columns.
func (w *Winsorizer) Transform(ds *dataset.Dataset) (*dataset.Dataset, error) {
	out, _, err := w.TransformReport(ds)
	return out, err
}

// TransformReport is Transform that also counts the clipped values per column.
func (w *Winsorizer) TransformReport(ds *dataset.Dataset) (*dataset.Dataset, ClipReport, error) {
	if w.fitted == nil {
		return nil, nil, ErrNotFitted
	}
	if err := ds.RequireNumeric(w.columns...); err != nil {
		return nil, nil, fmt.Errorf("winsorizer: transform: %w", err)
	}

	report := make(ClipReport, len(w.columns))
	out := ds
	for _, col := range w.columns {
		xs, err := ds.Float64s(col)
		if err != nil {
			return nil, nil, fmt.Errorf("winsorizer: transform: %w", err)
		}
		raw, err := ds.Values(col)
		if err != nil {
			return nil, nil, fmt.Errorf("winsorizer: transform: %w", err)
		}

		b := w.fitted[col]
		var cc ClipCount
		values := make([]any, len(xs))
		for i, v := range xs {
			// Missing values keep their original representation (nil or NaN).
			if dataset.IsMissing(raw[i]) {
				values[i] = raw[i]
				continue
			}
			// NaN bounds compare false both ways and clip nothing.
			switch {
			case v < b.Lower:
				v = b.Lower
				cc.Low++
			case v > b.Upper:
				v = b.Upper
				cc.High++
			}
			values[i] = v
		}
		report[col] = cc

		// WithColumn copies, so ds itself is never touched.
		out, err = out.WithColumn(dataset.Field{Name: col, Kind: dataset.KindFloat}, values)
		if err != nil {
			return nil, nil, fmt.Errorf("winsorizer: transform: %w", err)
		}
	}
	return out, report, nil
}

// FitTransform fits on ds and transforms it.
func (w *Winsorizer) FitTransform(ds *dataset.Dataset) (*dataset.Dataset, error) {
	if err := w.Fit(ds); err != nil {
		return nil, err
	}
	return w.Transform(ds)
}
