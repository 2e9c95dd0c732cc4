// Package stats summarises numeric dataset columns.
package stats

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"claimprep/internal/dataset"
)

// Summary describes one numeric column. Moments and extrema ignore missing
// values and are NaN when the column has none.
type Summary struct {
	Column  string  `json:"column"`
	Count   int     `json:"count"`
	Missing int     `json:"missing"`
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// String renders s as key=value pairs for logs.
func (s Summary) String() string {
	return fmt.Sprintf("column=%s count=%d missing=%d mean=%.6g std=%.6g min=%.6g max=%.6g",
		s.Column, s.Count, s.Missing, s.Mean, s.Std, s.Min, s.Max)
}

// Describe summarises the given numeric columns, or every numeric column when
// none are named. Std is the unbiased sample standard deviation.
func Describe(ds *dataset.Dataset, columns ...string) ([]Summary, error) {
	if len(columns) == 0 {
		for _, f := range ds.Fields() {
			if f.Kind.Numeric() {
				columns = append(columns, f.Name)
			}
		}
	}

	out := make([]Summary, 0, len(columns))
	for _, col := range columns {
		xs, err := ds.Float64s(col)
		if err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		present := make([]float64, 0, len(xs))
		for _, v := range xs {
			if !math.IsNaN(v) {
				present = append(present, v)
			}
		}

		s := Summary{
			Column:  col,
			Count:   len(present),
			Missing: len(xs) - len(present),
			Mean:    math.NaN(),
			Std:     math.NaN(),
			Min:     math.NaN(),
			Max:     math.NaN(),
		}
		if len(present) > 0 {
			s.Mean, s.Std = stat.MeanStdDev(present, nil)
			s.Min = floats.Min(present)
			s.Max = floats.Max(present)
		}
		out = append(out, s)
	}
	return out, nil
}

// Format renders summaries one per line.
func Format(ss []Summary) string {
	var b strings.Builder
	for _, s := range ss {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	return b.String()
}
