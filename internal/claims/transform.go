package claims

import (
	"fmt"
	"math"
	"sort"

	"claimprep/internal/dataset"
	"claimprep/pkg/records"
)

// Caps and bins applied by Transform.
const (
	ClaimAmountCap = 100_000
	MaxClaimNb     = 4
	MaxExposure    = 1.0
	MaxVehPower    = 9
)

var (
	VehAgeBins  = []float64{1, 10}
	DrivAgeBins = []float64{21, 26, 31, 41, 51, 71}
)

// Transform joins the claim amounts onto the policies and cleans them:
//
//  1. ClaimAmountCut is each claim amount capped at ClaimAmountCap.
//  2. ClaimAmount and ClaimAmountCut are summed per IDpol and left-joined onto
//     the frequency rows; policies without claims get 0.
//  3. ClaimNb is set to 0 where the joined ClaimAmount is <= 0.
//  4. ClaimNb is capped at 4, Exposure at 1, VehPower at 9.
//  5. VehAge (10 counted as 9) and DrivAge are replaced by their bin index.
//
// The result keeps the frequency columns and row order and appends
// ClaimAmount and ClaimAmountCut. Neither input is modified.
func Transform(freq, sev *dataset.Dataset) (*dataset.Dataset, error) {
	if err := freq.RequireNumeric(IDpol, ClaimNb, Exposure, VehPower, VehAge, DrivAge); err != nil {
		return nil, fmt.Errorf("claims: frequency: %w", err)
	}
	if err := sev.RequireNumeric(IDpol, ClaimAmount); err != nil {
		return nil, fmt.Errorf("claims: severity: %w", err)
	}

	type totals struct{ amount, cut float64 }
	perPolicy := make(map[any]totals, sev.Len())
	for i := 0; i < sev.Len(); i++ {
		amt := sev.Value(i, ClaimAmount)
		if dataset.IsMissing(amt) {
			continue
		}
		a := asFloat(amt)
		t := perPolicy[sev.Value(i, IDpol)]
		t.amount += a
		t.cut += math.Min(a, ClaimAmountCap)
		perPolicy[sev.Value(i, IDpol)] = t
	}

	fields := append(freq.Fields(),
		dataset.Field{Name: ClaimAmount, Kind: dataset.KindFloat},
		dataset.Field{Name: ClaimAmountCut, Kind: dataset.KindFloat},
	)
	out, err := dataset.New(fields...)
	if err != nil {
		return nil, fmt.Errorf("claims: %w", err)
	}

	for i := 0; i < freq.Len(); i++ {
		r := freq.Row(i)
		t := perPolicy[r[IDpol]]
		r[ClaimAmount] = t.amount
		r[ClaimAmountCut] = t.cut

		if n, ok := r[ClaimNb].(int64); ok {
			if t.amount <= 0 && n >= 1 {
				n = 0
			}
			r[ClaimNb] = min(n, MaxClaimNb)
		} else if f, ok := r[ClaimNb].(float64); ok && !math.IsNaN(f) {
			if t.amount <= 0 && f >= 1 {
				f = 0
			}
			r[ClaimNb] = math.Min(f, MaxClaimNb)
		}

		capValue(r, Exposure, MaxExposure)
		capValue(r, VehPower, MaxVehPower)
		binValue(r, VehAge, VehAgeBins, func(v float64) float64 {
			if v == 10 {
				return 9
			}
			return v
		})
		binValue(r, DrivAge, DrivAgeBins, nil)

		if err := out.AppendRecord(r); err != nil {
			return nil, fmt.Errorf("claims: row %d: %w", i, err)
		}
	}
	return out, nil
}

// Digitize returns the index of the bin v falls into: the number of bin edges
// <= v, for ascending bins. NaN sorts above every edge.
func Digitize(v float64, bins []float64) int {
	if math.IsNaN(v) {
		return len(bins)
	}
	return sort.Search(len(bins), func(i int) bool { return bins[i] > v })
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	}
	return math.NaN()
}

// capValue replaces r[col] by hi when it is larger, keeping the value's type.
func capValue(r records.Record, col string, hi float64) {
	switch t := r[col].(type) {
	case int64:
		if float64(t) > hi {
			r[col] = int64(hi)
		}
	case float64:
		if t > hi {
			r[col] = hi
		}
	}
}

// binValue replaces r[col] by its Digitize index, after an optional remap.
// Missing values stay missing; the column type is preserved.
func binValue(r records.Record, col string, bins []float64, remap func(float64) float64) {
	v := r[col]
	if dataset.IsMissing(v) {
		return
	}
	f := asFloat(v)
	if remap != nil {
		f = remap(f)
	}
	idx := Digitize(f, bins)
	switch v.(type) {
	case int64:
		r[col] = int64(idx)
	default:
		r[col] = float64(idx)
	}
}
