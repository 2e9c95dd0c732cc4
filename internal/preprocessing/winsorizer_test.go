package preprocessing

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimprep/internal/dataset"
)

func normalDataset(t *testing.T, n int) *dataset.Dataset {
	t.Helper()
	rng := rand.New(rand.NewPCG(42, 0))
	ds := dataset.MustNew(dataset.Field{Name: "x", Kind: dataset.KindFloat})
	for i := 0; i < n; i++ {
		require.NoError(t, ds.Append(rng.NormFloat64()))
	}
	return ds
}

func TestWinsorizer_BoundsShapeAndIdempotence(t *testing.T) {
	tests := []struct {
		name         string
		lower, upper float64
	}{
		{name: "full_range", lower: 0, upper: 1},
		{name: "five_percent_tails", lower: 0.05, upper: 0.95},
		{name: "median_only", lower: 0.5, upper: 0.5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			X := normalDataset(t, 1000)

			w, err := NewWinsorizer([]string{"x"}, tc.lower, tc.upper)
			require.NoError(t, err)
			require.NoError(t, w.Fit(X))

			out, err := w.Transform(X)
			require.NoError(t, err)

			b, err := w.Bounds("x")
			require.NoError(t, err)
			assert.LessOrEqual(t, b.Lower, b.Upper)

			xs, err := out.Float64s("x")
			require.NoError(t, err)
			for _, v := range xs {
				require.False(t, math.IsNaN(v), "transform introduced a missing value")
				require.GreaterOrEqual(t, v, b.Lower)
				require.LessOrEqual(t, v, b.Upper)
			}

			assert.Equal(t, X.Len(), out.Len())
			assert.Equal(t, X.Columns(), out.Columns())

			twice, err := w.Transform(out)
			require.NoError(t, err)
			ys, err := twice.Float64s("x")
			require.NoError(t, err)
			assert.Equal(t, xs, ys)
		})
	}
}

func TestWinsorizer_EqualQuantilesCollapseToQuantile(t *testing.T) {
	X := normalDataset(t, 501)
	w, err := NewWinsorizer([]string{"x"}, 0.3, 0.3)
	require.NoError(t, err)

	out, err := w.FitTransform(X)
	require.NoError(t, err)

	raw, err := X.Float64s("x")
	require.NoError(t, err)
	want := Quantile(sortedNonMissing(raw), 0.3)

	xs, err := out.Float64s("x")
	require.NoError(t, err)
	for _, v := range xs {
		require.Equal(t, want, v)
	}
}

func TestWinsorizer_RowOrderPreservedAndInputUntouched(t *testing.T) {
	ds := dataset.MustNew(
		dataset.Field{Name: "id", Kind: dataset.KindInt},
		dataset.Field{Name: "x", Kind: dataset.KindInt},
	)
	for i, v := range []int{50, -100, 1, 2, 3, 4, 5, 6, 7, 8, 9} {
		require.NoError(t, ds.Append(i, v))
	}

	w, err := NewWinsorizer([]string{"x"}, 0.1, 0.9)
	require.NoError(t, err)
	require.NoError(t, w.Fit(ds))
	out, report, err := w.TransformReport(ds)
	require.NoError(t, err)

	// sorted: -100 1 2 3 4 5 6 7 8 9 50 → q0.1 = 1, q0.9 = 9
	b, _ := w.Bounds("x")
	assert.Equal(t, Bounds{Lower: 1, Upper: 9}, b)
	assert.Equal(t, ClipCount{Low: 1, High: 1}, report["x"])
	assert.Equal(t, 2, report.Total())

	assert.Equal(t, 9.0, out.Value(0, "x"))
	assert.Equal(t, 1.0, out.Value(1, "x"))
	assert.Equal(t, 5.0, out.Value(6, "x"))
	for i := 0; i < out.Len(); i++ {
		assert.Equal(t, int64(i), out.Value(i, "id"))
	}

	// Integer input is promoted; the original keeps its ints.
	f, _ := out.Field("x")
	assert.Equal(t, dataset.KindFloat, f.Kind)
	assert.Equal(t, int64(50), ds.Value(0, "x"))
	assert.Equal(t, int64(-100), ds.Value(1, "x"))
}

func TestWinsorizer_MissingValuesPassThrough(t *testing.T) {
	ds := dataset.MustNew(dataset.Field{Name: "x", Kind: dataset.KindFloat})
	for _, v := range []any{1.0, nil, 2.0, math.NaN(), 100.0, 3.0} {
		require.NoError(t, ds.Append(v))
	}

	w, err := NewWinsorizer([]string{"x"}, 0, 0.5)
	require.NoError(t, err)
	out, err := w.FitTransform(ds)
	require.NoError(t, err)

	b, _ := w.Bounds("x")
	assert.Equal(t, 1.0, b.Lower)
	assert.Equal(t, 2.5, b.Upper)

	assert.Nil(t, out.Value(1, "x"))
	nan, ok := out.Value(3, "x").(float64)
	require.True(t, ok)
	assert.True(t, math.IsNaN(nan))
	assert.Equal(t, 2.5, out.Value(4, "x"))
}

func TestWinsorizer_AllMissingColumnClipsNothing(t *testing.T) {
	ds := dataset.MustNew(dataset.Field{Name: "x", Kind: dataset.KindFloat})
	require.NoError(t, ds.Append(nil))
	require.NoError(t, ds.Append(nil))

	w, err := NewWinsorizer([]string{"x"}, 0.1, 0.9)
	require.NoError(t, err)
	require.NoError(t, w.Fit(ds))

	other := dataset.MustNew(dataset.Field{Name: "x", Kind: dataset.KindFloat})
	require.NoError(t, other.Append(42.0))
	out, report, err := w.TransformReport(other)
	require.NoError(t, err)
	assert.Equal(t, 42.0, out.Value(0, "x"))
	assert.Zero(t, report.Total())
}

func TestWinsorizer_TransformBeforeFit(t *testing.T) {
	w, err := NewWinsorizer([]string{"x"}, 0.05, 0.95)
	require.NoError(t, err)
	assert.False(t, w.Fitted())

	_, err = w.Transform(normalDataset(t, 10))
	assert.ErrorIs(t, err, ErrNotFitted)

	_, err = w.Bounds("x")
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestWinsorizer_MissingColumn(t *testing.T) {
	w, err := NewWinsorizer([]string{"x", "y"}, 0.05, 0.95)
	require.NoError(t, err)

	err = w.Fit(normalDataset(t, 10))
	assert.ErrorIs(t, err, dataset.ErrMissingColumn)
	assert.False(t, w.Fitted())
}

func TestWinsorizer_NonNumericColumn(t *testing.T) {
	ds := dataset.MustNew(dataset.Field{Name: "s", Kind: dataset.KindString})
	require.NoError(t, ds.Append("a"))

	w, err := NewWinsorizer([]string{"s"}, 0.05, 0.95)
	require.NoError(t, err)
	assert.ErrorIs(t, w.Fit(ds), dataset.ErrTypeMismatch)
}

func TestWinsorizer_RefitOverwritesAndFailedFitKeepsState(t *testing.T) {
	small := dataset.MustNew(dataset.Field{Name: "x", Kind: dataset.KindFloat})
	large := dataset.MustNew(dataset.Field{Name: "x", Kind: dataset.KindFloat})
	for i := 0; i < 10; i++ {
		require.NoError(t, small.Append(float64(i)))
		require.NoError(t, large.Append(float64(i*100)))
	}

	w, err := NewWinsorizer([]string{"x"}, 0, 1)
	require.NoError(t, err)

	require.NoError(t, w.Fit(small))
	first, _ := w.Bounds("x")
	require.NoError(t, w.Fit(small))
	again, _ := w.Bounds("x")
	assert.Equal(t, first, again)

	require.NoError(t, w.Fit(large))
	b, _ := w.Bounds("x")
	assert.Equal(t, Bounds{Lower: 0, Upper: 900}, b)

	bad := dataset.MustNew(dataset.Field{Name: "y", Kind: dataset.KindFloat})
	require.Error(t, w.Fit(bad))
	b, _ = w.Bounds("x")
	assert.Equal(t, Bounds{Lower: 0, Upper: 900}, b)
}

func TestNewWinsorizer_InvalidParameters(t *testing.T) {
	tests := []struct {
		name         string
		columns      []string
		lower, upper float64
	}{
		{name: "no_columns", columns: nil, lower: 0, upper: 1},
		{name: "empty_name", columns: []string{" "}, lower: 0, upper: 1},
		{name: "duplicate", columns: []string{"x", "x"}, lower: 0, upper: 1},
		{name: "lower_negative", columns: []string{"x"}, lower: -0.1, upper: 1},
		{name: "upper_above_one", columns: []string{"x"}, lower: 0, upper: 1.1},
		{name: "nan", columns: []string{"x"}, lower: math.NaN(), upper: 1},
		{name: "inverted", columns: []string{"x"}, lower: 0.9, upper: 0.1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewWinsorizer(tc.columns, tc.lower, tc.upper)
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
}

func TestQuantile_LinearInterpolation(t *testing.T) {
	xs := []float64{1, 2, 3, 4}
	tests := []struct {
		q    float64
		want float64
	}{
		{0, 1},
		{0.25, 1.75},
		{0.5, 2.5},
		{0.75, 3.25},
		{1, 4},
	}
	for _, tc := range tests {
		assert.InDelta(t, tc.want, Quantile(xs, tc.q), 1e-12, "q=%v", tc.q)
	}
	assert.True(t, math.IsNaN(Quantile(nil, 0.5)))
	assert.Equal(t, 7.0, Quantile([]float64{7}, 0.3))
}
