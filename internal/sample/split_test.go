package sample

import (
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimprep/internal/dataset"
)

func intIDs(t *testing.T, ids ...int64) *dataset.Dataset {
	t.Helper()
	ds := dataset.MustNew(dataset.Field{Name: "id", Kind: dataset.KindInt})
	for _, id := range ids {
		require.NoError(t, ds.Append(id))
	}
	return ds
}

func labels(t *testing.T, ds *dataset.Dataset) []any {
	t.Helper()
	v, err := ds.Values(SampleColumn)
	require.NoError(t, err)
	return v
}

func TestCreateSampleSplit_IntegerBoundaries(t *testing.T) {
	ds := intIDs(t, 79, 85, 80, 0, 179, -1, -21)

	out, err := CreateSampleSplit(ds, "id", DefaultTrainingFrac)
	require.NoError(t, err)

	// -1 → bucket 99, -21 → bucket 79.
	assert.Equal(t, []any{Train, Test, Test, Train, Train, Test, Train}, labels(t, out))
	assert.False(t, ds.Has(SampleColumn), "input must not gain the sample column")
	assert.Equal(t, []string{"id", SampleColumn}, out.Columns())
}

func TestCreateSampleSplit_StringIDDeterministic(t *testing.T) {
	ds := dataset.MustNew(dataset.Field{Name: "id", Kind: dataset.KindString})
	require.NoError(t, ds.Append("abc"))

	first, err := CreateSampleSplit(ds, "id", 0.8)
	require.NoError(t, err)
	second, err := CreateSampleSplit(ds, "id", 0.8)
	require.NoError(t, err)

	want := Label(HashBucket("abc"), 0.8)
	assert.Equal(t, want, first.Value(0, SampleColumn))
	assert.Equal(t, labels(t, first), labels(t, second))
}

func TestHashBucket_KnownDigest(t *testing.T) {
	// md5("abc") = 900150983cd24fb0d6963f7d28e17f72; as an integer it is
	// 191415658344158766168031473277922803570, which is 70 mod 100.
	assert.Equal(t, int64(70), HashBucket("abc"))
	assert.Equal(t, Train, Label(HashBucket("abc"), 0.8))
	assert.Equal(t, Test, Label(HashBucket("abc"), 0.7))
}

func TestCreateSampleSplit_FloatIDsAreHashed(t *testing.T) {
	ds := dataset.MustNew(dataset.Field{Name: "id", Kind: dataset.KindFloat})
	require.NoError(t, ds.Append(1.5))
	require.NoError(t, ds.Append(nil))

	out, err := CreateSampleSplit(ds, "id", 0.5)
	require.NoError(t, err)
	assert.Equal(t, Label(HashBucket(1.5), 0.5), out.Value(0, SampleColumn))
	assert.Equal(t, Label(HashBucket(nil), 0.5), out.Value(1, SampleColumn))
}

func TestCreateSampleSplit_MissingIDsShareOnePartition(t *testing.T) {
	ds := dataset.MustNew(dataset.Field{Name: "id", Kind: dataset.KindFloat})
	for i := 0; i < 50; i++ {
		require.NoError(t, ds.Append(nil))
		require.NoError(t, ds.Append(math.NaN()))
	}

	out, err := CreateSampleSplit(ds, "id", 0.5)
	require.NoError(t, err)
	want := Label(HashBucket(nil), 0.5)
	for i, got := range labels(t, out) {
		assert.Equal(t, want, got, "row %d", i)
	}
}

func TestCreateSampleSplit_Distribution(t *testing.T) {
	const n = 100_000
	ds := dataset.MustNew(dataset.Field{Name: "id", Kind: dataset.KindInt})
	str := dataset.MustNew(dataset.Field{Name: "id", Kind: dataset.KindString})
	for i := 0; i < n; i++ {
		require.NoError(t, ds.Append(i))
		require.NoError(t, str.Append("policy-"+strconv.Itoa(i)))
	}

	for _, frac := range []float64{0.2, 0.8} {
		out, err := CreateSampleSplit(ds, "id", frac)
		require.NoError(t, err)
		train, _, err := Partition(out)
		require.NoError(t, err)
		assert.InDelta(t, frac, float64(train.Len())/n, 1e-9, "int ids, frac=%v", frac)

		out, err = CreateSampleSplit(str, "id", frac)
		require.NoError(t, err)
		train, _, err = Partition(out)
		require.NoError(t, err)
		assert.InDelta(t, frac, float64(train.Len())/n, 0.01, "string ids, frac=%v", frac)
	}
}

func TestCreateSampleSplit_ExactTrainCountForTwoDecimalFractions(t *testing.T) {
	ids := make([]int64, 100)
	for i := range ids {
		ids[i] = int64(i)
	}
	ds := intIDs(t, ids...)

	tests := []struct {
		frac float64
		want int
	}{
		{0.07, 7},
		{0.14, 14},
		{0.28, 28},
		{0.29, 29},
		{0.55, 55},
		{0.56, 56},
		{0.57, 57},
		{0.8, 80},
		{0.99, 99},
	}
	for _, tc := range tests {
		out, err := CreateSampleSplit(ds, "id", tc.frac)
		require.NoError(t, err)
		train, test, err := Partition(out)
		require.NoError(t, err)
		assert.Equal(t, tc.want, train.Len(), "frac=%v", tc.frac)
		assert.Equal(t, 100-tc.want, test.Len(), "frac=%v", tc.frac)
	}

	// Every k/100 is exact, so the boundary bucket is always test.
	for k := int64(0); k < 100; k++ {
		assert.Equal(t, Test, Label(k, float64(k)/100), "bucket=%d", k)
		if k > 0 {
			assert.Equal(t, Train, Label(k-1, float64(k)/100), "bucket=%d", k-1)
		}
	}
}

func TestCreateSampleSplit_DegenerateFractions(t *testing.T) {
	ds := intIDs(t, 0, 1, 50, 99, 12345)

	out, err := CreateSampleSplit(ds, "id", 0)
	require.NoError(t, err)
	for _, l := range labels(t, out) {
		assert.Equal(t, Test, l)
	}

	out, err = CreateSampleSplit(ds, "id", 1)
	require.NoError(t, err)
	for _, l := range labels(t, out) {
		assert.Equal(t, Train, l)
	}
}

func TestCreateSampleSplit_Errors(t *testing.T) {
	ds := intIDs(t, 1)

	_, err := CreateSampleSplit(ds, "missing", 0.8)
	assert.ErrorIs(t, err, dataset.ErrMissingColumn)

	for _, frac := range []float64{-0.1, 1.01, math.NaN()} {
		_, err := CreateSampleSplit(ds, "id", frac)
		assert.ErrorIs(t, err, ErrInvalidParameter, "frac=%v", frac)
	}
}

func TestCreateSampleSplit_ReplacesExistingSampleColumn(t *testing.T) {
	ds := dataset.MustNew(
		dataset.Field{Name: "id", Kind: dataset.KindInt},
		dataset.Field{Name: SampleColumn, Kind: dataset.KindString},
	)
	require.NoError(t, ds.Append(5, "stale"))

	out, err := CreateSampleSplit(ds, "id", 0.8)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", SampleColumn}, out.Columns())
	assert.Equal(t, Train, out.Value(0, SampleColumn))
	assert.Equal(t, "stale", ds.Value(0, SampleColumn))
}

func TestPartition(t *testing.T) {
	out, err := CreateSampleSplit(intIDs(t, 10, 90, 20, 95), "id", 0.8)
	require.NoError(t, err)

	train, test, err := Partition(out)
	require.NoError(t, err)
	assert.Equal(t, 2, train.Len())
	assert.Equal(t, 2, test.Len())
	assert.Equal(t, int64(10), train.Value(0, "id"))
	assert.Equal(t, int64(20), train.Value(1, "id"))
	assert.Equal(t, int64(90), test.Value(0, "id"))

	_, _, err = Partition(intIDs(t, 1))
	assert.ErrorIs(t, err, dataset.ErrMissingColumn)
}
