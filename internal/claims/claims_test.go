package claims

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimprep/internal/config"
	"claimprep/internal/dataset"
	"claimprep/internal/datasource"
)

const freqCSV = `"IDpol","ClaimNb","Exposure","Area","VehPower","VehAge","DrivAge","BonusMalus","VehBrand","VehGas","Density","Region"
1.0,1,0.1,'D',5,0,55,50,'B12','Regular',1217,'R82'
3.0,1,0.77,'D',5,10,55,50,'B12','Regular',1217,'R82'
5.0,2,1.5,'B',12,2,20,50,'B12','Diesel',54,'R22'
10.0,0,0.09,'B',6,15,71,50,'B12','Diesel',76,'R72'
11.0,6,0.84,'B',7,1,26,50,'B12','Diesel',76,'R72'
`

const sevCSV = `IDpol,ClaimAmount
1,303.00
5,250000.00
5,1000.00
11,0
999,42
`

func fakeOpen(files map[string]string) datasource.OpenFn {
	return func(ctx context.Context, location string) (io.ReadCloser, error) {
		s, ok := files[location]
		if !ok {
			return nil, errors.New("not found: " + location)
		}
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

func loadFixture(t *testing.T) *dataset.Dataset {
	t.Helper()
	open := fakeOpen(map[string]string{"freq": freqCSV, "sev": sevCSV})
	ds, err := LoadTransform(context.Background(), open, Sources{Frequency: "freq", Severity: "sev"}, nil, config.Runtime{})
	require.NoError(t, err)
	return ds
}

func TestLoad_TypedDatasets(t *testing.T) {
	open := fakeOpen(map[string]string{"freq": freqCSV, "sev": sevCSV})
	raw, err := Load(context.Background(), open, Sources{Frequency: "freq", Severity: "sev"}, nil, config.Runtime{})
	require.NoError(t, err)

	assert.Equal(t, 5, raw.Frequency.Len())
	assert.Equal(t, 5, raw.Severity.Len())
	assert.Equal(t, int64(1), raw.Frequency.Value(0, IDpol))
	assert.Equal(t, "D", raw.Frequency.Value(0, Area))
	assert.Equal(t, "Regular", raw.Frequency.Value(0, VehGas))
	assert.Equal(t, 0.77, raw.Frequency.Value(1, Exposure))
	assert.Equal(t, 5, raw.Stats["frequency"].Rows)
}

func TestLoad_DefaultsToOpenML(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	open := func(ctx context.Context, location string) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, location)
		return nil, errors.New("offline")
	}
	_, err := Load(context.Background(), open, Sources{}, nil, config.Runtime{})
	require.Error(t, err)
	require.NotEmpty(t, seen)
	for _, loc := range seen {
		assert.Contains(t, []string{DefaultFrequencyURL, DefaultSeverityURL}, loc)
	}
}

func TestTransform(t *testing.T) {
	ds := loadFixture(t)

	want := append(dataset.MustNew(FrequencyFields...).Columns(), ClaimAmount, ClaimAmountCut)
	assert.Equal(t, want, ds.Columns())
	require.Equal(t, 5, ds.Len())

	ids := []int64{1, 3, 5, 10, 11}
	for i, id := range ids {
		assert.Equal(t, id, ds.Value(i, IDpol), "row order")
	}

	// Amounts: policy 5 sums 250000+1000, cut sums 100000+1000.
	assert.Equal(t, 303.0, ds.Value(0, ClaimAmount))
	assert.Equal(t, 0.0, ds.Value(1, ClaimAmount))
	assert.Equal(t, 251000.0, ds.Value(2, ClaimAmount))
	assert.Equal(t, 101000.0, ds.Value(2, ClaimAmountCut))

	// ClaimNb: zeroed without a positive amount, capped at 4.
	assert.Equal(t, int64(1), ds.Value(0, ClaimNb))
	assert.Equal(t, int64(0), ds.Value(1, ClaimNb))
	assert.Equal(t, int64(2), ds.Value(2, ClaimNb))
	assert.Equal(t, int64(0), ds.Value(4, ClaimNb))

	assert.Equal(t, 1.0, ds.Value(2, Exposure))
	assert.Equal(t, int64(9), ds.Value(2, VehPower))
	assert.Equal(t, int64(7), ds.Value(4, VehPower))

	// VehAge bins [1,10] with 10 counted as 9.
	assert.Equal(t, []any{int64(0), int64(1), int64(1), int64(2), int64(1)}, column(t, ds, VehAge))
	// DrivAge bins [21,26,31,41,51,71].
	assert.Equal(t, []any{int64(5), int64(5), int64(0), int64(6), int64(2)}, column(t, ds, DrivAge))
}

func TestTransform_CapsClaimNb(t *testing.T) {
	freq := dataset.MustNew(FrequencyFields...)
	require.NoError(t, freq.AppendRecord(map[string]any{
		IDpol: 1, ClaimNb: 16, Exposure: 0.5, VehPower: 4, VehAge: 3, DrivAge: 40,
	}))
	sev := dataset.MustNew(SeverityFields...)
	require.NoError(t, sev.Append(1, 10.0))

	out, err := Transform(freq, sev)
	require.NoError(t, err)
	assert.Equal(t, int64(4), out.Value(0, ClaimNb))
	assert.Nil(t, out.Value(0, Area))
	assert.Equal(t, int64(16), freq.Value(0, ClaimNb), "input untouched")
}

func TestTransform_MissingColumn(t *testing.T) {
	freq := dataset.MustNew(dataset.Field{Name: IDpol, Kind: dataset.KindInt})
	sev := dataset.MustNew(SeverityFields...)
	_, err := Transform(freq, sev)
	assert.ErrorIs(t, err, dataset.ErrMissingColumn)
}

func TestDigitize(t *testing.T) {
	bins := []float64{21, 26, 31}
	tests := map[float64]int{18: 0, 21: 1, 25.9: 1, 26: 2, 31: 3, 90: 3}
	for v, want := range tests {
		assert.Equal(t, want, Digitize(v, bins), "v=%v", v)
	}
}

func TestFrequencyParserOptions(t *testing.T) {
	opt := FrequencyParserOptions(config.Options{"trim_space": false})
	assert.Equal(t, "'", opt["quote_char"])
	assert.Equal(t, false, opt["trim_space"])

	opt = FrequencyParserOptions(config.Options{"quote_char": `"`})
	assert.Equal(t, `"`, opt["quote_char"])
}

func column(t *testing.T, ds *dataset.Dataset, col string) []any {
	t.Helper()
	v, err := ds.Values(col)
	require.NoError(t, err)
	return v
}
