package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimprep/internal/claims"
	"claimprep/internal/config"
	"claimprep/internal/datasource"
	"claimprep/internal/preprocessing"
	"claimprep/internal/sample"
	"claimprep/internal/storage"
)

type fakeLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *fakeLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, v...))
}

func (l *fakeLogger) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.msgs, "\n")
}

type fakeSink struct {
	table  storage.TableSpec
	rows   [][]any
	closed bool
}

func (s *fakeSink) EnsureTable(_ context.Context, t storage.TableSpec) error {
	s.table = t
	return nil
}

func (s *fakeSink) InsertRows(_ context.Context, _ storage.TableSpec, _ []string, rows [][]any) (int64, error) {
	s.rows = append(s.rows, rows...)
	return int64(len(rows)), nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func memOpen(files map[string]string) (datasource.OpenFn, *[]string) {
	var mu sync.Mutex
	var calls []string
	return func(_ context.Context, location string) (io.ReadCloser, error) {
		mu.Lock()
		calls = append(calls, location)
		mu.Unlock()
		s, ok := files[location]
		if !ok {
			return nil, errors.New("not found: " + location)
		}
		return io.NopCloser(strings.NewReader(s)), nil
	}, &calls
}

// sequenceCSV has ids 0..99 and x equal to the id.
func sequenceCSV() string {
	var b strings.Builder
	b.WriteString("id,x\n")
	for i := 0; i < 100; i++ {
		b.WriteString(strconv.Itoa(i) + "," + strconv.Itoa(i) + ".0\n")
	}
	return b.String()
}

func frac(v float64) *float64 { return &v }

func csvPipeline() config.Pipeline {
	return config.Pipeline{
		Job:     "unit",
		Source:  config.Source{Kind: config.SourceCSV, Path: "mem://seq.csv"},
		Parser:  config.Parser{Kind: "csv"},
		Columns: []config.Column{{Name: "id", Type: "bigint"}, {Name: "x", Type: "double"}},
		Split:   config.Split{IDColumn: "id", TrainingFrac: frac(0.8)},
		Winsorize: config.Winsorize{
			Columns:       []string{"x"},
			LowerQuantile: 0.1,
			UpperQuantile: 0.9,
		},
	}
}

func TestRunner_Run_CSVSplitWinsorizeExport(t *testing.T) {
	open, _ := memOpen(map[string]string{"mem://seq.csv": sequenceCSV()})
	sink := &fakeSink{}
	var gotSinkCfg storage.SinkConfig
	logger := &fakeLogger{}

	r := &Runner{
		Logger: logger,
		Open:   open,
		NewSink: func(_ context.Context, cfg storage.SinkConfig) (storage.Sink, error) {
			gotSinkCfg = cfg
			return sink, nil
		},
		NewRunID: func() string { return "run-1" },
	}

	cfg := csvPipeline()
	cfg.Storage = &config.Storage{
		Kind: "sqlite",
		DB:   config.DB{DSN: "file.db", Table: "prepared", BatchSize: 30, DedupeColumns: []string{"id"}},
	}

	res, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "unit", res.Job)
	assert.Equal(t, 100, res.Rows)
	// Integer ids bucket by id mod 100, so ids 0..79 are train.
	assert.Equal(t, 80, res.Train)
	assert.Equal(t, 20, res.Test)

	// Fitted on x = 0..79 only.
	b := res.Bounds["x"]
	assert.InDelta(t, 7.9, b.Lower, 1e-9)
	assert.InDelta(t, 71.1, b.Upper, 1e-9)
	assert.Equal(t, preprocessing.ClipCount{Low: 8, High: 28}, res.Clipped["x"])

	require.NotNil(t, res.Dataset)
	assert.Equal(t, []string{"id", "x", sample.SampleColumn}, res.Dataset.Columns())
	assert.Equal(t, sample.Train, res.Dataset.Value(0, sample.SampleColumn))
	assert.Equal(t, sample.Test, res.Dataset.Value(99, sample.SampleColumn))
	assert.InDelta(t, 71.1, res.Dataset.Value(99, "x").(float64), 1e-9)

	require.Len(t, res.After, 2)
	assert.InDelta(t, 71.1, res.After[1].Max, 1e-9)
	assert.Equal(t, 99.0, res.Before[1].Max)

	assert.Equal(t, storage.SinkConfig{Kind: "sqlite", DSN: "file.db"}, gotSinkCfg)
	assert.Equal(t, int64(100), res.Exported)
	assert.Len(t, sink.rows, 100)
	assert.Equal(t, []string{"id"}, sink.table.Unique)
	assert.True(t, sink.closed)

	logs := logger.joined()
	for _, want := range []string{"step=load status=ok", "step=split status=ok", "step=winsorize status=ok", "step=export status=ok", "column=x"} {
		assert.Contains(t, logs, want)
	}
}

func TestRunner_Run_NoWinsorizeColumnsSkipsClipping(t *testing.T) {
	open, _ := memOpen(map[string]string{"mem://seq.csv": sequenceCSV()})
	r := &Runner{Open: open}

	cfg := csvPipeline()
	cfg.Winsorize = config.Winsorize{}
	cfg.Split.TrainingFrac = nil

	res, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, res.Bounds)
	assert.Equal(t, 80, res.Train)
	assert.Equal(t, 99.0, res.Dataset.Value(99, "x"))
	assert.NotEmpty(t, res.RunID)
}

func TestRunner_Run_InvalidConfigOpensNothing(t *testing.T) {
	open, calls := memOpen(nil)
	r := &Runner{Open: open}

	cfg := csvPipeline()
	cfg.Split.IDColumn = ""
	cfg.Winsorize.LowerQuantile = 2

	_, err := r.Run(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "split.id_column")
	assert.Contains(t, err.Error(), "winsorize.lower_quantile")
	assert.Empty(t, *calls)
}

func TestRunner_Run_LoadErrorIsWrapped(t *testing.T) {
	open, _ := memOpen(nil)
	logger := &fakeLogger{}
	r := &Runner{Open: open, Logger: logger}

	_, err := r.Run(context.Background(), csvPipeline())
	require.Error(t, err)
	assert.False(t, IsConfigError(err))
	assert.True(t, strings.HasPrefix(err.Error(), "load: "), err.Error())
	assert.Contains(t, logger.joined(), "step=load status=error")
}

func TestRunner_Run_SinkErrorFailsExport(t *testing.T) {
	open, _ := memOpen(map[string]string{"mem://seq.csv": sequenceCSV()})
	r := &Runner{
		Open: open,
		NewSink: func(context.Context, storage.SinkConfig) (storage.Sink, error) {
			return nil, errors.New("unreachable")
		},
	}
	cfg := csvPipeline()
	cfg.Storage = &config.Storage{Kind: "postgres", DB: config.DB{DSN: "postgres://x", Table: "t"}}

	_, err := r.Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export: unreachable")
}

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
`

func TestRunner_Run_ClaimsSource(t *testing.T) {
	open, calls := memOpen(map[string]string{"freq": freqCSV, "sev": sevCSV})
	r := &Runner{Open: open}

	cfg := config.Pipeline{
		Source: config.Source{Kind: config.SourceClaims, Frequency: "freq", Severity: "sev"},
		Split:  config.Split{IDColumn: claims.IDpol},
		Winsorize: config.Winsorize{
			Columns:       []string{claims.ClaimAmount},
			LowerQuantile: 0,
			UpperQuantile: 0.5,
		},
	}

	res, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"freq", "sev"}, *calls)
	assert.Equal(t, DefaultJob, res.Job)
	assert.Equal(t, 5, res.Rows)
	assert.Equal(t, 5, res.Train)
	assert.Equal(t, 0, res.Test)

	// Amounts after the claims transform: 303, 0, 251000, 0, 0; median 0.
	assert.Equal(t, preprocessing.Bounds{Lower: 0, Upper: 0}, res.Bounds[claims.ClaimAmount])
	assert.Equal(t, preprocessing.ClipCount{Low: 0, High: 2}, res.Clipped[claims.ClaimAmount])
	assert.True(t, res.Dataset.Has(sample.SampleColumn))
}

func TestRunner_Run_ClaimsSchemaChecks(t *testing.T) {
	open, calls := memOpen(map[string]string{"freq": freqCSV, "sev": sevCSV})
	r := &Runner{Open: open}

	cfg := config.Pipeline{
		Source: config.Source{Kind: config.SourceClaims, Frequency: "freq", Severity: "sev"},
		Split:  config.Split{IDColumn: "IDPOL"},
		Winsorize: config.Winsorize{
			Columns:       []string{claims.Area, "ClaimAmnt"},
			UpperQuantile: 0.99,
		},
	}

	_, err := r.Run(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "split.id_column")
	assert.Contains(t, err.Error(), "winsorize.columns[0]")
	assert.Contains(t, err.Error(), "winsorize.columns[1]")
	assert.Empty(t, *calls)

	cfg.Split.IDColumn = claims.IDpol
	cfg.Winsorize.Columns = []string{claims.ClaimAmountCut, claims.Density}
	assert.False(t, config.HasErrors(Validate(cfg)))
}
