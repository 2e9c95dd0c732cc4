// Package pipeline runs one preparation job end to end: load, sample split,
// winsorization, summaries and the optional SQL export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"claimprep/internal/claims"
	"claimprep/internal/config"
	"claimprep/internal/dataset"
	"claimprep/internal/datasource"
	"claimprep/internal/ingest"
	"claimprep/internal/metrics"
	"claimprep/internal/preprocessing"
	"claimprep/internal/sample"
	"claimprep/internal/stats"
	"claimprep/internal/storage"
)

// DefaultJob labels metrics and logs when the pipeline has no job name.
const DefaultJob = "prep"

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Result describes a finished run.
type Result struct {
	RunID string
	Job   string

	Rows     int
	Rejected int64
	Train    int
	Test     int

	// Bounds and Clipped are empty when winsorization is disabled.
	Bounds  map[string]preprocessing.Bounds
	Clipped preprocessing.ClipReport

	// Before and After summarise the numeric columns around winsorization.
	Before []stats.Summary
	After  []stats.Summary

	Exported int64

	Dataset *dataset.Dataset
}

// Runner executes pipelines. Every field is a seam; nil fields fall back to
// the production implementation.
type Runner struct {
	Logger   Logger
	Open     datasource.OpenFn
	NewSink  func(ctx context.Context, cfg storage.SinkConfig) (storage.Sink, error)
	NewRunID func() string
}

// NewDefaultRunner returns a Runner logging to stderr.
func NewDefaultRunner() *Runner {
	return &Runner{
		Logger:   log.New(os.Stderr, "", log.LstdFlags),
		NewSink:  storage.NewSink,
		NewRunID: uuid.NewString,
	}
}

func (r *Runner) logf(format string, v ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, v...)
	}
}

func (r *Runner) open(job string) datasource.OpenFn {
	if r.Open != nil {
		return r.Open
	}
	return datasource.Opener{Job: job}.Open
}

// step times fn, reports it to metrics and logs the outcome.
func (r *Runner) step(runID, job, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	metrics.RecordStep(job, name, err, d)
	if err != nil {
		r.logf("run_id=%s job=%s step=%s status=error dur=%s err=%v", runID, job, name, d, err)
		return fmt.Errorf("%s: %w", name, err)
	}
	r.logf("run_id=%s job=%s step=%s status=ok dur=%s", runID, job, name, d)
	return nil
}

// Validate is config.ValidatePipeline plus, for the claims source, a check of
// the split and winsorize columns against claims.OutputFields. Nothing is
// downloaded.
func Validate(cfg config.Pipeline) []config.Issue {
	issues := config.ValidatePipeline(cfg)
	if cfg.Source.Kind == config.SourceClaims {
		issues = append(issues, config.ValidateColumns(cfg, claims.OutputFields())...)
	}
	return issues
}

// Run validates cfg and executes it.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline) (Result, error) {
	issues := Validate(cfg)
	if config.HasErrors(issues) {
		return Result{}, issuesError(issues)
	}
	for _, iss := range issues {
		r.logf("config warning path=%s msg=%q", iss.Path, iss.Message)
	}

	res := Result{Job: cfg.Job}
	if strings.TrimSpace(res.Job) == "" {
		res.Job = DefaultJob
	}
	newID := r.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	res.RunID = newID()
	job, runID := res.Job, res.RunID
	r.logf("run_id=%s job=%s source=%s start", runID, job, cfg.Source.Kind)

	var ds *dataset.Dataset
	if err := r.step(runID, job, "load", func() error {
		var err error
		ds, res.Rejected, err = r.load(ctx, job, cfg)
		return err
	}); err != nil {
		return res, err
	}
	res.Rows = ds.Len()
	metrics.RecordRecords(job, "loaded", res.Rows)
	metrics.RecordRecords(job, "rejected", int(res.Rejected))

	var train *dataset.Dataset
	if err := r.step(runID, job, "split", func() error {
		var err error
		ds, err = sample.CreateSampleSplit(ds, cfg.Split.IDColumn, cfg.Split.Frac(sample.DefaultTrainingFrac))
		if err != nil {
			return err
		}
		var test *dataset.Dataset
		train, test, err = sample.Partition(ds)
		if err != nil {
			return err
		}
		res.Train, res.Test = train.Len(), test.Len()
		return nil
	}); err != nil {
		return res, err
	}
	metrics.RecordRecords(job, sample.Train, res.Train)
	metrics.RecordRecords(job, sample.Test, res.Test)

	var err error
	if res.Before, err = stats.Describe(ds); err != nil {
		return res, err
	}

	if w := cfg.Winsorize; len(w.Columns) > 0 {
		if err := r.step(runID, job, "winsorize", func() error {
			var err error
			ds, res.Bounds, res.Clipped, err = winsorize(ds, train, w)
			return err
		}); err != nil {
			return res, err
		}
		for _, col := range w.Columns {
			c := res.Clipped[col]
			metrics.RecordClipped(job, col, c.Low, c.High)
			b := res.Bounds[col]
			r.logf("run_id=%s job=%s column=%s lower=%g upper=%g clipped_low=%d clipped_high=%d",
				runID, job, col, b.Lower, b.Upper, c.Low, c.High)
		}
		if res.Train == 0 {
			r.logf("run_id=%s job=%s warn=%q", runID, job, "empty train partition; bounds are NaN and nothing was clipped")
		}
	}

	if res.After, err = stats.Describe(ds); err != nil {
		return res, err
	}
	for _, s := range res.After {
		r.logf("run_id=%s job=%s %s", runID, job, s)
	}

	if cfg.Storage != nil {
		if err := r.step(runID, job, "export", func() error {
			var err error
			res.Exported, err = r.export(ctx, job, *cfg.Storage, ds)
			return err
		}); err != nil {
			return res, err
		}
		metrics.RecordRecords(job, "exported", int(res.Exported))
	}

	res.Dataset = ds
	r.logf("run_id=%s job=%s rows=%d train=%d test=%d done", runID, job, res.Rows, res.Train, res.Test)
	return res, nil
}

func (r *Runner) load(ctx context.Context, job string, cfg config.Pipeline) (*dataset.Dataset, int64, error) {
	open := r.open(job)

	switch cfg.Source.Kind {
	case config.SourceClaims:
		raw, err := claims.Load(ctx, open, claims.Sources{
			Frequency: cfg.Source.Frequency,
			Severity:  cfg.Source.Severity,
		}, cfg.Parser.Options, cfg.Runtime)
		if err != nil {
			return nil, 0, err
		}
		var rejected int64
		for name, st := range raw.Stats {
			rejected += st.Rejected
			metrics.RecordRecords(job, name, st.Rows)
		}
		ds, err := claims.Transform(raw.Frequency, raw.Severity)
		return ds, rejected, err

	case config.SourceCSV:
		fields, err := declaredFields(cfg.Columns)
		if err != nil {
			return nil, 0, err
		}
		rc, err := open(ctx, cfg.Source.Path)
		if err != nil {
			return nil, 0, err
		}
		ds, st, err := ingest.ReadDataset(ctx, rc, fields, cfg.Parser.Options, cfg.Runtime)
		return ds, st.Rejected, err

	default:
		return nil, 0, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

func declaredFields(cols []config.Column) ([]dataset.Field, error) {
	out := make([]dataset.Field, 0, len(cols))
	for _, c := range cols {
		k, err := dataset.ParseKind(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out = append(out, dataset.Field{Name: c.Name, Kind: k})
	}
	return out, nil
}

// winsorize fits on train and clips the whole dataset, so test rows are capped
// with bounds learned without them.
func winsorize(ds, train *dataset.Dataset, w config.Winsorize) (*dataset.Dataset, map[string]preprocessing.Bounds, preprocessing.ClipReport, error) {
	wz, err := preprocessing.NewWinsorizer(w.Columns, w.LowerQuantile, w.UpperQuantile)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := wz.Fit(train); err != nil {
		return nil, nil, nil, err
	}
	out, report, err := wz.TransformReport(ds)
	if err != nil {
		return nil, nil, nil, err
	}
	bounds := make(map[string]preprocessing.Bounds, len(w.Columns))
	for _, col := range w.Columns {
		if bounds[col], err = wz.Bounds(col); err != nil {
			return nil, nil, nil, err
		}
	}
	return out, bounds, report, nil
}

func (r *Runner) export(ctx context.Context, job string, s config.Storage, ds *dataset.Dataset) (int64, error) {
	newSink := r.NewSink
	if newSink == nil {
		newSink = storage.NewSink
	}
	sink, err := newSink(ctx, storage.SinkConfig{Kind: s.Kind, DSN: s.DB.DSN})
	if err != nil {
		return 0, err
	}
	defer sink.Close()

	table, err := storage.TableFromDataset(s.DB.Table, ds, s.DB.DedupeColumns)
	if err != nil {
		return 0, err
	}
	return storage.WriteDataset(ctx, sink, table, ds, storage.WriteOptions{Job: job, BatchSize: s.DB.BatchSize})
}

// IssuesError reports configuration errors found by Validate.
type IssuesError struct {
	Issues []config.Issue
}

func (e *IssuesError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		if iss.Severity == config.SeverityError {
			msgs = append(msgs, iss.Path+": "+iss.Message)
		}
	}
	sort.Strings(msgs)
	return "invalid pipeline: " + strings.Join(msgs, "; ")
}

func issuesError(issues []config.Issue) error {
	return &IssuesError{Issues: issues}
}

// IsConfigError reports whether err came from pipeline validation.
func IsConfigError(err error) bool {
	var ie *IssuesError
	return errors.As(err, &ie)
}
