// Package ingest wires the streaming stages (CSV parser → coercer →
// collector) that turn a delimited file into a typed dataset.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"claimprep/internal/config"
	"claimprep/internal/dataset"
	"claimprep/internal/parser/csv"
	"claimprep/internal/transformer"
)

const defaultChannelBuffer = 256

// Stats summarises one read.
type Stats struct {
	Rows     int
	Rejected int64
}

// ReadDataset streams src into a new dataset with the given schema. Columns
// are matched by header name (see csv.StreamCSVRows for parser options).
//
// With parser option strict (default true) the first malformed or
// unconvertible record aborts the read; otherwise such records are counted in
// Stats.Rejected and skipped. Row order follows the source. src is closed.
func ReadDataset(
	ctx context.Context,
	src io.ReadCloser,
	fields []dataset.Field,
	opt config.Options,
	rt config.Runtime,
) (*dataset.Dataset, Stats, error) {
	ds, err := dataset.New(fields...)
	if err != nil {
		_ = src.Close()
		return nil, Stats{}, err
	}
	columns := ds.Columns()

	spec := transformer.CoerceSpecFromFields(fields)
	if err := transformer.ValidateSpecSanity(columns, spec); err != nil {
		_ = src.Close()
		return nil, Stats{}, err
	}

	buf := rt.ChannelBuffer
	if buf <= 0 {
		buf = defaultChannelBuffer
	}
	strict := opt.Bool("strict", true)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var rejected atomic.Int64
	onParseErr := func(line int, err error) {
		rejected.Add(1)
		if strict {
			cancel(fmt.Errorf("parse error at line %d: %w", line, err))
		}
	}
	onReject := func(line int, reason string) {
		rejected.Add(1)
		if strict {
			cancel(fmt.Errorf("line %d: %s", line, reason))
		}
	}

	rawCh := make(chan *transformer.Row, buf)
	coercedCh := make(chan *transformer.Row, buf)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(rawCh)
		return csv.StreamCSVRows(gctx, src, columns, opt, rawCh, onParseErr)
	})

	// A single coercer keeps rows in source order.
	g.Go(func() error {
		defer close(coercedCh)
		transformer.CoerceLoopRows(gctx, columns, rawCh, coercedCh, spec, onReject)
		return nil
	})

	g.Go(func() error {
		return transformer.CollectDataset(gctx, ds, coercedCh)
	})

	waitErr := g.Wait()
	stats := Stats{Rows: ds.Len(), Rejected: rejected.Load()}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return nil, stats, fmt.Errorf("ingest: %w", cause)
	}
	if waitErr != nil {
		return nil, stats, fmt.Errorf("ingest: %w", waitErr)
	}
	return ds, stats, nil
}
