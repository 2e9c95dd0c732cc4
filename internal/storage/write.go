package storage

import (
	"context"
	"fmt"
	"strings"

	"claimprep/internal/dataset"
	"claimprep/internal/metrics"
	"claimprep/internal/transformer/builtin"
)

// DefaultBatchSize is used when WriteOptions.BatchSize is not positive.
const DefaultBatchSize = 1000

// WriteOptions tunes WriteDataset.
type WriteOptions struct {
	// Job labels the batch metrics.
	Job       string
	BatchSize int
}

// WriteDataset creates the table if needed and inserts every row of ds in
// batches, in dataset order. Missing values (nil and NaN) are written as NULL.
//
// It returns the number of rows the sink reported as written, which is lower
// than ds.Len() when rows were skipped by the unique key.
func WriteDataset(ctx context.Context, sink Sink, table TableSpec, ds *dataset.Dataset, opt WriteOptions) (int64, error) {
	if err := table.Validate(); err != nil {
		return 0, err
	}
	columns := table.ColumnNames()
	if err := ds.Require(columns...); err != nil {
		return 0, fmt.Errorf("storage: write %s: %w", table.Name, err)
	}
	if err := sink.EnsureTable(ctx, table); err != nil {
		return 0, fmt.Errorf("storage: ensure %s: %w", table.Name, err)
	}

	size := opt.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	var written int64
	batch := make([][]any, 0, size)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := sink.InsertRows(ctx, table, columns, batch)
		if err != nil {
			return fmt.Errorf("storage: insert into %s: %w", table.Name, err)
		}
		written += n
		metrics.RecordBatch(opt.Job)
		batch = make([][]any, 0, size)
		return nil
	}

	for i := 0; i < ds.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		row := make([]any, len(columns))
		for j, c := range columns {
			v := ds.Value(i, c)
			if dataset.IsMissing(v) {
				v = nil
			}
			row[j] = v
		}
		batch = append(batch, row)
		if len(batch) == size {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}

// DedupeRows keeps the first row of every distinct key over keyColumns and
// preserves the order of first occurrences. The input is not modified.
//
// Backends whose insert statement cannot absorb duplicates inside one
// statement use it before building SQL.
func DedupeRows(rows [][]any, columns []string, keyColumns []string) ([][]any, error) {
	if len(keyColumns) == 0 {
		return rows, nil
	}
	idx := make([]int, len(keyColumns))
	for i, k := range keyColumns {
		pos := -1
		for j, c := range columns {
			if strings.EqualFold(c, k) {
				pos = j
				break
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("storage: dedupe column %q not in insert columns %v", k, columns)
		}
		idx[i] = pos
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		k := RowKey(row, idx)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// RowKey renders the values of row at idx into a single comparable string.
// Values of different types never collide ("1" vs 1).
func RowKey(row []any, idx []int) string {
	var b strings.Builder
	for n, i := range idx {
		if n > 0 {
			b.WriteByte(0x1f)
		}
		fmt.Fprintf(&b, "%T:", row[i])
		builtin.AppendCanonical(&b, row[i], false)
	}
	return b.String()
}

// ChunkRows splits rows so that no chunk binds more than maxParams
// placeholders. Every chunk has at least one row.
func ChunkRows(rows [][]any, numColumns, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := 1
	if numColumns > 0 && maxParams > numColumns {
		per = maxParams / numColumns
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}
