// Package transformer holds the streaming stages between the parser and the
// in-memory dataset: pooled rows, type coercion and collection.
package transformer

import "sync"

// Row is a positional record travelling parser → coercer → collector.
//
// One goroutine owns a Row at a time; sending it on a channel hands ownership
// downstream. The last consumer calls Free once nothing references r.V.
// Cancellation paths call Drop instead: a canceled drain may still be reading
// a row the parser would otherwise reuse.
type Row struct {
	V    []any
	Line int // 1-based source record number, 0 if unknown
}

var rowPool sync.Pool

// GetRow returns a zeroed Row of length colCount, reusing pooled storage.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		clear(r.V)
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns r to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop releases r without pooling it.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}
