// Package csv streams delimited text into pooled transformer rows.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"claimprep/internal/config"
	"claimprep/internal/transformer"
	"claimprep/internal/transformer/builtin"
)

// quoteSwapReader exchanges a custom quote byte with '"' so encoding/csv,
// which only knows double quotes, can parse files quoted with e.g. '\''.
// Literal double quotes come out as the custom byte and survive as text.
type quoteSwapReader struct {
	r     io.Reader
	quote byte
}

func (q *quoteSwapReader) Read(p []byte) (int, error) {
	n, err := q.r.Read(p)
	for i := 0; i < n; i++ {
		switch p[i] {
		case q.quote:
			p[i] = '"'
		case '"':
			p[i] = q.quote
		}
	}
	return n, err
}

// WrapQuoteChar returns r unchanged for '"' and a quote-swapping reader for
// any other single ASCII quote character.
func WrapQuoteChar(r io.Reader, quote rune) (io.Reader, error) {
	if quote == '"' {
		return r, nil
	}
	if quote <= 0 || quote > 0x7f || quote == '\n' || quote == '\r' {
		return nil, fmt.Errorf("csv: quote_char %q must be a single ASCII character", quote)
	}
	return &quoteSwapReader{r: r, quote: byte(quote)}, nil
}

// StreamCSVRows streams CSV into pooled *transformer.Row objects aligned to the
// target 'columns' order. Empty cells become nil.
//
// Options:
//   - has_header (true), comma (','), quote_char ('"'), trim_space (true),
//     lazy_quotes (false), fields_per_record (0 = variable)
//   - header_map: source header → target column
//   - normalize_headers (false): lower-case headers and replace spaces with '_'
//
// Header names are trimmed, stripped of a BOM and of surrounding quote
// characters left over from quote_char swapping.
//
// On ctx cancellation in-flight rows are dropped, not returned to the pool,
// because drain-safe downstream stages may still read them.
func StreamCSVRows(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	opt config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	var line int

	hasHeader := opt.Bool("has_header", true)
	comma := opt.Rune("comma", ',')
	quote := opt.Rune("quote_char", '"')
	trim := opt.Bool("trim_space", true)
	hm := opt.StringMap("header_map")
	lazy := opt.Bool("lazy_quotes", false)
	fieldsPer := opt.Int("fields_per_record", 0)
	normalize := opt.Bool("normalize_headers", false)

	r, err := WrapQuoteChar(src, quote)
	if err != nil {
		if onErr != nil {
			onErr(0, err)
		}
		return err
	}

	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.ReuseRecord = true
	cr.LazyQuotes = lazy
	if fieldsPer != 0 {
		cr.FieldsPerRecord = fieldsPer
	} else {
		cr.FieldsPerRecord = -1
	}

	colIx := make([]int, len(columns))
	for i := range colIx {
		colIx[i] = -1
	}

	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	if hasHeader {
		hdr, err := readRec()
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("read header: %w", err))
			}
			return err
		}
		srcToIdx := make(map[string]int, len(hdr))
		for i, h := range hdr {
			if i == 0 {
				h = strings.TrimPrefix(h, "\uFEFF")
			}
			h = CleanHeader(h, quote)
			if mapped, ok := hm[h]; ok {
				h = mapped
			} else if normalize {
				h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
			}
			srcToIdx[h] = i
		}
		var missing []string
		for t, target := range columns {
			if si, ok := srcToIdx[target]; ok {
				colIx[t] = si
			} else {
				missing = append(missing, target)
			}
		}
		if len(missing) > 0 {
			err := fmt.Errorf("header: columns not found: %s", strings.Join(missing, ", "))
			if onErr != nil {
				onErr(line, err)
			}
			return err
		}
	} else {
		for i := range columns {
			colIx[i] = i
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := transformer.GetRow(len(columns))
		row.Line = line

		for t := range columns {
			si := colIx[t]
			if si < 0 || si >= len(rec) {
				row.V[t] = nil
				continue
			}
			v := rec[si]
			if trim && builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				row.V[t] = nil
			} else {
				row.V[t] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
}

// CleanHeader trims a header name and removes one pair of surrounding quotes,
// either '"' or the swapped quote character.
func CleanHeader(h string, quote rune) string {
	if builtin.HasEdgeSpace(h) {
		h = strings.TrimSpace(h)
	}
	if len(h) >= 2 {
		for _, q := range []byte{'"', byte(quote)} {
			if h[0] == q && h[len(h)-1] == q {
				return h[1 : len(h)-1]
			}
		}
	}
	return h
}
