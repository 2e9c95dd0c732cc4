package csv

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimprep/internal/config"
	"claimprep/internal/transformer"
)

func collect(t *testing.T, input string, columns []string, opt config.Options) ([][]any, []error, error) {
	t.Helper()

	out := make(chan *transformer.Row, 16)
	var errs []error
	done := make(chan error, 1)
	go func() {
		defer close(out)
		done <- StreamCSVRows(context.Background(), io.NopCloser(strings.NewReader(input)), columns, opt, out,
			func(line int, err error) { errs = append(errs, err) })
	}()

	var rows [][]any
	for r := range out {
		rows = append(rows, append([]any(nil), r.V...))
		r.Free()
	}
	return rows, errs, <-done
}

func TestStreamCSVRows_QuoteCharAndQuotedHeader(t *testing.T) {
	// Shape of the OpenML frequency export: double-quoted header names,
	// single-quoted categorical values.
	input := "\"IDpol\",\"ClaimNb\",\"Area\"\n" +
		"1,1,'D'\n" +
		"3,0,'B, north'\n"

	rows, errs, err := collect(t, input, []string{"IDpol", "Area"}, config.Options{"quote_char": "'"})
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, [][]any{{"1", "D"}, {"3", "B, north"}}, rows)
}

func TestStreamCSVRows_HeaderMapTrimAndEmpty(t *testing.T) {
	input := "\uFEFFId Pol ; Amount\n 7 ;  \n8;12.5\n"

	rows, _, err := collect(t, input, []string{"IDpol", "amount"}, config.Options{
		"comma":             ";",
		"header_map":        map[string]any{"Id Pol": "IDpol"},
		"normalize_headers": true,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []any{"7", nil}, rows[0])
	assert.Equal(t, "12.5", rows[1][1])
}

func TestStreamCSVRows_MissingHeaderColumn(t *testing.T) {
	_, errs, err := collect(t, "a,b\n1,2\n", []string{"a", "c"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c")
	assert.Len(t, errs, 1)
}

func TestStreamCSVRows_NoHeaderPositional(t *testing.T) {
	rows, _, err := collect(t, "1,x\n2,y\n", []string{"id", "s"}, config.Options{"has_header": false})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"1", "x"}, {"2", "y"}}, rows)
}

func TestStreamCSVRows_BadQuoteChar(t *testing.T) {
	_, _, err := collect(t, "a\n1\n", []string{"a"}, config.Options{"quote_char": "é"})
	assert.Error(t, err, "non-ASCII quote_char")
}

func TestStreamCSVRows_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan *transformer.Row)
	err := StreamCSVRows(ctx, io.NopCloser(strings.NewReader("a\n1\n")), []string{"a"}, nil, out, nil)
	assert.Equal(t, context.Canceled, err)
}

func TestWrapQuoteChar(t *testing.T) {
	r, err := WrapQuoteChar(strings.NewReader(`'a,b',"x"`), '\'')
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, `"a,b",'x'`, string(got))

	src := strings.NewReader("plain")
	r, err = WrapQuoteChar(src, '"')
	require.NoError(t, err)
	assert.Same(t, src, r)

	_, err = WrapQuoteChar(src, '\n')
	assert.Error(t, err)
}

func TestCleanHeader(t *testing.T) {
	tests := map[string]string{
		`"IDpol"`: "IDpol",
		`'IDpol'`: "IDpol",
		" Area ":  "Area",
		`"`:       `"`,
		"plain":   "plain",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanHeader(in, '\''), "CleanHeader(%q)", in)
	}
}
