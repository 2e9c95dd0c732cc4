// Package probe samples the head of a delimited file and drafts a pipeline
// configuration for it: typed columns, an id column for the sample split,
// winsorization candidates and an optional export section.
package probe

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"

	"claimprep/internal/config"
	"claimprep/internal/datasource"
	csvparser "claimprep/internal/parser/csv"
)

// Defaults used when Options leaves a field empty.
const (
	DefaultMaxBytes      = 20000
	DefaultLowerQuantile = 0.01
	DefaultUpperQuantile = 0.99
	DefaultTrainingFrac  = 0.8
	defaultBatchSize     = 1000
)

// Options controls one probe.
type Options struct {
	// Location is a path, file:// or http(s):// URL.
	Location string
	// MaxBytes bounds the sample read from the start of the input.
	MaxBytes int
	// Name becomes the job and table name after normalisation. Defaults to the
	// base name of Location.
	Name string
	// Comma defaults to ','.
	Comma rune
	// QuoteChar is read the way the csv parser option quote_char is, e.g. '\''
	// for the single-quoted values of the claims frequency export.
	QuoteChar rune
	// Backend adds a storage section for "sqlite", "postgres" or "mssql".
	Backend string
	// Open defaults to datasource.Open.
	Open datasource.OpenFn
}

// Column is what the probe learned about one column.
type Column struct {
	Name     string
	Type     string
	Distinct int
	Missing  int
}

// Result is the drafted pipeline plus the per-column findings.
type Result struct {
	Pipeline config.Pipeline
	Columns  []Column
	Rows     int
}

// Probe samples opt.Location and drafts a pipeline for it.
func Probe(ctx context.Context, opt Options) (Result, error) {
	if strings.TrimSpace(opt.Location) == "" {
		return Result{}, fmt.Errorf("probe: empty location")
	}
	if opt.MaxBytes <= 0 {
		opt.MaxBytes = DefaultMaxBytes
	}
	if opt.Comma == 0 {
		opt.Comma = ','
	}
	if opt.QuoteChar == 0 {
		opt.QuoteChar = '"'
	}
	switch strings.ToLower(strings.TrimSpace(opt.Backend)) {
	case "", "sqlite", "postgres", "mssql":
	default:
		return Result{}, fmt.Errorf("probe: unknown backend %q", opt.Backend)
	}
	open := opt.Open
	if open == nil {
		open = datasource.Open
	}

	sample, err := peek(ctx, open, opt.Location, opt.MaxBytes)
	if err != nil {
		return Result{}, fmt.Errorf("probe: %w", err)
	}
	headers, rows, err := readCSVSample(sample, opt.Comma, opt.QuoteChar)
	if err != nil {
		return Result{}, fmt.Errorf("probe: %w", err)
	}
	if len(headers) == 0 {
		return Result{}, fmt.Errorf("probe: no header in sample")
	}

	cols := describeColumns(headers, rows)
	return Result{
		Pipeline: draftPipeline(opt, cols, len(rows)),
		Columns:  cols,
		Rows:     len(rows),
	}, nil
}

// peek reads at most n bytes and, when the input was longer, cuts the sample
// back to its last complete line.
func peek(ctx context.Context, open datasource.OpenFn, location string, n int) ([]byte, error) {
	rc, err := open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf, err := io.ReadAll(io.LimitReader(rc, int64(n)+1))
	if err != nil {
		return nil, err
	}
	if len(buf) <= n {
		return buf, nil
	}
	buf = buf[:n]
	if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
		buf = buf[:i+1]
	}
	return buf, nil
}

// readCSVSample parses the sample best-effort with the csv parser's quote
// handling: records with the wrong field count are skipped.
func readCSVSample(data []byte, comma, quote rune) ([]string, [][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, nil
	}

	src, err := csvparser.WrapQuoteChar(bytes.NewReader(data), quote)
	if err != nil {
		return nil, nil, err
	}
	r := csv.NewReader(src)
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	headers, err := r.Read()
	if err != nil {
		return nil, nil, err
	}
	for i := range headers {
		headers[i] = csvparser.CleanHeader(headers[i], quote)
	}

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return headers, rows, err
		}
		if len(rec) != len(headers) {
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, rec)
	}
	return headers, rows, nil
}

func isNAToken(s string) bool {
	switch strings.ToLower(s) {
	case "na", "n/a", "null", "?":
		return true
	}
	return false
}

// inferType picks the narrowest type that converts every non-empty value.
// Integral float text ("1.0") is bigint; NA tokens only fit double columns.
func inferType(values []string) string {
	seen, allInt := false, true
	for _, v := range values {
		if v == "" {
			continue
		}
		seen = true
		if isNAToken(v) {
			allInt = false
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "text"
		}
		if allInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allInt = f == math.Trunc(f) && math.Abs(f) <= 1<<53
			}
		}
	}
	switch {
	case !seen:
		return "text"
	case allInt:
		return "bigint"
	}
	return "double"
}

func describeColumns(headers []string, rows [][]string) []Column {
	out := make([]Column, len(headers))
	values := make([]string, len(rows))
	for c, h := range headers {
		distinct := make(map[string]struct{}, len(rows))
		missing := 0
		for i, r := range rows {
			values[i] = r[c]
			if r[c] == "" || isNAToken(r[c]) {
				missing++
				continue
			}
			distinct[r[c]] = struct{}{}
		}
		out[c] = Column{Name: h, Type: inferType(values), Distinct: len(distinct), Missing: missing}
	}
	return out
}

// pickIDColumn prefers a fully distinct column whose name mentions "id", then
// any fully distinct column, then the most distinct one.
func pickIDColumn(cols []Column, rows int) string {
	best, bestDistinct := "", -1
	firstUnique := ""
	for _, c := range cols {
		unique := rows > 0 && c.Missing == 0 && c.Distinct == rows
		if unique && strings.Contains(strings.ToLower(c.Name), "id") {
			return c.Name
		}
		if unique && firstUnique == "" {
			firstUnique = c.Name
		}
		if c.Distinct > bestDistinct {
			best, bestDistinct = c.Name, c.Distinct
		}
	}
	if firstUnique != "" {
		return firstUnique
	}
	return best
}

func draftPipeline(opt Options, cols []Column, rows int) config.Pipeline {
	name := NormalizeName(opt.Name)
	if name == "" {
		name = NormalizeName(strings.TrimSuffix(path.Base(opt.Location), path.Ext(opt.Location)))
	}
	if name == "" {
		name = "dataset"
	}

	p := config.Pipeline{
		Job:    name,
		Source: config.Source{Kind: config.SourceCSV, Path: opt.Location},
		Parser: config.Parser{Kind: "csv"},
	}
	parserOpts := config.Options{}
	if opt.Comma != ',' {
		parserOpts["comma"] = string(opt.Comma)
	}
	if opt.QuoteChar != '"' {
		parserOpts["quote_char"] = string(opt.QuoteChar)
	}
	if len(parserOpts) > 0 {
		p.Parser.Options = parserOpts
	}

	id := pickIDColumn(cols, rows)
	frac := DefaultTrainingFrac
	p.Split = config.Split{IDColumn: id, TrainingFrac: &frac}
	for _, c := range cols {
		p.Columns = append(p.Columns, config.Column{Name: c.Name, Type: c.Type})
		if c.Type == "double" && c.Name != id {
			p.Winsorize.Columns = append(p.Winsorize.Columns, c.Name)
		}
	}
	if len(p.Winsorize.Columns) > 0 {
		p.Winsorize.LowerQuantile = DefaultLowerQuantile
		p.Winsorize.UpperQuantile = DefaultUpperQuantile
	}

	if backend := strings.ToLower(strings.TrimSpace(opt.Backend)); backend != "" {
		p.Storage = &config.Storage{
			Kind: backend,
			DB: config.DB{
				DSN:       defaultDSN(backend, name),
				Table:     name,
				BatchSize: defaultBatchSize,
			},
		}
		if id != "" {
			p.Storage.DB.DedupeColumns = []string{id}
		}
	}
	return p
}

// defaultDSN returns a DSN template. ${VAR} references are expanded when the
// pipeline runs.
func defaultDSN(backend, name string) string {
	switch backend {
	case "postgres":
		return "postgresql://${DB_USER}:${DB_PASSWORD}@${DB_HOST}:5432/${DB_NAME}?sslmode=disable"
	case "mssql":
		return "sqlserver://${DB_USER}:${DB_PASSWORD}@${DB_HOST}:1433?database=${DB_NAME}"
	case "sqlite":
		return name + ".db"
	default:
		return ""
	}
}

// NormalizeName converts s into a lowercase identifier of [a-z0-9_].
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		}
	}
	return strings.Trim(b.String(), "_")
}

// Report renders the column findings as one key=value line per column.
func Report(res Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "rows_sampled=%d id_column=%s\n", res.Rows, res.Pipeline.Split.IDColumn)
	for _, c := range res.Columns {
		fmt.Fprintf(&b, "column=%s type=%s distinct=%d missing=%d\n", c.Name, c.Type, c.Distinct, c.Missing)
	}
	return b.String()
}
