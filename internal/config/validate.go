package config

import (
	"fmt"
	"math"
	"strings"

	"claimprep/internal/dataset"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path uses the JSON field names.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidatePipeline checks p without touching the network or the filesystem.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	errf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(p.Job) == "" {
		warnf("job", "empty job name; metrics use %q", "prep")
	}

	var declared []dataset.Field
	seen := map[string]bool{}
	switch p.Source.Kind {
	case SourceClaims:
		if p.Source.Path != "" {
			warnf("source.path", "ignored for kind %q", SourceClaims)
		}
		if len(p.Columns) > 0 {
			warnf("columns", "ignored for kind %q; the claims schema is fixed", SourceClaims)
		}
	case SourceCSV:
		if strings.TrimSpace(p.Source.Path) == "" {
			errf("source.path", "required for kind %q", SourceCSV)
		}
		if len(p.Columns) == 0 {
			errf("columns", "at least one column is required for kind %q", SourceCSV)
		}
		for i, c := range p.Columns {
			path := fmt.Sprintf("columns[%d]", i)
			if strings.TrimSpace(c.Name) == "" {
				errf(path+".name", "empty column name")
				continue
			}
			dup := seen[c.Name]
			if dup {
				errf(path+".name", "duplicate column %q", c.Name)
			}
			seen[c.Name] = true
			kind, err := dataset.ParseKind(c.Type)
			if err != nil {
				errf(path+".type", "unknown type %q", c.Type)
				// Keep the name known so column references still resolve.
				kind = dataset.KindString
			}
			if !dup {
				declared = append(declared, dataset.Field{Name: c.Name, Kind: kind})
			}
		}
	case "":
		errf("source.kind", "required (%q or %q)", SourceClaims, SourceCSV)
	default:
		errf("source.kind", "unknown kind %q", p.Source.Kind)
	}

	if k := p.Parser.Kind; k != "" && k != "csv" {
		errf("parser.kind", "unsupported parser %q", k)
	}

	if strings.TrimSpace(p.Split.IDColumn) == "" {
		errf("split.id_column", "required")
	}
	if f := p.Split.TrainingFrac; f != nil && (math.IsNaN(*f) || *f < 0 || *f > 1) {
		errf("split.training_frac", "must be in [0,1], got %v", *f)
	}

	w := p.Winsorize
	if len(w.Columns) == 0 {
		warnf("winsorize.columns", "no columns; clipping is skipped")
	}
	if len(w.Columns) > 0 {
		if !inUnit(w.LowerQuantile) {
			errf("winsorize.lower_quantile", "must be in [0,1], got %v", w.LowerQuantile)
		}
		if !inUnit(w.UpperQuantile) {
			errf("winsorize.upper_quantile", "must be in [0,1], got %v", w.UpperQuantile)
		}
		if w.LowerQuantile > w.UpperQuantile {
			errf("winsorize", "lower_quantile %v > upper_quantile %v", w.LowerQuantile, w.UpperQuantile)
		}
	}

	if s := p.Storage; s != nil {
		switch s.Kind {
		case "sqlite", "postgres", "mssql":
		case "":
			errf("storage.kind", "required when storage is set")
		default:
			errf("storage.kind", "unknown backend %q", s.Kind)
		}
		if strings.TrimSpace(s.DB.DSN) == "" {
			errf("storage.db.dsn", "required when storage is set")
		}
		if strings.TrimSpace(s.DB.Table) == "" {
			errf("storage.db.table", "required when storage is set")
		}
		if s.DB.BatchSize < 0 {
			errf("storage.db.batch_size", "must be >= 0")
		}
	}

	if p.Runtime.ChannelBuffer < 0 {
		errf("runtime.channel_buffer", "must be >= 0")
	}
	if p.Source.Kind == SourceCSV {
		out = append(out, ValidateColumns(p, declared)...)
	}
	return out
}

// ValidateColumns checks the split id and winsorize columns against the schema
// the source produces. ValidatePipeline applies it to the declared columns of a
// csv source; sources with a fixed schema call it with that schema.
func ValidateColumns(p Pipeline, fields []dataset.Field) []Issue {
	kinds := make(map[string]dataset.Kind, len(fields))
	for _, f := range fields {
		kinds[f.Name] = f.Kind
	}

	var out []Issue
	errf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if id := p.Split.IDColumn; strings.TrimSpace(id) != "" {
		if _, ok := kinds[id]; !ok {
			errf("split.id_column", "column %q is not in the %s schema", id, p.Source.Kind)
		}
	}
	for i, c := range p.Winsorize.Columns {
		path := fmt.Sprintf("winsorize.columns[%d]", i)
		kind, ok := kinds[c]
		switch {
		case !ok:
			errf(path, "column %q is not in the %s schema", c, p.Source.Kind)
		case !kind.Numeric():
			errf(path, "column %q is %s, not numeric", c, kind)
		}
	}
	return out
}

func inUnit(q float64) bool { return !math.IsNaN(q) && q >= 0 && q <= 1 }
