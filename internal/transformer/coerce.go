package transformer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"claimprep/internal/dataset"
)

// CoerceSpec maps column names to declared types ("bigint", "double", "text",
// or any spelling dataset.ParseKind accepts). Columns without an entry stay
// text.
type CoerceSpec struct {
	Types map[string]string
}

// CoerceSpecFromFields builds a spec from a dataset schema.
func CoerceSpecFromFields(fields []dataset.Field) CoerceSpec {
	types := make(map[string]string, len(fields))
	for _, f := range fields {
		types[f.Name] = f.Kind.String()
	}
	return CoerceSpec{Types: types}
}

// ValidateSpecSanity rejects specs naming unknown columns or unknown types.
func ValidateSpecSanity(columns []string, spec CoerceSpec) error {
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}
	for col, typ := range spec.Types {
		if !known[col] {
			return fmt.Errorf("coerce: type for unknown column %q", col)
		}
		if _, err := dataset.ParseKind(typ); err != nil {
			return fmt.Errorf("coerce: column %q: %w", col, err)
		}
	}
	return nil
}

type coercePlan struct {
	cols []colPlan
}

type colPlan struct {
	name string
	kind dataset.Kind
}

func compilePlan(columns []string, spec CoerceSpec) coercePlan {
	p := coercePlan{cols: make([]colPlan, len(columns))}
	for i, c := range columns {
		k := dataset.KindString
		if typ, ok := spec.Types[c]; ok {
			if parsed, err := dataset.ParseKind(typ); err == nil {
				k = parsed
			}
		}
		p.cols[i] = colPlan{name: c, kind: k}
	}
	return p
}

// coerce converts raw into the column kind and stores it in *dst. It reports
// false when raw cannot represent a value of that kind.
func (c colPlan) coerce(dst *any, raw string) bool {
	switch c.kind {
	case dataset.KindInt:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*dst = n
			return true
		}
		// Exports often write integral values as "1.0".
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return false
		}
		*dst = int64(f)
		return true

	case dataset.KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			if isNAToken(raw) {
				*dst = nil
				return true
			}
			return false
		}
		*dst = f
		return true

	default:
		*dst = raw
		return true
	}
}

func isNAToken(s string) bool {
	switch strings.ToLower(s) {
	case "na", "n/a", "null", "?":
		return true
	}
	return false
}

// CoerceLoopRows converts the string cells of each row in place according to
// spec and forwards it. Rows with an unconvertible cell are reported through
// onReject and freed. nil cells stay nil.
//
// On cancellation remaining rows are drained and dropped.
func CoerceLoopRows(
	ctx context.Context,
	columns []string,
	in <-chan *Row,
	out chan<- *Row,
	spec CoerceSpec,
	onReject func(line int, reason string),
) {
	p := compilePlan(columns, spec)

	for r := range in {
		select {
		case <-ctx.Done():
			if r != nil {
				r.Drop()
			}
			continue
		default:
		}

		if r == nil {
			continue
		}
		if len(r.V) != len(columns) {
			if onReject != nil {
				onReject(r.Line, fmt.Sprintf("coerce: got %d values for %d columns", len(r.V), len(columns)))
			}
			r.Free()
			continue
		}

		ok := true
		for i, cp := range p.cols {
			raw, isString := r.V[i].(string)
			if !isString {
				continue
			}
			if !cp.coerce(&r.V[i], raw) {
				ok = false
				if onReject != nil {
					onReject(r.Line, fmt.Sprintf("coerce: column %q: cannot parse %q as %s", cp.name, raw, cp.kind))
				}
				break
			}
		}
		if !ok {
			r.Free()
			continue
		}

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
		}
	}
}
