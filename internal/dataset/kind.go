package dataset

import (
	"fmt"
	"math"
	"strings"
)

// Kind is the declared scalar type of a column.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt          // int64
	KindFloat        // float64
	KindString       // string
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Numeric reports whether values of this kind can be compared to float bounds.
func (k Kind) Numeric() bool { return k == KindInt || k == KindFloat }

// ParseKind maps the type spellings used in pipeline configs to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "bigint", "int64":
		return KindInt, nil
	case "float", "double", "numeric", "real", "float64":
		return KindFloat, nil
	case "text", "string", "varchar":
		return KindString, nil
	default:
		return KindInvalid, fmt.Errorf("dataset: unknown column type %q", s)
	}
}

// IsMissing reports whether v is a missing value: nil, or NaN for floats.
func IsMissing(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(t)
	case float32:
		return math.IsNaN(float64(t))
	default:
		return false
	}
}

// normalize converts v to the canonical Go type for k.
// nil is accepted for every kind.
func normalize(k Kind, v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	switch k {
	case KindInt:
		switch t := v.(type) {
		case int64:
			return t, true
		case int:
			return int64(t), true
		case int8:
			return int64(t), true
		case int16:
			return int64(t), true
		case int32:
			return int64(t), true
		case uint8:
			return int64(t), true
		case uint16:
			return int64(t), true
		case uint32:
			return int64(t), true
		case uint:
			if uint64(t) > math.MaxInt64 {
				return nil, false
			}
			return int64(t), true
		case uint64:
			if t > math.MaxInt64 {
				return nil, false
			}
			return int64(t), true
		}
	case KindFloat:
		switch t := v.(type) {
		case float64:
			return t, true
		case float32:
			return float64(t), true
		case int64:
			return float64(t), true
		case int:
			return float64(t), true
		case int32:
			return float64(t), true
		}
	case KindString:
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return nil, false
}

// toFloat converts a normalized numeric value to float64. Missing → NaN.
func toFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	default:
		return math.NaN()
	}
}
