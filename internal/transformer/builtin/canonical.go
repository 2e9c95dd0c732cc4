// Package builtin contains small value helpers shared by the parser, the
// coercer and the sample split.
package builtin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Missing is the canonical form of a nil value. It differs from "" so a
// missing identifier never collides with an empty one.
const Missing = "\x00"

// CanonicalString returns a stable textual representation of v, suitable for
// hashing.
//
// Rules:
//   - nil encodes as a single NUL byte.
//   - Strings are NFC-normalised, so composed and decomposed forms of the same
//     text hash identically.
//   - Integers use base 10; floats use the shortest 'g' form that round-trips.
//   - time.Time values are RFC3339Nano in UTC.
func CanonicalString(v any) string {
	var b strings.Builder
	AppendCanonical(&b, v, false)
	return b.String()
}

// AppendCanonical appends the canonical representation of v to b. With
// trimSpace, leading and trailing spaces/tabs of strings are dropped first.
func AppendCanonical(b *strings.Builder, v any, trimSpace bool) {
	switch t := v.(type) {
	case nil:
		b.WriteString(Missing)

	case string:
		if trimSpace && HasEdgeSpace(t) {
			t = strings.TrimSpace(t)
		}
		b.WriteString(norm.NFC.String(t))

	case []byte:
		s := string(t)
		if trimSpace && HasEdgeSpace(s) {
			s = strings.TrimSpace(s)
		}
		b.WriteString(norm.NFC.String(s))

	case bool:
		b.WriteString(strconv.FormatBool(t))

	case int:
		b.WriteString(strconv.Itoa(t))
	case int8:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))

	case uint:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))

	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))

	case time.Time:
		tt := t
		if !tt.IsZero() {
			tt = tt.UTC()
		}
		b.WriteString(tt.Format(time.RFC3339Nano))

	default:
		b.WriteString(fmt.Sprint(t))
	}
}

// HasEdgeSpace reports whether s starts or ends with a space or tab. It is a
// cheap guard in front of strings.TrimSpace on hot paths.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return s[0] == ' ' || s[len(s)-1] == ' ' || s[0] == '\t' || s[len(s)-1] == '\t'
}
