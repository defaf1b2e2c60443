package entity

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GetString safely extracts a string value from a record.
func GetString(r Record, k string) (string, bool) {
	if v, ok := r[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// GetNumber extracts a numeric value from a record. JSON decoding yields
// float64; clients occasionally send numerics as strings, which we accept.
func GetNumber(r Record, k string) (float64, bool) {
	v, ok := r[k]
	if !ok {
		return 0, false
	}
	return ToNumber(v)
}

// ToNumber coerces a raw value to float64.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// GetBool extracts a boolean value from a record.
func GetBool(r Record, k string) (bool, bool) {
	if v, ok := r[k]; ok {
		if b, ok2 := v.(bool); ok2 {
			return b, true
		}
	}
	return false, false
}

// Present reports whether k carries a usable value: present, non-nil, and not
// an empty string.
func Present(r Record, k string) bool {
	v, ok := r[k]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Stringify renders a field value for equality probes and lock keys. Numbers
// render without a trailing ".0" so 40 and 40.0 collide as intended.
func Stringify(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case bool:
		return strconv.FormatBool(n)
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	default:
		return fmt.Sprintf("%v", n)
	}
}

// Equal compares two field values after normalization, so "40" equals 40.0
// and trailing whitespace on strings is ignored.
func Equal(a, b any) bool {
	return strings.TrimSpace(Stringify(a)) == strings.TrimSpace(Stringify(b))
}

// Clone shallow-copies a record. Values are shared; sync payloads are treated
// as immutable once received.
func Clone(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
