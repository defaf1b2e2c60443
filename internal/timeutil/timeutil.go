// Package timeutil coerces the timestamp shapes that reach the server into a
// single comparable instant. Clients send ISO-8601 strings, the document
// store hands back native timestamps, and historical records carry epoch
// milliseconds; staleness comparison has to treat them all alike.
package timeutil

import (
	"strconv"
	"strings"
	"time"
)

// ToInstant converts a timestamp value to a UTC instant. Accepts time.Time,
// *time.Time, RFC3339 / RFC3339Nano strings, date-only strings, numeric epoch
// millis or seconds, and the {seconds, nanos} map shape some stores emit.
// Returns nil for null or unparseable input.
func ToInstant(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		u := t.UTC()
		return &u
	case *time.Time:
		if t == nil {
			return nil
		}
		u := t.UTC()
		return &u
	case string:
		return parseString(t)
	case float64:
		return fromEpoch(int64(t))
	case int64:
		return fromEpoch(t)
	case int:
		return fromEpoch(int64(t))
	case map[string]any:
		return fromSecondsMap(t)
	}
	return nil
}

func parseString(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(n)
	}
	return nil
}

// fromEpoch guesses the unit: values past the year-5138 mark in seconds are
// treated as milliseconds.
func fromEpoch(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	var t time.Time
	if n > 1e11 {
		t = time.UnixMilli(n)
	} else {
		t = time.Unix(n, 0)
	}
	u := t.UTC()
	return &u
}

func fromSecondsMap(m map[string]any) *time.Time {
	for _, k := range []string{"seconds", "_seconds"} {
		if v, ok := m[k]; ok {
			if sec, ok2 := v.(float64); ok2 {
				t := time.Unix(int64(sec), 0).UTC()
				return &t
			}
		}
	}
	return nil
}

// Compare orders two instants: -1, 0, or 1. A nil instant is treated as
// "now", which makes a record with an unknown timestamp never stale against
// an incoming write: the client wins by default. That leniency is a public
// contract, not an accident.
func Compare(a, b *time.Time, now time.Time) int {
	av := Coalesce(a, now)
	bv := Coalesce(b, now)
	switch {
	case av.Before(bv):
		return -1
	case av.After(bv):
		return 1
	default:
		return 0
	}
}

// Coalesce substitutes now for a nil instant.
func Coalesce(t *time.Time, now time.Time) time.Time {
	if t == nil {
		return now
	}
	return *t
}

// Max returns the later of two instants, nil-tolerant via now substitution.
func Max(a, b *time.Time, now time.Time) time.Time {
	av := Coalesce(a, now)
	bv := Coalesce(b, now)
	if av.After(bv) {
		return av
	}
	return bv
}

// RFC3339 formats an instant the way responses carry timestamps.
func RFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// SameDay reports whether two instants fall on the same UTC calendar day.
func SameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
