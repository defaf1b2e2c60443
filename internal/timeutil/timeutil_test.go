package timeutil

import (
	"testing"
	"time"
)

func TestToInstant(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want *time.Time
	}{
		{name: "rfc3339", in: "2024-03-01T10:00:00Z", want: &want},
		{name: "rfc3339 nano", in: "2024-03-01T10:00:00.000000000Z", want: &want},
		{name: "rfc3339 offset", in: "2024-03-01T12:00:00+02:00", want: &want},
		{name: "bare datetime", in: "2024-03-01T10:00:00", want: &want},
		{name: "epoch millis", in: float64(want.UnixMilli()), want: &want},
		{name: "epoch seconds", in: float64(want.Unix()), want: &want},
		{name: "epoch millis string", in: "1709287200000", want: &want},
		{name: "seconds map", in: map[string]any{"seconds": float64(want.Unix())}, want: &want},
		{name: "underscore seconds map", in: map[string]any{"_seconds": float64(want.Unix())}, want: &want},
		{name: "time value", in: want, want: &want},
		{name: "nil", in: nil, want: nil},
		{name: "empty string", in: "", want: nil},
		{name: "garbage", in: "not-a-time", want: nil},
		{name: "zero epoch", in: float64(0), want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToInstant(tt.in)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("ToInstant(%v) = %v, want %v", tt.in, got, tt.want)
			}
			if got != nil && !got.Equal(*tt.want) {
				t.Errorf("ToInstant(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestToInstantDateOnly(t *testing.T) {
	got := ToInstant("2024-03-01")
	if got == nil {
		t.Fatal("date-only string should parse")
	}
	if got.Year() != 2024 || got.Month() != 3 || got.Day() != 1 {
		t.Errorf("got %v", got)
	}
}

func TestCompare(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	older := now.Add(-time.Hour)
	newer := now.Add(time.Hour)

	tests := []struct {
		name string
		a, b *time.Time
		want int
	}{
		{name: "a before b", a: &older, b: &newer, want: -1},
		{name: "a after b", a: &newer, b: &older, want: 1},
		{name: "equal", a: &older, b: &older, want: 0},
		// nil compares as "now": an unknown timestamp is never stale against
		// a past one
		{name: "nil vs older", a: nil, b: &older, want: 1},
		{name: "older vs nil", a: &older, b: nil, want: -1},
		{name: "both nil", a: nil, b: nil, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b, now); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMax(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	older := now.Add(-time.Hour)
	newer := now.Add(time.Hour)

	if got := Max(&older, &newer, now); !got.Equal(newer) {
		t.Errorf("Max = %v, want %v", got, newer)
	}
	if got := Max(nil, &older, now); !got.Equal(now) {
		t.Errorf("Max with nil = %v, want now", got)
	}
}

func TestSameDay(t *testing.T) {
	a := ToInstant("2024-03-01T01:00:00Z")
	b := ToInstant("2024-03-01T23:59:59Z")
	c := ToInstant("2024-03-02T00:00:01Z")

	if !SameDay(a, b) {
		t.Error("same calendar day should match")
	}
	if SameDay(b, c) {
		t.Error("different days should not match")
	}
	if SameDay(nil, a) {
		t.Error("nil never matches")
	}
}
