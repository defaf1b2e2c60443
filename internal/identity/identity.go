// Package identity classifies two records with distinct primary keys as the
// same real-world entity. Each kind's criteria are a table: a field list with
// comparators, a primary criterion, and a match-ratio threshold. The verdict
// only ever decides whether two rows get merged; it must never be used to
// grant access.
package identity

import (
	"math"
	"strings"

	"github.com/fieldlink/fieldlink-api/internal/entity"
	"github.com/fieldlink/fieldlink-api/internal/timeutil"
)

// Threshold is the match ratio at or above which two records are classified
// as the same entity even when the primary criterion does not hold.
const Threshold = 0.8

// Env carries the external hooks a heuristic may consult.
type Env struct {
	// PasswordMatches reports whether the client record's plaintext password
	// verifies against the server record's stored credential. It must go
	// through the auth store's hash-verify; plaintext or hashes are never
	// compared directly here. Nil disables the signal.
	PasswordMatches func(client, server entity.Record) bool
}

// Result explains a same-entity verdict.
type Result struct {
	Same       bool
	Primary    bool
	Matched    int
	Comparable int
	Score      float64
}

type comparator func(a, b any) bool

type field struct {
	name string
	cmp  comparator
}

type criteria struct {
	fields []field
	// primary receives per-field match verdicts for fields comparable on
	// both sides; absent fields are not in the map.
	primary func(match map[string]bool, env Env, client, server entity.Record) bool
}

func exact(a, b any) bool { return entity.Equal(a, b) }

func exactFold(a, b any) bool {
	return strings.EqualFold(strings.TrimSpace(entity.Stringify(a)), strings.TrimSpace(entity.Stringify(b)))
}

// nameContains folds case and whitespace, then accepts equality or
// containment either way, so "Dr. Ana Silva" matches "ana silva".
func nameContains(a, b any) bool {
	x := strings.ToLower(strings.TrimSpace(entity.Stringify(a)))
	y := strings.ToLower(strings.TrimSpace(entity.Stringify(b)))
	if x == "" || y == "" {
		return false
	}
	return x == y || strings.Contains(x, y) || strings.Contains(y, x)
}

// phoneLast10 compares the trailing ten digits, tolerating country codes and
// formatting.
func phoneLast10(a, b any) bool {
	x := digits(entity.Stringify(a))
	y := digits(entity.Stringify(b))
	if len(x) < 10 || len(y) < 10 {
		return x != "" && x == y
	}
	return x[len(x)-10:] == y[len(y)-10:]
}

func digits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func within(tolerance float64) comparator {
	return func(a, b any) bool {
		x, okA := entity.ToNumber(a)
		y, okB := entity.ToNumber(b)
		if !okA || !okB {
			return false
		}
		return math.Abs(x-y) <= tolerance
	}
}

func sameDay(a, b any) bool {
	return timeutil.SameDay(timeutil.ToInstant(a), timeutil.ToInstant(b))
}

// countTrue counts matches among the named fields.
func countTrue(match map[string]bool, names ...string) int {
	n := 0
	for _, f := range names {
		if match[f] {
			n++
		}
	}
	return n
}

var table = map[entity.Kind]criteria{
	entity.KindUser: {
		fields: []field{
			{"name", nameContains},
			{"role", exactFold},
			{"email", exactFold},
			{"phone_number", phoneLast10},
		},
		primary: func(match map[string]bool, env Env, client, server entity.Record) bool {
			cid, _ := entity.GetString(client, "user_id")
			sid, _ := entity.GetString(server, "user_id")
			if cid != "" && cid == sid {
				return true
			}
			return env.PasswordMatches != nil && env.PasswordMatches(client, server)
		},
	},
	entity.KindRegistration: {
		fields: []field{
			{"person_name", nameContains},
			{"age", within(1)},
			{"gender", exactFold},
			{"contact", phoneLast10},
			{"location_id", exact},
		},
		primary: func(match map[string]bool, _ Env, _, _ entity.Record) bool {
			return match["person_name"] && match["gender"] &&
				countTrue(match, "age", "contact", "location_id") >= 2
		},
	},
	entity.KindLocation: {
		fields: []field{
			{"name", nameContains},
			{"address", nameContains},
			{"type", exactFold},
			{"latitude", within(0.001)},
			{"longitude", within(0.001)},
		},
		primary: func(match map[string]bool, _ Env, _, _ entity.Record) bool {
			if !match["name"] {
				return false
			}
			return match["address"] || countTrue(match, "type", "latitude", "longitude") >= 2
		},
	},
	entity.KindTask: {
		fields: []field{
			{"title", nameContains},
			{"location_id", exact},
			{"created_by", exact},
			{"due_date", sameDay},
			{"priority", exactFold},
		},
		primary: func(match map[string]bool, _ Env, _, _ entity.Record) bool {
			return match["title"] &&
				countTrue(match, "location_id", "created_by", "due_date", "priority") >= 2
		},
	},
	entity.KindTaskAssignment: {
		fields: []field{
			{"task_id", exact},
			{"user_id", exact},
			{"assigned_by", exact},
			{"assigned_at", sameDay},
			{"status", exactFold},
		},
		primary: func(match map[string]bool, _ Env, _, _ entity.Record) bool {
			return match["task_id"] && match["user_id"]
		},
	},
	entity.KindSupply: {
		fields: []field{
			{"item_name", nameContains},
			{"barcode", exact},
			{"sku", exact},
			{"category", exactFold},
			{"unit", exactFold},
			{"location_id", exact},
		},
		primary: func(match map[string]bool, _ Env, _, _ entity.Record) bool {
			return match["barcode"] || match["sku"]
		},
	},
	// Alert and Notification carry no heuristic and are never auto-merged.
}

// IsSame applies the kind's same-entity criteria to a (client, server) pair.
// Kinds without criteria always report not-same.
func IsSame(m entity.Meta, client, server entity.Record, env Env) Result {
	c, ok := table[m.Kind]
	if !ok {
		return Result{}
	}

	match := make(map[string]bool, len(c.fields))
	comparable := 0
	matched := 0
	for _, f := range c.fields {
		if !entity.Present(client, f.name) || !entity.Present(server, f.name) {
			continue
		}
		comparable++
		ok := f.cmp(client[f.name], server[f.name])
		match[f.name] = ok
		if ok {
			matched++
		}
	}

	res := Result{Matched: matched, Comparable: comparable}
	if comparable > 0 {
		res.Score = float64(matched) / float64(comparable)
	}
	res.Primary = c.primary != nil && c.primary(match, env, client, server)
	res.Same = res.Primary || (comparable >= 2 && res.Score >= Threshold)
	return res
}

// AutoMerge builds the record written when a secondary-uniqueness collision
// is classified as the same entity: client fields overlay the server's, the
// server's primary key survives, and updated_at is stamped fresh.
func AutoMerge(m entity.Meta, client, server entity.Record, now string) entity.Record {
	out := entity.Clone(server)
	for k, v := range client {
		out[k] = v
	}
	out[m.PrimaryKey] = server[m.PrimaryKey]
	if v, ok := server["created_at"]; ok {
		out["created_at"] = v
	}
	out["updated_at"] = now
	return out
}
