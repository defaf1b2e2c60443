// Package validate holds the pure per-kind record validators. Every sync
// payload is an open JSON object, so validation works on fields, not structs.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fieldlink/fieldlink-api/internal/entity"
	"github.com/fieldlink/fieldlink-api/internal/timeutil"
)

// FieldError reports the first field that failed validation and why.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRe = regexp.MustCompile(`^\+?[0-9 \-]+$`)
)

// Email reports whether s is a plausible email address.
func Email(s string) bool {
	return emailRe.MatchString(strings.TrimSpace(s))
}

// Phone accepts '+', digits, spaces and dashes totalling 10-15 digits.
func Phone(s string) bool {
	s = strings.TrimSpace(s)
	if !phoneRe.MatchString(s) {
		return false
	}
	digits := 0
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits++
		}
	}
	return digits >= 10 && digits <= 15
}

type rule func(entity.Record) *FieldError

func required(fields ...string) rule {
	return func(r entity.Record) *FieldError {
		for _, f := range fields {
			if !entity.Present(r, f) {
				return &FieldError{Field: f, Reason: "required"}
			}
		}
		return nil
	}
}

func email(field string, optional bool) rule {
	return func(r entity.Record) *FieldError {
		s, ok := entity.GetString(r, field)
		if !ok || strings.TrimSpace(s) == "" {
			if optional {
				return nil
			}
			return &FieldError{Field: field, Reason: "required"}
		}
		if !Email(s) {
			return &FieldError{Field: field, Reason: "invalid email format"}
		}
		return nil
	}
}

func phone(field string) rule {
	return func(r entity.Record) *FieldError {
		s, ok := entity.GetString(r, field)
		if !ok || strings.TrimSpace(s) == "" {
			return nil
		}
		if !Phone(s) {
			return &FieldError{Field: field, Reason: "invalid phone number"}
		}
		return nil
	}
}

func strLen(field string, min, max int, optional bool) rule {
	return func(r entity.Record) *FieldError {
		s, ok := entity.GetString(r, field)
		if !ok || strings.TrimSpace(s) == "" {
			if optional {
				return nil
			}
			return &FieldError{Field: field, Reason: "required"}
		}
		n := len(strings.TrimSpace(s))
		if n < min || n > max {
			return &FieldError{Field: field, Reason: fmt.Sprintf("length must be %d-%d characters", min, max)}
		}
		return nil
	}
}

func intRange(field string, min, max float64, optional bool) rule {
	return func(r entity.Record) *FieldError {
		if !entity.Present(r, field) {
			if optional {
				return nil
			}
			return &FieldError{Field: field, Reason: "required"}
		}
		n, ok := entity.GetNumber(r, field)
		if !ok {
			return &FieldError{Field: field, Reason: "must be a number"}
		}
		if n != float64(int64(n)) {
			return &FieldError{Field: field, Reason: "must be an integer"}
		}
		if n < min || n > max {
			return &FieldError{Field: field, Reason: fmt.Sprintf("must be between %d and %d", int64(min), int64(max))}
		}
		return nil
	}
}

func nonNegative(field string) rule {
	return func(r entity.Record) *FieldError {
		if !entity.Present(r, field) {
			return &FieldError{Field: field, Reason: "required"}
		}
		n, ok := entity.GetNumber(r, field)
		if !ok {
			return &FieldError{Field: field, Reason: "must be a number"}
		}
		if n < 0 {
			return &FieldError{Field: field, Reason: "must not be negative"}
		}
		return nil
	}
}

// enum matches case-insensitively; the stored value keeps the client's case.
func enum(field string, optional bool, allowed ...string) rule {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(a)] = struct{}{}
	}
	joined := strings.Join(allowed, ", ")
	return func(r entity.Record) *FieldError {
		s, ok := entity.GetString(r, field)
		if !ok || strings.TrimSpace(s) == "" {
			if optional {
				return nil
			}
			return &FieldError{Field: field, Reason: "required"}
		}
		if _, found := set[strings.ToLower(strings.TrimSpace(s))]; !found {
			return &FieldError{Field: field, Reason: "must be one of: " + joined}
		}
		return nil
	}
}

// coordinates enforces both-or-neither plus range bounds.
func coordinates(latField, lonField string) rule {
	return func(r entity.Record) *FieldError {
		hasLat := entity.Present(r, latField)
		hasLon := entity.Present(r, lonField)
		if hasLat != hasLon {
			return &FieldError{Field: latField, Reason: "latitude and longitude must both be present or both absent"}
		}
		if !hasLat {
			return nil
		}
		lat, ok := entity.GetNumber(r, latField)
		if !ok || lat < -90 || lat > 90 {
			return &FieldError{Field: latField, Reason: "must be between -90 and 90"}
		}
		lon, ok := entity.GetNumber(r, lonField)
		if !ok || lon < -180 || lon > 180 {
			return &FieldError{Field: lonField, Reason: "must be between -180 and 180"}
		}
		return nil
	}
}

func timestamp(field string, optional bool) rule {
	return func(r entity.Record) *FieldError {
		v, ok := r[field]
		if !ok || v == nil {
			if optional {
				return nil
			}
			return &FieldError{Field: field, Reason: "required"}
		}
		if timeutil.ToInstant(v) == nil {
			return &FieldError{Field: field, Reason: "unparseable timestamp"}
		}
		return nil
	}
}

var rulesByKind = map[entity.Kind][]rule{
	entity.KindUser: {
		required("user_id"),
		strLen("name", 2, 100, false),
		email("email", false),
		phone("phone_number"),
		enum("role", false, "admin", "fieldworker", "volunteer", "coordinator"),
		timestamp("updated_at", false),
	},
	entity.KindRegistration: {
		required("registration_id", "user_id", "location_id"),
		strLen("person_name", 2, 100, false),
		intRange("age", 0, 150, false),
		enum("gender", false, "male", "female", "other", "prefer_not_to_say"),
		enum("status", true, "pending", "in_progress", "completed", "transferred", "discharged"),
		phone("contact"),
		timestamp("updated_at", false),
	},
	entity.KindSupply: {
		required("supply_id", "user_id", "location_id"),
		strLen("item_name", 2, 100, false),
		nonNegative("quantity"),
		enum("status", true, "active", "expired", "used"),
		timestamp("expiry_date", true),
		timestamp("updated_at", false),
	},
	entity.KindTask: {
		required("task_id", "created_by"),
		strLen("title", 2, 100, false),
		enum("status", true, "todo", "pending", "in_progress", "review", "completed", "cancelled"),
		enum("priority", true, "low", "normal", "high"),
		timestamp("due_date", true),
		timestamp("updated_at", false),
	},
	entity.KindTaskAssignment: {
		required("assignment_id", "task_id", "user_id"),
		enum("status", true, "assigned", "accepted", "in_progress", "completed", "rejected", "declined"),
		timestamp("assigned_at", true),
		timestamp("completed_at", true),
		timestamp("updated_at", false),
	},
	entity.KindLocation: {
		required("location_id", "user_id"),
		strLen("name", 2, 100, false),
		enum("type", false, "hospital", "clinic", "pharmacy", "laboratory", "emergency", "other"),
		coordinates("latitude", "longitude"),
		timestamp("updated_at", false),
	},
	entity.KindAlert: {
		required("alert_id", "user_id", "type", "location_id", "description"),
		enum("priority", true, "low", "normal", "high"),
		enum("sent_via", true, "app", "sms", "email"),
		timestamp("updated_at", false),
	},
	entity.KindNotification: {
		required("notification_id", "user_id", "title"),
		timestamp("updated_at", false),
	},
}

// Record validates a sync payload for the given kind and returns the first
// violation, or nil when the record is acceptable.
func Record(kind entity.Kind, r entity.Record) *FieldError {
	rules, ok := rulesByKind[kind]
	if !ok {
		return &FieldError{Field: "kind", Reason: "unknown entity kind"}
	}
	for _, check := range rules {
		if err := check(r); err != nil {
			return err
		}
	}
	return nil
}
