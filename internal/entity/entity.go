// Package entity holds the per-kind metadata that drives the sync engine:
// primary keys, ownership, uniqueness constraints, merge-critical fields and
// status lattices. Adding a kind means adding a row here, not a branch in the
// engine.
package entity

// Kind names one of the synchronized record kinds.
type Kind string

const (
	KindUser           Kind = "user"
	KindRegistration   Kind = "registration"
	KindSupply         Kind = "supply"
	KindTask           Kind = "task"
	KindTaskAssignment Kind = "task-assignment"
	KindLocation       Kind = "location"
	KindAlert          Kind = "alert"
	KindNotification   Kind = "notification"
)

// Record is a client- or store-shaped document. Clients send open JSON
// objects; the engine never narrows them to structs so unknown fields
// round-trip untouched.
type Record = map[string]any

// Unique is a uniqueness constraint over one field or a tuple of fields.
// A tuple constraint only applies when every field carries a non-empty value.
type Unique struct {
	Fields []string
}

// Meta describes one record kind.
type Meta struct {
	Kind       Kind
	Collection string
	PrimaryKey string

	// OwnerField is the field referencing the owning user, empty for User
	// itself (the record is the owner).
	OwnerField string

	Uniques []Unique

	// CriticalFields only adopt the client value during merge when the client
	// copy is strictly newer and the values differ.
	CriticalFields []string

	// IdentityFields are preserved from the server copy by the update_data
	// strategy. Empty means update_data is not offered for this kind.
	IdentityFields []string

	// StatusField plus StatusRanks define the status lattice; merge joins to
	// the higher rank. Empty StatusField means no lattice.
	StatusField string
	StatusRanks map[string]int

	// TextFields get the text-append merge treatment.
	TextFields []string

	// QuantityField, when set, is merged by minimum unless an explicit
	// quantity strategy is requested.
	QuantityField string
}

var registry = map[Kind]Meta{
	KindUser: {
		Kind:           KindUser,
		Collection:     "users",
		PrimaryKey:     "user_id",
		Uniques:        []Unique{{Fields: []string{"email"}}, {Fields: []string{"phone_number"}}},
		CriticalFields: []string{"email", "role", "password_hash"},
		IdentityFields: []string{"email", "phone_number"},
	},
	KindRegistration: {
		Kind:           KindRegistration,
		Collection:     "registrations",
		PrimaryKey:     "registration_id",
		OwnerField:     "user_id",
		Uniques:        []Unique{{Fields: []string{"person_name", "age", "gender"}}},
		CriticalFields: []string{"person_name", "age", "gender", "status"},
		IdentityFields: []string{"person_name", "age", "gender"},
		StatusField:    "status",
		StatusRanks: map[string]int{
			"pending":     1,
			"in_progress": 2,
			"completed":   3,
			"transferred": 4,
			"discharged":  5,
		},
		TextFields: []string{"medical_history", "notes"},
	},
	KindSupply: {
		Kind:           KindSupply,
		Collection:     "supplies",
		PrimaryKey:     "supply_id",
		OwnerField:     "user_id",
		Uniques:        []Unique{{Fields: []string{"barcode"}}, {Fields: []string{"sku"}}},
		CriticalFields: []string{"item_name", "category", "unit", "expiry_date", "status"},
		QuantityField:  "quantity",
	},
	KindTask: {
		Kind:           KindTask,
		Collection:     "tasks",
		PrimaryKey:     "task_id",
		OwnerField:     "created_by",
		Uniques:        []Unique{{Fields: []string{"title", "location_id"}}},
		CriticalFields: []string{"title", "status"},
		StatusField:    "status",
		StatusRanks: map[string]int{
			"todo":        1,
			"pending":     1,
			"in_progress": 2,
			"review":      3,
			"completed":   4,
			"cancelled":   5,
		},
	},
	KindTaskAssignment: {
		Kind:           KindTaskAssignment,
		Collection:     "task_assignments",
		PrimaryKey:     "assignment_id",
		OwnerField:     "user_id",
		Uniques:        []Unique{{Fields: []string{"task_id", "user_id"}}},
		CriticalFields: []string{"status"},
		StatusField:    "status",
		StatusRanks: map[string]int{
			"assigned":    1,
			"accepted":    2,
			"in_progress": 3,
			"completed":   4,
			"rejected":    5,
			"declined":    5,
		},
		TextFields: []string{"notes"},
	},
	KindLocation: {
		Kind:           KindLocation,
		Collection:     "locations",
		PrimaryKey:     "location_id",
		OwnerField:     "user_id",
		Uniques:        []Unique{{Fields: []string{"name"}}},
		CriticalFields: []string{"name", "type"},
		IdentityFields: []string{"name"},
	},
	KindAlert: {
		Kind:           KindAlert,
		Collection:     "alerts",
		PrimaryKey:     "alert_id",
		OwnerField:     "user_id",
		CriticalFields: []string{"type", "priority", "is_active"},
	},
	KindNotification: {
		Kind:           KindNotification,
		Collection:     "notifications",
		PrimaryKey:     "notification_id",
		OwnerField:     "user_id",
	},
}

// Lookup returns the metadata for a kind.
func Lookup(k Kind) (Meta, bool) {
	m, ok := registry[k]
	return m, ok
}

// MustLookup panics on an unknown kind; use only with compile-time constants.
func MustLookup(k Kind) Meta {
	m, ok := registry[k]
	if !ok {
		panic("entity: unknown kind " + string(k))
	}
	return m
}

// Kinds returns every registered kind in stable order.
func Kinds() []Kind {
	return []Kind{
		KindUser,
		KindRegistration,
		KindSupply,
		KindTask,
		KindTaskAssignment,
		KindLocation,
		KindAlert,
		KindNotification,
	}
}

// FromPath resolves a URL path segment (e.g. "task-assignment") to a kind.
func FromPath(seg string) (Meta, bool) {
	m, ok := registry[Kind(seg)]
	return m, ok
}

// HasLattice reports whether the kind has a status lattice.
func (m Meta) HasLattice() bool { return m.StatusField != "" && len(m.StatusRanks) > 0 }

// IsTextField reports whether f takes the text-append merge.
func (m Meta) IsTextField(f string) bool {
	for _, t := range m.TextFields {
		if t == f {
			return true
		}
	}
	return false
}

// IsCritical reports whether f is merge-critical for this kind.
func (m Meta) IsCritical(f string) bool {
	for _, c := range m.CriticalFields {
		if c == f {
			return true
		}
	}
	return false
}
