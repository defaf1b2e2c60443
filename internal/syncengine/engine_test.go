package syncengine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/fieldlink/fieldlink-api/internal/authstore"
	"github.com/fieldlink/fieldlink-api/internal/conflict"
	"github.com/fieldlink/fieldlink-api/internal/docstore"
	"github.com/fieldlink/fieldlink-api/internal/entity"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine() (*Engine, *docstore.Memory, *authstore.Memory) {
	docs := docstore.NewMemory()
	docs.Now = func() time.Time { return testNow }
	accounts := authstore.NewMemory()
	e := New(docs, accounts)
	e.Now = func() time.Time { return testNow }
	return e, docs, accounts
}

func userRecord(id, email, updatedAt string) entity.Record {
	return entity.Record{
		"user_id":    id,
		"name":       "Ana",
		"email":      email,
		"role":       "volunteer",
		"updated_at": updatedAt,
	}
}

func registrationRecord(id, name string, age float64, gender, locationID, updatedAt string) entity.Record {
	return entity.Record{
		"registration_id": id,
		"user_id":         "u1",
		"person_name":     name,
		"age":             age,
		"gender":          gender,
		"location_id":     locationID,
		"updated_at":      updatedAt,
	}
}

func strategies(body map[string]any) []string {
	switch v := body["allowed_strategies"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, s.(string))
		}
		return out
	}
	return nil
}

func hasStrategy(body map[string]any, want string) bool {
	for _, s := range strategies(body) {
		if s == want {
			return true
		}
	}
	return false
}

func TestSyncCreatesFreshRecord(t *testing.T) {
	e, docs, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindUser)

	out := e.Sync(ctx, m, userRecord("u1", "ana@x.io", "2024-03-01T10:00:00Z"))
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", out.Status, out.Body)
	}
	if out.Body["isNewUser"] != true {
		t.Errorf("isNewUser = %v, want true", out.Body["isNewUser"])
	}

	stored, err := docs.Get(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if stored["updated_at"] != "2024-03-01T10:00:00Z" {
		t.Errorf("stored updated_at = %v, want client value", stored["updated_at"])
	}
}

func TestSyncStaleConflict(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindUser)

	if out := e.Sync(ctx, m, userRecord("u1", "ana@x.io", "2024-03-01T10:00:00Z")); out.Status != 200 {
		t.Fatalf("setup sync failed: %v", out.Body)
	}

	out := e.Sync(ctx, m, userRecord("u1", "ana@x.io", "2024-02-01T10:00:00Z"))
	if out.Status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", out.Status)
	}
	if out.Body["conflict_field"] != "updated_at" {
		t.Errorf("conflict_field = %v", out.Body["conflict_field"])
	}
	for _, s := range []string{"client_wins", "server_wins", "merge", "update_data"} {
		if !hasStrategy(out.Body, s) {
			t.Errorf("allowed_strategies missing %q: %v", s, strategies(out.Body))
		}
	}
	latest, ok := out.Body["latest_data"].(entity.Record)
	if !ok || latest["user_id"] != "u1" {
		t.Errorf("latest_data should carry the server copy: %v", out.Body["latest_data"])
	}
}

func TestSyncEqualTimestampIsNotStale(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindUser)

	e.Sync(ctx, m, userRecord("u1", "ana@x.io", "2024-03-01T10:00:00Z"))
	out := e.Sync(ctx, m, userRecord("u1", "ana@x.io", "2024-03-01T10:00:00Z"))
	if out.Status != http.StatusOK {
		t.Fatalf("duplicate push should be idempotent, got %d: %v", out.Status, out.Body)
	}
}

func TestSyncValidationFailure(t *testing.T) {
	e, _, _ := newTestEngine()
	m := entity.MustLookup(entity.KindUser)

	out := e.Sync(context.Background(), m, entity.Record{"user_id": "u1"})
	if out.Status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", out.Status)
	}
}

func TestRegistrationUniqueCollisionOnCreate(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindRegistration)

	// distinct locations and no contact keep the heuristic below threshold
	if out := e.Sync(ctx, m, registrationRecord("r1", "Ram", 40, "male", "l1", "2024-03-01T10:00:00Z")); out.Status != 200 {
		t.Fatalf("first registration failed: %v", out.Body)
	}

	out := e.Sync(ctx, m, registrationRecord("r2", "Ram", 40, "male", "l9", "2024-03-01T11:00:00Z"))
	if out.Status != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %v)", out.Status, out.Body)
	}
	if out.Body["conflict_type"] != "unique_constraint" {
		t.Errorf("conflict_type = %v", out.Body["conflict_type"])
	}
	got := strategies(out.Body)
	if len(got) != 1 || got[0] != "client_wins" {
		t.Errorf("create-path collision should only offer client_wins, got %v", got)
	}
}

func TestRegistrationAutoMergeOnCreate(t *testing.T) {
	e, docs, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindRegistration)

	first := registrationRecord("r1", "Ram", 40, "male", "l1", "2024-03-01T10:00:00Z")
	if out := e.Sync(ctx, m, first); out.Status != 200 {
		t.Fatalf("first registration failed: %v", out.Body)
	}

	// same person captured on a second device at the same location
	second := registrationRecord("r2", "Ram", 40, "male", "l1", "2024-03-01T11:00:00Z")
	second["notes"] = "second intake"
	out := e.Sync(ctx, m, second)
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d, want auto-merge 200 (body %v)", out.Status, out.Body)
	}
	if out.Body["resolved_as"] != "same_registration_detected" {
		t.Errorf("resolved_as = %v", out.Body["resolved_as"])
	}
	if out.Body["server_registration_id"] != "r1" {
		t.Errorf("server_registration_id = %v, want r1", out.Body["server_registration_id"])
	}

	merged, err := docs.Get(ctx, "registrations", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if merged["notes"] != "second intake" {
		t.Errorf("client fields should overlay on auto-merge: %v", merged["notes"])
	}
	if merged["registration_id"] != "r1" {
		t.Errorf("merged record keeps server key: %v", merged["registration_id"])
	}
	if _, err := docs.Get(ctx, "registrations", "r2"); err == nil {
		t.Error("no record should exist under the client key")
	}
}

func TestUpdatePathDuplicateReportsConflict(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindRegistration)

	e.Sync(ctx, m, registrationRecord("r1", "Ram", 40, "male", "l1", "2024-03-01T10:00:00Z"))
	e.Sync(ctx, m, registrationRecord("r2", "Sita", 30, "female", "l2", "2024-03-01T10:00:00Z"))

	// r2 is edited to look exactly like r1's person
	edit := registrationRecord("r2", "Ram", 40, "male", "l1", "2024-03-02T10:00:00Z")
	out := e.Sync(ctx, m, edit)
	if out.Status != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %v)", out.Status, out.Body)
	}
	if out.Body["conflict_type"] != "potential_duplicate_registration" {
		t.Errorf("conflict_type = %v", out.Body["conflict_type"])
	}
	got := strategies(out.Body)
	if len(got) != 3 || hasStrategy(out.Body, "update_data") {
		t.Errorf("duplicate on update offers exactly client_wins/server_wins/merge, got %v", got)
	}
	if out.Body["server_id"] != "r1" || out.Body["client_id"] != "r2" {
		t.Errorf("ids = %v / %v", out.Body["client_id"], out.Body["server_id"])
	}
}

func TestResolveMergeJoinsTaskStatus(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindTask)

	server := entity.Record{
		"task_id":    "t1",
		"created_by": "u1",
		"title":      "Restock ward",
		"status":     "in_progress",
		"updated_at": "2024-03-02T10:00:00Z",
	}
	if out := e.Sync(ctx, m, server); out.Status != 200 {
		t.Fatalf("setup failed: %v", out.Body)
	}

	clientData := entity.Record{
		"task_id":    "t1",
		"status":     "completed",
		"updated_at": "2024-03-01T10:00:00Z",
	}
	out := e.Resolve(ctx, m, "t1", conflict.Merge, clientData)
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d, body %v", out.Status, out.Body)
	}
	resolved := out.Body["resolvedData"].(entity.Record)
	if resolved["status"] != "completed" {
		t.Errorf("lattice join should pick completed, got %v", resolved["status"])
	}
	if out.Body["isNewTask"] != false {
		t.Errorf("isNewTask = %v, want false", out.Body["isNewTask"])
	}
}

func TestResolveSumQuantities(t *testing.T) {
	e, docs, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindSupply)

	server := entity.Record{
		"supply_id":   "s1",
		"user_id":     "u1",
		"item_name":   "Bandages",
		"quantity":    float64(5),
		"location_id": "l1",
		"updated_at":  "2024-03-01T10:00:00Z",
	}
	if out := e.Sync(ctx, m, server); out.Status != 200 {
		t.Fatalf("setup failed: %v", out.Body)
	}

	out := e.Resolve(ctx, m, "s1", conflict.SumQuantities, entity.Record{
		"supply_id": "s1",
		"quantity":  float64(3),
	})
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d, body %v", out.Status, out.Body)
	}
	resolved := out.Body["resolvedData"].(entity.Record)
	if q, _ := entity.GetNumber(resolved, "quantity"); q != 8 {
		t.Errorf("quantity = %v, want 8", q)
	}

	stored, _ := docs.Get(ctx, "supplies", "s1")
	if q, _ := entity.GetNumber(stored, "quantity"); q != 8 {
		t.Errorf("stored quantity = %v, want 8", q)
	}
}

func TestResolveAbsentAcceptsOnlyClientWins(t *testing.T) {
	e, docs, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindTask)

	out := e.Resolve(ctx, m, "t-missing", conflict.ServerWins, entity.Record{"task_id": "t-missing"})
	if out.Status != http.StatusBadRequest {
		t.Fatalf("server_wins without a server doc should be 400, got %d", out.Status)
	}
	got := strategies(out.Body)
	if len(got) != 1 || got[0] != "client_wins" {
		t.Errorf("allowed = %v, want [client_wins]", got)
	}

	out = e.Resolve(ctx, m, "t-missing", conflict.ClientWins, entity.Record{
		"task_id":    "t-missing",
		"created_by": "u1",
		"title":      "Recovered task",
		"updated_at": "2024-03-01T10:00:00Z",
	})
	if out.Status != http.StatusOK {
		t.Fatalf("client_wins create failed: %v", out.Body)
	}
	if out.Body["isNewTask"] != true {
		t.Errorf("isNewTask = %v, want true", out.Body["isNewTask"])
	}
	if _, err := docs.Get(ctx, "tasks", "t-missing"); err != nil {
		t.Errorf("record not created: %v", err)
	}
}

func TestResolveUnknownStrategy(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindTask)

	e.Sync(ctx, m, entity.Record{
		"task_id": "t1", "created_by": "u1", "title": "Restock",
		"updated_at": "2024-03-01T10:00:00Z",
	})
	out := e.Resolve(ctx, m, "t1", conflict.Strategy("coin_flip"), entity.Record{"task_id": "t1"})
	if out.Status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", out.Status)
	}
}

func TestResolveUpdateDataRechecksUniqueness(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindUser)

	e.Sync(ctx, m, userRecord("u1", "ana@x.io", "2024-03-01T10:00:00Z"))
	e.Sync(ctx, m, userRecord("u2", "bea@x.io", "2024-03-01T10:00:00Z"))

	out := e.Resolve(ctx, m, "u2", conflict.UpdateData, entity.Record{
		"user_id": "u2",
		"email":   "ana@x.io",
	})
	if out.Status != http.StatusConflict {
		t.Fatalf("update_data onto a taken email should 409, got %d: %v", out.Status, out.Body)
	}
	if out.Body["conflict_type"] != "unique_constraint" {
		t.Errorf("conflict_type = %v", out.Body["conflict_type"])
	}
}

func TestResolveCreateRechecksUniqueness(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindUser)

	e.Sync(ctx, m, userRecord("u1", "ana@x.io", "2024-03-01T10:00:00Z"))

	// another client inserted ana@x.io between the conflict report and the
	// resolve call
	out := e.Resolve(ctx, m, "u9", conflict.ClientWins, userRecord("u9", "ana@x.io", "2024-03-01T11:00:00Z"))
	if out.Status != http.StatusConflict {
		t.Fatalf("create-path resolve must re-check uniqueness, got %d: %v", out.Status, out.Body)
	}
}

func TestSyncNeverPersistsPlaintextPassword(t *testing.T) {
	e, docs, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindUser)

	rec := userRecord("u1", "ana@x.io", "2024-03-01T10:00:00Z")
	rec["password"] = "hunter22"
	if out := e.Sync(ctx, m, rec); out.Status != 200 {
		t.Fatalf("sync failed: %v", out.Body)
	}
	stored, _ := docs.Get(ctx, "users", "u1")
	if _, ok := stored["password"]; ok {
		t.Error("plaintext password persisted")
	}
}

func TestConcurrentSyncSameUniqueValue(t *testing.T) {
	e, docs, _ := newTestEngine()
	ctx := context.Background()
	m := entity.MustLookup(entity.KindLocation)

	mk := func(id string) entity.Record {
		return entity.Record{
			"location_id": id,
			"user_id":     "u1",
			"name":        "Field Hospital",
			"type":        "hospital",
			"updated_at":  "2024-03-01T10:00:00Z",
		}
	}

	done := make(chan Outcome, 2)
	go func() { done <- e.Sync(ctx, m, mk("l1")) }()
	go func() { done <- e.Sync(ctx, m, mk("l2")) }()
	a, b := <-done, <-done

	// the keyed lock serializes the probes: one create wins, the other is
	// auto-merged into it (identical name and type classify as same entity)
	oks := 0
	for _, out := range []Outcome{a, b} {
		if out.Status == http.StatusOK {
			oks++
		}
	}
	if oks != 2 {
		t.Fatalf("outcomes = %d/%d", a.Status, b.Status)
	}
	stored, _ := docs.List(ctx, "locations")
	if len(stored) != 1 {
		t.Errorf("expected a single location after racing creates, got %d", len(stored))
	}
}
