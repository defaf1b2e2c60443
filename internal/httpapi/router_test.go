package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fieldlink/fieldlink-api/internal/auth"
	"github.com/fieldlink/fieldlink-api/internal/authflow"
	"github.com/fieldlink/fieldlink-api/internal/authstore"
	"github.com/fieldlink/fieldlink-api/internal/docstore"
	"github.com/fieldlink/fieldlink-api/internal/entity"
	"github.com/fieldlink/fieldlink-api/internal/mail"
	"github.com/fieldlink/fieldlink-api/internal/syncengine"
)

type testEnv struct {
	ts     *httptest.Server
	docs   *docstore.Memory
	mailer *mail.Log
	jwt    auth.JWTCfg
}

func newTestEnv(t *testing.T, devMode bool) *testEnv {
	t.Helper()
	docs := docstore.NewMemory()
	accounts := authstore.NewMemory()
	mailer := &mail.Log{}
	jwtCfg := auth.JWTCfg{HS256Secret: "test-secret", DevMode: devMode}

	srv := &Server{
		Engine: syncengine.New(docs, accounts),
		Flow:   authflow.New(docs, accounts, mailer, jwtCfg),
		Docs:   docs,
	}
	ts := httptest.NewServer(srv.Routes(jwtCfg))
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, docs: docs, mailer: mailer, jwt: jwtCfg}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func (e *testEnv) registerAndLogin(t *testing.T, email string) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/api/register", "", map[string]any{
		"name": "Ana Silva", "email": email, "password": "hunter22", "role": "coordinator",
	})
	if code != http.StatusCreated {
		t.Fatalf("register = %d: %v", code, body)
	}
	code, body = e.do(t, http.MethodPost, "/api/login", "", map[string]any{
		"email": email, "password": "hunter22",
	})
	if code != http.StatusOK {
		t.Fatalf("login = %d: %v", code, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, false)
	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRegisterLoginProtected(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.registerAndLogin(t, "ana@field.io")

	code, body := env.do(t, http.MethodGet, "/api/test-protected", token, nil)
	if code != http.StatusOK {
		t.Fatalf("test-protected = %d: %v", code, body)
	}
	if body["email"] != "ana@field.io" || body["role"] != "coordinator" {
		t.Errorf("claims = %v", body)
	}

	if code, _ := env.do(t, http.MethodGet, "/api/test-protected", "", nil); code != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/test-protected", "garbage", nil); code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", code)
	}
}

func TestUserSyncIsOpenForEnrollment(t *testing.T) {
	env := newTestEnv(t, false)

	code, body := env.do(t, http.MethodPost, "/api/sync/user", "", map[string]any{
		"user_id":    "u1",
		"name":       "Ana",
		"email":      "ana@field.io",
		"role":       "volunteer",
		"updated_at": "2024-03-01T10:00:00Z",
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d: %v", code, body)
	}
	if body["isNewUser"] != true {
		t.Errorf("isNewUser = %v", body["isNewUser"])
	}
}

func TestEntitySyncRequiresAuth(t *testing.T) {
	env := newTestEnv(t, false)
	code, _ := env.do(t, http.MethodPost, "/api/sync/task", "", map[string]any{"task_id": "t1"})
	if code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", code)
	}
}

func TestSyncUnknownKind(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.registerAndLogin(t, "ana@field.io")

	code, _ := env.do(t, http.MethodPost, "/api/sync/widget", token, map[string]any{})
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestSyncConflictAndResolveOverHTTP(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.registerAndLogin(t, "ana@field.io")

	task := map[string]any{
		"task_id":    "t1",
		"created_by": "u1",
		"title":      "Restock ward",
		"status":     "in_progress",
		"updated_at": "2024-03-02T10:00:00Z",
	}
	if code, body := env.do(t, http.MethodPost, "/api/sync/task", token, task); code != http.StatusOK {
		t.Fatalf("initial sync = %d: %v", code, body)
	}

	stale := map[string]any{
		"task_id":    "t1",
		"created_by": "u1",
		"title":      "Restock ward",
		"status":     "completed",
		"updated_at": "2024-03-01T10:00:00Z",
	}
	code, body := env.do(t, http.MethodPost, "/api/sync/task", token, stale)
	if code != http.StatusConflict {
		t.Fatalf("stale sync = %d: %v", code, body)
	}
	if body["conflict_field"] != "updated_at" {
		t.Errorf("conflict_field = %v", body["conflict_field"])
	}
	if _, ok := body["allowed_strategies"].([]any); !ok {
		t.Errorf("allowed_strategies missing: %v", body)
	}

	code, body = env.do(t, http.MethodPost, "/api/sync/task/resolve-conflict", token, map[string]any{
		"task_id":    "t1",
		"strategy":   "merge",
		"clientData": stale,
	})
	if code != http.StatusOK {
		t.Fatalf("resolve = %d: %v", code, body)
	}
	resolved, ok := body["resolvedData"].(map[string]any)
	if !ok {
		t.Fatalf("resolvedData missing: %v", body)
	}
	if resolved["status"] != "completed" {
		t.Errorf("merged status = %v, want completed", resolved["status"])
	}
}

func TestResolveAcceptsLegacyStrategyKey(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.registerAndLogin(t, "ana@field.io")

	code, body := env.do(t, http.MethodPost, "/api/sync/task/resolve-conflict", token, map[string]any{
		"resolution_strategy": "client_wins",
		"clientData": map[string]any{
			"task_id":    "t9",
			"created_by": "u1",
			"title":      "Recovered",
			"updated_at": "2024-03-01T10:00:00Z",
		},
	})
	if code != http.StatusOK {
		t.Fatalf("resolve = %d: %v", code, body)
	}
	if body["isNewTask"] != true {
		t.Errorf("isNewTask = %v", body["isNewTask"])
	}
}

func TestResolveMissingStrategy(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.registerAndLogin(t, "ana@field.io")

	code, _ := env.do(t, http.MethodPost, "/api/sync/task/resolve-conflict", token, map[string]any{
		"task_id": "t1",
	})
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestDownSync(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.registerAndLogin(t, "ana@field.io")
	ctx := context.Background()

	seed := []entity.Record{
		{"supply_id": "s1", "user_id": "u1", "item_name": "Bandages", "quantity": float64(5), "location_id": "l1", "updated_at": "2024-03-01T10:00:00Z"},
		{"supply_id": "s2", "user_id": "u2", "item_name": "Gauze", "quantity": float64(3), "location_id": "l1", "updated_at": "2024-03-01T10:00:00Z"},
	}
	for _, rec := range seed {
		if err := env.docs.Set(ctx, "supplies", rec["supply_id"].(string), rec); err != nil {
			t.Fatal(err)
		}
	}

	code, body := env.do(t, http.MethodGet, "/api/down-sync/supply", token, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d: %v", code, body)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}

	code, body = env.do(t, http.MethodGet, "/api/down-sync/supply?user_id=u1", token, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d: %v", code, body)
	}
	if body["count"] != float64(1) {
		t.Errorf("filtered count = %v, want 1", body["count"])
	}
	items := body["items"].([]any)
	if first := items[0].(map[string]any); first["supply_id"] != "s1" {
		t.Errorf("items = %v", items)
	}
}

func TestPasswordResetFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, false)
	env.registerAndLogin(t, "ana@field.io")

	code, body := env.do(t, http.MethodPost, "/api/forgot-password", "", map[string]any{
		"email": "ana@field.io",
	})
	if code != http.StatusOK {
		t.Fatalf("forgot-password = %d: %v", code, body)
	}
	if len(env.mailer.Sent) != 1 {
		t.Fatalf("mails sent = %d, want 1", len(env.mailer.Sent))
	}

	rec, err := env.docs.Get(context.Background(), "password_resets", "ana@field.io")
	if err != nil {
		t.Fatal(err)
	}
	otp, _ := entity.GetNumber(rec, "otp")

	if code, _ := env.do(t, http.MethodPost, "/api/verify-otp", "", map[string]any{
		"email": "ana@field.io", "otp": int(otp) + 1,
	}); code != http.StatusBadRequest {
		t.Errorf("wrong otp = %d, want 400", code)
	}
	if code, body := env.do(t, http.MethodPost, "/api/verify-otp", "", map[string]any{
		"email": "ana@field.io", "otp": int(otp),
	}); code != http.StatusOK {
		t.Errorf("verify-otp = %d: %v", code, body)
	}

	if code, body := env.do(t, http.MethodPost, "/api/reset-password", "", map[string]any{
		"email": "ana@field.io", "password": "newpass1", "confirm_password": "newpass1",
	}); code != http.StatusOK {
		t.Fatalf("reset-password = %d: %v", code, body)
	}

	if code, _ := env.do(t, http.MethodPost, "/api/login", "", map[string]any{
		"email": "ana@field.io", "password": "hunter22",
	}); code != http.StatusUnauthorized {
		t.Errorf("old password still accepted: %d", code)
	}
	if code, body := env.do(t, http.MethodPost, "/api/login", "", map[string]any{
		"email": "ana@field.io", "password": "newpass1",
	}); code != http.StatusOK {
		t.Errorf("new password rejected: %d %v", code, body)
	}
}

func TestDevModeDebugSub(t *testing.T) {
	env := newTestEnv(t, true)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/test-protected", nil)
	req.Header.Set("X-Debug-Sub", "debug-user")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["uid"] != "debug-user" || body["role"] != "admin" {
		t.Errorf("claims = %v", body)
	}

	// the bypass must be off outside dev mode
	prod := newTestEnv(t, false)
	req, _ = http.NewRequest(http.MethodGet, prod.ts.URL+"/api/test-protected", nil)
	req.Header.Set("X-Debug-Sub", "debug-user")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("prod bypass = %d, want 401", resp2.StatusCode)
	}
}
