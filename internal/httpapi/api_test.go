package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kennelworks.org/internal/audit"
	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/config"
	"kennelworks.org/internal/crud"
	"kennelworks.org/internal/kennel"
	"kennelworks.org/internal/mfa"
	"kennelworks.org/internal/override"
	"kennelworks.org/internal/store/memory"
)

type testEnv struct {
	api     *API
	handler http.Handler
	users   *memory.Users
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"

	backend := memory.NewBackend()
	users := memory.NewUsers(backend)
	recorder, err := audit.NewRecorder(memory.NewAuditStore(backend))
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	tokens, err := override.NewService(memory.NewTokenStore(backend), recorder, backend)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	guard, err := mfa.NewGuard(users, nil)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}

	api := New(cfg, Deps{Users: users, Guard: guard, Tokens: tokens, Version: "test"})

	pets, err := crud.New(crud.Config[kennel.Pet]{
		EntityType:   "pet",
		Repo:         memory.NewCollection[kennel.Pet](backend, "pet", "ownerId"),
		Policy:       authz.PetPolicy{},
		Tokens:       tokens,
		Audits:       recorder,
		Tx:           backend,
		RedactFields: kennel.PetRedactFields,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	Register(api, "pets", pets, mfa.ClassRegular)

	return &testEnv{api: api, handler: api.Handler(), users: users}
}

func (e *testEnv) seedUser(t *testing.T, u kennel.User, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u.PasswordHash = string(hash)
	if u.Status == "" {
		u.Status = kennel.UserStatusActive
	}
	if _, err := e.users.Insert(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", u.ID, err)
	}
}

func (e *testEnv) bearer(t *testing.T, userID string) string {
	t.Helper()
	user, err := e.users.Find(context.Background(), userID)
	if err != nil {
		t.Fatalf("find user %s: %v", userID, err)
	}
	token, _, err := e.api.issueJWT(user)
	if err != nil {
		t.Fatalf("issue jwt: %v", err)
	}
	return "Bearer " + token
}

func (e *testEnv) do(t *testing.T, method, path, auth string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth != "" {
		req.Header.Set(authHeader, auth)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func freshMFAUser(id, email, role string) kennel.User {
	now := time.Now().UTC()
	return kennel.User{
		ID:            id,
		Email:         email,
		Role:          role,
		TOTPEnabled:   true,
		MFAVerifiedAt: &now,
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["version"] != "test" || body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, kennel.User{ID: "u1", Email: "admin@kennelworks.org", Role: "ADMIN"}, "s3cret")
	env.seedUser(t, kennel.User{ID: "u2", Email: "gone@kennelworks.org", Role: "STAFF", Status: kennel.UserStatusDisabled}, "s3cret")

	rec, body := env.do(t, http.MethodPost, "/v1/auth/token", "",
		map[string]any{"email": "admin@kennelworks.org", "password": "s3cret"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %v", rec.Code, body)
	}
	if tok, _ := body["accessToken"].(string); tok == "" {
		t.Fatalf("no access token: %v", body)
	}
	if body["tokenType"] != "Bearer" {
		t.Fatalf("tokenType = %v", body["tokenType"])
	}

	for name, req := range map[string]map[string]any{
		"wrong password": {"email": "admin@kennelworks.org", "password": "nope"},
		"unknown email":  {"email": "nobody@kennelworks.org", "password": "s3cret"},
		"disabled user":  {"email": "gone@kennelworks.org", "password": "s3cret"},
	} {
		rec, body := env.do(t, http.MethodPost, "/v1/auth/token", "", req, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d", name, rec.Code)
		}
		if body["error"] != "invalid credentials" {
			t.Errorf("%s: error = %v", name, body["error"])
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, freshMFAUser("a1", "admin@kennelworks.org", "ADMIN"), "s3cret")

	rec, _ := env.do(t, http.MethodGet, "/v1/pets", "", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodGet, "/v1/pets", "Bearer garbage", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodGet, "/v1/pets", "Basic dXNlcjpwYXNz", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong scheme: status = %d", rec.Code)
	}

	auth := env.bearer(t, "a1")
	rec, _ = env.do(t, http.MethodGet, "/v1/pets", auth, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d", rec.Code)
	}

	// Tokens of users that no longer resolve are rejected even when the
	// signature still verifies.
	ghost := env.bearer(t, "a1")
	if err := env.users.Delete(context.Background(), "a1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	rec, _ = env.do(t, http.MethodGet, "/v1/pets", ghost, nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("deleted user token: status = %d", rec.Code)
	}
}

func TestPetLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, freshMFAUser("a1", "admin@kennelworks.org", "ADMIN"), "s3cret")
	auth := env.bearer(t, "a1")

	rec, body := env.do(t, http.MethodPost, "/v1/pets", auth,
		map[string]any{"name": "Biscuit", "ownerId": "c1", "species": "dog"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d body = %v", rec.Code, body)
	}
	if body["success"] != true {
		t.Fatalf("create body = %v", body)
	}
	if auditID, _ := body["auditId"].(string); auditID == "" {
		t.Fatalf("no audit id in %v", body)
	}
	data := body["data"].(map[string]any)
	id := data["id"].(string)

	rec, body = env.do(t, http.MethodGet, "/v1/pets/"+id, auth, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: status = %d body = %v", rec.Code, body)
	}
	if body["data"].(map[string]any)["name"] != "Biscuit" {
		t.Fatalf("read body = %v", body)
	}

	rec, body = env.do(t, http.MethodPut, "/v1/pets/"+id, auth,
		map[string]any{"name": "Rex"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d body = %v", rec.Code, body)
	}
	if body["data"].(map[string]any)["name"] != "Rex" {
		t.Fatalf("update body = %v", body)
	}

	rec, _ = env.do(t, http.MethodDelete, "/v1/pets/"+id, auth, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}

	rec, body = env.do(t, http.MethodGet, "/v1/pets/"+id, auth, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("read after delete: status = %d", rec.Code)
	}
	if body["error"] != "Entity not found" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestCustomerListScoping(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, freshMFAUser("a1", "admin@kennelworks.org", "ADMIN"), "s3cret")
	env.seedUser(t, kennel.User{ID: "c1", Email: "c1@kennelworks.org", Role: "CUSTOMER"}, "s3cret")
	admin := env.bearer(t, "a1")

	for i, owner := range []string{"c1", "c1", "c2"} {
		rec, body := env.do(t, http.MethodPost, "/v1/pets", admin,
			map[string]any{"name": fmt.Sprintf("pet-%d", i), "ownerId": owner, "species": "dog"}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed pet %d: status = %d body = %v", i, rec.Code, body)
		}
	}

	customer := env.bearer(t, "c1")
	rec, body := env.do(t, http.MethodGet, "/v1/pets", customer, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d body = %v", rec.Code, body)
	}
	items := body["items"].([]any)
	if len(items) != 2 || body["total"] != float64(2) {
		t.Fatalf("customer sees %d pets, total %v", len(items), body["total"])
	}
	for _, it := range items {
		if it.(map[string]any)["ownerId"] != "c1" {
			t.Fatalf("foreign pet leaked: %v", it)
		}
	}

	// Customers mutate their own pets without the MFA guard.
	rec, body = env.do(t, http.MethodPost, "/v1/pets", customer,
		map[string]any{"name": "Mine", "ownerId": "c1", "species": "cat"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("customer create: status = %d body = %v", rec.Code, body)
	}
}

func TestStaleMFABlocksMutationsUntilVerify(t *testing.T) {
	env := newTestEnv(t)
	old := time.Now().UTC().Add(-48 * time.Hour)
	env.seedUser(t, kennel.User{
		ID: "s1", Email: "staff@kennelworks.org", Role: "STAFF",
		TOTPEnabled: true, MFAVerifiedAt: &old,
	}, "s3cret")
	auth := env.bearer(t, "s1")

	rec, body := env.do(t, http.MethodPost, "/v1/pets", auth,
		map[string]any{"name": "Biscuit", "ownerId": "c1", "species": "dog"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stale mutation: status = %d body = %v", rec.Code, body)
	}
	if body["code"] != mfa.CodeStale {
		t.Fatalf("code = %v", body["code"])
	}

	// Privileged reads are gated at regular freshness as well.
	rec, body = env.do(t, http.MethodGet, "/v1/pets", auth, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stale list: status = %d body = %v", rec.Code, body)
	}
	if body["code"] != mfa.CodeStale {
		t.Fatalf("stale list code = %v", body["code"])
	}

	rec, body = env.do(t, http.MethodPost, "/v1/mfa/challenge", auth, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("challenge: status = %d body = %v", rec.Code, body)
	}
	challenge := body["challenge"].(string)

	rec, _ = env.do(t, http.MethodPost, "/v1/mfa/verify", auth,
		map[string]any{"challenge": challenge}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: status = %d", rec.Code)
	}

	rec, body = env.do(t, http.MethodPost, "/v1/pets", auth,
		map[string]any{"name": "Biscuit", "ownerId": "c1", "species": "dog"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("post-verify mutation: status = %d body = %v", rec.Code, body)
	}
	rec, _ = env.do(t, http.MethodGet, "/v1/pets", auth, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("post-verify list: status = %d", rec.Code)
	}
}

func TestStaleMFABlocksPrivilegedRead(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, freshMFAUser("a1", "admin@kennelworks.org", "ADMIN"), "s3cret")
	admin := env.bearer(t, "a1")
	rec, body := env.do(t, http.MethodPost, "/v1/pets", admin,
		map[string]any{"name": "Biscuit", "ownerId": "c1", "species": "dog"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed pet: status = %d body = %v", rec.Code, body)
	}
	id := body["data"].(map[string]any)["id"].(string)

	old := time.Now().UTC().Add(-48 * time.Hour)
	env.seedUser(t, kennel.User{
		ID: "s1", Email: "staff@kennelworks.org", Role: "STAFF",
		TOTPEnabled: true, MFAVerifiedAt: &old,
	}, "s3cret")
	staff := env.bearer(t, "s1")

	rec, body = env.do(t, http.MethodGet, "/v1/pets/"+id, staff, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stale read: status = %d body = %v", rec.Code, body)
	}
	if body["code"] != mfa.CodeStale {
		t.Fatalf("code = %v", body["code"])
	}

	// Customers are exempt from the guard; policy scopes what they see.
	env.seedUser(t, kennel.User{ID: "c1", Email: "c1@kennelworks.org", Role: "CUSTOMER"}, "s3cret")
	customer := env.bearer(t, "c1")
	rec, _ = env.do(t, http.MethodGet, "/v1/pets/"+id, customer, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("customer read: status = %d", rec.Code)
	}
}

func TestNotEnrolledBlocked(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, kennel.User{ID: "s1", Email: "staff@kennelworks.org", Role: "STAFF"}, "s3cret")
	auth := env.bearer(t, "s1")

	rec, body := env.do(t, http.MethodPost, "/v1/pets", auth,
		map[string]any{"name": "Biscuit", "ownerId": "c1", "species": "dog"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
	if body["code"] != mfa.CodeNotEnrolled {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestOverrideTokenRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, freshMFAUser("a1", "admin@kennelworks.org", "ADMIN"), "s3cret")
	env.seedUser(t, freshMFAUser("s1", "staff@kennelworks.org", "STAFF"), "s3cret")
	admin := env.bearer(t, "a1")
	staff := env.bearer(t, "s1")

	rec, body := env.do(t, http.MethodPost, "/v1/override-tokens", staff,
		map[string]any{"scope": "REFUND"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("staff issue: status = %d", rec.Code)
	}
	if body["error"] != "Insufficient permissions" {
		t.Fatalf("staff issue error = %v", body["error"])
	}

	rec, body = env.do(t, http.MethodPost, "/v1/override-tokens", admin,
		map[string]any{"scope": "NOT_A_SCOPE"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad scope: status = %d body = %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodPost, "/v1/override-tokens", admin,
		map[string]any{"scope": "REFUND", "expiresInMinutes": 10}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue: status = %d body = %v", rec.Code, body)
	}
	token := body["token"].(string)
	if token == "" || body["scope"] != "REFUND" {
		t.Fatalf("issue body = %v", body)
	}

	rec, _ = env.do(t, http.MethodPost, "/v1/override-tokens/revoke", admin,
		map[string]any{"token": "no-such-token"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("revoke unknown: status = %d", rec.Code)
	}

	rec, body = env.do(t, http.MethodPost, "/v1/override-tokens/revoke", admin,
		map[string]any{"token": token}, nil)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("revoke: status = %d body = %v", rec.Code, body)
	}
}

func TestStatusForFailure(t *testing.T) {
	cases := map[string]int{
		crud.MsgNotFound:           http.StatusNotFound,
		crud.MsgInvalidInput:       http.StatusBadRequest,
		crud.MsgInvalidToken:       http.StatusForbidden,
		"Insufficient permissions": http.StatusForbidden,
	}
	for msg, want := range cases {
		if got := statusForFailure(msg); got != want {
			t.Errorf("statusForFailure(%q) = %d, want %d", msg, got, want)
		}
	}
}

func TestResourcePathValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, freshMFAUser("a1", "admin@kennelworks.org", "ADMIN"), "s3cret")
	auth := env.bearer(t, "a1")

	rec, _ := env.do(t, http.MethodGet, "/v1/pets/a/b", auth, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("nested path: status = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPatch, "/v1/pets", auth, nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("bad collection method: status = %d", rec.Code)
	}
	if rec.Header().Get("Allow") == "" {
		t.Fatal("missing Allow header")
	}
}
