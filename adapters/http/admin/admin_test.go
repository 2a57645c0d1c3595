package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/adapters/hasher"
	"github.com/artpar/quotagate/adapters/http/admin"
	"github.com/artpar/quotagate/adapters/memory"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/rs/zerolog"
)

const (
	adminUser = "admin"
	adminPass = "s3cret"
)

var now = time.Date(2024, 3, 15, 14, 25, 0, 0, time.UTC)

type fixture struct {
	handler *admin.Handler
	engine  *app.Engine
	store   *memory.RecordStore
}

func setupHandler(t *testing.T) fixture {
	t.Helper()

	engine, err := app.NewEngine(clock.NewFake(now), app.EngineConfig{
		Settings: quota.DefaultSettings(),
		Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	h := hasher.NewBcrypt(4) // low cost for tests
	hash, err := h.Hash(adminPass)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	store := memory.NewRecordStore(memory.RecordStoreConfig{})
	handler := admin.NewHandler(admin.Deps{
		Engine:       engine,
		Store:        store,
		Settings:     store,
		Hasher:       h,
		User:         adminUser,
		PasswordHash: string(hash),
		Logger:       zerolog.Nop(),
	})
	return fixture{handler: handler, engine: engine, store: store}
}

func doRequest(t *testing.T, h *admin.Handler, method, path string, body any, withAuth bool) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if withAuth {
		req.SetBasicAuth(adminUser, adminPass)
	}

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec.Result()
}

type resourceDoc struct {
	Data struct {
		Type       string         `json:"type"`
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
		Meta       map[string]any `json:"meta"`
	} `json:"data"`
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func decode(t *testing.T, resp *http.Response) resourceDoc {
	t.Helper()
	var doc resourceDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

// -----------------------------------------------------------------------------
// Authentication
// -----------------------------------------------------------------------------

func TestAuth(t *testing.T) {
	f := setupHandler(t)

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		wantStatus int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", adminUser, "nope", true, http.StatusUnauthorized},
		{"wrong user", "root", adminPass, true, http.StatusUnauthorized},
		{"valid", adminUser, adminPass, true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/stats", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			f.handler.Router().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate challenge")
			}
		})
	}
}

func TestAuth_EmptyHashRejectsEverything(t *testing.T) {
	engine, _ := app.NewEngine(clock.NewFake(now), app.EngineConfig{Settings: quota.DefaultSettings()})
	h := admin.NewHandler(admin.Deps{
		Engine: engine,
		Hasher: hasher.Fake{},
		User:   adminUser,
		Logger: zerolog.Nop(),
	})

	req := httptest.NewRequest("GET", "/stats", nil)
	req.SetBasicAuth(adminUser, "")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

// -----------------------------------------------------------------------------
// Stats and Settings
// -----------------------------------------------------------------------------

func TestGetStats(t *testing.T) {
	f := setupHandler(t)
	f.engine.CheckAndRecord("user:1", "light_action", 1)
	f.engine.CheckAndRecord("user:2", "heavy_action", 5)

	resp := doRequest(t, f.handler, "GET", "/stats", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	doc := decode(t, resp)
	if doc.Data.Type != admin.TypeStats {
		t.Errorf("type = %s", doc.Data.Type)
	}
	if doc.Data.Attributes["totalUsers"] != float64(2) {
		t.Errorf("totalUsers = %v, want 2", doc.Data.Attributes["totalUsers"])
	}
	if doc.Data.Attributes["totalActions"] != float64(6) {
		t.Errorf("totalActions = %v, want 6", doc.Data.Attributes["totalActions"])
	}
	if doc.Data.Attributes["activeToday"] != float64(2) {
		t.Errorf("activeToday = %v, want 2", doc.Data.Attributes["activeToday"])
	}
}

func TestGetSettings(t *testing.T) {
	f := setupHandler(t)

	doc := decode(t, doRequest(t, f.handler, "GET", "/settings", nil, true))
	if doc.Data.Attributes["dailyLimit"] != float64(10) {
		t.Errorf("dailyLimit = %v, want 10", doc.Data.Attributes["dailyLimit"])
	}
	if doc.Data.Attributes["cooldownMinutes"] != float64(5) {
		t.Errorf("cooldownMinutes = %v, want 5", doc.Data.Attributes["cooldownMinutes"])
	}
}

func TestUpdateSettings_Partial(t *testing.T) {
	f := setupHandler(t)

	resp := doRequest(t, f.handler, "PATCH", "/settings", map[string]any{"dailyLimit": 3}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	doc := decode(t, resp)
	if doc.Data.Meta["persisted"] != true {
		t.Error("expected persisted meta")
	}

	got := f.engine.Settings()
	want := quota.DefaultSettings()
	want.DailyLimit = 3
	if got != want {
		t.Errorf("settings = %+v, want %+v", got, want)
	}

	saved, err := f.store.LoadSettings(context.Background())
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if saved != want {
		t.Errorf("saved = %+v, want %+v", saved, want)
	}
}

func TestUpdateSettings_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"zero limit", map[string]any{"hourlyLimit": 0}, http.StatusUnprocessableEntity},
		{"negative cooldown", map[string]any{"cooldownMinutes": -1}, http.StatusUnprocessableEntity},
		{"unknown field", map[string]any{"weeklyLimit": 3}, http.StatusBadRequest},
		{"not json", "daily=3", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupHandler(t)
			resp := doRequest(t, f.handler, "PATCH", "/settings", tt.body, true)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if f.engine.Settings() != quota.DefaultSettings() {
				t.Error("settings must be unchanged")
			}
			if _, err := f.store.LoadSettings(context.Background()); err == nil {
				t.Error("nothing should be persisted")
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

func TestGetUser(t *testing.T) {
	f := setupHandler(t)
	f.engine.CheckAndRecord("user:42", "light_action", 1)

	resp := doRequest(t, f.handler, "GET", "/users/user:42", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	doc := decode(t, resp)
	if doc.Data.ID != "user:42" {
		t.Errorf("id = %s", doc.Data.ID)
	}
	if doc.Data.Attributes["totalActions"] != float64(1) {
		t.Errorf("totalActions = %v, want 1", doc.Data.Attributes["totalActions"])
	}
	if doc.Data.Attributes["blocked"] != false {
		t.Errorf("blocked = %v", doc.Data.Attributes["blocked"])
	}
}

func TestGetUser_NotFound(t *testing.T) {
	f := setupHandler(t)

	resp := doRequest(t, f.handler, "GET", "/users/fp:unknown", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if _, found := f.engine.Usage("fp:unknown"); found {
		t.Error("lookup must not create a record")
	}
}

func TestResetUser(t *testing.T) {
	f := setupHandler(t)
	for i := 0; i < 12; i++ {
		f.engine.CheckAndRecord("user:7", "light_action", 1)
	}
	if rec, _ := f.engine.Usage("user:7"); !rec.IsBlocked(now) {
		t.Fatal("precondition: user should be blocked")
	}

	resp := doRequest(t, f.handler, "POST", "/users/user:7/reset", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	doc := decode(t, resp)
	if doc.Data.Attributes["totalActions"] != float64(0) {
		t.Errorf("totalActions = %v, want 0", doc.Data.Attributes["totalActions"])
	}

	d, err := f.engine.CheckAndRecord("user:7", "light_action", 1)
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !d.Allowed() {
		t.Errorf("after reset: %s", d.Reason)
	}
}

// -----------------------------------------------------------------------------
// Doctor
// -----------------------------------------------------------------------------

type brokenStore struct{}

func (brokenStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

func TestDoctor(t *testing.T) {
	f := setupHandler(t)

	resp := doRequest(t, f.handler, "GET", "/doctor", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var result admin.DoctorResponse
	json.NewDecoder(resp.Body).Decode(&result)
	if result.Status != "healthy" && result.Status != "degraded" {
		t.Errorf("status = %s", result.Status)
	}
	if len(result.Checks) != 3 {
		t.Errorf("checks = %d, want 3", len(result.Checks))
	}
}

func TestDoctor_StoreDown(t *testing.T) {
	engine, _ := app.NewEngine(clock.NewFake(now), app.EngineConfig{Settings: quota.DefaultSettings()})
	h := admin.NewHandler(admin.Deps{
		Engine:       engine,
		Store:        brokenStore{},
		Hasher:       hasher.Fake{},
		User:         adminUser,
		PasswordHash: adminPass,
		Logger:       zerolog.Nop(),
	})

	resp := doRequest(t, h, "GET", "/doctor", nil, true)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
