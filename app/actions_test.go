package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/action"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/rs/zerolog"
)

type mockDemoAPI struct {
	calls int
	body  json.RawMessage
	err   error
}

func (m *mockDemoAPI) Call(ctx context.Context) (json.RawMessage, error) {
	m.calls++
	return m.body, m.err
}

func setupActionService(t *testing.T, s quota.Settings, api *mockDemoAPI) (*app.ActionService, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(baseTime)
	engine, err := app.NewEngine(clk, app.EngineConfig{Settings: s, Location: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	catalog, err := action.NewCatalog(action.Defaults())
	if err != nil {
		t.Fatal(err)
	}

	deps := app.ActionDeps{Engine: engine, Logger: zerolog.Nop()}
	if api != nil {
		deps.DemoAPI = api
	}
	return app.NewActionService(deps, catalog), clk
}

func TestActionService_PerformAllowedCallsAPI(t *testing.T) {
	api := &mockDemoAPI{body: json.RawMessage(`{"url":"https://httpbin.org/get"}`)}
	svc, _ := setupActionService(t, quota.DefaultSettings(), api)

	out, err := svc.Perform(context.Background(), "user:1", "api_call")
	if err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if !out.Decision.Allowed() {
		t.Fatalf("expected allowed, got %s", out.Decision.Reason)
	}
	if api.calls != 1 {
		t.Errorf("api calls = %d, want 1", api.calls)
	}
	if string(out.Response) != `{"url":"https://httpbin.org/get"}` {
		t.Errorf("Response = %s", out.Response)
	}
}

func TestActionService_DeniedDoesNotCallAPI(t *testing.T) {
	api := &mockDemoAPI{body: json.RawMessage(`{}`)}
	s := scenarioSettings()
	s.DailyLimit = 1
	svc, _ := setupActionService(t, s, api)

	svc.Perform(context.Background(), "user:1", "api_call")
	out, err := svc.Perform(context.Background(), "user:1", "api_call")
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision.Allowed() {
		t.Fatal("second call should be denied")
	}
	if api.calls != 1 {
		t.Errorf("api calls = %d, want 1 (denied action must not run)", api.calls)
	}
}

func TestActionService_APIFailureKeepsCharge(t *testing.T) {
	api := &mockDemoAPI{err: errors.New("upstream returned 502")}
	svc, _ := setupActionService(t, quota.DefaultSettings(), api)

	out, err := svc.Perform(context.Background(), "user:1", "api_call")
	if err != nil {
		t.Fatalf("Perform should report API failure in the outcome, got %v", err)
	}
	if out.CallErr == nil {
		t.Error("expected CallErr")
	}
	if out.Decision.Usage.Daily != 1 {
		t.Errorf("daily = %d, want 1", out.Decision.Usage.Daily)
	}
}

func TestActionService_NoDemoAPI(t *testing.T) {
	svc, _ := setupActionService(t, quota.DefaultSettings(), nil)

	out, err := svc.Perform(context.Background(), "user:1", "api_call")
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(out.CallErr, app.ErrNoDemoAPI) {
		t.Errorf("CallErr = %v, want ErrNoDemoAPI", out.CallErr)
	}
}

func TestActionService_HeavyActionWeight(t *testing.T) {
	s := quota.DefaultSettings()
	s.DailyLimit = 100
	s.HourlyLimit = 100
	s.PerActionLimit = 3
	svc, _ := setupActionService(t, s, nil)

	out, err := svc.Perform(context.Background(), "fp:abc", "heavy_action")
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision.Allowed() {
		t.Error("heavy action weighs 5 and should exceed a per-action limit of 3")
	}
	if out.Decision.Usage.Total != 5 {
		t.Errorf("total = %d, want 5", out.Decision.Usage.Total)
	}
}

func TestActionService_UnknownAction(t *testing.T) {
	svc, _ := setupActionService(t, quota.DefaultSettings(), nil)

	_, err := svc.Perform(context.Background(), "user:1", "launch_rockets")
	if !errors.Is(err, action.ErrUnknown) {
		t.Errorf("expected ErrUnknown, got %v", err)
	}
	if svc.Engine().Len() != 0 {
		t.Error("unknown action must not create a record")
	}
}

func TestActionService_InvalidUserKey(t *testing.T) {
	svc, _ := setupActionService(t, quota.DefaultSettings(), nil)

	if _, err := svc.Perform(context.Background(), "", "light_action"); !errors.Is(err, quota.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestActionService_UpdateCatalog(t *testing.T) {
	svc, _ := setupActionService(t, quota.DefaultSettings(), nil)

	c, err := action.NewCatalog([]action.Action{{Name: "ping", Weight: 2}})
	if err != nil {
		t.Fatal(err)
	}
	svc.UpdateCatalog(c)

	out, err := svc.Perform(context.Background(), "user:1", "ping")
	if err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if out.Decision.Usage.Action != 2 {
		t.Errorf("action count = %d, want 2", out.Decision.Usage.Action)
	}
	if _, err := svc.Perform(context.Background(), "user:1", "light_action"); !errors.Is(err, action.ErrUnknown) {
		t.Error("old actions should be gone after catalog swap")
	}
}

func TestActionService_Status(t *testing.T) {
	s := scenarioSettings()
	svc, clk := setupActionService(t, s, nil)

	st := svc.Status("user:1")
	if st.Known {
		t.Error("unknown user reported as known")
	}
	if st.Remaining.Daily != 2 {
		t.Errorf("remaining daily = %d, want 2", st.Remaining.Daily)
	}
	if svc.Engine().Len() != 0 {
		t.Error("Status must not create records")
	}

	for i := 0; i < 3; i++ {
		svc.Perform(context.Background(), "user:1", "light_action")
	}
	st = svc.Status("user:1")
	if !st.Known || !st.Blocked {
		t.Errorf("expected known and blocked, got %+v", st)
	}
	if st.Today.Daily != 3 || st.Remaining.Daily != 0 {
		t.Errorf("today=%d remaining=%d, want 3/0", st.Today.Daily, st.Remaining.Daily)
	}

	clk.Advance(10 * time.Minute)
	if svc.Status("user:1").Blocked {
		t.Error("status should not report an expired block")
	}
}
