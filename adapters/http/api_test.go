package http_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	qghttp "github.com/artpar/quotagate/adapters/http"
)

type apiDoc struct {
	Data struct {
		Type       string          `json:"type"`
		ID         string          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
	Errors []struct {
		Status string         `json:"status"`
		Code   string         `json:"code"`
		Detail string         `json:"detail"`
		Meta   map[string]any `json:"meta"`
	} `json:"errors"`
}

func decodeDoc(t *testing.T, body []byte) apiDoc {
	t.Helper()
	var doc apiDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	return doc
}

type quotaAttrs struct {
	Known     bool `json:"known"`
	Blocked   bool `json:"blocked"`
	Anonymous bool `json:"anonymous"`
	Email     string
	Today     struct{ Daily, Hourly, Total int64 }
	Remaining struct{ Daily, Hourly, Total int64 }
}

type decisionAttrs struct {
	Outcome   string `json:"outcome"`
	Weight    int64  `json:"weight"`
	Usage     struct{ Daily, Hourly, Total, Action int64 }
	Remaining struct{ Daily int64 }
	Response  json.RawMessage `json:"response"`
}

func TestListActions(t *testing.T) {
	env := setupEnv(t)

	rec := env.do("GET", "/api/v1/actions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var doc struct {
		Data []struct {
			ID         string `json:"id"`
			Attributes struct {
				Weight  int64 `json:"weight"`
				CallAPI bool  `json:"callApi"`
			} `json:"attributes"`
		} `json:"data"`
	}
	json.NewDecoder(rec.Body).Decode(&doc)

	if len(doc.Data) != 3 {
		t.Fatalf("actions = %d, want 3", len(doc.Data))
	}
	if doc.Data[1].ID != "heavy_action" || doc.Data[1].Attributes.Weight != 5 {
		t.Errorf("second action = %+v", doc.Data[1])
	}
	if !doc.Data[2].Attributes.CallAPI {
		t.Error("api_call should call the demo API")
	}
}

func TestGetQuota_NoCharge(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, "42", "a@example.com")

	for i := 0; i < 3; i++ {
		rec := env.do("GET", "/api/v1/quota", tok)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		doc := decodeDoc(t, rec.Body.Bytes())
		if doc.Data.Type != qghttp.TypeQuota || doc.Data.ID != "user:42" {
			t.Errorf("resource = %s/%s", doc.Data.Type, doc.Data.ID)
		}
		var attrs quotaAttrs
		json.Unmarshal(doc.Data.Attributes, &attrs)
		if attrs.Known || attrs.Remaining.Daily != 3 {
			t.Errorf("attrs = %+v", attrs)
		}
		if attrs.Email != "a@example.com" {
			t.Errorf("email = %q", attrs.Email)
		}
	}

	if _, ok := env.engine.Usage("user:42"); ok {
		t.Error("reading the quota must not create a record")
	}
}

func TestPerformAction_Allowed(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, "42", "")

	rec := env.do("POST", "/api/v1/actions/light_action", tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	doc := decodeDoc(t, rec.Body.Bytes())
	if doc.Data.Type != qghttp.TypeDecision || doc.Data.ID != "light_action" {
		t.Errorf("resource = %s/%s", doc.Data.Type, doc.Data.ID)
	}
	var attrs decisionAttrs
	json.Unmarshal(doc.Data.Attributes, &attrs)
	if attrs.Outcome != "allowed" || attrs.Usage.Daily != 1 || attrs.Remaining.Daily != 2 {
		t.Errorf("attrs = %+v", attrs)
	}
	if env.api.calls != 0 {
		t.Error("light_action must not call the demo API")
	}
}

func TestPerformAction_DeniedThenBlocked(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, "42", "")

	for i := 0; i < 3; i++ {
		if rec := env.do("POST", "/api/v1/actions/light_action", tok); rec.Code != http.StatusOK {
			t.Fatalf("call %d: status = %d", i+1, rec.Code)
		}
	}

	rec := env.do("POST", "/api/v1/actions/light_action", tok)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "300" {
		t.Errorf("Retry-After = %q, want 300", got)
	}
	doc := decodeDoc(t, rec.Body.Bytes())
	if len(doc.Errors) != 1 || doc.Errors[0].Code != "quota_exceeded" {
		t.Fatalf("errors = %+v", doc.Errors)
	}
	if doc.Errors[0].Detail != "Limite journalière dépassée (4/3)" {
		t.Errorf("detail = %q", doc.Errors[0].Detail)
	}
	if doc.Errors[0].Meta["remainingMinutes"] != float64(5) {
		t.Errorf("remainingMinutes = %v", doc.Errors[0].Meta["remainingMinutes"])
	}

	// Two minutes later the block is still active.
	env.clock.Advance(2*time.Minute + 30*time.Second)
	rec = env.do("POST", "/api/v1/actions/light_action", tok)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "150" {
		t.Errorf("Retry-After = %q, want 150", got)
	}
	doc = decodeDoc(t, rec.Body.Bytes())
	if doc.Errors[0].Detail != "temporarily blocked" {
		t.Errorf("detail = %q", doc.Errors[0].Detail)
	}
	if doc.Errors[0].Meta["remainingMinutes"] != float64(3) {
		t.Errorf("remainingMinutes = %v, want 3", doc.Errors[0].Meta["remainingMinutes"])
	}
}

func TestPerformAction_UnknownAction(t *testing.T) {
	env := setupEnv(t)

	rec := env.do("POST", "/api/v1/actions/teleport", env.token(t, "42", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	doc := decodeDoc(t, rec.Body.Bytes())
	if doc.Errors[0].Code != "unknown_action" {
		t.Errorf("code = %s", doc.Errors[0].Code)
	}
	if _, ok := env.engine.Usage("user:42"); ok {
		t.Error("unknown actions must not charge")
	}
}

func TestPerformAction_DemoAPI(t *testing.T) {
	t.Run("success returns the response", func(t *testing.T) {
		env := setupEnv(t)

		rec := env.do("POST", "/api/v1/actions/api_call", env.token(t, "42", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		doc := decodeDoc(t, rec.Body.Bytes())
		var attrs decisionAttrs
		json.Unmarshal(doc.Data.Attributes, &attrs)
		if string(attrs.Response) != `{"url":"https://httpbin.org/get"}` {
			t.Errorf("response = %s", attrs.Response)
		}
		if env.api.calls != 1 {
			t.Errorf("calls = %d, want 1", env.api.calls)
		}
	})

	t.Run("failure keeps the charge", func(t *testing.T) {
		env := setupEnv(t)
		env.api.err = errors.New("connection reset")

		rec := env.do("POST", "/api/v1/actions/api_call", env.token(t, "42", ""))
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", rec.Code)
		}
		doc := decodeDoc(t, rec.Body.Bytes())
		if doc.Errors[0].Meta["charged"] != true {
			t.Errorf("meta = %+v", doc.Errors[0].Meta)
		}
		if got := env.engine.Counters("user:42", "api_call"); got.Daily != 1 {
			t.Errorf("daily = %d, want 1", got.Daily)
		}
	})

	t.Run("denied does not call", func(t *testing.T) {
		env := setupEnv(t)
		tok := env.token(t, "42", "")
		env.do("POST", "/api/v1/actions/heavy_action", tok) // 5 > 3

		rec := env.do("POST", "/api/v1/actions/api_call", tok)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", rec.Code)
		}
		if env.api.calls != 0 {
			t.Error("denied actions must not reach the demo API")
		}
	})
}

func TestPerformAction_AnonymousKeepsCookieKey(t *testing.T) {
	env := setupEnv(t)

	first := env.do("POST", "/api/v1/actions/light_action", "")
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d", first.Code)
	}
	cookie := visitorCookie(first)
	if cookie == nil {
		t.Fatal("expected visitor cookie")
	}

	req := newRequestWithCookie("POST", "/api/v1/actions/light_action", cookie)
	rec := serve(env, req)
	doc := decodeDoc(t, rec.Body.Bytes())
	var attrs decisionAttrs
	json.Unmarshal(doc.Data.Attributes, &attrs)
	if attrs.Usage.Daily != 2 {
		t.Errorf("daily = %d, want 2 (same visitor)", attrs.Usage.Daily)
	}
}
