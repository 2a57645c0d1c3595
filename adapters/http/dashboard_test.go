package http_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	qghttp "github.com/artpar/quotagate/adapters/http"
)

func TestDashboard_Anonymous(t *testing.T) {
	env := setupEnv(t)

	rec := env.do("GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %s", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"Démo Quota Utilisateur",
		"Bonjour visiteur",
		"Requêtes restantes aujourd'hui : <strong>3</strong>",
		`action="/actions/light_action"`,
		`action="/actions/heavy_action"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if visitorCookie(rec) == nil {
		t.Error("expected visitor cookie")
	}
}

func TestDashboard_TokenUser(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, "42", "alice@example.com")

	rec := env.do("GET", "/?token="+tok, "")
	body := rec.Body.String()
	if !strings.Contains(body, "Bonjour alice@example.com") {
		t.Error("expected greeting with email")
	}
	if !strings.Contains(body, `action="/actions/light_action?token=`) {
		t.Error("forms should carry the token")
	}
}

func TestDashboard_PerformAction(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, "42", "")

	rec := env.do("POST", "/actions/light_action", tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Action effectuée.") {
		t.Error("expected success flash")
	}
	if !strings.Contains(body, "Requêtes restantes aujourd'hui : <strong>2</strong>") {
		t.Error("expected two remaining requests")
	}
}

func TestDashboard_Denied(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, "42", "")

	env.do("POST", "/actions/heavy_action", tok)
	rec := env.do("GET", "/", tok)
	body := rec.Body.String()
	if !strings.Contains(body, "Accès bloqué encore 5 minute(s).") {
		t.Error("expected block notice")
	}
	if !strings.Contains(body, `type="submit" disabled`) {
		t.Error("buttons should be disabled while blocked")
	}

	rec = env.do("POST", "/actions/light_action", tok)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "temporarily blocked") {
		t.Error("expected block reason")
	}
}

func TestDashboard_DemoAPI(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, "42", "")

	rec := env.do("POST", "/actions/api_call", tok)
	body := rec.Body.String()
	if !strings.Contains(body, "Requête API réussie !") {
		t.Error("expected API success flash")
	}
	if !strings.Contains(body, "httpbin.org/get") {
		t.Error("expected API response")
	}

	env.api.err = errors.New("timeout")
	rec = env.do("POST", "/actions/api_call", tok)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Erreur lors de l&#39;appel API.") {
		t.Error("expected API failure flash")
	}
}

func TestDashboard_UnknownAction(t *testing.T) {
	env := setupEnv(t)

	rec := env.do("POST", "/actions/teleport", env.token(t, "42", ""))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDashboard_IdentityErrors(t *testing.T) {
	t.Run("login required", func(t *testing.T) {
		env := setupEnv(t, withRequireToken())
		rec := env.do("GET", "/", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), qghttp.MsgLoginRequired) {
			t.Error("expected login message")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		env := setupEnv(t)
		rec := env.do("GET", "/?token=garbage", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Token invalide ou expiré.") {
			t.Error("expected invalid token message")
		}
	})
}
