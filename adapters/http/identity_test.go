package http_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artpar/quotagate/adapters/auth"
	qghttp "github.com/artpar/quotagate/adapters/http"
	"github.com/artpar/quotagate/adapters/idgen"
	"github.com/rs/zerolog"
)

func newResolver(t *testing.T, requireToken bool) (*qghttp.IdentityResolver, *auth.TokenService) {
	t.Helper()
	tokens := auth.NewTokenService(testSecret, time.Hour)
	fp, err := auth.NewFingerprinter([]byte("fingerprint-key"))
	if err != nil {
		t.Fatalf("NewFingerprinter: %v", err)
	}
	r := qghttp.NewIdentityResolver(qghttp.IdentityConfig{
		Tokens:       tokens,
		Fingerprints: fp,
		IDs:          idgen.UUID{},
		RequireToken: requireToken,
		Logger:       zerolog.Nop(),
	})
	return r, tokens
}

func visitorCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == qghttp.VisitorCookie {
			return c
		}
	}
	return nil
}

func TestResolve_TokenQuery(t *testing.T) {
	r, tokens := newResolver(t, false)
	tok, _, _ := tokens.GenerateToken("sub-1", "alice@example.com")

	req := httptest.NewRequest("GET", "/?token="+tok, nil)
	rec := httptest.NewRecorder()
	id, err := r.Resolve(rec, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.UserKey != "user:sub-1" {
		t.Errorf("UserKey = %s, want user:sub-1", id.UserKey)
	}
	if id.Email != "alice@example.com" || id.Anonymous {
		t.Errorf("identity = %+v", id)
	}
	if visitorCookie(rec) != nil {
		t.Error("token callers must not get a visitor cookie")
	}
}

func TestResolve_BearerHeader(t *testing.T) {
	r, tokens := newResolver(t, true)
	tok, _, _ := tokens.GenerateToken("sub-2", "")

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "bearer "+tok)
	id, err := r.Resolve(httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.UserKey != "user:sub-2" {
		t.Errorf("UserKey = %s", id.UserKey)
	}
}

func TestResolve_InvalidToken(t *testing.T) {
	r, _ := newResolver(t, false)
	other := auth.NewTokenService("other-secret", time.Hour)
	forged, _, _ := other.GenerateToken("sub-1", "")

	for _, tok := range []string{"garbage", forged} {
		req := httptest.NewRequest("GET", "/?token="+tok, nil)
		_, err := r.Resolve(httptest.NewRecorder(), req)

		var ie *qghttp.IdentityError
		if !errors.As(err, &ie) {
			t.Fatalf("expected IdentityError, got %v", err)
		}
		if ie.Status != http.StatusUnauthorized || ie.Message != qghttp.MsgInvalidToken {
			t.Errorf("error = %+v", ie)
		}
	}
}

func TestResolve_RequireToken(t *testing.T) {
	r, _ := newResolver(t, true)

	_, err := r.Resolve(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	var ie *qghttp.IdentityError
	if !errors.As(err, &ie) || ie.Message != qghttp.MsgLoginRequired {
		t.Errorf("expected login required, got %v", err)
	}
}

func TestResolve_AnonymousIsStable(t *testing.T) {
	r, _ := newResolver(t, false)

	first := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("User-Agent", "test-agent/1.0")
	id1, err := r.Resolve(first, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !id1.Anonymous || !strings.HasPrefix(id1.UserKey, auth.FingerprintPrefix) {
		t.Errorf("identity = %+v", id1)
	}
	cookie := visitorCookie(first)
	if cookie == nil {
		t.Fatal("expected visitor cookie")
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie flags = %+v", cookie)
	}

	// Same cookie and agent: same key, no new cookie.
	again := httptest.NewRequest("GET", "/", nil)
	again.Header.Set("User-Agent", "test-agent/1.0")
	again.AddCookie(cookie)
	second := httptest.NewRecorder()
	id2, _ := r.Resolve(second, again)
	if id2.UserKey != id1.UserKey {
		t.Errorf("key changed: %s != %s", id2.UserKey, id1.UserKey)
	}
	if visitorCookie(second) != nil {
		t.Error("cookie should not be reissued")
	}

	// Different agent: different key.
	other := httptest.NewRequest("GET", "/", nil)
	other.Header.Set("User-Agent", "other-agent/2.0")
	other.AddCookie(cookie)
	id3, _ := r.Resolve(httptest.NewRecorder(), other)
	if id3.UserKey == id1.UserKey {
		t.Error("different user agents should not share a key")
	}
}

func TestResolve_MalformedCookieReplaced(t *testing.T) {
	r, _ := newResolver(t, false)

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: qghttp.VisitorCookie, Value: "not-a-uuid"})
	rec := httptest.NewRecorder()
	if _, err := r.Resolve(rec, req); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	c := visitorCookie(rec)
	if c == nil || !idgen.Valid(c.Value) {
		t.Errorf("expected a fresh visitor id, got %+v", c)
	}
}

func TestResolve_TokenWithoutVerifier(t *testing.T) {
	r := qghttp.NewIdentityResolver(qghttp.IdentityConfig{Logger: zerolog.Nop()})

	_, err := r.Resolve(httptest.NewRecorder(), httptest.NewRequest("GET", "/?token=abc", nil))
	var ie *qghttp.IdentityError
	if !errors.As(err, &ie) || ie.Message != qghttp.MsgInvalidToken {
		t.Errorf("expected invalid token, got %v", err)
	}
}

func TestIdentityMiddleware_JSONError(t *testing.T) {
	env := setupEnv(t, withRequireToken())

	rec := env.do("GET", "/api/v1/quota", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), qghttp.MsgLoginRequired) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
