package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/quotagate/adapters/auth"
	"github.com/artpar/quotagate/adapters/idgen"
	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/pkg/jsonapi"
	"github.com/artpar/quotagate/ports"
	"github.com/rs/zerolog"
)

// Identity error messages shown to callers.
const (
	MsgInvalidToken  = "Token invalide ou expiré."
	MsgLoginRequired = "Tu dois te connecter via Google."
)

// VisitorCookie holds the anonymous visitor id.
const VisitorCookie = "qg_visitor"

const visitorCookieMaxAge = 365 * 24 * time.Hour

// UserKeyPrefix is prepended to token subjects.
const UserKeyPrefix = "user:"

// Fingerprinter derives an opaque user key for anonymous callers.
type Fingerprinter interface {
	Fingerprint(parts ...string) string
}

// IdentityResolver turns a request into a ports.Identity.
type IdentityResolver struct {
	tokens       ports.TokenVerifier // nil disables token login
	fingerprints Fingerprinter
	ids          ports.IDGenerator
	requireToken bool
	secureCookie bool
	metrics      *metrics.Collector
	logger       zerolog.Logger
}

// IdentityConfig contains dependencies for IdentityResolver.
type IdentityConfig struct {
	Tokens       ports.TokenVerifier
	Fingerprints Fingerprinter
	IDs          ports.IDGenerator
	RequireToken bool
	SecureCookie bool
	Metrics      *metrics.Collector
	Logger       zerolog.Logger
}

// NewIdentityResolver creates a resolver.
func NewIdentityResolver(cfg IdentityConfig) *IdentityResolver {
	if cfg.IDs == nil {
		cfg.IDs = idgen.UUID{}
	}
	if cfg.Fingerprints == nil {
		// random key: anonymous keys change on restart
		cfg.Fingerprints, _ = auth.NewFingerprinter(nil)
	}
	return &IdentityResolver{
		tokens:       cfg.Tokens,
		fingerprints: cfg.Fingerprints,
		ids:          cfg.IDs,
		requireToken: cfg.RequireToken,
		secureCookie: cfg.SecureCookie,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// IdentityError is a rejected identity with the status to answer.
type IdentityError struct {
	Status  int
	Message string
}

func (e *IdentityError) Error() string {
	return e.Message
}

// Resolve identifies the caller. A token in the "token" query parameter or
// an Authorization bearer header wins; otherwise the caller is anonymous and
// keyed by the visitor cookie and User-Agent. The visitor cookie is set on w
// when missing.
func (ir *IdentityResolver) Resolve(w http.ResponseWriter, r *http.Request) (ports.Identity, error) {
	if token := extractToken(r); token != "" {
		if ir.tokens == nil {
			ir.fail("token_disabled")
			return ports.Identity{}, &IdentityError{Status: http.StatusUnauthorized, Message: MsgInvalidToken}
		}
		subject, email, err := ir.tokens.Verify(token)
		if err != nil {
			ir.fail("invalid_token")
			ir.logger.Debug().Err(err).Msg("token rejected")
			return ports.Identity{}, &IdentityError{Status: http.StatusUnauthorized, Message: MsgInvalidToken}
		}
		return ports.Identity{UserKey: UserKeyPrefix + subject, Email: email}, nil
	}

	if ir.requireToken {
		ir.fail("login_required")
		return ports.Identity{}, &IdentityError{Status: http.StatusUnauthorized, Message: MsgLoginRequired}
	}

	visitor := ir.visitorID(w, r)
	return ports.Identity{
		UserKey:   ir.fingerprints.Fingerprint(visitor, r.UserAgent()),
		Anonymous: true,
	}, nil
}

func (ir *IdentityResolver) fail(reason string) {
	if ir.metrics != nil {
		ir.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
}

// visitorID returns the visitor cookie value, issuing a new one when the
// cookie is missing or malformed.
func (ir *IdentityResolver) visitorID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(VisitorCookie); err == nil && idgen.Valid(c.Value) {
		return c.Value
	}
	id := ir.ids.New()
	http.SetCookie(w, &http.Cookie{
		Name:     VisitorCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(visitorCookieMaxAge / time.Second),
		HttpOnly: true,
		Secure:   ir.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// extractToken reads the identity token from the query or the
// Authorization header.
func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// Middleware resolves the identity and stores it in the request context.
// Rejections are answered through onError.
func (ir *IdentityResolver) Middleware(onError func(w http.ResponseWriter, r *http.Request, err *IdentityError)) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := ir.Resolve(w, r)
			if err != nil {
				ie, ok := err.(*IdentityError)
				if !ok {
					ie = &IdentityError{Status: http.StatusUnauthorized, Message: err.Error()}
				}
				onError(w, r, ie)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id ports.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by Middleware.
func IdentityFromContext(ctx context.Context) (ports.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(ports.Identity)
	return id, ok
}

func writeIdentityError(w http.ResponseWriter, r *http.Request, err *IdentityError) {
	jsonapi.WriteError(w, jsonapi.NewError(err.Status, "unauthorized", "Unauthorized").Detail(err.Message).Build())
}
