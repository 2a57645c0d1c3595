// Package admin provides the HTTP Basic protected admin API: engine stats,
// live settings changes and per-user inspection and reset.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/pkg/jsonapi"
	"github.com/artpar/quotagate/ports"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Realm is sent in the WWW-Authenticate challenge.
const Realm = "quotagate admin"

// JSON:API resource types for admin responses.
const (
	TypeStats    = "stats"
	TypeSettings = "settings"
	TypeUser     = "users"
)

// HealthChecker is implemented by stores and the demo API client.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler provides admin API endpoints.
type Handler struct {
	engine       *app.Engine
	store        HealthChecker
	settings     ports.SettingsStore
	hasher       ports.Hasher
	user         string
	passwordHash []byte
	logger       zerolog.Logger
	metrics      *metrics.Collector
	startTime    time.Time
}

// Deps contains dependencies for the admin handler.
type Deps struct {
	Engine       *app.Engine
	Store        HealthChecker       // optional; checked by /doctor
	Settings     ports.SettingsStore // optional; PATCH /settings persists here
	Hasher       ports.Hasher
	User         string
	PasswordHash string // bcrypt hash
	Logger       zerolog.Logger
	Metrics      *metrics.Collector
}

// NewHandler creates a new admin API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		engine:       deps.Engine,
		store:        deps.Store,
		settings:     deps.Settings,
		hasher:       deps.Hasher,
		user:         deps.User,
		passwordHash: []byte(deps.PasswordHash),
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		startTime:    time.Now(),
	}
}

// Router returns the admin API router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.AuthMiddleware)

	r.Get("/stats", h.GetStats)
	r.Get("/settings", h.GetSettings)
	r.Patch("/settings", h.UpdateSettings)
	r.Get("/users/{userKey}", h.GetUser)
	r.Post("/users/{userKey}/reset", h.ResetUser)
	r.Get("/doctor", h.Doctor)

	return r
}

// -----------------------------------------------------------------------------
// Authentication
// -----------------------------------------------------------------------------

// AuthMiddleware checks HTTP Basic credentials against the configured admin
// user and bcrypt hash.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !h.authenticate(user, pass) {
			if h.metrics != nil {
				h.metrics.AuthFailures.WithLabelValues("admin").Inc()
			}
			if ok {
				h.logger.Warn().Str("user", user).Str("remote", r.RemoteAddr).Msg("admin login failed")
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`", charset="UTF-8"`)
			jsonapi.WriteUnauthorized(w, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(user, pass string) bool {
	if len(h.passwordHash) == 0 {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.user)) == 1
	// always run the hash comparison so timing does not reveal the user name
	passOK := h.hasher.Compare(h.passwordHash, pass)
	return userOK && passOK
}

// -----------------------------------------------------------------------------
// Stats and Settings
// -----------------------------------------------------------------------------

// GetStats returns the engine-wide summary.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	s := h.engine.Stats()
	jsonapi.WriteResource(w, http.StatusOK, jsonapi.NewResource(TypeStats, "global").
		Attr("totalUsers", s.TotalUsers).
		Attr("totalActions", s.TotalActions).
		Attr("activeToday", s.ActiveToday).
		Attr("settings", s.Settings).
		Build())
}

// GetSettings returns the active quota settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	jsonapi.WriteResource(w, http.StatusOK, settingsResource(h.engine.Settings(), false))
}

// UpdateSettings applies a partial settings update. Omitted fields keep
// their value; an invalid result changes nothing.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch quota.SettingsPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		jsonapi.WriteBadRequest(w, "Invalid JSON body: "+err.Error())
		return
	}

	next, err := h.engine.UpdateSettings(patch)
	if err != nil {
		if errors.Is(err, quota.ErrInvalidArgument) {
			jsonapi.WriteError(w, jsonapi.ErrInvalidSettings(err.Error()))
			return
		}
		jsonapi.WriteInternalError(w, "")
		return
	}

	persisted := false
	if h.settings != nil {
		if err := h.settings.SaveSettings(r.Context(), next); err != nil {
			h.logger.Error().Err(err).Msg("failed to persist settings")
		} else {
			persisted = true
		}
	}

	h.logger.Info().
		Int64("daily_limit", next.DailyLimit).
		Int64("hourly_limit", next.HourlyLimit).
		Int64("monthly_limit", next.MonthlyLimit).
		Int64("per_action_limit", next.PerActionLimit).
		Int64("cooldown_minutes", next.CooldownMinutes).
		Bool("persisted", persisted).
		Msg("quota settings updated")

	jsonapi.WriteResource(w, http.StatusOK, settingsResource(next, persisted))
}

func settingsResource(s quota.Settings, persisted bool) jsonapi.Resource {
	b := jsonapi.NewResource(TypeSettings, "current").
		Attr("dailyLimit", s.DailyLimit).
		Attr("hourlyLimit", s.HourlyLimit).
		Attr("monthlyLimit", s.MonthlyLimit).
		Attr("perActionLimit", s.PerActionLimit).
		Attr("cooldownMinutes", s.CooldownMinutes)
	if persisted {
		b.Meta("persisted", true)
	}
	return b.Build()
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// GetUser returns the stored usage record for a user key.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	key, ok := userKeyParam(w, r)
	if !ok {
		return
	}
	rec, found := h.engine.Usage(key)
	if !found {
		jsonapi.WriteError(w, jsonapi.ErrNotFoundWithID("user", key))
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, userResource(key, rec, h.engine.Now()))
}

// ResetUser replaces the user's record with a fresh one.
func (h *Handler) ResetUser(w http.ResponseWriter, r *http.Request) {
	key, ok := userKeyParam(w, r)
	if !ok {
		return
	}
	if err := h.engine.Reset(key); err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}
	h.logger.Info().Str("user_key", key).Msg("user quota reset")

	rec, _ := h.engine.Usage(key)
	jsonapi.WriteResource(w, http.StatusOK, userResource(key, rec, h.engine.Now()))
}

func userKeyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "userKey"))
	if err != nil || key == "" {
		jsonapi.WriteBadRequest(w, "invalid user key")
		return "", false
	}
	return key, true
}

func userResource(key string, rec quota.UsageRecord, now time.Time) jsonapi.Resource {
	return jsonapi.NewResource(TypeUser, key).
		Attr("firstSeen", rec.FirstSeen).
		Attr("lastSeen", rec.LastSeen).
		Attr("totalActions", rec.TotalActions).
		Attr("dailyActions", rec.DailyActions).
		Attr("hourlyActions", rec.HourlyActions).
		Attr("actionCounts", rec.ActionCounts).
		Attr("blockedUntil", rec.BlockedUntil).
		Attr("blocked", rec.IsBlocked(now)).
		Build()
}
