package http

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/action"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

//go:embed templates/*
var templates embed.FS

// Dashboard messages.
const (
	dashboardTitle = "Démo Quota Utilisateur"
	msgAPISuccess  = "Requête API réussie !"
	msgAPIFailure  = "Erreur lors de l'appel API."
	msgActionDone  = "Action effectuée."
)

var dashboardTemplate = template.Must(template.ParseFS(templates, "templates/dashboard.html"))

// DashboardHandler renders the HTML dashboard.
type DashboardHandler struct {
	actions *app.ActionService
	metrics *metrics.Collector
	logger  zerolog.Logger
	tmpl    *template.Template
}

// NewDashboardHandler creates the dashboard handler. m may be nil.
func NewDashboardHandler(actions *app.ActionService, m *metrics.Collector, logger zerolog.Logger) *DashboardHandler {
	return &DashboardHandler{
		actions: actions,
		metrics: m,
		logger:  logger,
		tmpl:    dashboardTemplate,
	}
}

// Flash is a one-shot message shown above the counters.
type Flash struct {
	Kind    string // "success", "error" or "warning"
	Message string
}

type dashboardPage struct {
	Title          string
	Error          string
	Email          string
	Status         app.Status
	BlockedMinutes int64
	Actions        []action.Action
	Flash          *Flash
	Response       string
	Query          string // preserves ?token= on form posts
}

// Show renders the dashboard without charging anything.
func (h *DashboardHandler) Show(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, nil, "")
}

// Perform charges the posted action and renders the outcome.
func (h *DashboardHandler) Perform(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	name := chi.URLParam(r, "action")

	out, err := h.actions.Perform(r.Context(), id.UserKey, name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, action.ErrUnknown) {
			status = http.StatusNotFound
		} else if errors.Is(err, quota.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		h.render(w, r, status, &Flash{Kind: "error", Message: err.Error()}, "")
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveDecision(out.Action.Name, out.Decision)
	}

	d := out.Decision
	switch {
	case !d.Allowed():
		h.render(w, r, http.StatusTooManyRequests, &Flash{Kind: "error", Message: d.Reason}, "")
	case out.CallErr != nil:
		h.render(w, r, http.StatusBadGateway, &Flash{Kind: "error", Message: msgAPIFailure}, "")
	case out.Action.CallAPI:
		h.render(w, r, http.StatusOK, &Flash{Kind: "success", Message: msgAPISuccess}, prettyJSON(out.Response))
	default:
		h.render(w, r, http.StatusOK, &Flash{Kind: "success", Message: msgActionDone}, "")
	}
}

// RenderIdentityError renders a rejected identity as a dashboard page.
func (h *DashboardHandler) RenderIdentityError(w http.ResponseWriter, r *http.Request, err *IdentityError) {
	h.write(w, err.Status, dashboardPage{Title: dashboardTitle, Error: err.Message})
}

func (h *DashboardHandler) render(w http.ResponseWriter, r *http.Request, status int, flash *Flash, response string) {
	id, _ := IdentityFromContext(r.Context())
	st := h.actions.Status(id.UserKey)

	page := dashboardPage{
		Title:    dashboardTitle,
		Email:    id.Email,
		Status:   st,
		Actions:  h.actions.Catalog().List(),
		Flash:    flash,
		Response: response,
	}
	if st.Blocked {
		page.BlockedMinutes = quota.RemainingMinutes(*st.Record.BlockedUntil, h.actions.Engine().Now())
	}
	if t := r.URL.Query().Get("token"); t != "" {
		page.Query = "?" + url.Values{"token": {t}}.Encode()
	}
	h.write(w, status, page)
}

func (h *DashboardHandler) write(w http.ResponseWriter, status int, page dashboardPage) {
	var buf bytes.Buffer
	if err := h.tmpl.ExecuteTemplate(&buf, "base", page); err != nil {
		h.logger.Error().Err(err).Msg("template render error")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
