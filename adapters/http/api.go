package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/action"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/pkg/jsonapi"
	"github.com/artpar/quotagate/ports"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// JSON:API resource types.
const (
	TypeQuota    = "quota"
	TypeAction   = "actions"
	TypeDecision = "decisions"
)

// defaultRetryAfter is advertised when a denial carries no cooldown expiry.
const defaultRetryAfter = time.Minute

// APIHandler serves the JSON API under /api/v1.
type APIHandler struct {
	actions *app.ActionService
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewAPIHandler creates the JSON API handler. m may be nil.
func NewAPIHandler(actions *app.ActionService, m *metrics.Collector, logger zerolog.Logger) *APIHandler {
	return &APIHandler{actions: actions, metrics: m, logger: logger}
}

// ListActions returns the action catalog.
func (h *APIHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	list := h.actions.Catalog().List()
	resources := make([]jsonapi.Resource, 0, len(list))
	for _, a := range list {
		resources = append(resources, actionResource(a))
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources)
}

// GetQuota returns the caller's usage without charging anything.
func (h *APIHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	st := h.actions.Status(id.UserKey)
	jsonapi.WriteResource(w, http.StatusOK, quotaResource(id, st))
}

// PerformAction charges and runs the named action for the caller.
// A denial answers 429 with a Retry-After header.
func (h *APIHandler) PerformAction(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	name := chi.URLParam(r, "action")

	out, err := h.actions.Perform(r.Context(), id.UserKey, name)
	if err != nil {
		writeActionError(w, name, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveDecision(out.Action.Name, out.Decision)
	}

	d := out.Decision
	if !d.Allowed() {
		wait := d.RetryAfter(h.actions.Engine().Now())
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))

		e := jsonapi.ErrQuotaExceeded(d.Reason, d.RemainingMinutes)
		if len(d.Violations) > 0 {
			e.Meta = withMeta(e.Meta, "violations", d.Violations)
		}
		if d.BlockedUntil != nil {
			e.Meta = withMeta(e.Meta, "blockedUntil", d.BlockedUntil)
		}
		e.Meta = withMeta(e.Meta, "usage", d.Usage)
		jsonapi.WriteError(w, e)
		return
	}

	if out.CallErr != nil {
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusBadGateway, "upstream_error", "Bad Gateway").
			Detail(out.CallErr.Error()).
			Meta("charged", true).
			Meta("usage", d.Usage).
			Build())
		return
	}

	jsonapi.WriteResource(w, http.StatusOK, decisionResource(out))
}

func withMeta(m jsonapi.Meta, key string, v any) jsonapi.Meta {
	if m == nil {
		m = make(jsonapi.Meta)
	}
	m[key] = v
	return m
}

func writeActionError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, action.ErrUnknown):
		jsonapi.WriteError(w, jsonapi.ErrUnknownAction(name))
	case errors.Is(err, quota.ErrInvalidArgument):
		jsonapi.WriteBadRequest(w, err.Error())
	default:
		jsonapi.WriteInternalError(w, "")
	}
}

// -----------------------------------------------------------------------------
// Resources
// -----------------------------------------------------------------------------

func actionResource(a action.Action) jsonapi.Resource {
	return jsonapi.NewResource(TypeAction, a.Name).
		Attr("label", a.Label).
		Attr("weight", a.Weight).
		Attr("callApi", a.CallAPI).
		Build()
}

func quotaResource(id ports.Identity, st app.Status) jsonapi.Resource {
	b := jsonapi.NewResource(TypeQuota, st.UserKey).
		Attr("anonymous", id.Anonymous).
		Attr("known", st.Known).
		Attr("blocked", st.Blocked).
		Attr("today", st.Today).
		Attr("remaining", st.Remaining).
		Attr("totalActions", st.Record.TotalActions).
		Attr("actionCounts", st.Record.ActionCounts).
		Attr("settings", st.Settings)
	if id.Email != "" {
		b.Attr("email", id.Email)
	}
	if st.Blocked {
		b.Attr("blockedUntil", st.Record.BlockedUntil)
	}
	if st.Known {
		b.Attr("firstSeen", st.Record.FirstSeen).Attr("lastSeen", st.Record.LastSeen)
	}
	return b.Build()
}

func decisionResource(out app.Outcome) jsonapi.Resource {
	d := out.Decision
	b := jsonapi.NewResource(TypeDecision, out.Action.Name).
		Attr("outcome", d.Outcome).
		Attr("weight", out.Action.Weight).
		Attr("usage", d.Usage).
		Attr("remaining", quota.Remaining(d.Usage, d.Settings)).
		Attr("settings", d.Settings)
	if out.Response != nil {
		b.Attr("response", out.Response)
	}
	return b.Build()
}
