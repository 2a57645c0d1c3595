package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/artpar/quotagate/domain/action"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/rs/zerolog"
)

// ActionService runs quota-gated actions: it charges the engine first and
// only performs the underlying work when the decision is Allowed.
type ActionService struct {
	engine *Engine
	api    ports.DemoAPI
	logger zerolog.Logger

	// Hot-reloadable action catalog.
	catalog atomic.Pointer[action.Catalog]
}

// ActionDeps contains dependencies for ActionService.
type ActionDeps struct {
	Engine  *Engine
	DemoAPI ports.DemoAPI // optional; actions with CallAPI fail without it
	Logger  zerolog.Logger
}

// NewActionService creates an action service over catalog.
func NewActionService(deps ActionDeps, catalog *action.Catalog) *ActionService {
	s := &ActionService{
		engine: deps.Engine,
		api:    deps.DemoAPI,
		logger: deps.Logger,
	}
	s.catalog.Store(catalog)
	return s
}

// UpdateCatalog swaps the action catalog.
// This is thread-safe and can be called while handling requests.
func (s *ActionService) UpdateCatalog(c *action.Catalog) {
	s.catalog.Store(c)
}

// Catalog returns the current action catalog.
func (s *ActionService) Catalog() *action.Catalog {
	return s.catalog.Load()
}

// Engine returns the underlying quota engine.
func (s *ActionService) Engine() *Engine {
	return s.engine
}

// Outcome is the result of performing an action.
type Outcome struct {
	Action   action.Action
	Decision quota.Decision

	// Set when the action called the demo API and it answered.
	Response json.RawMessage
	// Set when the action was allowed but the demo API call failed.
	// The quota units stay charged.
	CallErr error
}

// Perform charges the named action to userKey and, when allowed, runs it.
// Errors are returned for unknown actions and invalid arguments only;
// a denial is a normal Outcome.
func (s *ActionService) Perform(ctx context.Context, userKey, name string) (Outcome, error) {
	a, err := s.Catalog().Lookup(name)
	if err != nil {
		return Outcome{}, err
	}

	decision, err := s.engine.CheckAndRecord(userKey, a.Name, a.Weight)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Action: a, Decision: decision}
	if !decision.Allowed() {
		s.logger.Info().
			Str("user_key", userKey).
			Str("action", a.Name).
			Str("reason", decision.Reason).
			Int64("remaining_minutes", decision.RemainingMinutes).
			Msg("action denied")
		return out, nil
	}

	if a.CallAPI {
		if s.api == nil {
			out.CallErr = ErrNoDemoAPI
			return out, nil
		}
		body, err := s.api.Call(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("action", a.Name).Msg("demo api call failed")
			out.CallErr = err
			return out, nil
		}
		out.Response = body
	}

	s.logger.Debug().
		Str("user_key", userKey).
		Str("action", a.Name).
		Int64("daily", decision.Usage.Daily).
		Msg("action performed")
	return out, nil
}

// Status is the caller's view of their quota (value type).
type Status struct {
	UserKey   string            `json:"userKey"`
	Known     bool              `json:"known"`
	Blocked   bool              `json:"blocked"`
	Record    quota.UsageRecord `json:"record"`
	Today     quota.Counters    `json:"today"`
	Remaining quota.Counters    `json:"remaining"`
	Settings  quota.Settings    `json:"settings"`
}

// Status reports userKey's usage without charging anything.
func (s *ActionService) Status(userKey string) Status {
	settings := s.engine.Settings()
	now := s.engine.now()
	rec, ok := s.engine.Usage(userKey)
	if !ok {
		rec = quota.NewRecord(now)
	}
	today := rec.Snapshot("", now)

	return Status{
		UserKey:   userKey,
		Known:     ok,
		Blocked:   rec.IsBlocked(now),
		Record:    rec,
		Today:     today,
		Remaining: quota.Remaining(today, settings),
		Settings:  settings,
	}
}

// ErrNoDemoAPI is reported in Outcome.CallErr when no demo API is wired.
var ErrNoDemoAPI = errors.New("demo api not configured")
