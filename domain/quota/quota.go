// Package quota provides the value types and pure functions behind per-user
// quota enforcement. All functions are deterministic with no side effects;
// state ownership lives in app.Engine.
package quota

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidArgument is returned for empty keys, negative weights and
// degenerate settings.
var ErrInvalidArgument = errors.New("invalid argument")

// Bucket key layouts.
const (
	DayLayout  = "2006-01-02"
	HourLayout = "2006-01-02 15:00"
)

// DefaultWeight is the cost charged for an action when the caller does not
// specify one.
const DefaultWeight = 1

// ReasonBlocked is the denial reason while a cooldown is active.
const ReasonBlocked = "temporarily blocked"

// Window identifies which limit a violation refers to.
type Window string

const (
	WindowDaily  Window = "daily"
	WindowHourly Window = "hourly"
	// WindowTotal is the "monthly" limit. It is a lifetime cap and never
	// rolls over on its own; only an explicit reset clears it.
	WindowTotal  Window = "monthly"
	WindowAction Window = "action"
)

// Settings holds the process-wide limits (value type).
type Settings struct {
	DailyLimit      int64 `json:"dailyLimit" yaml:"daily_limit"`
	HourlyLimit     int64 `json:"hourlyLimit" yaml:"hourly_limit"`
	MonthlyLimit    int64 `json:"monthlyLimit" yaml:"monthly_limit"`
	PerActionLimit  int64 `json:"perActionLimit" yaml:"per_action_limit"`
	CooldownMinutes int64 `json:"cooldownMinutes" yaml:"cooldown_minutes"`
}

// DefaultSettings mirrors the original dashboard's ten requests per day.
func DefaultSettings() Settings {
	return Settings{
		DailyLimit:      10,
		HourlyLimit:     5,
		MonthlyLimit:    100,
		PerActionLimit:  8,
		CooldownMinutes: 5,
	}
}

// Validate rejects non-positive limits and a negative cooldown.
func (s Settings) Validate() error {
	checks := []struct {
		name  string
		value int64
	}{
		{"dailyLimit", s.DailyLimit},
		{"hourlyLimit", s.HourlyLimit},
		{"monthlyLimit", s.MonthlyLimit},
		{"perActionLimit", s.PerActionLimit},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidArgument, c.name, c.value)
		}
	}
	if s.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldownMinutes must not be negative, got %d", ErrInvalidArgument, s.CooldownMinutes)
	}
	return nil
}

// Cooldown returns the block duration.
func (s Settings) Cooldown() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

// SettingsPatch is a partial settings update. Nil fields keep their value.
type SettingsPatch struct {
	DailyLimit      *int64 `json:"dailyLimit,omitempty"`
	HourlyLimit     *int64 `json:"hourlyLimit,omitempty"`
	MonthlyLimit    *int64 `json:"monthlyLimit,omitempty"`
	PerActionLimit  *int64 `json:"perActionLimit,omitempty"`
	CooldownMinutes *int64 `json:"cooldownMinutes,omitempty"`
}

// PatchFrom builds a patch that replaces every field.
func PatchFrom(s Settings) SettingsPatch {
	return SettingsPatch{
		DailyLimit:      &s.DailyLimit,
		HourlyLimit:     &s.HourlyLimit,
		MonthlyLimit:    &s.MonthlyLimit,
		PerActionLimit:  &s.PerActionLimit,
		CooldownMinutes: &s.CooldownMinutes,
	}
}

// Apply merges the patch onto base and returns the result.
func (p SettingsPatch) Apply(base Settings) Settings {
	if p.DailyLimit != nil {
		base.DailyLimit = *p.DailyLimit
	}
	if p.HourlyLimit != nil {
		base.HourlyLimit = *p.HourlyLimit
	}
	if p.MonthlyLimit != nil {
		base.MonthlyLimit = *p.MonthlyLimit
	}
	if p.PerActionLimit != nil {
		base.PerActionLimit = *p.PerActionLimit
	}
	if p.CooldownMinutes != nil {
		base.CooldownMinutes = *p.CooldownMinutes
	}
	return base
}

// UsageRecord is the per-user usage state. JSON field names match the
// persisted document shape.
type UsageRecord struct {
	FirstSeen     time.Time        `json:"firstSeen"`
	LastSeen      time.Time        `json:"lastSeen"`
	TotalActions  int64            `json:"totalActions"`
	DailyActions  map[string]int64 `json:"dailyActions"`
	HourlyActions map[string]int64 `json:"hourlyActions"`
	ActionCounts  map[string]int64 `json:"actionCounts"`
	BlockedUntil  *time.Time       `json:"blockedUntil"`
}

// NewRecord returns an empty record first seen at now.
func NewRecord(now time.Time) UsageRecord {
	return UsageRecord{
		FirstSeen:     now,
		LastSeen:      now,
		DailyActions:  make(map[string]int64),
		HourlyActions: make(map[string]int64),
		ActionCounts:  make(map[string]int64),
	}
}

// FreshRecord returns the record state after a reset: zero totals with a
// single zero entry for the current day and hour bucket.
func FreshRecord(now time.Time) UsageRecord {
	r := NewRecord(now)
	r.DailyActions[DayKey(now)] = 0
	r.HourlyActions[HourKey(now)] = 0
	return r
}

// Clone returns a deep copy.
func (r UsageRecord) Clone() UsageRecord {
	out := r
	out.DailyActions = cloneCounts(r.DailyActions)
	out.HourlyActions = cloneCounts(r.HourlyActions)
	out.ActionCounts = cloneCounts(r.ActionCounts)
	if r.BlockedUntil != nil {
		t := *r.BlockedUntil
		out.BlockedUntil = &t
	}
	return out
}

// Normalize allocates nil maps, e.g. after decoding a document that omitted them.
func (r *UsageRecord) Normalize() {
	if r.DailyActions == nil {
		r.DailyActions = make(map[string]int64)
	}
	if r.HourlyActions == nil {
		r.HourlyActions = make(map[string]int64)
	}
	if r.ActionCounts == nil {
		r.ActionCounts = make(map[string]int64)
	}
}

// IsBlocked reports whether the cooldown is still active at now.
func (r UsageRecord) IsBlocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// Snapshot returns the four counters relevant to action at now.
func (r UsageRecord) Snapshot(action string, now time.Time) Counters {
	return Counters{
		Daily:  r.DailyActions[DayKey(now)],
		Hourly: r.HourlyActions[HourKey(now)],
		Total:  r.TotalActions,
		Action: r.ActionCounts[action],
	}
}

// Charge runs one admission check against r at now. While a cooldown is
// active nothing changes; otherwise an expired block is cleared, weight is
// added to every counter and the limits are evaluated, blocking r for the
// cooldown on any violation. changed reports whether r was modified.
func (r *UsageRecord) Charge(action string, weight int64, s Settings, now time.Time) (d Decision, changed bool) {
	if r.IsBlocked(now) {
		until := *r.BlockedUntil
		return Decision{
			Outcome:          Denied,
			Reason:           ReasonBlocked,
			BlockedUntil:     &until,
			RemainingMinutes: RemainingMinutes(until, now),
			Usage:            r.Snapshot(action, now),
			Settings:         s,
		}, false
	}
	r.Normalize()
	r.BlockedUntil = nil

	day, hour := DayKey(now), HourKey(now)
	r.DailyActions[day] += weight
	r.HourlyActions[hour] += weight
	r.ActionCounts[action] += weight
	r.TotalActions += weight
	r.LastSeen = now

	usage := Counters{
		Daily:  r.DailyActions[day],
		Hourly: r.HourlyActions[hour],
		Total:  r.TotalActions,
		Action: r.ActionCounts[action],
	}

	violations := Evaluate(usage, s, action)
	if len(violations) == 0 {
		return Decision{Outcome: Allowed, Usage: usage, Settings: s}, true
	}

	until := now.Add(s.Cooldown())
	r.BlockedUntil = &until
	blocked := until
	return Decision{
		Outcome:          Denied,
		Reason:           JoinMessages(violations),
		Violations:       violations,
		BlockedUntil:     &blocked,
		RemainingMinutes: RemainingMinutes(until, now),
		Usage:            usage,
		Settings:         s,
	}, true
}

func cloneCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DayKey returns the daily bucket key for t (in t's location).
func DayKey(t time.Time) string {
	return t.Format(DayLayout)
}

// HourKey returns the hourly bucket key for t (in t's location).
func HourKey(t time.Time) string {
	return t.Format(HourLayout)
}

// Counters is a snapshot of the counters evaluated for one action.
type Counters struct {
	Daily  int64 `json:"daily"`
	Hourly int64 `json:"hourly"`
	Total  int64 `json:"total"`
	Action int64 `json:"action"`
}

// Violation describes one exceeded limit.
type Violation struct {
	Window  Window `json:"window"`
	Current int64  `json:"current"`
	Limit   int64  `json:"limit"`
	Message string `json:"message"`
}

// Evaluate checks post-increment counters against settings. Checks are
// strict (>), so the request that lands exactly on a limit is allowed.
// Violations are returned in order: daily, hourly, monthly, per-action.
// This is a PURE function.
func Evaluate(c Counters, s Settings, action string) []Violation {
	var out []Violation
	if c.Daily > s.DailyLimit {
		out = append(out, Violation{
			Window:  WindowDaily,
			Current: c.Daily,
			Limit:   s.DailyLimit,
			Message: fmt.Sprintf("Limite journalière dépassée (%d/%d)", c.Daily, s.DailyLimit),
		})
	}
	if c.Hourly > s.HourlyLimit {
		out = append(out, Violation{
			Window:  WindowHourly,
			Current: c.Hourly,
			Limit:   s.HourlyLimit,
			Message: fmt.Sprintf("Limite horaire dépassée (%d/%d)", c.Hourly, s.HourlyLimit),
		})
	}
	if c.Total > s.MonthlyLimit {
		out = append(out, Violation{
			Window:  WindowTotal,
			Current: c.Total,
			Limit:   s.MonthlyLimit,
			Message: fmt.Sprintf("Limite mensuelle dépassée (%d/%d)", c.Total, s.MonthlyLimit),
		})
	}
	if c.Action > s.PerActionLimit {
		out = append(out, Violation{
			Window:  WindowAction,
			Current: c.Action,
			Limit:   s.PerActionLimit,
			Message: fmt.Sprintf("Limite pour l'action '%s' dépassée (%d/%d)", action, c.Action, s.PerActionLimit),
		})
	}
	return out
}

// JoinMessages joins violation messages into a single reason string.
func JoinMessages(vs []Violation) string {
	msgs := make([]string, len(vs))
	for i, v := range vs {
		msgs[i] = v.Message
	}
	return strings.Join(msgs, "; ")
}

// RemainingMinutes returns ceil((until-now)/1m), never below zero.
// This is a PURE function.
func RemainingMinutes(until, now time.Time) int64 {
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	m := int64(d / time.Minute)
	if d%time.Minute != 0 {
		m++
	}
	return m
}

// ValidateCall rejects an empty user key, an empty action or a negative weight.
func ValidateCall(userKey, action string, weight int64) error {
	if userKey == "" {
		return fmt.Errorf("%w: user key is required", ErrInvalidArgument)
	}
	if action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidArgument)
	}
	if weight < 0 {
		return fmt.Errorf("%w: weight must not be negative, got %d", ErrInvalidArgument, weight)
	}
	return nil
}
