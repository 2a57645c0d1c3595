package quota

import "time"

// Outcome is the admission result.
type Outcome string

const (
	Allowed Outcome = "allowed"
	Denied  Outcome = "denied"
)

// Decision is returned by every admission check (value type).
type Decision struct {
	Outcome          Outcome     `json:"outcome"`
	Reason           string      `json:"reason,omitempty"`
	Violations       []Violation `json:"violations,omitempty"`
	BlockedUntil     *time.Time  `json:"blockedUntil,omitempty"`
	RemainingMinutes int64       `json:"remainingMinutes,omitempty"`
	Usage            Counters    `json:"usage"`
	Settings         Settings    `json:"settings"`
}

// Allowed reports whether the caller may perform the action.
func (d Decision) Allowed() bool {
	return d.Outcome == Allowed
}

// RetryAfter returns how long the caller should wait before retrying.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed() || d.BlockedUntil == nil {
		return 0
	}
	if wait := d.BlockedUntil.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Stats is the engine-wide summary (value type).
type Stats struct {
	TotalUsers   int      `json:"totalUsers"`
	TotalActions int64    `json:"totalActions"`
	ActiveToday  int      `json:"activeToday"`
	Settings     Settings `json:"settings"`
}

// Remaining returns how many units are left in each window for display.
// Values never go below zero.
func Remaining(c Counters, s Settings) Counters {
	return Counters{
		Daily:  clampZero(s.DailyLimit - c.Daily),
		Hourly: clampZero(s.HourlyLimit - c.Hourly),
		Total:  clampZero(s.MonthlyLimit - c.Total),
		Action: clampZero(s.PerActionLimit - c.Action),
	}
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
