package quota

import "time"

// Retention controls how long per-day and per-hour buckets are kept.
// Lifetime totals and per-action counters are never pruned.
type Retention struct {
	Days  int `json:"days" yaml:"days"`
	Hours int `json:"hours" yaml:"hours"`
}

// DefaultRetention keeps a month of daily buckets and two days of hourly ones.
func DefaultRetention() Retention {
	return Retention{Days: 31, Hours: 48}
}

// Cutoffs returns the oldest day and hour keys that survive pruning at now.
// Keys sort lexicographically in time order, so string comparison is enough.
func (r Retention) Cutoffs(now time.Time) (day, hour string) {
	days := r.Days
	if days < 1 {
		days = 1
	}
	hours := r.Hours
	if hours < 1 {
		hours = 1
	}
	day = DayKey(now.AddDate(0, 0, -(days - 1)))
	hour = HourKey(now.Add(-time.Duration(hours-1) * time.Hour))
	return day, hour
}

// Prune deletes buckets older than the cutoffs and reports how many were removed.
func (r *UsageRecord) Prune(dayCutoff, hourCutoff string) int {
	removed := 0
	for k := range r.DailyActions {
		if k < dayCutoff {
			delete(r.DailyActions, k)
			removed++
		}
	}
	for k := range r.HourlyActions {
		if k < hourCutoff {
			delete(r.HourlyActions, k)
			removed++
		}
	}
	return removed
}
