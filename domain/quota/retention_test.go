package quota

import (
	"testing"
	"time"
)

func TestRetention_Cutoffs(t *testing.T) {
	r := Retention{Days: 3, Hours: 2}
	day, hour := r.Cutoffs(baseTime)

	if day != "2024-03-13" {
		t.Errorf("day cutoff = %s, want 2024-03-13", day)
	}
	if hour != "2024-03-15 13:00" {
		t.Errorf("hour cutoff = %s, want 2024-03-15 13:00", hour)
	}
}

func TestRetention_CutoffsNeverDropCurrentBucket(t *testing.T) {
	day, hour := Retention{}.Cutoffs(baseTime)
	if day != DayKey(baseTime) {
		t.Errorf("day cutoff = %s, want today", day)
	}
	if hour != HourKey(baseTime) {
		t.Errorf("hour cutoff = %s, want current hour", hour)
	}
}

func TestRecord_Prune(t *testing.T) {
	r := NewRecord(baseTime)
	r.DailyActions["2024-03-01"] = 4
	r.DailyActions["2024-03-15"] = 1
	r.HourlyActions["2024-03-14 09:00"] = 4
	r.HourlyActions["2024-03-15 14:00"] = 1
	r.ActionCounts["x"] = 5
	r.TotalActions = 5

	day, hour := Retention{Days: 7, Hours: 24}.Cutoffs(baseTime)
	removed := r.Prune(day, hour)

	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok := r.DailyActions["2024-03-01"]; ok {
		t.Error("old daily bucket survived")
	}
	if _, ok := r.HourlyActions["2024-03-14 09:00"]; ok {
		t.Error("old hourly bucket survived")
	}
	if r.DailyActions["2024-03-15"] != 1 || r.HourlyActions["2024-03-15 14:00"] != 1 {
		t.Error("current buckets were pruned")
	}
	if r.TotalActions != 5 || r.ActionCounts["x"] != 5 {
		t.Error("lifetime counters must not change on prune")
	}
}

func TestRecord_PruneAcrossMidnight(t *testing.T) {
	now := time.Date(2024, 3, 16, 0, 30, 0, 0, time.UTC)
	r := NewRecord(now)
	r.HourlyActions["2024-03-15 23:00"] = 1
	r.HourlyActions["2024-03-15 22:00"] = 1

	_, hour := Retention{Days: 1, Hours: 2}.Cutoffs(now)
	r.Prune(DayKey(now), hour)

	if _, ok := r.HourlyActions["2024-03-15 23:00"]; !ok {
		t.Error("previous hour should survive a two hour retention")
	}
	if _, ok := r.HourlyActions["2024-03-15 22:00"]; ok {
		t.Error("bucket two hours back should be pruned")
	}
}
