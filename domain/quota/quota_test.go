package quota

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var baseTime = time.Date(2024, 3, 15, 14, 25, 0, 0, time.UTC)

func testSettings() Settings {
	return Settings{
		DailyLimit:      2,
		HourlyLimit:     10,
		MonthlyLimit:    100,
		PerActionLimit:  10,
		CooldownMinutes: 5,
	}
}

// -----------------------------------------------------------------------------
// Evaluate tests
// -----------------------------------------------------------------------------

func TestEvaluate_AtLimitIsAllowed(t *testing.T) {
	s := testSettings()
	c := Counters{Daily: 2, Hourly: 10, Total: 100, Action: 10}

	if vs := Evaluate(c, s, "x"); len(vs) != 0 {
		t.Errorf("expected no violations at the limit, got %v", vs)
	}
}

func TestEvaluate_DailyExceeded(t *testing.T) {
	vs := Evaluate(Counters{Daily: 3, Hourly: 3, Total: 3, Action: 3}, testSettings(), "x")

	if len(vs) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(vs))
	}
	if vs[0].Window != WindowDaily {
		t.Errorf("Window = %s, want daily", vs[0].Window)
	}
	if vs[0].Message != "Limite journalière dépassée (3/2)" {
		t.Errorf("Message = %q", vs[0].Message)
	}
}

func TestEvaluate_Order(t *testing.T) {
	s := Settings{DailyLimit: 1, HourlyLimit: 1, MonthlyLimit: 1, PerActionLimit: 1}
	vs := Evaluate(Counters{Daily: 2, Hourly: 2, Total: 2, Action: 2}, s, "heavy")

	want := []Window{WindowDaily, WindowHourly, WindowTotal, WindowAction}
	if len(vs) != len(want) {
		t.Fatalf("expected %d violations, got %d", len(want), len(vs))
	}
	for i, w := range want {
		if vs[i].Window != w {
			t.Errorf("violation %d window = %s, want %s", i, vs[i].Window, w)
		}
	}
	if !strings.Contains(vs[3].Message, "'heavy'") {
		t.Errorf("action message should name the action, got %q", vs[3].Message)
	}
}

func TestJoinMessages(t *testing.T) {
	vs := []Violation{{Message: "a"}, {Message: "b"}}
	if got := JoinMessages(vs); got != "a; b" {
		t.Errorf("JoinMessages = %q, want %q", got, "a; b")
	}
	if got := JoinMessages(nil); got != "" {
		t.Errorf("JoinMessages(nil) = %q, want empty", got)
	}
}

// -----------------------------------------------------------------------------
// Settings tests
// -----------------------------------------------------------------------------

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults", func(*Settings) {}, false},
		{"zero cooldown", func(s *Settings) { s.CooldownMinutes = 0 }, false},
		{"zero daily", func(s *Settings) { s.DailyLimit = 0 }, true},
		{"negative hourly", func(s *Settings) { s.HourlyLimit = -1 }, true},
		{"zero monthly", func(s *Settings) { s.MonthlyLimit = 0 }, true},
		{"zero per action", func(s *Settings) { s.PerActionLimit = 0 }, true},
		{"negative cooldown", func(s *Settings) { s.CooldownMinutes = -5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestSettingsPatch_Apply(t *testing.T) {
	base := testSettings()
	daily := int64(50)
	cooldown := int64(0)

	got := SettingsPatch{DailyLimit: &daily, CooldownMinutes: &cooldown}.Apply(base)

	if got.DailyLimit != 50 {
		t.Errorf("DailyLimit = %d, want 50", got.DailyLimit)
	}
	if got.CooldownMinutes != 0 {
		t.Errorf("CooldownMinutes = %d, want 0", got.CooldownMinutes)
	}
	if got.HourlyLimit != base.HourlyLimit || got.MonthlyLimit != base.MonthlyLimit {
		t.Errorf("untouched fields changed: %+v", got)
	}
}

func TestPatchFrom_ReplacesEverything(t *testing.T) {
	want := Settings{DailyLimit: 1, HourlyLimit: 2, MonthlyLimit: 3, PerActionLimit: 4, CooldownMinutes: 5}
	if got := PatchFrom(want).Apply(DefaultSettings()); got != want {
		t.Errorf("Apply(PatchFrom) = %+v, want %+v", got, want)
	}
}

// -----------------------------------------------------------------------------
// Record tests
// -----------------------------------------------------------------------------

func TestKeys(t *testing.T) {
	if got := DayKey(baseTime); got != "2024-03-15" {
		t.Errorf("DayKey = %s", got)
	}
	if got := HourKey(baseTime); got != "2024-03-15 14:00" {
		t.Errorf("HourKey = %s", got)
	}
}

func TestFreshRecord_SeedsCurrentBuckets(t *testing.T) {
	r := FreshRecord(baseTime)

	if v, ok := r.DailyActions["2024-03-15"]; !ok || v != 0 {
		t.Errorf("expected zero entry for today, got %v (present=%v)", v, ok)
	}
	if v, ok := r.HourlyActions["2024-03-15 14:00"]; !ok || v != 0 {
		t.Errorf("expected zero entry for this hour, got %v (present=%v)", v, ok)
	}
	if len(r.ActionCounts) != 0 {
		t.Errorf("expected empty action counts, got %v", r.ActionCounts)
	}
	if r.BlockedUntil != nil {
		t.Error("fresh record should not be blocked")
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := NewRecord(baseTime)
	r.DailyActions["2024-03-15"] = 3
	until := baseTime.Add(time.Minute)
	r.BlockedUntil = &until

	c := r.Clone()
	c.DailyActions["2024-03-15"] = 99
	*c.BlockedUntil = baseTime

	if r.DailyActions["2024-03-15"] != 3 {
		t.Error("clone shares daily map with original")
	}
	if !r.BlockedUntil.Equal(until) {
		t.Error("clone shares blockedUntil with original")
	}
}

func TestRecord_IsBlocked(t *testing.T) {
	r := NewRecord(baseTime)
	if r.IsBlocked(baseTime) {
		t.Error("record without block reported blocked")
	}

	until := baseTime.Add(5 * time.Minute)
	r.BlockedUntil = &until
	if !r.IsBlocked(baseTime.Add(4 * time.Minute)) {
		t.Error("expected blocked before blockedUntil")
	}
	if r.IsBlocked(until) {
		t.Error("block must be expired at exactly blockedUntil")
	}
}

func TestRecord_Normalize(t *testing.T) {
	var r UsageRecord
	r.Normalize()
	if r.DailyActions == nil || r.HourlyActions == nil || r.ActionCounts == nil {
		t.Error("Normalize left nil maps")
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func TestRemainingMinutes(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want int64
	}{
		{"expired", -time.Minute, 0},
		{"now", 0, 0},
		{"one second", time.Second, 1},
		{"exact minute", time.Minute, 1},
		{"just over", time.Minute + time.Second, 2},
		{"five minutes", 5 * time.Minute, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RemainingMinutes(baseTime.Add(tt.d), baseTime); got != tt.want {
				t.Errorf("RemainingMinutes = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidateCall(t *testing.T) {
	if err := ValidateCall("u1", "x", 0); err != nil {
		t.Errorf("zero weight should be accepted: %v", err)
	}
	for _, tc := range []struct {
		key, action string
		weight      int64
	}{
		{"", "x", 1},
		{"u1", "", 1},
		{"u1", "x", -1},
	} {
		if err := ValidateCall(tc.key, tc.action, tc.weight); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ValidateCall(%q, %q, %d) = %v, want ErrInvalidArgument", tc.key, tc.action, tc.weight, err)
		}
	}
}

func TestRemaining_ClampsAtZero(t *testing.T) {
	got := Remaining(Counters{Daily: 3, Hourly: 1, Total: 10, Action: 1}, testSettings())
	if got.Daily != 0 {
		t.Errorf("Daily = %d, want 0", got.Daily)
	}
	if got.Hourly != 9 {
		t.Errorf("Hourly = %d, want 9", got.Hourly)
	}
	if got.Total != 90 {
		t.Errorf("Total = %d, want 90", got.Total)
	}
}

func TestDecision_RetryAfter(t *testing.T) {
	until := baseTime.Add(3 * time.Minute)
	d := Decision{Outcome: Denied, BlockedUntil: &until}

	if got := d.RetryAfter(baseTime); got != 3*time.Minute {
		t.Errorf("RetryAfter = %v, want 3m", got)
	}
	if got := (Decision{Outcome: Allowed}).RetryAfter(baseTime); got != 0 {
		t.Errorf("allowed RetryAfter = %v, want 0", got)
	}
}
