package prefs

import (
	"testing"
	"time"

	"notifly/internal/types"
)

// mockClock implements types.Clock for deterministic testing.
type mockClock struct {
	now time.Time
}

func (c *mockClock) Now() time.Time { return c.now }

// mockLogger implements types.Logger as a no-op for tests.
type mockLogger struct{}

func (l *mockLogger) Info(msg string, args ...any)  {}
func (l *mockLogger) Error(msg string, args ...any) {}
func (l *mockLogger) Warn(msg string, args ...any)  {}
func (l *mockLogger) With(args ...any) types.Logger { return l }

func newTestGate(now time.Time) *Gate {
	return NewGate(&mockClock{now: now}, &mockLogger{})
}

// utc builds a UTC instant at the given wall-clock time on a fixed date.
func utc(hour, minute int) time.Time {
	return time.Date(2026, 8, 10, hour, minute, 0, 0, time.UTC)
}

func overnightPrefs() *types.UserPreferences {
	p := types.DefaultPreferences("user_1")
	p.QuietHoursStart = "22:00"
	p.QuietHoursEnd = "08:00"
	p.Timezone = "UTC"
	return p
}

func TestIsQuietHours_OvernightWindowBoundaries(t *testing.T) {
	g := newTestGate(utc(12, 0))
	prefs := overnightPrefs()

	cases := []struct {
		hour, minute int
		want         bool
	}{
		{22, 0, true},  // exact start
		{23, 59, true}, // before midnight
		{0, 0, true},   // midnight
		{3, 30, true},  // deep in window
		{8, 0, true},   // exact end is still quiet
		{8, 1, false},  // one minute past end
		{21, 59, false},
		{12, 0, false},
	}

	for _, tc := range cases {
		got := g.IsQuietHours(prefs, utc(tc.hour, tc.minute))
		if got != tc.want {
			t.Errorf("IsQuietHours at %02d:%02d = %v, want %v", tc.hour, tc.minute, got, tc.want)
		}
	}
}

func TestIsQuietHours_SameDayWindowInclusiveEnds(t *testing.T) {
	g := newTestGate(utc(12, 0))
	prefs := overnightPrefs()
	prefs.QuietHoursStart = "09:00"
	prefs.QuietHoursEnd = "17:00"

	cases := []struct {
		hour, minute int
		want         bool
	}{
		{9, 0, true},
		{12, 0, true},
		{17, 0, true}, // end is inclusive
		{8, 59, false},
		{17, 1, false},
		{0, 0, false},
	}

	for _, tc := range cases {
		got := g.IsQuietHours(prefs, utc(tc.hour, tc.minute))
		if got != tc.want {
			t.Errorf("IsQuietHours at %02d:%02d = %v, want %v", tc.hour, tc.minute, got, tc.want)
		}
	}
}

func TestIsQuietHours_DegenerateWindowNeverQuiet(t *testing.T) {
	g := newTestGate(utc(22, 0))
	prefs := overnightPrefs()
	prefs.QuietHoursStart = "22:00"
	prefs.QuietHoursEnd = "22:00"

	if g.IsQuietHours(prefs, utc(22, 0)) {
		t.Error("start == end must mean never quiet, even at that exact minute")
	}

	// Different spellings of the same minute are still degenerate.
	prefs.QuietHoursEnd = "22:0"
	if g.IsQuietHours(prefs, utc(22, 0)) {
		t.Error("aliased start == end must mean never quiet")
	}
}

func TestIsQuietHours_EmptyWindowNeverQuiet(t *testing.T) {
	g := newTestGate(utc(23, 0))
	prefs := overnightPrefs()
	prefs.QuietHoursStart = ""
	prefs.QuietHoursEnd = ""

	if g.IsQuietHours(prefs, utc(23, 0)) {
		t.Error("empty window must mean never quiet")
	}
}

func TestIsQuietHours_EvaluatedInUserTimezone(t *testing.T) {
	g := newTestGate(utc(12, 0))
	prefs := overnightPrefs()
	prefs.Timezone = "Asia/Tokyo"

	// 14:00 UTC is 23:00 in Tokyo: inside the overnight window.
	if !g.IsQuietHours(prefs, utc(14, 0)) {
		t.Error("expected quiet: 14:00 UTC is 23:00 Tokyo")
	}
	// 03:00 UTC is 12:00 in Tokyo: outside.
	if g.IsQuietHours(prefs, utc(3, 0)) {
		t.Error("expected not quiet: 03:00 UTC is 12:00 Tokyo")
	}
}

func TestIsQuietHours_MalformedInputsFailOpen(t *testing.T) {
	g := newTestGate(utc(23, 0))

	bad := []*types.UserPreferences{
		func() *types.UserPreferences {
			p := overnightPrefs()
			p.Timezone = "Not/AZone"
			return p
		}(),
		func() *types.UserPreferences {
			p := overnightPrefs()
			p.QuietHoursStart = "25:00"
			return p
		}(),
		func() *types.UserPreferences {
			p := overnightPrefs()
			p.QuietHoursEnd = "nonsense"
			return p
		}(),
	}

	for _, prefs := range bad {
		if g.IsQuietHours(prefs, utc(23, 0)) {
			t.Errorf("malformed prefs %+v must fail open to not quiet", prefs)
		}
	}
}

func TestDelayUntilActive(t *testing.T) {
	g := newTestGate(utc(12, 0))
	prefs := overnightPrefs()

	cases := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"before midnight", utc(23, 0), 9 * time.Hour},
		{"after midnight", utc(7, 0), time.Hour},
		// The end minute is still quiet, but the send is at the boundary
		// already; waiting until tomorrow's 08:00 would hold it a day.
		{"exactly at end sends immediately", utc(8, 0), 0},
		{"inside the end minute sends immediately", utc(8, 0).Add(30 * time.Second), 0},
		{"past end rolls to tomorrow", utc(8, 30), 23*time.Hour + 30*time.Minute},
	}

	for _, tc := range cases {
		got := g.DelayUntilActive(prefs, tc.now)
		if got != tc.want {
			t.Errorf("%s: DelayUntilActive = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDelayUntilActive_ErrorsReturnZero(t *testing.T) {
	g := newTestGate(utc(23, 0))

	prefs := overnightPrefs()
	prefs.Timezone = "Not/AZone"
	if d := g.DelayUntilActive(prefs, utc(23, 0)); d != 0 {
		t.Errorf("invalid timezone: want 0 delay, got %v", d)
	}

	prefs = overnightPrefs()
	prefs.QuietHoursEnd = "99:99"
	if d := g.DelayUntilActive(prefs, utc(23, 0)); d != 0 {
		t.Errorf("invalid end time: want 0 delay, got %v", d)
	}
}

func TestFrequencyDelay(t *testing.T) {
	cases := []struct {
		freq types.EmailFrequency
		want time.Duration
	}{
		{types.FrequencyImmediate, 0},
		{types.FrequencyDaily, 24 * time.Hour},
		{types.FrequencyWeekly, 7 * 24 * time.Hour},
		{types.FrequencyNever, FrequencyBlocked},
		{types.EmailFrequency("hourly"), 0},
	}

	for _, tc := range cases {
		if got := FrequencyDelay(tc.freq); got != tc.want {
			t.Errorf("FrequencyDelay(%s) = %v, want %v", tc.freq, got, tc.want)
		}
	}
}

func TestEvaluate_ChannelSwitchHasPrecedence(t *testing.T) {
	g := newTestGate(utc(23, 0)) // inside quiet hours
	prefs := overnightPrefs()
	prefs.EmailEnabled = false
	prefs.Categories = types.CategorySettings{types.CategoryBooking: false}

	d := g.Evaluate(prefs, types.ChannelEmail, types.CategoryBooking)
	if d.Allowed {
		t.Fatal("disabled channel must deny")
	}
	if d.Reason != "email notifications disabled" {
		t.Errorf("channel switch must win over category and quiet hours, got reason %q", d.Reason)
	}
}

func TestEvaluate_KnownCategoryDisabled(t *testing.T) {
	g := newTestGate(utc(12, 0))
	prefs := types.DefaultPreferences("user_1")

	d := g.Evaluate(prefs, types.ChannelEmail, types.CategoryMarketing)
	if d.Allowed {
		t.Error("marketing is off by default and must deny")
	}

	// Case-insensitive category matching.
	d = g.Evaluate(prefs, types.ChannelPush, types.Category("MARKETING"))
	if d.Allowed {
		t.Error("category matching must be case-insensitive")
	}
}

func TestEvaluate_UnknownCategoryPassesWhenChannelOn(t *testing.T) {
	g := newTestGate(utc(12, 0))
	prefs := types.DefaultPreferences("user_1")

	d := g.Evaluate(prefs, types.ChannelPush, types.Category("product_updates"))
	if !d.Allowed {
		t.Errorf("unknown category has no toggle and must pass, got reason %q", d.Reason)
	}
}

func TestEvaluate_EmailFrequencyNeverShortCircuits(t *testing.T) {
	g := newTestGate(utc(12, 0))
	prefs := types.DefaultPreferences("user_1")
	prefs.EmailFrequency = types.FrequencyNever

	d := g.Evaluate(prefs, types.ChannelEmail, types.CategoryBooking)
	if d.Allowed {
		t.Fatal("frequency never must deny email")
	}
	if d.Reason != "email frequency set to never" {
		t.Errorf("unexpected reason %q", d.Reason)
	}

	// Frequency only governs email; SMS is unaffected.
	d = g.Evaluate(prefs, types.ChannelSMS, types.CategoryBooking)
	if !d.Allowed {
		t.Errorf("frequency never must not affect sms, got reason %q", d.Reason)
	}
}

func TestEvaluate_QuietHoursDefersWithDelay(t *testing.T) {
	g := newTestGate(utc(23, 0))
	prefs := overnightPrefs()

	d := g.Evaluate(prefs, types.ChannelSMS, types.CategoryBooking)
	if !d.Allowed || !d.Deferred {
		t.Fatalf("quiet hours must defer, not deny: %+v", d)
	}
	if d.Delay != 9*time.Hour {
		t.Errorf("expected 9h delay until 08:00, got %v", d.Delay)
	}
}

func TestEvaluate_AllChecksPass(t *testing.T) {
	g := newTestGate(utc(12, 0))
	prefs := types.DefaultPreferences("user_1")

	d := g.Evaluate(prefs, types.ChannelEmail, types.CategoryBooking)
	if !d.Allowed || d.Deferred || d.Degraded {
		t.Fatalf("expected plain allow: %+v", d)
	}
	if d.Reason != "all preference checks passed" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
}
