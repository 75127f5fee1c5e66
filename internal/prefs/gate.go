// Package prefs implements the preference gate: the decision layer that
// determines whether a notification may be sent to a user on a channel,
// and the service that manages preference rows and unsubscribe tokens.
package prefs

import (
	"fmt"
	"time"

	"notifly/internal/types"
)

// FrequencyBlocked is the sentinel returned by FrequencyDelay when the
// user's email frequency forbids sending entirely.
const FrequencyBlocked = time.Duration(-1)

// Decision is the outcome of a preference gate evaluation.
// Deferred means the send is allowed but must wait Delay for the user's
// quiet hours to end. Degraded marks a fail-open allow taken because the
// preference store was unreachable.
type Decision struct {
	Allowed  bool          `json:"allowed"`
	Deferred bool          `json:"deferred,omitempty"`
	Degraded bool          `json:"degraded,omitempty"`
	Delay    time.Duration `json:"-"`
	Reason   string        `json:"reason"`
}

// Gate evaluates a user's preferences against a proposed send.
// It is pure policy: all state comes in through arguments, the clock
// abstraction keeps time-dependent logic deterministic in tests.
type Gate struct {
	clock  types.Clock
	logger types.Logger
}

// NewGate creates a Gate with the given clock and logger.
func NewGate(clock types.Clock, logger types.Logger) *Gate {
	return &Gate{clock: clock, logger: logger}
}

// Evaluate runs the preference checks in precedence order:
//
//  1. Channel master switch off -> denied.
//  2. Known category toggled off -> denied. Unknown categories have no
//     toggle and pass through.
//  3. Email frequency "never" -> denied (email only).
//  4. Quiet hours active -> allowed but deferred until the window ends.
//
// Any send that clears all four checks is allowed immediately.
func (g *Gate) Evaluate(prefs *types.UserPreferences, channel types.Channel, category types.Category) Decision {
	if !prefs.ChannelEnabled(channel) {
		return Decision{Reason: fmt.Sprintf("%s notifications disabled", channel)}
	}

	if category.Known() && !prefs.CategoryEnabled(category) {
		return Decision{Reason: fmt.Sprintf("%s notifications disabled by preference", category.Normalize())}
	}

	if channel == types.ChannelEmail && prefs.EmailFrequency == types.FrequencyNever {
		return Decision{Reason: "email frequency set to never"}
	}

	now := g.clock.Now()
	if g.IsQuietHours(prefs, now) {
		return Decision{
			Allowed:  true,
			Deferred: true,
			Delay:    g.DelayUntilActive(prefs, now),
			Reason: fmt.Sprintf("quiet hours active (%s-%s %s)",
				prefs.QuietHoursStart, prefs.QuietHoursEnd, timezoneOrUTC(prefs.Timezone)),
		}
	}

	return Decision{Allowed: true, Reason: "all preference checks passed"}
}

// IsQuietHours reports whether now falls inside the user's quiet hours
// window, evaluated as wall-clock time in the user's timezone.
//
// An empty or degenerate window (start == end) means never quiet. A
// same-day window is inclusive at both ends: 22:00-23:00 is quiet at
// exactly 22:00 and exactly 23:00. An overnight window (start > end)
// is quiet from start through midnight to end, again inclusive.
// Malformed times or timezones fail open: not quiet.
func (g *Gate) IsQuietHours(prefs *types.UserPreferences, now time.Time) bool {
	start := prefs.QuietHoursStart
	end := prefs.QuietHoursEnd
	if start == "" || end == "" || start == end {
		return false
	}

	loc, err := time.LoadLocation(timezoneOrUTC(prefs.Timezone))
	if err != nil {
		g.logger.Warn("invalid quiet hours timezone, treating as not quiet",
			"user_id", prefs.UserID, "timezone", prefs.Timezone)
		return false
	}

	startTime, err := parseTimeOfDay(start)
	if err != nil {
		g.logger.Warn("invalid quiet hours start, treating as not quiet",
			"user_id", prefs.UserID, "start", start)
		return false
	}
	endTime, err := parseTimeOfDay(end)
	if err != nil {
		g.logger.Warn("invalid quiet hours end, treating as not quiet",
			"user_id", prefs.UserID, "end", end)
		return false
	}

	local := now.In(loc)
	nowMin := local.Hour()*60 + local.Minute()
	startMin := startTime.toMinutes()
	endMin := endTime.toMinutes()

	if startMin == endMin {
		// "9:00" vs "09:00" style aliases of the degenerate window.
		return false
	}

	if startMin < endMin {
		// Same-day window, e.g. 09:00-17:00.
		return nowMin >= startMin && nowMin <= endMin
	}
	// Overnight window, e.g. 22:00-08:00.
	return nowMin >= startMin || nowMin <= endMin
}

// DelayUntilActive returns how long a deferred send must wait for the
// user's quiet hours to end: the duration until the next occurrence of
// QuietHoursEnd in the user's timezone, rolling to tomorrow when that
// wall-clock time has already passed today. Inside the end minute itself
// the delay is zero. Returns 0 on any parse or timezone error so a broken
// row never blocks delivery.
func (g *Gate) DelayUntilActive(prefs *types.UserPreferences, now time.Time) time.Duration {
	loc, err := time.LoadLocation(timezoneOrUTC(prefs.Timezone))
	if err != nil {
		g.logger.Warn("invalid timezone computing quiet hours delay",
			"user_id", prefs.UserID, "timezone", prefs.Timezone)
		return 0
	}

	end, err := parseTimeOfDay(prefs.QuietHoursEnd)
	if err != nil {
		g.logger.Warn("invalid quiet hours end computing delay",
			"user_id", prefs.UserID, "end", prefs.QuietHoursEnd)
		return 0
	}

	local := now.In(loc)
	if local.Hour()*60+local.Minute() == end.toMinutes() {
		// The window is inclusive at its final minute. A send arriving
		// inside it is already at the boundary; rolling the end to
		// tomorrow would hold it for a full day.
		return 0
	}
	target := time.Date(local.Year(), local.Month(), local.Day(),
		end.hour, end.minute, 0, 0, loc)
	if !target.After(local) {
		target = target.AddDate(0, 0, 1)
	}

	return target.Sub(local)
}

// FrequencyDelay maps an email frequency to the hold applied before
// dispatch. FrequencyBlocked means the send must not happen at all;
// unrecognized values behave as immediate.
func FrequencyDelay(freq types.EmailFrequency) time.Duration {
	switch freq {
	case types.FrequencyDaily:
		return 24 * time.Hour
	case types.FrequencyWeekly:
		return 7 * 24 * time.Hour
	case types.FrequencyNever:
		return FrequencyBlocked
	}
	return 0
}

// timeOfDay represents a wall-clock time with hour and minute components.
type timeOfDay struct {
	hour   int
	minute int
}

// toMinutes converts a timeOfDay to minutes since midnight for comparison.
func (t timeOfDay) toMinutes() int {
	return t.hour*60 + t.minute
}

// parseTimeOfDay parses a "HH:MM" string into a timeOfDay.
func parseTimeOfDay(s string) (timeOfDay, error) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 {
		return timeOfDay{}, fmt.Errorf("expected HH:MM format, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return timeOfDay{}, fmt.Errorf("time out of range: %q", s)
	}
	return timeOfDay{hour: h, minute: m}, nil
}

// timezoneOrUTC substitutes UTC for an empty timezone.
func timezoneOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}
