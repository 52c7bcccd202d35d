// Package status renders the one-line coding session summary.
package status

import (
	"fmt"
	"strconv"

	"github.com/fakeyudi/codepulse/internal/api"
)

const (
	// Idle is shown when the service reports no session activity.
	Idle = "codepulse"
	// LoggedOut is shown when the summary could not be fetched.
	LoggedOut = "⚠️ codepulse: log in to see your stats"
)

const flowMarker = "🚀"

// Format renders s, e.g. "🚀 42 KPM, ◒ 35 min". A nil summary means the
// fetch failed.
func Format(s *api.SessionSummary) string {
	if s == nil {
		return LoggedOut
	}
	if s.CurrentSessionKpm <= 0 && s.CurrentSessionMinutes <= 0 {
		return Idle
	}

	session := SessionTime(s.CurrentSessionMinutes)
	if icon := GoalIcon(s.CurrentSessionGoalPercent); icon != "" {
		session = icon + " " + session
	}
	msg := fmt.Sprintf("%d KPM, %s", s.CurrentSessionKpm, session)
	if s.InFlow {
		msg = flowMarker + " " + msg
	}
	return msg
}

// GoalIcon returns the progress glyph for a session goal fraction, or ""
// when no progress has been made.
func GoalIcon(pct float64) string {
	switch {
	case pct <= 0:
		return ""
	case pct < 0.45:
		return "❍"
	case pct < 0.70:
		return "◒"
	case pct < 0.95:
		return "◍"
	default:
		return "●"
	}
}

// SessionTime renders a duration given in minutes.
func SessionTime(minutes int64) string {
	switch {
	case minutes == 60:
		return "1 hr"
	case minutes > 60:
		return strconv.FormatFloat(float64(minutes)/60, 'f', 2, 64) + " hrs"
	case minutes == 1:
		return "1 min"
	default:
		return strconv.FormatInt(minutes, 10) + " min"
	}
}
