package risk

import (
	"time"
)

const sessionKeyLayout = "2006-01-02"

// Session describes the trading day. A session ends at the close time of day
// in its location, and the next one begins immediately after.
type Session struct {
	loc     *time.Location
	closeAt time.Duration
}

// NewSession builds a session closing closeAt after local midnight in loc.
func NewSession(loc *time.Location, closeAt time.Duration) Session {
	if loc == nil {
		loc = time.UTC
	}
	if closeAt <= 0 || closeAt > 24*time.Hour {
		closeAt = 24 * time.Hour
	}
	return Session{loc: loc, closeAt: closeAt}
}

// Location returns the session time zone.
func (s Session) Location() *time.Location {
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}

// End returns the close of the session containing now.
func (s Session) End(now time.Time) time.Time {
	local := now.In(s.Location())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location())
	end := midnight.Add(s.closeAt)
	if !local.Before(end) {
		end = time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, s.Location()).Add(s.closeAt)
	}
	return end
}

// Key names the session containing now by the local date of its close.
func (s Session) Key(now time.Time) string {
	return s.End(now).Add(-time.Nanosecond).In(s.Location()).Format(sessionKeyLayout)
}
