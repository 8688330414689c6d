package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MarketHours is a fixed weekday range plus a time-of-day window in one UTC offset.
// It is not a trading calendar: holidays are in session.
type MarketHours struct {
	FirstDay time.Weekday
	LastDay  time.Weekday
	Open     time.Duration // offset from midnight
	Close    time.Duration
	Location *time.Location
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// Contains reports whether t falls inside the session, open inclusive, close exclusive.
func (m MarketHours) Contains(t time.Time) bool {
	loc := m.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)

	day := local.Weekday()
	if m.FirstDay <= m.LastDay {
		if day < m.FirstDay || day > m.LastDay {
			return false
		}
	} else if day < m.FirstDay && day > m.LastDay {
		return false
	}

	y, mo, d := local.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, loc)
	since := local.Sub(midnight)
	return since >= m.Open && since < m.Close
}

func (m MarketHours) String() string {
	return fmt.Sprintf("%s-%s %s-%s %s",
		m.FirstDay.String()[:3], m.LastDay.String()[:3],
		clock(m.Open), clock(m.Close), m.Location)
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// ParseMarketHours builds MarketHours from "Mon-Fri", "09:15", "15:30" and "+05:30".
func ParseMarketHours(days, openAt, closeAt, offset string) (MarketHours, error) {
	var m MarketHours

	first, last, found := strings.Cut(days, "-")
	if !found {
		last = first
	}
	var err error
	if m.FirstDay, err = parseWeekday(first); err != nil {
		return m, fmt.Errorf("invalid market days %q: %w", days, err)
	}
	if m.LastDay, err = parseWeekday(last); err != nil {
		return m, fmt.Errorf("invalid market days %q: %w", days, err)
	}

	if m.Open, err = parseClock(openAt); err != nil {
		return m, err
	}
	if m.Close, err = parseClock(closeAt); err != nil {
		return m, err
	}
	if m.Close <= m.Open {
		return m, fmt.Errorf("market close %s is not after open %s", closeAt, openAt)
	}

	if m.Location, err = parseOffset(offset); err != nil {
		return m, err
	}
	return m, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	d, ok := weekdays[s[:3]]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// parseOffset turns "+05:30" into a fixed zone so no tz database is needed at runtime.
func parseOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "Z" || s == "UTC" {
		return time.UTC, nil
	}
	sign := 1
	switch s[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return nil, fmt.Errorf("invalid utc offset %q", s)
	}
	hh, mm, _ := strings.Cut(s[1:], ":")
	h, err := strconv.Atoi(hh)
	if err != nil || h > 14 {
		return nil, fmt.Errorf("invalid utc offset %q", s)
	}
	m := 0
	if mm != "" {
		if m, err = strconv.Atoi(mm); err != nil || m > 59 {
			return nil, fmt.Errorf("invalid utc offset %q", s)
		}
	}
	return time.FixedZone("UTC"+s, sign*(h*3600+m*60)), nil
}
