package notify

import (
	"fmt"
	"strings"
	"time"

	"subscribe-service/internal/model"
)

// DefaultSlack lets a periodic tier fire a little early so a run that lands
// just before the slot does not push delivery a whole interval back.
const DefaultSlack = time.Hour

// Schedule decides when the DAILY, WEEKLY and MONTHLY tiers are due.
// IMMEDIATE is due on every run.
type Schedule struct {
	SendHour   int
	SendMinute int
	WeeklyDay  time.Weekday
	Location   *time.Location
	Slack      time.Duration
}

// ParseSchedule reads a "HH:MM" send time and an English weekday name.
func ParseSchedule(sendTime, weeklyDay string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := Schedule{Location: loc, Slack: DefaultSlack, WeeklyDay: time.Friday}

	if sendTime != "" {
		t, err := time.Parse("15:04", sendTime)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid send time %q: %w", sendTime, err)
		}
		s.SendHour, s.SendMinute = t.Hour(), t.Minute()
	}

	if weeklyDay != "" {
		day, ok := weekdays[strings.ToLower(weeklyDay)]
		if !ok {
			return Schedule{}, fmt.Errorf("invalid weekly day %q", weeklyDay)
		}
		s.WeeklyDay = day
	}
	return s, nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func (s Schedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Interval is the nominal window length of tier f starting at from.
func (s Schedule) Interval(f model.Frequency, from time.Time) time.Duration {
	switch f {
	case model.FrequencyDaily:
		return 24 * time.Hour
	case model.FrequencyWeekly:
		return 7 * 24 * time.Hour
	case model.FrequencyMonthly:
		from = from.In(s.location())
		return from.AddDate(0, 1, 0).Sub(from)
	default:
		return 0
	}
}

// LastSlot is the most recent scheduled send time of tier f at or before now.
func (s Schedule) LastSlot(f model.Frequency, now time.Time) time.Time {
	loc := s.location()
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), s.SendHour, s.SendMinute, 0, 0, loc)

	switch f {
	case model.FrequencyDaily:
		if today.After(local) {
			today = today.AddDate(0, 0, -1)
		}
		return today
	case model.FrequencyWeekly:
		back := (int(local.Weekday()) - int(s.WeeklyDay) + 7) % 7
		slot := today.AddDate(0, 0, -back)
		if slot.After(local) {
			slot = slot.AddDate(0, 0, -7)
		}
		return slot
	case model.FrequencyMonthly:
		slot := time.Date(local.Year(), local.Month(), 1, s.SendHour, s.SendMinute, 0, 0, loc)
		if slot.After(local) {
			slot = slot.AddDate(0, -1, 0)
		}
		return slot
	default:
		return now
	}
}

// Due reports whether tier f should send at now. A tier that has never
// sent is due at once.
func (s Schedule) Due(f model.Frequency, last time.Time, hasLast bool, now time.Time) bool {
	if f == model.FrequencyImmediate || !hasLast {
		return true
	}
	if !s.LastSlot(f, now).After(last) {
		return false
	}
	return now.Sub(last) >= s.Interval(f, last)-s.Slack
}
