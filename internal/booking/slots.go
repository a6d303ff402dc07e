package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/medvoice/pkg/lang"
)

// slotIDLayout is the time layout of slot ids (YYYYMMDDHHMM).
const slotIDLayout = "200601021504"

// Hours is the opening interval of one weekday, in whole hours.
type Hours struct {
	Open  int
	Close int
}

// Schedule maps weekdays to opening hours. Missing days are closed.
type Schedule map[time.Weekday]Hours

// DefaultSchedule is Monday to Friday, 9:00 to 18:00.
func DefaultSchedule() Schedule {
	h := Hours{Open: 9, Close: 18}
	return Schedule{
		time.Monday:    h,
		time.Tuesday:   h,
		time.Wednesday: h,
		time.Thursday:  h,
		time.Friday:    h,
	}
}

// Slot is one bookable appointment time.
type Slot struct {
	ID        string        `json:"slot_id"`
	Time      time.Time     `json:"datetime"`
	Provider  string        `json:"provider"`
	Duration  time.Duration `json:"-"`
	Minutes   int           `json:"duration_minutes"`
	TimeOfDay string        `json:"time_formatted"`
	Formatted string        `json:"formatted_datetime"`
}

// SlotID returns the id of the slot starting at t.
func SlotID(t time.Time) string {
	return t.Format(slotIDLayout)
}

// ParseSlotID decodes a slot id in loc.
func ParseSlotID(id string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(slotIDLayout, strings.TrimSpace(id), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSlot, id)
	}
	return t, nil
}

// daySlots enumerates every slot of the calendar day containing day.
func (s Schedule) daySlots(day time.Time, step time.Duration) []time.Time {
	h, ok := s[day.Weekday()]
	if !ok || h.Close <= h.Open {
		return nil
	}
	loc := day.Location()
	cur := time.Date(day.Year(), day.Month(), day.Day(), h.Open, 0, 0, 0, loc)
	end := time.Date(day.Year(), day.Month(), day.Day(), h.Close, 0, 0, 0, loc)
	var out []time.Time
	for cur.Before(end) {
		out = append(out, cur)
		cur = cur.Add(step)
	}
	return out
}

// contains reports whether t is the start of a slot in the schedule.
func (s Schedule) contains(t time.Time, step time.Duration) bool {
	for _, st := range s.daySlots(t, step) {
		if st.Equal(t) {
			return true
		}
	}
	return false
}

var (
	frenchDays   = [...]string{"dimanche", "lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi"}
	frenchMonths = [...]string{"janvier", "février", "mars", "avril", "mai", "juin", "juillet", "août", "septembre", "octobre", "novembre", "décembre"}
)

// FormatTimeOfDay renders the clock time of t for speech: "14h30" or "9h" in
// French, "2:30 PM" in English.
func FormatTimeOfDay(t time.Time, l lang.Language) string {
	if l == lang.English {
		return t.Format("3:04 PM")
	}
	if t.Minute() == 0 {
		return fmt.Sprintf("%dh", t.Hour())
	}
	return fmt.Sprintf("%dh%02d", t.Hour(), t.Minute())
}

// FormatSlot renders t for speech: "mardi le 10 mars à 14h30" or
// "Tuesday, March 10 at 2:30 PM".
func FormatSlot(t time.Time, l lang.Language) string {
	if l == lang.English {
		return t.Format("Monday, January 2") + " at " + FormatTimeOfDay(t, l)
	}
	return fmt.Sprintf("%s le %d %s à %s", frenchDays[t.Weekday()], t.Day(), frenchMonths[t.Month()-1], FormatTimeOfDay(t, l))
}
