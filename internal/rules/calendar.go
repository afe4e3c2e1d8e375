package rules

import (
	"errors"
	"fmt"
	"time"
)

// DayLayout is the calendar-day format used for draw dates and result days.
const DayLayout = "2006-01-02"

var ErrNoActiveDays = errors.New("rules: baji has no active days")

// IST is the platform's default timezone (UTC+05:30).
var IST = time.FixedZone("IST", 5*60*60+30*60)

// Day returns the calendar day of t in loc.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

// DrawSchedule is the subset of a baji that draw-date assignment needs.
type DrawSchedule interface {
	ActiveOn(day time.Weekday) bool
	HasResult(betType, day string) bool
}

// NextDrawDate returns the first calendar day, starting today, on which the
// baji draws and has no published result for betType yet.
func NextDrawDate(s DrawSchedule, betType string, now time.Time, loc *time.Location) (string, error) {
	local := now.In(loc)
	for i := 0; i < 8; i++ {
		d := local.AddDate(0, 0, i)
		if !s.ActiveOn(d.Weekday()) {
			continue
		}
		day := d.Format(DayLayout)
		if i == 0 && s.HasResult(betType, day) {
			continue
		}
		return day, nil
	}
	return "", ErrNoActiveDays
}

// WithdrawalWindow gates withdrawal requests by local time of day.
// Monday to Saturday a window opens at 11:00 and runs to 03:00 the next
// morning; on Sunday it runs from 11:00 to 14:00.
type WithdrawalWindow struct {
	Loc *time.Location
}

const (
	windowOpen      = 11 * 60
	weekdayClose    = 3 * 60
	sundayCloseTime = 14 * 60
)

// Allowed reports whether t falls inside a window. When it does not, msg
// explains the schedule that applies on the local day of t.
func (w WithdrawalWindow) Allowed(t time.Time) (ok bool, msg string) {
	loc := w.Loc
	if loc == nil {
		loc = IST
	}
	local := t.In(loc)
	day := local.Weekday()
	minutes := local.Hour()*60 + local.Minute()

	switch {
	case minutes >= windowOpen:
		if day != time.Sunday || minutes < sundayCloseTime {
			return true, ""
		}
	case minutes < weekdayClose:
		// Tail of the previous evening's window; Sunday's window has no tail.
		if prev := (day + 6) % 7; prev != time.Sunday {
			return true, ""
		}
	}

	schedule := "Withdrawals are allowed only from Monday to Saturday between 11 AM and 3 AM IST."
	if day == time.Sunday {
		schedule = "Withdrawals are allowed only on Sunday between 11 AM and 2 PM IST."
	}
	return false, fmt.Sprintf("Withdrawals are not allowed at this time. %s", schedule)
}
