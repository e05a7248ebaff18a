package filter

import (
	"fmt"
	"slices"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// TimeFilter gates alerts on the current wall-clock time and on alert age.
type TimeFilter struct {
	base
	BusinessHoursOnly bool
	BusinessStart     int // hour of day, inclusive
	BusinessEnd       int // hour of day, exclusive
	WeekdaysOnly      bool
	AllowedDays       []time.Weekday
	MaxAge            time.Duration
	// Holidays are YYYY-MM-DD dates on which every alert is rejected.
	Holidays []string
	Location *time.Location
}

// NewTimeFilter creates an enabled TimeFilter with 09:00-17:00 business hours
// in UTC and no restrictions switched on.
func NewTimeFilter(name string) *TimeFilter {
	return &TimeFilter{
		base:          base{name: name},
		BusinessStart: 9,
		BusinessEnd:   17,
		Location:      time.UTC,
	}
}

func (f *TimeFilter) Check(a domain.Alert) (Result, error) {
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	now := domain.Now().In(loc)

	if f.BusinessHoursOnly {
		if h := now.Hour(); h < f.BusinessStart || h >= f.BusinessEnd {
			return reject(fmt.Sprintf("outside business hours: %02d:00 not in %02d:00-%02d:00",
				h, f.BusinessStart, f.BusinessEnd), nil), nil
		}
	}

	if f.WeekdaysOnly && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		return reject(fmt.Sprintf("weekend not allowed: %s", now.Weekday()), nil), nil
	}

	if len(f.AllowedDays) > 0 && !slices.Contains(f.AllowedDays, now.Weekday()) {
		return reject(fmt.Sprintf("day not allowed: %s", now.Weekday()), nil), nil
	}

	if slices.Contains(f.Holidays, now.Format(time.DateOnly)) {
		return reject(fmt.Sprintf("holiday: %s", now.Format(time.DateOnly)), nil), nil
	}

	if f.MaxAge > 0 {
		if ref := a.ReferenceTime(); !ref.IsZero() {
			if age := now.Sub(ref); age > f.MaxAge {
				return reject(fmt.Sprintf("alert too old: %s > %s", age.Round(time.Minute), f.MaxAge), map[string]any{
					"age_seconds": age.Seconds(),
				}), nil
			}
		}
	}

	return pass("time filter passed"), nil
}
