// Package calendar computes settlement dates in business days.
package calendar

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Calculator steps dates over business days: days that are neither
// Saturday, Sunday nor a listed holiday.
type Calculator struct {
	holidays map[string]struct{}
}

// New creates a calculator with the given holidays.
func New(holidays ...time.Time) *Calculator {
	c := &Calculator{holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		c.holidays[h.Format(dateLayout)] = struct{}{}
	}
	return c
}

// ParseHolidays builds a calculator from YYYY-MM-DD strings.
func ParseHolidays(dates []string) (*Calculator, error) {
	days := make([]time.Time, 0, len(dates))
	for _, s := range dates {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("calendar: invalid holiday %q: %w", s, err)
		}
		days = append(days, d)
	}
	return New(days...), nil
}

// IsBusinessDay reports whether d is a business day. Only the calendar
// date of d in its own location matters.
func (c *Calculator) IsBusinessDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[d.Format(dateLayout)]
	return !holiday
}

// Step returns the date n business days after d, at midnight in d's
// location. Step(d, 0) rolls d forward to the next business day when d
// itself is not one.
func (c *Calculator) Step(d time.Time, n int) time.Time {
	day := StartOfDay(d)
	for n > 0 {
		day = day.AddDate(0, 0, 1)
		if c.IsBusinessDay(day) {
			n--
		}
	}
	for !c.IsBusinessDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

// StartOfDay truncates t to midnight in its location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
