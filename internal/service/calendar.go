package service

import (
	"time"

	"kudos-bot/internal/model"
)

// Calendar decides what "now" and the current cycle are.
type Calendar struct {
	Clock    func() time.Time
	Location *time.Location
}

// NewCalendar returns a Calendar on the wall clock in loc. A nil loc means time.Local.
func NewCalendar(loc *time.Location) Calendar {
	return Calendar{Clock: time.Now, Location: loc}
}

// Now returns the current time in the calendar's location.
func (c Calendar) Now() time.Time {
	now := time.Now
	if c.Clock != nil {
		now = c.Clock
	}
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return now().In(loc)
}

// Current returns the cycle containing Now.
func (c Calendar) Current() model.Cycle {
	return model.CycleOf(c.Now())
}
