package window

import (
	"errors"
	"time"
)

var ErrInvalidBounds = errors.New("window: invalid hour bounds")

// Policy is the daily sending window: outbound nudges may only go out
// between OpenHour (inclusive) and CloseHour (exclusive), local to Location.
type Policy struct {
	OpenHour  int
	CloseHour int
	Location  *time.Location
}

func New(openHour, closeHour int, loc *time.Location) (Policy, error) {
	if openHour < 0 || openHour > 23 || closeHour < 1 || closeHour > 24 || openHour >= closeHour {
		return Policy{}, ErrInvalidBounds
	}
	if loc == nil {
		loc = time.UTC
	}
	return Policy{OpenHour: openHour, CloseHour: closeHour, Location: loc}, nil
}

// Contains reports whether t falls inside the sending window.
func (p Policy) Contains(t time.Time) bool {
	local := t.In(p.Location)
	h := local.Hour()
	return h >= p.OpenHour && h < p.CloseHour
}

// NextOpen returns the earliest instant at or after t that is inside the
// window: t itself when already in-window, today's opening when t is before
// it, otherwise tomorrow's opening.
func (p Policy) NextOpen(t time.Time) time.Time {
	local := t.In(p.Location)
	if p.Contains(t) {
		return t
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), p.OpenHour, 0, 0, 0, p.Location)
	if local.Before(open) {
		return open
	}
	return open.AddDate(0, 0, 1)
}

// Clip normalizes a due instant so it never lands in disallowed hours.
func (p Policy) Clip(t time.Time) time.Time {
	return p.NextOpen(t)
}
