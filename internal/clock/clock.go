package clock

import "time"

// DateLayout is the calendar-day format used for daily peaks and records.
const DateLayout = "2006-01-02"

// Clock abstracts time so jobs can be tested against a fixed day.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// New returns the wall clock.
func New() Clock {
	return RealClock{}
}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Fixed is a Clock frozen at a point in time. Set moves it.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

func (f *Fixed) Since(t time.Time) time.Duration { return f.T.Sub(t) }

// Set moves the fixed clock to t.
func (f *Fixed) Set(t time.Time) { f.T = t }

// Day returns the UTC calendar day of t.
func Day(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBefore returns the calendar day n days before the day of t.
func DaysBefore(t time.Time, n int) string {
	return StartOfDay(t).AddDate(0, 0, -n).Format(DateLayout)
}
