package dispatch

import "time"

// Clock supplies the current time to the engines. Jobs compute overdue days
// and SLA deadlines from it, so tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock
type SystemClock struct{}

// Now returns wall-clock time
func (SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock always returns the same instant
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant
func (c FixedClock) Now() time.Time {
	return c.T
}

// Today truncates the clock's time to the local calendar day
func Today(c Clock) time.Time {
	now := c.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// OverdueDays computes days past due at the given day, floored at zero
func OverdueDays(originDueAt, today time.Time) int {
	due := time.Date(originDueAt.Year(), originDueAt.Month(), originDueAt.Day(), 0, 0, 0, 0, today.Location())
	// Midnight-to-midnight spans can be 23 or 25 hours across a DST
	// switch; round back to whole calendar days
	days := int(today.Sub(due).Round(24*time.Hour) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}
