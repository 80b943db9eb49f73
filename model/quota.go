package model

import "time"

// TimeWindow tags a quota or budget accounting period.
type TimeWindow string

const (
	WindowHourly  TimeWindow = "hourly"
	WindowDaily   TimeWindow = "daily"
	WindowMonthly TimeWindow = "monthly"
)

// Windows lists all accounting windows in ascending length.
func Windows() []TimeWindow {
	return []TimeWindow{WindowHourly, WindowDaily, WindowMonthly}
}

// Valid reports whether w is a known window.
func (w TimeWindow) Valid() bool {
	switch w {
	case WindowHourly, WindowDaily, WindowMonthly:
		return true
	}
	return false
}

// Start returns the wall-clock boundary of the window containing t.
// Daily and monthly windows are aligned to UTC.
func (w TimeWindow) Start(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case WindowHourly:
		return t.Truncate(time.Hour)
	case WindowDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case WindowMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Next returns the first instant after t that starts a new window.
func (w TimeWindow) Next(t time.Time) time.Time {
	start := w.Start(t)
	switch w {
	case WindowHourly:
		return start.Add(time.Hour)
	case WindowDaily:
		return start.AddDate(0, 0, 1)
	case WindowMonthly:
		return start.AddDate(0, 1, 0)
	}
	return start
}

// CapacityTier is a coarse bucket of remaining capacity.
type CapacityTier string

const (
	TierAbundant    CapacityTier = "abundant"
	TierConstrained CapacityTier = "constrained"
	TierCritical    CapacityTier = "critical"
	TierExhausted   CapacityTier = "exhausted"
)

// Rank orders tiers by remaining capacity, higher is better.
func (t CapacityTier) Rank() int {
	switch t {
	case TierAbundant:
		return 3
	case TierConstrained:
		return 2
	case TierCritical:
		return 1
	}
	return 0
}

// CapacitySnapshot is the latest capacity estimate for one
// (credential, window) pair. Replaced atomically as a whole; consumed is
// monotonic within a window and returns to zero only at a reset.
type CapacitySnapshot struct {
	CredentialID string
	Window       TimeWindow
	// Limit is the total capacity in units for the window. Zero means the
	// limit is unknown; the tier then stays Abundant.
	Limit    int64
	Consumed int64
	// Remaining is Limit - Consumed, floored at zero. Meaningless when Limit
	// is zero.
	Remaining int64
	Tier      CapacityTier
	ResetAt   time.Time
	UpdatedAt time.Time
}
