package clock

import "time"

// Clock supplies wall-clock time to TTL caches, formatters and supervisors.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock in UTC.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always reports the same instant; tests advance it by reassigning.
type Fixed struct {
	At time.Time
}

// Now returns the fixed instant.
// Params: none.
// Returns: configured time.
func (f *Fixed) Now() time.Time {
	return f.At
}

// Advance moves the fixed instant forward.
// Params: duration to add.
// Returns: none.
func (f *Fixed) Advance(d time.Duration) {
	f.At = f.At.Add(d)
}
