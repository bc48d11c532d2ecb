package clock

import "time"

// Clock abstracts the time functions veneer schedules against so debounce
// windows and injected delays can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// AfterFunc calls fn once d has elapsed. Real runs fn in its own
	// goroutine; Manual runs it synchronously inside Advance, so fn must
	// not block.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the handle returned by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It reports false when the timer
	// already fired or was stopped.
	Stop() bool
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Since mirrors time.Since.
func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// AfterFunc mirrors time.AfterFunc.
func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Ensure returns c when non-nil, otherwise the real clock.
func Ensure(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
