package miner

import (
	"fmt"
	"time"
)

// Clock supplies the construction timestamp of new blocks
type Clock interface {
	Now() (time.Time, error)
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns the current time, rejecting readings before the Unix epoch
func (SystemClock) Now() (time.Time, error) {
	now := time.Now()
	if now.UnixMilli() < 0 {
		return time.Time{}, fmt.Errorf("%w: wall clock reads %s, before the Unix epoch", ErrClock, now.UTC().Format(time.RFC3339))
	}
	return now, nil
}

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() (time.Time, error)

// Now calls f
func (f ClockFunc) Now() (time.Time, error) {
	return f()
}
