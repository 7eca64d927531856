package registry

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every TimeoutError.
var ErrTimeout = errors.New("connection timed out")

// TimeoutError is returned when a device did not connect within the configured timeout.
type TimeoutError struct {
	Address  string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempts in %s: %v",
		e.Address, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}
