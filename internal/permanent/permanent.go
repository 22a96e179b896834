package permanent

import (
	"errors"
	"fmt"
)

// Error tags a delivery or gateway failure that retrying cannot fix,
// such as a rejected chat id or a malformed request.
type Error struct {
	Err error
}

// Error returns the wrapped message.
// Params: none.
// Returns: string representation.
func (e Error) Error() string {
	if e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

// Unwrap exposes the cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// Permanent implements the marker interface checked by Is.
func (Error) Permanent() bool {
	return true
}

// Mark wraps err as non-retryable.
// Params: source error.
// Returns: tagged error or nil for nil input.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Errorf formats a new non-retryable error; %w verbs are preserved.
// Params: format and arguments as for fmt.Errorf.
// Returns: tagged error.
func Errorf(format string, args ...any) error {
	return Error{Err: fmt.Errorf(format, args...)}
}

// Is reports whether any error in the chain carries the permanent marker.
// Params: candidate error.
// Returns: true when retries must stop.
func Is(err error) bool {
	if err == nil {
		return false
	}
	var tagged interface{ Permanent() bool }
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}
