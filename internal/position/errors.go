package position

import (
	"errors"
	"fmt"
)

// Geolocation error codes, matching the numbering devices report.
const (
	CodePermissionDenied    = 1
	CodePositionUnavailable = 2
	CodeTimeout             = 3
)

// Source-level error types
var (
	ErrWatchClosed   = errors.New("position watch already cancelled")
	ErrNoProvider    = errors.New("no location provider configured")
	ErrStalePosition = errors.New("cached position older than max age")
)

// Error is a classified geolocation failure.
// ARCHITECTURAL DISCOVERY: Carrying the device error code lets the engine
// distinguish the one terminal failure (permission denial) from transient
// acquisition errors that should be retried silently
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("geolocation error %d: %s", e.Code, e.Message)
}

// IsPermissionDenied reports whether err is a permission denial.
func IsPermissionDenied(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == CodePermissionDenied
	}
	return false
}

// IsTransient reports whether err should keep the previous position
// and retry silently.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermissionDenied(err)
}
