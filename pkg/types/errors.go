package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidCampusID    = errors.New("campus ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRadius      = errors.New("radius must be one of the configured discovery radii")
	ErrInvalidCoordinates = errors.New("latitude must be in [-90,90] and longitude in [-180,180]")
	ErrNoPosition         = errors.New("no current position")
)
