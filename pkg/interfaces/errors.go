package interfaces

import "errors"

// Cross-component sentinel errors that belong to the contracts themselves
// rather than to any single implementation.
var (
	// ErrFactoryNotReady signals that the socket factory cannot produce
	// connections yet (backend URL not resolved, transport not initialized).
	ErrFactoryNotReady = errors.New("socket factory not ready")

	// ErrNoSnapshot signals that no cached snapshot exists for the
	// requested (campus, radius) pair.
	ErrNoSnapshot = errors.New("no cached snapshot")
)
