package engine

import "errors"

// Engine lifecycle errors
var (
	ErrAlreadyStarted = errors.New("presence engine is already started")
	ErrNotStarted     = errors.New("presence engine is not started")
	ErrEngineClosed   = errors.New("presence engine is closed")
)
