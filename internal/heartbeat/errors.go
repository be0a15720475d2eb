package heartbeat

import "errors"

// Scheduler lifecycle errors
var (
	ErrAlreadyRunning = errors.New("heartbeat scheduler is already running")
	ErrNotRunning     = errors.New("heartbeat scheduler is not running")
	ErrNoPosition     = errors.New("no position available for heartbeat")
)
