package channel

import "errors"

// Channel lifecycle errors
var (
	ErrAlreadyOpen   = errors.New("channel is already open")
	ErrChannelClosed = errors.New("channel is closed")
	ErrNotConnected  = errors.New("channel is not connected")
)
