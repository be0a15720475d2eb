package api

import "errors"

// Backend condition errors surfaced as typed values so callers can branch
// with errors.Is instead of matching response bodies.
var (
	// ErrRateLimited maps a 429 response. Never retried locally - the
	// cooldown controller owns what happens next.
	ErrRateLimited = errors.New("rate limited by presence backend")

	// ErrPresenceNotFound maps the 400 "presence not found" detail: the
	// user has no active presence record, a valid empty result.
	ErrPresenceNotFound = errors.New("presence not found")

	// ErrBadStatus covers all other non-2xx responses.
	ErrBadStatus = errors.New("unexpected response status")
)
