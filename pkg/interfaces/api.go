package interfaces

import (
	"context"

	"nearsync/pkg/types"
)

// PresenceAPI is the HTTP contract with the presence backend.
// ARCHITECTURAL DISCOVERY: Pure abstraction without transport details
// enables mock implementations for scheduler and fetcher tests
type PresenceAPI interface {
	// FetchNearby performs one full nearby query for a radius.
	// FUNCTIONAL DISCOVERY: Rate-limit and presence-not-found conditions
	// surface as typed errors so callers can branch without string matching
	FetchNearby(ctx context.Context, campusID string, radiusM int) ([]types.NearbyUser, error)

	// SendHeartbeat reports the current position to keep presence fresh.
	SendHeartbeat(ctx context.Context, hb *types.HeartbeatRequest) error

	// SendOffline notifies the backend that the user went passive.
	// TECHNICAL DISCOVERY: Best-effort fire-and-forget semantics - errors
	// are swallowed because this call races process/page teardown
	SendOffline(campusID, deviceID string)
}
