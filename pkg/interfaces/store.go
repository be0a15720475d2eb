package interfaces

import (
	"context"
	"time"

	"nearsync/pkg/types"
)

// NearbyStore is the local cache for device identity and nearby snapshots.
// ARCHITECTURAL DISCOVERY: Storage abstracted to interface level so the
// engine works with the SQLite store, an in-memory store, or none at all
type NearbyStore interface {
	// DeviceID returns the stable per-install device identifier,
	// generating and persisting one on first call.
	DeviceID() (string, error)

	// SaveSnapshot persists the last good nearby list for a (campus, radius).
	SaveSnapshot(ctx context.Context, campusID string, radiusM int, items []types.NearbyUser) error

	// LoadSnapshot returns the cached list and its save time.
	// FUNCTIONAL DISCOVERY: A missing row is a typed error, not an empty
	// result - callers must distinguish "never cached" from "cached empty"
	LoadSnapshot(ctx context.Context, campusID string, radiusM int) ([]types.NearbyUser, time.Time, error)

	// Close releases the underlying storage.
	Close() error
}
