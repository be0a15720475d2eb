package interfaces

import (
	"context"

	"nearsync/pkg/types"
)

// WatchHandle is the teardown handle returned by PositionSource.Watch.
// ARCHITECTURAL DISCOVERY: Explicit subscription handles replace ambient
// callback registration - one designated Cancel per subscription
type WatchHandle interface {
	// Cancel stops the watch. Callbacks must not fire after Cancel returns;
	// late provider callbacks from a superseded watch are dropped.
	Cancel()
}

// PositionSource acquires and watches the device location.
type PositionSource interface {
	// Acquire performs a one-shot location fix.
	// FUNCTIONAL DISCOVERY: Demo sources never fail - they return a fixed
	// coarse-accuracy seed so unauthenticated scope can always go live
	Acquire(ctx context.Context) (*types.Position, error)

	// Watch starts continuous tracking. onUpdate receives each fresh fix,
	// onError receives classified acquisition errors (permission vs transient).
	Watch(onUpdate func(*types.Position), onError func(error)) (WatchHandle, error)
}
