package snapshot

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"nearsync/internal/api"
	"nearsync/pkg/interfaces"
	"nearsync/pkg/types"
)

// Retry policy for full nearby queries.
// FUNCTIONAL DISCOVERY: Linear backoff with a hard attempt ceiling - the
// realtime channel covers the gap, so aggressive retry buys little and
// risks tripping the backend rate limit
const (
	maxAttempts    = 3
	defaultBackoff = 500 * time.Millisecond
)

// Fetcher performs full per-radius nearby queries with bounded retry.
type Fetcher struct {
	api     interfaces.PresenceAPI
	backoff time.Duration

	mu          sync.RWMutex
	established bool // presence has been live at least once this session
}

// Result is the outcome of one radius fetch in a fan-out.
type Result struct {
	RadiusM int
	Items   []types.NearbyUser
	Err     error
	// Skipped marks a short-circuited fetch: no request was issued because
	// presence has never been established, so the bucket is simply empty.
	Skipped bool
}

// NewFetcher creates a snapshot fetcher over the presence API.
func NewFetcher(presenceAPI interfaces.PresenceAPI) *Fetcher {
	return &Fetcher{
		api:     presenceAPI,
		backoff: defaultBackoff,
	}
}

// MarkEstablished records that presence has been confirmed live at least
// once; from then on nearby queries are worth issuing.
func (f *Fetcher) MarkEstablished() {
	f.mu.Lock()
	f.established = true
	f.mu.Unlock()
}

// Established reports whether presence was ever confirmed this session.
func (f *Fetcher) Established() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.established
}

// Fetch performs one nearby query with bounded retry.
// FUNCTIONAL DISCOVERY: A rate-limit response is never retried locally -
// it surfaces immediately so the cooldown controller can take over.
// "Presence not found" is a valid empty result, not an error.
func (f *Fetcher) Fetch(ctx context.Context, campusID string, radiusM int) ([]types.NearbyUser, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		items, err := f.api.FetchNearby(ctx, campusID, radiusM)
		if err == nil {
			return items, nil
		}
		if errors.Is(err, api.ErrRateLimited) {
			return nil, err
		}
		if errors.Is(err, api.ErrPresenceNotFound) {
			return []types.NearbyUser{}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		log.Printf("Snapshot fetch attempt %d/%d failed for radius %dm: %v",
			attempt, maxAttempts, radiusM, err)

		if attempt < maxAttempts {
			// Linear backoff: attempt 1 waits 1x, attempt 2 waits 2x.
			select {
			case <-time.After(time.Duration(attempt) * f.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, lastErr
}

// FetchAll fans out one fetch per radius and collects paired results.
// ARCHITECTURAL DISCOVERY: Radii are isolated - one radius failing or
// rate-limiting never blocks or corrupts another's result
func (f *Fetcher) FetchAll(ctx context.Context, campusID string, radii []int) []Result {
	results := make([]Result, len(radii))

	// TECHNICAL DISCOVERY: When presence has never been established every
	// speculative request would come back "presence not found" anyway, so
	// all buckets short-circuit to loaded-and-empty without traffic
	if !f.Established() {
		for i, r := range radii {
			results[i] = Result{RadiusM: r, Items: []types.NearbyUser{}, Skipped: true}
		}
		return results
	}

	var wg sync.WaitGroup
	for i, r := range radii {
		wg.Add(1)
		go func(i, radiusM int) {
			defer wg.Done()
			items, err := f.Fetch(ctx, campusID, radiusM)
			results[i] = Result{RadiusM: radiusM, Items: items, Err: err}
		}(i, r)
	}
	wg.Wait()

	return results
}
