// Package accumulator merges full nearby snapshots and incremental diffs
// into stable, duplicate-free per-radius peer lists.
package accumulator

import (
	"sort"
	"sync"
	"time"

	"nearsync/pkg/types"
)

// Accumulator owns every radius bucket; no other component mutates them.
// ARCHITECTURAL DISCOVERY: Single mutex over all buckets keeps diff
// application in strict receipt order - no per-bucket lock interleaving
type Accumulator struct {
	mu      sync.Mutex
	buckets map[int]*bucket

	// onChange receives a read-only view of each bucket after a mutation,
	// invoked outside the lock.
	onChange func(types.Bucket)
}

// bucket is the mutable internal state for one radius.
type bucket struct {
	items       map[string]types.NearbyUser
	loading     bool
	lastUpdated time.Time
	errMsg      string
	cursor      int64

	// revision increments on every applied event. tombstones remember at
	// which revision a key was removed by a diff, so a snapshot that was
	// already in flight cannot resurrect it.
	revision   uint64
	tombstones map[string]uint64
}

func newBucket() *bucket {
	return &bucket{
		items:      make(map[string]types.NearbyUser),
		tombstones: make(map[string]uint64),
		loading:    true,
	}
}

// New creates an empty accumulator. onChange may be nil.
func New(onChange func(types.Bucket)) *Accumulator {
	return &Accumulator{
		buckets:  make(map[int]*bucket),
		onChange: onChange,
	}
}

func (a *Accumulator) bucketFor(radiusM int) *bucket {
	b, ok := a.buckets[radiusM]
	if !ok {
		b = newBucket()
		a.buckets[radiusM] = b
	}
	return b
}

// EnsureBucket lazily creates the bucket for a radius in loading state.
func (a *Accumulator) EnsureBucket(radiusM int) {
	a.mu.Lock()
	a.bucketFor(radiusM)
	view := a.viewLocked(radiusM)
	a.mu.Unlock()
	a.notify(view)
}

// BeginSnapshot records the bucket revision at fetch start. The returned
// value is passed back to ApplySnapshot so removals that happen during the
// fetch are honored.
func (a *Accumulator) BeginSnapshot(radiusM int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.bucketFor(radiusM)
	b.loading = true
	return b.revision
}

// ApplySnapshot replaces a bucket's contents with a full fetch result.
// FUNCTIONAL DISCOVERY: The most recently applied event stays authoritative
// for record contents, but keys removed by diffs after baseRev are excluded
// - a slow snapshot cannot resurrect a peer that already walked away
func (a *Accumulator) ApplySnapshot(radiusM int, baseRev uint64, items []types.NearbyUser) {
	a.mu.Lock()
	b := a.bucketFor(radiusM)

	fresh := make(map[string]types.NearbyUser, len(items))
	for _, item := range items {
		item.Normalize()
		if removedAt, ok := b.tombstones[item.UserID]; ok && removedAt > baseRev {
			continue
		}
		fresh[item.UserID] = item
	}
	b.items = fresh

	// Tombstones from before the snapshot are obsolete: this snapshot is
	// newer evidence than those removals.
	for id, removedAt := range b.tombstones {
		if removedAt <= baseRev {
			delete(b.tombstones, id)
		}
	}

	b.revision++
	b.loading = false
	b.errMsg = ""
	b.lastUpdated = time.Now()
	view := a.viewLocked(radiusM)
	a.mu.Unlock()
	a.notify(view)
}

// ApplyDiff folds an incremental add/update/remove event into its bucket.
// Applying the same diff twice is idempotent: adds and updates are keyed
// whole-record replacements, removals of absent keys are no-ops.
func (a *Accumulator) ApplyDiff(diff types.NearbyDiff) {
	a.mu.Lock()
	b := a.bucketFor(diff.RadiusM)
	b.revision++

	for _, u := range diff.Added {
		u.Normalize()
		b.items[u.UserID] = u
		delete(b.tombstones, u.UserID)
	}
	for _, u := range diff.Updated {
		u.Normalize()
		// Whole-record replacement: an update for an existing key swaps
		// every field, not just the ones that changed.
		b.items[u.UserID] = u
		delete(b.tombstones, u.UserID)
	}
	for _, id := range diff.Removed {
		delete(b.items, id)
		b.tombstones[id] = b.revision
	}

	b.lastUpdated = time.Now()
	view := a.viewLocked(diff.RadiusM)
	a.mu.Unlock()
	a.notify(view)
}

// ApplyCursor folds an append-only log batch into its bucket.
// FUNCTIONAL DISCOVERY: The cursor is monotonic - a batch at or behind the
// high-water mark is a duplicate delivery and is dropped whole
func (a *Accumulator) ApplyCursor(u types.CursorUpdate) {
	a.mu.Lock()
	b := a.bucketFor(u.RadiusM)
	if u.Cursor <= b.cursor {
		a.mu.Unlock()
		return
	}
	b.cursor = u.Cursor
	b.revision++

	for _, item := range u.Items {
		item.Normalize()
		b.items[item.UserID] = item
		delete(b.tombstones, item.UserID)
	}

	b.loading = false
	b.lastUpdated = time.Now()
	view := a.viewLocked(u.RadiusM)
	a.mu.Unlock()
	a.notify(view)
}

// SetError attaches an error message to a bucket without touching its items.
func (a *Accumulator) SetError(radiusM int, msg string) {
	a.mu.Lock()
	b := a.bucketFor(radiusM)
	b.errMsg = msg
	b.loading = false
	view := a.viewLocked(radiusM)
	a.mu.Unlock()
	a.notify(view)
}

// ClearError removes a bucket's error message if it matches the predicate.
// The cooldown clear path uses this to clear only its own messages.
func (a *Accumulator) ClearError(radiusM int, match func(string) bool) {
	a.mu.Lock()
	b, ok := a.buckets[radiusM]
	if !ok || b.errMsg == "" || (match != nil && !match(b.errMsg)) {
		a.mu.Unlock()
		return
	}
	b.errMsg = ""
	view := a.viewLocked(radiusM)
	a.mu.Unlock()
	a.notify(view)
}

// MarkLoaded clears the loading flag without content, used when a fetch
// short-circuits to an empty bucket.
func (a *Accumulator) MarkLoaded(radiusM int) {
	a.mu.Lock()
	b := a.bucketFor(radiusM)
	b.loading = false
	b.errMsg = ""
	b.lastUpdated = time.Now()
	view := a.viewLocked(radiusM)
	a.mu.Unlock()
	a.notify(view)
}

// Seed pre-fills a bucket from the local cache. The bucket stays in loading
// state: cached peers render immediately while fresh data is fetched.
func (a *Accumulator) Seed(radiusM int, items []types.NearbyUser, cachedAt time.Time) {
	a.mu.Lock()
	b := a.bucketFor(radiusM)
	if len(b.items) > 0 || b.revision > 0 {
		a.mu.Unlock()
		return // live data already arrived, cache is stale
	}
	for _, item := range items {
		item.Normalize()
		b.items[item.UserID] = item
	}
	b.lastUpdated = cachedAt
	view := a.viewLocked(radiusM)
	a.mu.Unlock()
	a.notify(view)
}

// Bucket returns a sorted read-only view of one radius bucket.
func (a *Accumulator) Bucket(radiusM int) (types.Bucket, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.buckets[radiusM]; !ok {
		return types.Bucket{}, false
	}
	return a.viewLocked(radiusM), true
}

// Radii returns every radius that currently has a bucket.
func (a *Accumulator) Radii() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	radii := make([]int, 0, len(a.buckets))
	for r := range a.buckets {
		radii = append(radii, r)
	}
	sort.Ints(radii)
	return radii
}

// Reset clears every bucket back to empty loading state. Called when the
// identity or campus scope changes: old peers must not leak into new scope.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	views := make([]types.Bucket, 0, len(a.buckets))
	for r := range a.buckets {
		a.buckets[r] = newBucket()
		views = append(views, a.viewLocked(r))
	}
	a.mu.Unlock()
	for _, v := range views {
		a.notify(v)
	}
}

// viewLocked derives the sorted, duplicate-free consumer view. Callers hold
// the lock.
// TECHNICAL DISCOVERY: Re-deriving order on every read instead of keeping a
// sorted slice makes every merge path trivially duplicate-free - the map is
// the single source of truth
func (a *Accumulator) viewLocked(radiusM int) types.Bucket {
	b := a.buckets[radiusM]
	items := make([]types.NearbyUser, 0, len(b.items))
	for _, u := range b.items {
		items = append(items, u)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].DistanceM != items[j].DistanceM {
			return items[i].DistanceM < items[j].DistanceM
		}
		// Deterministic tiebreak keeps the UI stable across merges.
		return items[i].UserID < items[j].UserID
	})

	return types.Bucket{
		RadiusM: radiusM,
		Items:   items,
		Meta: types.BucketMeta{
			Count:       len(items),
			Loading:     b.loading,
			LastUpdated: b.lastUpdated,
		},
		Error: b.errMsg,
	}
}

func (a *Accumulator) notify(view types.Bucket) {
	if a.onChange != nil {
		a.onChange(view)
	}
}
