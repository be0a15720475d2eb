// Package engine orchestrates presence: position acquisition, heartbeat
// scheduling, snapshot fetching, the realtime channel, and the per-radius
// nearby accumulator, behind one lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"nearsync/internal/accumulator"
	"nearsync/internal/api"
	"nearsync/internal/channel"
	"nearsync/internal/cooldown"
	"nearsync/internal/heartbeat"
	"nearsync/internal/position"
	"nearsync/internal/snapshot"
	"nearsync/pkg/interfaces"
	"nearsync/pkg/types"
)

// Options wires an Engine's dependencies and scope.
type Options struct {
	API     interfaces.PresenceAPI
	Source  interfaces.PositionSource
	Factory interfaces.SocketFactory

	// Fallback, when set, is tried after Source fails with a transient
	// error. A demo source here lets go-live succeed without hardware.
	Fallback interfaces.PositionSource

	// Store is the optional local cache; nil disables warm-start seeding
	// and snapshot persistence.
	Store interfaces.NearbyStore

	UserID   string
	CampusID string
	DeviceID string

	RadiiM         []int
	DefaultRadiusM int

	Heartbeat      heartbeat.Options
	CooldownWindow time.Duration
}

// Engine is the presence orchestrator for one (user, campus) scope.
// ARCHITECTURAL DISCOVERY: The engine is the single owner of presence mode -
// every component below it (scheduler, channel, fetcher) is mode-agnostic
// and acts only when told
type Engine struct {
	opts Options

	api       interfaces.PresenceAPI
	source    interfaces.PositionSource
	fallback  interfaces.PositionSource
	store     interfaces.NearbyStore
	acc       *accumulator.Accumulator
	invites   *accumulator.Bridge
	fetcher   *snapshot.Fetcher
	scheduler *heartbeat.Scheduler
	cool      *cooldown.Controller
	ch        *channel.Channel

	subs *subscribers

	mu      sync.Mutex
	mode    types.PresenceMode
	pos     *types.Position
	radius  int
	watch   interfaces.WatchHandle
	started bool
	closed  bool
	runCtx  context.Context
	cancel  context.CancelFunc

	noticeMu sync.Mutex
	notices  map[types.NoticeKind]types.Notice

	wg sync.WaitGroup
}

// New validates options and wires the engine. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
	if opts.API == nil || opts.Source == nil || opts.Factory == nil {
		return nil, fmt.Errorf("api, source, and factory are required")
	}
	if !types.IsValidID(opts.UserID) {
		return nil, types.ErrInvalidUserID
	}
	if !types.IsValidID(opts.CampusID) {
		return nil, types.ErrInvalidCampusID
	}
	if len(opts.RadiiM) == 0 {
		opts.RadiiM = append([]int(nil), types.DefaultRadiiM...)
	}
	if opts.DefaultRadiusM == 0 {
		opts.DefaultRadiusM = opts.RadiiM[0]
	}
	if !types.IsValidRadius(opts.DefaultRadiusM, opts.RadiiM) {
		return nil, types.ErrInvalidRadius
	}
	if opts.CooldownWindow <= 0 {
		opts.CooldownWindow = cooldown.DefaultWindow
	}

	e := &Engine{
		opts:     opts,
		api:      opts.API,
		source:   opts.Source,
		fallback: opts.Fallback,
		store:    opts.Store,
		mode:     types.ModePassive,
		radius:   opts.DefaultRadiusM,
		subs:     newSubscribers(),
		notices:  make(map[types.NoticeKind]types.Notice),
	}

	e.acc = accumulator.New(e.onBucketChange)
	e.invites = accumulator.NewBridge(e.acc)
	e.fetcher = snapshot.NewFetcher(opts.API)
	e.cool = cooldown.NewController(e.onCooldownClear)
	e.scheduler = heartbeat.NewScheduler(opts.API, opts.CampusID, opts.DeviceID,
		e.currentPosition, e.currentRadius, e.onHeartbeatError, opts.Heartbeat)
	e.ch = channel.New(opts.Factory, opts.UserID, opts.CampusID, channel.Handlers{
		OnDiff:      e.acc.ApplyDiff,
		OnCursor:    e.acc.ApplyCursor,
		OnStatus:    e.onChannelStatus,
		OnRateLimit: e.onSocketRateLimit,
	})

	return e, nil
}

// Start opens the realtime channel, seeds buckets from the local cache, and
// issues the initial fetch. The engine starts in passive mode.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(ctx)
	runCtx := e.runCtx
	radius := e.radius
	e.mu.Unlock()

	e.seedFromCache(runCtx)
	for _, r := range e.opts.RadiiM {
		e.acc.EnsureBucket(r)
	}

	if err := e.ch.Open(runCtx); err != nil {
		return fmt.Errorf("failed to open realtime channel: %w", err)
	}
	if err := e.ch.Subscribe(radius); err != nil {
		log.Printf("Engine: initial subscribe failed for radius %dm: %v", radius, err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refreshAll(runCtx)
	}()

	log.Printf("Presence engine started (campus=%s radius=%dm)", e.opts.CampusID, radius)
	return nil
}

// GoLive acquires a position, confirms one heartbeat with the backend, and
// only then flips to live mode. On any failure the engine stays passive.
func (e *Engine) GoLive(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.mode == types.ModeLive {
		e.mu.Unlock()
		return nil
	}
	runCtx := e.runCtx
	e.mu.Unlock()

	src := e.source
	pos, err := src.Acquire(ctx)
	if err != nil && e.fallback != nil && position.IsTransient(err) {
		log.Printf("Engine: position acquisition failed (%v), using fallback", err)
		src = e.fallback
		pos, err = src.Acquire(ctx)
	}
	if err != nil {
		if position.IsPermissionDenied(err) {
			e.raiseNotice(types.NoticeLocation, "Location permission denied. Enable it to go live.", true)
		} else {
			e.raiseNotice(types.NoticeLocation, "Could not determine your position.", false)
		}
		return err
	}

	e.mu.Lock()
	e.pos = pos
	e.mu.Unlock()

	// FUNCTIONAL DISCOVERY: Mode flips only after the backend accepts a
	// heartbeat - a user who appears live must actually be discoverable
	if err := e.scheduler.SendNow(ctx); err != nil {
		e.mu.Lock()
		e.pos = nil
		e.mu.Unlock()
		e.raiseNotice(types.NoticeHeartbeat, "Could not reach the presence service.", false)
		return fmt.Errorf("failed to establish presence: %w", err)
	}

	e.fetcher.MarkEstablished()
	e.clearNotice(types.NoticeLocation)
	e.clearNotice(types.NoticeHeartbeat)

	e.mu.Lock()
	e.mode = types.ModeLive
	e.mu.Unlock()

	if err := e.scheduler.Start(runCtx); err != nil && err != heartbeat.ErrAlreadyRunning {
		log.Printf("Engine: heartbeat start failed: %v", err)
	}

	handle, err := src.Watch(e.onPositionUpdate, e.onPositionError)
	if err != nil {
		// Live continues on the go-live fix; continuous tracking is an
		// upgrade, not a requirement.
		log.Printf("Engine: position watch unavailable: %v", err)
	} else {
		e.mu.Lock()
		e.watch = handle
		e.mu.Unlock()
	}

	e.subs.publish(Event{Type: EventModeChanged, Mode: types.ModeLive})
	log.Printf("Presence engine live (demo=%v accuracy=%.0fm)", pos.Demo, pos.AccuracyM)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refreshAll(runCtx)
	}()
	return nil
}

// GoPassive stops heartbeats and position tracking. It never fails: the
// user asked to disappear, and disappear they do.
func (e *Engine) GoPassive() {
	e.mu.Lock()
	if e.mode == types.ModePassive {
		e.mu.Unlock()
		return
	}
	e.mode = types.ModePassive
	watch := e.watch
	e.watch = nil
	e.pos = nil
	e.mu.Unlock()

	if watch != nil {
		watch.Cancel()
	}
	// Stop sends the offline notification; it is a no-op if the scheduler
	// never ran, so a never-live engine never reports a phantom offline.
	e.scheduler.Stop()
	e.clearNotice(types.NoticeHeartbeat)

	e.subs.publish(Event{Type: EventModeChanged, Mode: types.ModePassive})
	log.Printf("Presence engine passive")
}

// SetRadius switches the active discovery radius: leave the old room, join
// the new one, refetch. Rejected while a cooldown window is open.
func (e *Engine) SetRadius(radiusM int) error {
	if !types.IsValidRadius(radiusM, e.opts.RadiiM) {
		return types.ErrInvalidRadius
	}
	if err := e.cool.Gate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if radiusM == e.radius {
		e.mu.Unlock()
		return nil
	}
	old := e.radius
	e.radius = radiusM
	runCtx := e.runCtx
	e.mu.Unlock()

	if err := e.ch.Unsubscribe(old); err != nil {
		log.Printf("Engine: unsubscribe radius %dm failed: %v", old, err)
	}
	if err := e.ch.Subscribe(radiusM); err != nil {
		log.Printf("Engine: subscribe radius %dm failed: %v", radiusM, err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refreshRadius(runCtx, radiusM)
	}()

	log.Printf("Discovery radius switched %dm -> %dm", old, radiusM)
	return nil
}

// Refresh refetches every radius bucket. Rejected during cooldown.
func (e *Engine) Refresh(ctx context.Context) error {
	if err := e.cool.Gate(); err != nil {
		return err
	}
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.mu.Unlock()
	e.refreshAll(ctx)
	return nil
}

// SetVisible switches the heartbeat cadence when the app moves between
// foreground and background.
func (e *Engine) SetVisible(visible bool) {
	e.scheduler.SetVisible(visible)
}

// Subscribe registers an event consumer; the returned func detaches it.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.subs.add()
}

// Invites returns the bridge that folds invite transitions into the
// accumulated nearby lists.
func (e *Engine) Invites() *accumulator.Bridge {
	return e.invites
}

// Mode returns the current presence mode.
func (e *Engine) Mode() types.PresenceMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// ActiveRadius returns the currently selected discovery radius.
func (e *Engine) ActiveRadius() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.radius
}

// Position returns a copy of the current position, nil when passive.
func (e *Engine) Position() *types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil {
		return nil
	}
	p := *e.pos
	return &p
}

// Bucket returns the accumulated view for one radius.
func (e *Engine) Bucket(radiusM int) (types.Bucket, bool) {
	return e.acc.Bucket(radiusM)
}

// ChannelStatus returns the realtime connection status.
func (e *Engine) ChannelStatus() types.ChannelStatus {
	return e.ch.Status()
}

// CoolingDown reports whether radius switches are currently gated, and for
// how much longer.
func (e *Engine) CoolingDown() (bool, time.Duration) {
	return e.cool.Active(), e.cool.Remaining()
}

// Confidence scores the current position against the active radius.
// The second return value is false when no position or accuracy is known.
func (e *Engine) Confidence() (int, bool) {
	e.mu.Lock()
	pos := e.pos
	radius := e.radius
	e.mu.Unlock()
	if pos == nil {
		return 0, false
	}
	return position.Confidence(pos.AccuracyM, float64(radius))
}

// Notices returns the currently raised user-facing notices.
func (e *Engine) Notices() []types.Notice {
	e.noticeMu.Lock()
	defer e.noticeMu.Unlock()
	out := make([]types.Notice, 0, len(e.notices))
	for _, n := range e.notices {
		out = append(out, n)
	}
	return out
}

// Close tears the engine down: go passive, close the channel, cancel the
// cooldown timer, and wait for background work.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	e.GoPassive()
	e.ch.Close()
	e.cool.Cancel()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.subs.closeAll()
	log.Printf("Presence engine closed")
	return nil
}

// --- suppliers handed to the heartbeat scheduler ---

func (e *Engine) currentPosition() *types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *Engine) currentRadius() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.radius
}

// --- position watch callbacks ---

func (e *Engine) onPositionUpdate(pos *types.Position) {
	e.mu.Lock()
	if e.mode != types.ModeLive {
		e.mu.Unlock()
		return
	}
	e.pos = pos
	e.mu.Unlock()

	// A fresh fix resolves any transient location trouble.
	e.clearTransientNotice(types.NoticeLocation)
}

// onPositionError classifies watch failures.
// FUNCTIONAL DISCOVERY: Permission denial is the one terminal failure -
// presence claims a location it can no longer verify, so the engine demotes
// itself. Everything else keeps the previous position and retries silently.
func (e *Engine) onPositionError(err error) {
	if position.IsPermissionDenied(err) {
		log.Printf("Engine: location permission revoked, demoting to passive")
		e.raiseNotice(types.NoticeLocation, "Location permission was revoked. Presence paused.", true)
		e.GoPassive()
		return
	}
	e.raiseNotice(types.NoticeLocation, "Location signal lost, retrying.", false)
}

// --- heartbeat and channel callbacks ---

func (e *Engine) onHeartbeatError(err error) {
	e.raiseNotice(types.NoticeHeartbeat, "Presence heartbeat is failing, retrying.", false)
}

func (e *Engine) onChannelStatus(status types.ChannelStatus) {
	e.subs.publish(Event{Type: EventChannelStatus, Status: status})
}

func (e *Engine) onSocketRateLimit(se types.SocketError) {
	log.Printf("Engine: realtime rate limit: %s", se.Message)
	e.handleRateLimit(e.ActiveRadius())
}

// --- bucket change fan-out and persistence ---

func (e *Engine) onBucketChange(view types.Bucket) {
	v := view
	e.subs.publish(Event{Type: EventBucketUpdated, Bucket: &v})

	if e.store == nil || view.Meta.Loading || view.Error != "" {
		return
	}
	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	if runCtx == nil {
		return
	}
	if err := e.store.SaveSnapshot(runCtx, e.opts.CampusID, view.RadiusM, view.Items); err != nil {
		log.Printf("Engine: snapshot cache write failed for radius %dm: %v", view.RadiusM, err)
	}
}

func (e *Engine) seedFromCache(ctx context.Context) {
	if e.store == nil {
		return
	}
	for _, r := range e.opts.RadiiM {
		items, cachedAt, err := e.store.LoadSnapshot(ctx, e.opts.CampusID, r)
		if err != nil {
			if err != interfaces.ErrNoSnapshot {
				log.Printf("Engine: snapshot cache read failed for radius %dm: %v", r, err)
			}
			continue
		}
		e.acc.Seed(r, items, cachedAt)
	}
}

// --- fetching ---

// refreshAll fans out one snapshot fetch per radius and folds the results
// into the accumulator.
func (e *Engine) refreshAll(ctx context.Context) {
	baseRevs := make(map[int]uint64, len(e.opts.RadiiM))
	for _, r := range e.opts.RadiiM {
		baseRevs[r] = e.acc.BeginSnapshot(r)
	}

	for _, res := range e.fetcher.FetchAll(ctx, e.opts.CampusID, e.opts.RadiiM) {
		e.applyResult(res, baseRevs[res.RadiusM])
	}
}

func (e *Engine) refreshRadius(ctx context.Context, radiusM int) {
	if !e.fetcher.Established() {
		e.acc.MarkLoaded(radiusM)
		return
	}
	baseRev := e.acc.BeginSnapshot(radiusM)
	items, err := e.fetcher.Fetch(ctx, e.opts.CampusID, radiusM)
	e.applyResult(snapshot.Result{RadiusM: radiusM, Items: items, Err: err}, baseRev)
}

// applyResult folds one fetch outcome into its bucket.
// FUNCTIONAL DISCOVERY: A rate-limited radius gets the cooldown message on
// its own bucket only - sibling radii that fetched cleanly stay clean
func (e *Engine) applyResult(res snapshot.Result, baseRev uint64) {
	switch {
	case res.Skipped:
		e.acc.MarkLoaded(res.RadiusM)
	case res.Err == nil:
		e.acc.ApplySnapshot(res.RadiusM, baseRev, res.Items)
	case isRateLimit(res.Err):
		e.handleRateLimit(res.RadiusM)
	default:
		e.acc.SetError(res.RadiusM, "Failed to load nearby people.")
		e.raiseNotice(types.NoticeNetwork, "Having trouble reaching the server.", false)
	}
}

// handleRateLimit opens the cooldown window (once) and marks the bucket.
func (e *Engine) handleRateLimit(radiusM int) {
	// FUNCTIONAL DISCOVERY: A burst of 429s across radii opens one window,
	// not one per response - restarting would punish the user repeatedly
	// for a single overload
	if !e.cool.Active() {
		e.cool.Start(e.opts.CooldownWindow)
		e.raiseNotice(types.NoticeCooldown, "Slow down - trying again shortly.", false)
	}
	e.acc.SetError(radiusM, cooldown.ErrCoolingDown.Error())
}

// onCooldownClear removes only cooldown-attributable errors and notices.
func (e *Engine) onCooldownClear() {
	e.clearNotice(types.NoticeCooldown)
	msg := cooldown.ErrCoolingDown.Error()
	for _, r := range e.acc.Radii() {
		e.acc.ClearError(r, func(m string) bool { return m == msg })
	}
}

// --- notices ---

func (e *Engine) raiseNotice(kind types.NoticeKind, message string, persistent bool) {
	n := types.Notice{
		ID:         uuid.New().String(),
		Kind:       kind,
		Message:    message,
		Persistent: persistent,
		RaisedAt:   time.Now(),
	}

	e.noticeMu.Lock()
	if existing, ok := e.notices[kind]; ok && existing.Message == message {
		e.noticeMu.Unlock()
		return // already showing this exact notice
	}
	e.notices[kind] = n
	e.noticeMu.Unlock()

	e.subs.publish(Event{Type: EventNoticeRaised, Notice: &n})
}

func (e *Engine) clearNotice(kind types.NoticeKind) {
	e.noticeMu.Lock()
	n, ok := e.notices[kind]
	if ok {
		delete(e.notices, kind)
	}
	e.noticeMu.Unlock()
	if ok {
		e.subs.publish(Event{Type: EventNoticeCleared, Notice: &n})
	}
}

// clearTransientNotice clears a notice kind unless it is persistent: a
// permission-denied banner survives until the user acts on it.
func (e *Engine) clearTransientNotice(kind types.NoticeKind) {
	e.noticeMu.Lock()
	n, ok := e.notices[kind]
	if ok && n.Persistent {
		e.noticeMu.Unlock()
		return
	}
	if ok {
		delete(e.notices, kind)
	}
	e.noticeMu.Unlock()
	if ok {
		e.subs.publish(Event{Type: EventNoticeCleared, Notice: &n})
	}
}

func isRateLimit(err error) bool {
	return errors.Is(err, api.ErrRateLimited)
}
