package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nearsync/internal/api"
	"nearsync/internal/cooldown"
	"nearsync/internal/heartbeat"
	"nearsync/internal/position"
	"nearsync/pkg/interfaces"
	"nearsync/pkg/types"
)

// --- test doubles ---

type mockAPI struct {
	mu           sync.Mutex
	heartbeats   []*types.HeartbeatRequest
	heartbeatErr error
	nearby       map[int][]types.NearbyUser
	nearbyErr    map[int]error
	fetchCalls   int
	offlineCalls int
}

func newMockAPI() *mockAPI {
	return &mockAPI{
		nearby:    make(map[int][]types.NearbyUser),
		nearbyErr: make(map[int]error),
	}
}

func (m *mockAPI) FetchNearby(ctx context.Context, campusID string, radiusM int) ([]types.NearbyUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	if err, ok := m.nearbyErr[radiusM]; ok {
		return nil, err
	}
	return m.nearby[radiusM], nil
}

func (m *mockAPI) SendHeartbeat(ctx context.Context, hb *types.HeartbeatRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeatErr != nil {
		return m.heartbeatErr
	}
	m.heartbeats = append(m.heartbeats, hb)
	return nil
}

func (m *mockAPI) SendOffline(campusID, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offlineCalls++
}

type fakeSource struct {
	mu         sync.Mutex
	pos        *types.Position
	acquireErr error
	onUpdate   func(*types.Position)
	onError    func(error)
}

func (s *fakeSource) Acquire(ctx context.Context) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return s.pos, nil
}

func (s *fakeSource) Watch(onUpdate func(*types.Position), onError func(error)) (interfaces.WatchHandle, error) {
	s.mu.Lock()
	s.onUpdate = onUpdate
	s.onError = onError
	s.mu.Unlock()
	return &fakeHandle{}, nil
}

func (s *fakeSource) emitError(err error) {
	s.mu.Lock()
	cb := s.onError
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

type fakeHandle struct{}

func (h *fakeHandle) Cancel() {}

type fakeConn struct {
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v interface{}) error { return nil }

func (c *fakeConn) ReadJSON(v interface{}) error {
	<-c.done
	return errors.New("connection closed")
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) Dial(ctx context.Context, userID, campusID string) (interfaces.SocketConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeConn()
	f.conns = append(f.conns, c)
	return c, nil
}

// --- helpers ---

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestEngine(t *testing.T, mock *mockAPI, source interfaces.PositionSource, fallback interfaces.PositionSource) *Engine {
	t.Helper()
	e, err := New(Options{
		API:            mock,
		Source:         source,
		Fallback:       fallback,
		Factory:        &fakeFactory{},
		UserID:         "user-1",
		CampusID:       "campus-1",
		DeviceID:       "device-1",
		RadiiM:         []int{10, 50, 100, 200},
		DefaultRadiusM: 50,
		Heartbeat: heartbeat.Options{
			VisibleInterval: time.Hour,
			HiddenInterval:  2 * time.Hour,
		},
		CooldownWindow: time.Minute,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func realPosition() *types.Position {
	return &types.Position{
		Latitude:  35.15,
		Longitude: -90.05,
		AccuracyM: 8,
		Timestamp: time.Now(),
	}
}

// --- tests ---

func TestGoLiveConfirmsHeartbeatBeforeFlippingMode(t *testing.T) {
	mock := newMockAPI()
	src := &fakeSource{pos: realPosition()}
	e := newTestEngine(t, mock, src, nil)
	start(t, e)

	if e.Mode() != types.ModePassive {
		t.Fatalf("Mode() = %v before GoLive, want passive", e.Mode())
	}

	if err := e.GoLive(context.Background()); err != nil {
		t.Fatalf("GoLive() error = %v", err)
	}

	if e.Mode() != types.ModeLive {
		t.Errorf("Mode() = %v, want live", e.Mode())
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.heartbeats) != 1 {
		t.Fatalf("heartbeat count = %d, want 1 confirm heartbeat", len(mock.heartbeats))
	}
	hb := mock.heartbeats[0]
	if hb.CampusID != "campus-1" || hb.DeviceID != "device-1" || hb.RadiusM != 50 {
		t.Errorf("heartbeat payload = %+v", hb)
	}
	// Accuracy below the floor is clamped up.
	if hb.AccuracyM != heartbeat.DefaultAccuracyFloorM {
		t.Errorf("heartbeat accuracy = %v, want floor %v", hb.AccuracyM, heartbeat.DefaultAccuracyFloorM)
	}
}

func TestGoLiveRejectedHeartbeatStaysPassive(t *testing.T) {
	mock := newMockAPI()
	mock.heartbeatErr = errors.New("backend down")
	src := &fakeSource{pos: realPosition()}
	e := newTestEngine(t, mock, src, nil)
	start(t, e)

	if err := e.GoLive(context.Background()); err == nil {
		t.Fatal("GoLive() should fail when the confirm heartbeat is rejected")
	}
	if e.Mode() != types.ModePassive {
		t.Errorf("Mode() = %v, want passive after rejected heartbeat", e.Mode())
	}
	if e.Position() != nil {
		t.Error("Position() should be nil after failed go-live")
	}
}

func TestGoLiveFallsBackToDemoPosition(t *testing.T) {
	mock := newMockAPI()
	src := &fakeSource{acquireErr: &position.Error{Code: position.CodePositionUnavailable, Message: "no gps"}}
	demo := position.NewDemoSource(36.0, -91.0)
	e := newTestEngine(t, mock, src, demo)
	start(t, e)

	if err := e.GoLive(context.Background()); err != nil {
		t.Fatalf("GoLive() with fallback error = %v", err)
	}
	if e.Mode() != types.ModeLive {
		t.Fatalf("Mode() = %v, want live via fallback", e.Mode())
	}

	pos := e.Position()
	if pos == nil || !pos.Demo {
		t.Fatalf("Position() = %+v, want demo fix", pos)
	}

	mock.mu.Lock()
	hb := mock.heartbeats[0]
	mock.mu.Unlock()
	if hb.Lat != 36.0 || hb.Lon != -91.0 {
		t.Errorf("heartbeat coordinates = (%v, %v), want demo seed", hb.Lat, hb.Lon)
	}
	// Demo accuracy 50m is above the floor and passes through unclamped.
	if hb.AccuracyM != position.DemoAccuracyM {
		t.Errorf("heartbeat accuracy = %v, want %v", hb.AccuracyM, position.DemoAccuracyM)
	}
}

func TestGoLivePermissionDeniedDoesNotFallBack(t *testing.T) {
	mock := newMockAPI()
	src := &fakeSource{acquireErr: &position.Error{Code: position.CodePermissionDenied, Message: "denied"}}
	demo := position.NewDemoSource(36.0, -91.0)
	e := newTestEngine(t, mock, src, demo)
	start(t, e)

	if err := e.GoLive(context.Background()); err == nil {
		t.Fatal("GoLive() should fail on permission denial even with a fallback")
	}
	if e.Mode() != types.ModePassive {
		t.Errorf("Mode() = %v, want passive", e.Mode())
	}

	var found bool
	for _, n := range e.Notices() {
		if n.Kind == types.NoticeLocation && n.Persistent {
			found = true
		}
	}
	if !found {
		t.Error("expected a persistent location notice after permission denial")
	}
}

func TestPermissionRevokedMidSessionDemotes(t *testing.T) {
	mock := newMockAPI()
	src := &fakeSource{pos: realPosition()}
	e := newTestEngine(t, mock, src, nil)
	start(t, e)

	if err := e.GoLive(context.Background()); err != nil {
		t.Fatalf("GoLive() error = %v", err)
	}

	src.emitError(&position.Error{Code: position.CodePermissionDenied, Message: "revoked"})

	waitFor(t, time.Second, func() bool {
		return e.Mode() == types.ModePassive
	}, "engine did not demote to passive after permission revocation")

	if e.Position() != nil {
		t.Error("Position() should be cleared on forced demotion")
	}

	mock.mu.Lock()
	offline := mock.offlineCalls
	mock.mu.Unlock()
	if offline != 1 {
		t.Errorf("offline calls = %d, want exactly 1", offline)
	}

	var persistent bool
	for _, n := range e.Notices() {
		if n.Kind == types.NoticeLocation && n.Persistent {
			persistent = true
		}
	}
	if !persistent {
		t.Error("expected a persistent location notice after revocation")
	}
}

func TestTransientWatchErrorKeepsPositionAndMode(t *testing.T) {
	mock := newMockAPI()
	src := &fakeSource{pos: realPosition()}
	e := newTestEngine(t, mock, src, nil)
	start(t, e)

	if err := e.GoLive(context.Background()); err != nil {
		t.Fatalf("GoLive() error = %v", err)
	}

	src.emitError(&position.Error{Code: position.CodeTimeout, Message: "timed out"})

	if e.Mode() != types.ModeLive {
		t.Errorf("Mode() = %v, want live after transient error", e.Mode())
	}
	if e.Position() == nil {
		t.Error("Position() should survive a transient error")
	}

	// A fresh fix clears the transient banner.
	src.mu.Lock()
	update := src.onUpdate
	src.mu.Unlock()
	update(realPosition())

	for _, n := range e.Notices() {
		if n.Kind == types.NoticeLocation {
			t.Errorf("location notice should clear on fresh fix, got %+v", n)
		}
	}
}

func TestNeverLiveFetchShortCircuits(t *testing.T) {
	mock := newMockAPI()
	src := &fakeSource{pos: realPosition()}
	e := newTestEngine(t, mock, src, nil)
	start(t, e)

	waitFor(t, time.Second, func() bool {
		b, ok := e.Bucket(50)
		return ok && !b.Meta.Loading
	}, "bucket never left loading state")

	mock.mu.Lock()
	calls := mock.fetchCalls
	mock.mu.Unlock()
	if calls != 0 {
		t.Errorf("fetch calls = %d, want 0 before presence is ever established", calls)
	}

	b, _ := e.Bucket(50)
	if len(b.Items) != 0 || b.Error != "" {
		t.Errorf("never-live bucket = %+v, want empty and clean", b)
	}
}

func TestRateLimitOpensOneCooldownAndMarksOnlyThatBucket(t *testing.T) {
	mock := newMockAPI()
	mock.nearby[10] = []types.NearbyUser{{UserID: "peer-1", DistanceM: 4}}
	mock.nearbyErr[50] = api.ErrRateLimited
	src := &fakeSource{pos: realPosition()}
	e := newTestEngine(t, mock, src, nil)
	start(t, e)

	if err := e.GoLive(context.Background()); err != nil {
		t.Fatalf("GoLive() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		b, ok := e.Bucket(50)
		return ok && b.Error != ""
	}, "rate-limited bucket never got its error")

	b50, _ := e.Bucket(50)
	if b50.Error != cooldown.ErrCoolingDown.Error() {
		t.Errorf("bucket 50 error = %q", b50.Error)
	}

	waitFor(t, time.Second, func() bool {
		b, ok := e.Bucket(10)
		return ok && len(b.Items) == 1
	}, "clean sibling bucket never loaded")
	b10, _ := e.Bucket(10)
	if b10.Error != "" {
		t.Errorf("bucket 10 error = %q, want clean", b10.Error)
	}

	if active, _ := e.CoolingDown(); !active {
		t.Error("cooldown should be active after a 429")
	}

	if err := e.SetRadius(100); err != cooldown.ErrCoolingDown {
		t.Errorf("SetRadius() during cooldown = %v, want ErrCoolingDown", err)
	}
	if e.ActiveRadius() != 50 {
		t.Errorf("ActiveRadius() = %d, gated switch must not apply", e.ActiveRadius())
	}
}

func TestCooldownClearRestoresOnlyItsOwnErrors(t *testing.T) {
	mock := newMockAPI()
	mock.nearbyErr[50] = api.ErrRateLimited
	src := &fakeSource{pos: realPosition()}

	e, err := New(Options{
		API:            mock,
		Source:         src,
		Factory:        &fakeFactory{},
		UserID:         "user-1",
		CampusID:       "campus-1",
		DeviceID:       "device-1",
		RadiiM:         []int{10, 50},
		DefaultRadiusM: 50,
		Heartbeat:      heartbeat.Options{VisibleInterval: time.Hour, HiddenInterval: 2 * time.Hour},
		CooldownWindow: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()
	start(t, e)

	if err := e.GoLive(context.Background()); err != nil {
		t.Fatalf("GoLive() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		b, ok := e.Bucket(50)
		return ok && b.Error == cooldown.ErrCoolingDown.Error()
	}, "cooldown error never set")

	// An unrelated error on the sibling bucket must survive the clear.
	e.acc.SetError(10, "Failed to load nearby people.")

	waitFor(t, time.Second, func() bool {
		active, _ := e.CoolingDown()
		b, _ := e.Bucket(50)
		return !active && b.Error == ""
	}, "cooldown error never cleared after window expired")

	b10, _ := e.Bucket(10)
	if b10.Error != "Failed to load nearby people." {
		t.Errorf("unrelated error was cleared: %q", b10.Error)
	}

	if err := e.SetRadius(10); err != nil {
		t.Errorf("SetRadius() after cooldown clear = %v, want nil", err)
	}
}

func TestSetRadiusValidation(t *testing.T) {
	mock := newMockAPI()
	src := &fakeSource{pos: realPosition()}
	e := newTestEngine(t, mock, src, nil)
	start(t, e)

	if err := e.SetRadius(75); err != types.ErrInvalidRadius {
		t.Errorf("SetRadius(75) = %v, want ErrInvalidRadius", err)
	}
	if err := e.SetRadius(100); err != nil {
		t.Errorf("SetRadius(100) = %v", err)
	}
	if e.ActiveRadius() != 100 {
		t.Errorf("ActiveRadius() = %d, want 100", e.ActiveRadius())
	}
}

func TestGoPassiveNeverLiveSkipsOffline(t *testing.T) {
	mock := newMockAPI()
	src := &fakeSource{pos: realPosition()}
	e := newTestEngine(t, mock, src, nil)
	start(t, e)

	e.GoPassive()

	mock.mu.Lock()
	offline := mock.offlineCalls
	mock.mu.Unlock()
	if offline != 0 {
		t.Errorf("offline calls = %d, want 0 for a never-live engine", offline)
	}
}

func TestConfidenceTracksActiveRadius(t *testing.T) {
	mock := newMockAPI()
	src := &fakeSource{pos: realPosition()} // accuracy 8m
	e := newTestEngine(t, mock, src, nil)
	start(t, e)

	if _, ok := e.Confidence(); ok {
		t.Error("Confidence() should be unknown while passive")
	}

	if err := e.GoLive(context.Background()); err != nil {
		t.Fatalf("GoLive() error = %v", err)
	}

	// 8m accuracy on a 50m radius: ratio 0.16.
	if score, ok := e.Confidence(); !ok || score != 92 {
		t.Errorf("Confidence() = %d, %v, want 92", score, ok)
	}

	if err := e.SetRadius(10); err != nil {
		t.Fatalf("SetRadius() error = %v", err)
	}
	// Same fix on a 10m radius: ratio 0.8.
	if score, ok := e.Confidence(); !ok || score != 60 {
		t.Errorf("Confidence() after radius switch = %d, %v, want 60", score, ok)
	}
}

func TestSubscribeDeliversModeChanges(t *testing.T) {
	mock := newMockAPI()
	src := &fakeSource{pos: realPosition()}
	e := newTestEngine(t, mock, src, nil)
	start(t, e)

	events, cancel := e.Subscribe()
	defer cancel()

	if err := e.GoLive(context.Background()); err != nil {
		t.Fatalf("GoLive() error = %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventModeChanged && ev.Mode == types.ModeLive {
				return
			}
		case <-deadline:
			t.Fatal("mode change event never delivered")
		}
	}
}
