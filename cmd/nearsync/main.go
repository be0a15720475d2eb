package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nearsync/internal/api"
	"nearsync/internal/channel"
	"nearsync/internal/config"
	"nearsync/internal/engine"
	"nearsync/internal/heartbeat"
	"nearsync/internal/position"
	"nearsync/internal/store"
	"nearsync/pkg/interfaces"
)

// ARCHITECTURAL DISCOVERY: Application struct coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	cacheStore *store.Store
	apiClient  *api.Client
	factory    *channel.WebsocketFactory
	engine     *engine.Engine
}

// FUNCTIONAL DISCOVERY: Component initialization follows strict dependency order
// Config → Store → API client → Socket factory → Engine
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Open the local cache (device identity + warm-start snapshots)
	cacheStore, err := store.Open(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}

	deviceID, err := cacheStore.DeviceID()
	if err != nil {
		cacheStore.Close()
		return nil, fmt.Errorf("failed to resolve device ID: %w", err)
	}

	// STEP 2: Presence API client
	apiClient := api.NewClient(cfg.Backend.BaseURL, cfg.Identity.UserID)
	apiClient.SetTimeout(cfg.Backend.RequestTimeout)

	// STEP 3: Realtime socket factory
	factory := channel.NewWebsocketFactory(cfg.Backend.SocketURL)

	// STEP 4: Position sources
	// FUNCTIONAL DISCOVERY: Headless builds carry no platform geolocation
	// provider, so the real source fails transiently and the demo seed
	// takes over - demo-only deployments skip the real source entirely
	demo := position.NewDemoSource(cfg.Position.DemoLat, cfg.Position.DemoLon)
	var source, fallback interfaces.PositionSource
	if cfg.Position.DemoOnly {
		source = demo
	} else {
		source = position.NewDeviceSource(nil)
		fallback = demo
	}

	// STEP 5: Presence engine with every dependency wired
	eng, err := engine.New(engine.Options{
		API:            apiClient,
		Source:         source,
		Fallback:       fallback,
		Factory:        factory,
		Store:          cacheStore,
		UserID:         cfg.Identity.UserID,
		CampusID:       cfg.Identity.CampusID,
		DeviceID:       deviceID,
		RadiiM:         cfg.Presence.RadiiM,
		DefaultRadiusM: cfg.Presence.DefaultRadiusM,
		Heartbeat: heartbeat.Options{
			VisibleInterval: cfg.Presence.VisibleInterval,
			HiddenInterval:  cfg.Presence.HiddenInterval,
			AccuracyFloorM:  cfg.Presence.AccuracyFloorM,
		},
		CooldownWindow: cfg.Presence.CooldownWindow,
	})
	if err != nil {
		cacheStore.Close()
		return nil, fmt.Errorf("failed to create presence engine: %w", err)
	}

	return &Application{
		config:     cfg,
		cacheStore: cacheStore,
		apiClient:  apiClient,
		factory:    factory,
		engine:     eng,
	}, nil
}

// Start brings the engine up and attempts to go live. A failed go-live is
// not fatal: the engine keeps running passively and nearby data still flows.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting nearsync (user=%s campus=%s)",
		app.config.Identity.UserID, app.config.Identity.CampusID)

	if err := app.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start presence engine: %w", err)
	}

	go app.logEvents(ctx)

	if err := app.engine.GoLive(ctx); err != nil {
		log.Printf("Go-live failed, staying passive: %v", err)
	}

	log.Printf("nearsync started")
	return nil
}

// logEvents prints engine state changes for operators.
func (app *Application) logEvents(ctx context.Context) {
	events, cancel := app.engine.Subscribe()
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case engine.EventBucketUpdated:
				if !ev.Bucket.Meta.Loading {
					log.Printf("Nearby %dm: %d people", ev.Bucket.RadiusM, ev.Bucket.Meta.Count)
				}
			case engine.EventModeChanged:
				log.Printf("Presence mode: %s", ev.Mode)
			case engine.EventChannelStatus:
				log.Printf("Realtime channel: %s", ev.Status)
			case engine.EventNoticeRaised:
				log.Printf("Notice: [%s] %s", ev.Notice.Kind, ev.Notice.Message)
			case engine.EventNoticeCleared:
				log.Printf("Notice cleared: [%s]", ev.Notice.Kind)
			}
		case <-ctx.Done():
			return
		}
	}
}

// FUNCTIONAL DISCOVERY: Shutdown coordination ensures proper resource cleanup
// Reverse dependency order: Engine → Cache
func (app *Application) Stop() error {
	log.Printf("Shutting down nearsync")

	if err := app.engine.Close(); err != nil {
		log.Printf("Engine shutdown error: %v", err)
	}

	if err := app.cacheStore.Close(); err != nil {
		log.Printf("Cache shutdown error: %v", err)
	}

	log.Printf("nearsync shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error
// handling; signal handling ensures graceful shutdown in production
func run() error {
	// STEP 1: Load configuration with precedence (file > env > defaults)
	config.LoadDotenv()
	cfg := config.LoadConfigWithPrecedence(os.Getenv("NEARSYNC_CONFIG_FILE"))

	// STEP 2: Create application with configuration
	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	// STEP 4: Start application
	if err := app.Start(ctx); err != nil {
		app.Stop()
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 5: Wait for shutdown signal
	sig := <-signalCh
	log.Printf("Received signal %v, shutting down gracefully", sig)

	// FUNCTIONAL DISCOVERY: The engine goes passive before teardown so the
	// backend sees an explicit offline, not a heartbeat timeout
	done := make(chan struct{})
	go func() {
		app.engine.GoPassive()
		app.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("Shutdown timed out")
	}

	return nil
}
