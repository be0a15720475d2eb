package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"nearsync/pkg/types"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings
// coordinator - clean separation between configuration and engine logic
type Config struct {
	Backend  *BackendConfig  `json:"backend"`
	Identity *IdentityConfig `json:"identity"`
	Position *PositionConfig `json:"position"`
	Presence *PresenceConfig `json:"presence"`
	Cache    *CacheConfig    `json:"cache"`
}

// FUNCTIONAL DISCOVERY: Backend configuration covers both transports - REST
// for snapshots and heartbeats, WebSocket for live diffs
type BackendConfig struct {
	BaseURL        string        `json:"base_url"`
	SocketURL      string        `json:"socket_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

type IdentityConfig struct {
	UserID   string `json:"user_id"`
	CampusID string `json:"campus_id"`
}

// FUNCTIONAL DISCOVERY: Demo coordinates let the engine run without any
// position hardware - useful for development and kiosk demos
type PositionConfig struct {
	DemoLat        float64       `json:"demo_lat"`
	DemoLon        float64       `json:"demo_lon"`
	DemoOnly       bool          `json:"demo_only"`
	MaxAge         time.Duration `json:"max_age"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`
}

// FUNCTIONAL DISCOVERY: Presence cadence tuned for campus foot traffic -
// fast enough to feel live, slow enough to spare batteries and the backend
type PresenceConfig struct {
	VisibleInterval time.Duration `json:"visible_interval"`
	HiddenInterval  time.Duration `json:"hidden_interval"`
	AccuracyFloorM  float64       `json:"accuracy_floor_m"`
	CooldownWindow  time.Duration `json:"cooldown_window"`
	DefaultRadiusM  int           `json:"default_radius_m"`
	RadiiM          []int         `json:"radii_m"`
}

type CacheConfig struct {
	Path string `json:"path"`
}

// FUNCTIONAL DISCOVERY: Defaults mirror the production campus deployment -
// local backend, demo position off, 50m default ring
func DefaultConfig() *Config {
	return &Config{
		Backend: &BackendConfig{
			BaseURL:        "http://localhost:8080",
			SocketURL:      "ws://localhost:8080/ws",
			RequestTimeout: 10 * time.Second,
		},
		Identity: &IdentityConfig{},
		Position: &PositionConfig{
			DemoLat:        35.1495,
			DemoLon:        -90.0490,
			DemoOnly:       false,
			MaxAge:         5 * time.Second,
			AcquireTimeout: 10 * time.Second,
		},
		Presence: &PresenceConfig{
			VisibleInterval: 2 * time.Second,
			HiddenInterval:  6 * time.Second,
			AccuracyFloorM:  25.0,
			CooldownWindow:  15 * time.Second,
			DefaultRadiusM:  50,
			RadiiM:          append([]int(nil), types.DefaultRadiiM...),
		},
		Cache: &CacheConfig{
			Path: "./nearsync.db",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid engine
// configurations before any network or storage work begins
func (c *Config) Validate() error {
	if c.Backend == nil {
		return fmt.Errorf("backend configuration is required")
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base URL cannot be empty")
	}

	if c.Backend.SocketURL != "" && !strings.HasPrefix(c.Backend.SocketURL, "ws") {
		return fmt.Errorf("socket URL must use a ws or wss scheme")
	}

	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend request timeout must be positive")
	}

	if c.Identity == nil {
		return fmt.Errorf("identity configuration is required")
	}

	if !types.IsValidID(c.Identity.UserID) {
		return fmt.Errorf("user ID must be 1-50 characters of letters, digits, hyphens, or underscores")
	}

	if !types.IsValidID(c.Identity.CampusID) {
		return fmt.Errorf("campus ID must be 1-50 characters of letters, digits, hyphens, or underscores")
	}

	if c.Position == nil {
		return fmt.Errorf("position configuration is required")
	}

	if c.Position.MaxAge <= 0 {
		return fmt.Errorf("position max age must be positive")
	}

	if c.Position.AcquireTimeout <= 0 {
		return fmt.Errorf("position acquire timeout must be positive")
	}

	if c.Presence == nil {
		return fmt.Errorf("presence configuration is required")
	}

	if c.Presence.VisibleInterval <= 0 {
		return fmt.Errorf("visible heartbeat interval must be positive")
	}

	if c.Presence.HiddenInterval < c.Presence.VisibleInterval {
		return fmt.Errorf("hidden heartbeat interval must be at least the visible interval")
	}

	if c.Presence.AccuracyFloorM <= 0 {
		return fmt.Errorf("accuracy floor must be positive")
	}

	if c.Presence.CooldownWindow <= 0 {
		return fmt.Errorf("cooldown window must be positive")
	}

	if len(c.Presence.RadiiM) == 0 {
		return fmt.Errorf("at least one discovery radius is required")
	}

	for _, r := range c.Presence.RadiiM {
		if r <= 0 {
			return fmt.Errorf("discovery radius must be positive, got %d", r)
		}
	}

	if !containsRadius(c.Presence.RadiiM, c.Presence.DefaultRadiusM) {
		return fmt.Errorf("default radius %d is not in the configured radius set", c.Presence.DefaultRadiusM)
	}

	if c.Cache == nil {
		return fmt.Errorf("cache configuration is required")
	}

	if c.Cache.Path == "" {
		return fmt.Errorf("cache path cannot be empty")
	}

	return nil
}

func containsRadius(radii []int, r int) bool {
	for _, candidate := range radii {
		if candidate == r {
			return true
		}
	}
	return false
}

// LoadDotenv loads a .env file into the process environment when present.
// FUNCTIONAL DISCOVERY: Missing file is not an error - environment variables
// and defaults still apply
func LoadDotenv() {
	_ = godotenv.Load()
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment
// flexibility without rebuilding
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if baseURL := os.Getenv("NEARSYNC_BASE_URL"); baseURL != "" {
		config.Backend.BaseURL = baseURL
	}

	if socketURL := os.Getenv("NEARSYNC_SOCKET_URL"); socketURL != "" {
		config.Backend.SocketURL = socketURL
	}

	if timeout := os.Getenv("NEARSYNC_REQUEST_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Backend.RequestTimeout = d
		}
	}

	if userID := os.Getenv("NEARSYNC_USER_ID"); userID != "" {
		config.Identity.UserID = userID
	}

	if campusID := os.Getenv("NEARSYNC_CAMPUS_ID"); campusID != "" {
		config.Identity.CampusID = campusID
	}

	if lat := os.Getenv("NEARSYNC_DEMO_LAT"); lat != "" {
		if v, err := strconv.ParseFloat(lat, 64); err == nil {
			config.Position.DemoLat = v
		}
	}

	if lon := os.Getenv("NEARSYNC_DEMO_LON"); lon != "" {
		if v, err := strconv.ParseFloat(lon, 64); err == nil {
			config.Position.DemoLon = v
		}
	}

	if demoOnly := os.Getenv("NEARSYNC_DEMO_ONLY"); demoOnly != "" {
		if v, err := strconv.ParseBool(demoOnly); err == nil {
			config.Position.DemoOnly = v
		}
	}

	if visible := os.Getenv("NEARSYNC_VISIBLE_INTERVAL"); visible != "" {
		if d, err := time.ParseDuration(visible); err == nil {
			config.Presence.VisibleInterval = d
		}
	}

	if hidden := os.Getenv("NEARSYNC_HIDDEN_INTERVAL"); hidden != "" {
		if d, err := time.ParseDuration(hidden); err == nil {
			config.Presence.HiddenInterval = d
		}
	}

	if cooldown := os.Getenv("NEARSYNC_COOLDOWN_WINDOW"); cooldown != "" {
		if d, err := time.ParseDuration(cooldown); err == nil {
			config.Presence.CooldownWindow = d
		}
	}

	if radius := os.Getenv("NEARSYNC_DEFAULT_RADIUS"); radius != "" {
		if r, err := strconv.Atoi(radius); err == nil {
			config.Presence.DefaultRadiusM = r
		}
	}

	if cachePath := os.Getenv("NEARSYNC_CACHE_PATH"); cachePath != "" {
		config.Cache.Path = cachePath
	}

	return config
}

// ConfigFile represents the JSON structure for file-based configuration.
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration
// strings
type ConfigFile struct {
	Backend  *BackendConfigFile  `json:"backend"`
	Identity *IdentityConfig     `json:"identity"`
	Position *PositionConfigFile `json:"position"`
	Presence *PresenceConfigFile `json:"presence"`
	Cache    *CacheConfig        `json:"cache"`
}

type BackendConfigFile struct {
	BaseURL        string `json:"base_url"`
	SocketURL      string `json:"socket_url"`
	RequestTimeout string `json:"request_timeout"`
}

type PositionConfigFile struct {
	DemoLat        float64 `json:"demo_lat"`
	DemoLon        float64 `json:"demo_lon"`
	DemoOnly       bool    `json:"demo_only"`
	MaxAge         string  `json:"max_age"`
	AcquireTimeout string  `json:"acquire_timeout"`
}

type PresenceConfigFile struct {
	VisibleInterval string  `json:"visible_interval"`
	HiddenInterval  string  `json:"hidden_interval"`
	AccuracyFloorM  float64 `json:"accuracy_floor_m"`
	CooldownWindow  string  `json:"cooldown_window"`
	DefaultRadiusM  int     `json:"default_radius_m"`
	RadiiM          []int   `json:"radii_m"`
}

// FUNCTIONAL DISCOVERY: File-based configuration supports complex deployment
// scenarios - JSON format chosen for readability and tooling support
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := LoadFromEnv()

	if configFile.Backend != nil {
		if configFile.Backend.BaseURL != "" {
			config.Backend.BaseURL = configFile.Backend.BaseURL
		}
		if configFile.Backend.SocketURL != "" {
			config.Backend.SocketURL = configFile.Backend.SocketURL
		}
		if configFile.Backend.RequestTimeout != "" {
			if d, err := time.ParseDuration(configFile.Backend.RequestTimeout); err == nil {
				config.Backend.RequestTimeout = d
			}
		}
	}

	if configFile.Identity != nil {
		if configFile.Identity.UserID != "" {
			config.Identity.UserID = configFile.Identity.UserID
		}
		if configFile.Identity.CampusID != "" {
			config.Identity.CampusID = configFile.Identity.CampusID
		}
	}

	if configFile.Position != nil {
		if configFile.Position.DemoLat != 0 {
			config.Position.DemoLat = configFile.Position.DemoLat
		}
		if configFile.Position.DemoLon != 0 {
			config.Position.DemoLon = configFile.Position.DemoLon
		}
		config.Position.DemoOnly = configFile.Position.DemoOnly
		if configFile.Position.MaxAge != "" {
			if d, err := time.ParseDuration(configFile.Position.MaxAge); err == nil {
				config.Position.MaxAge = d
			}
		}
		if configFile.Position.AcquireTimeout != "" {
			if d, err := time.ParseDuration(configFile.Position.AcquireTimeout); err == nil {
				config.Position.AcquireTimeout = d
			}
		}
	}

	if configFile.Presence != nil {
		if configFile.Presence.VisibleInterval != "" {
			if d, err := time.ParseDuration(configFile.Presence.VisibleInterval); err == nil {
				config.Presence.VisibleInterval = d
			}
		}
		if configFile.Presence.HiddenInterval != "" {
			if d, err := time.ParseDuration(configFile.Presence.HiddenInterval); err == nil {
				config.Presence.HiddenInterval = d
			}
		}
		if configFile.Presence.AccuracyFloorM > 0 {
			config.Presence.AccuracyFloorM = configFile.Presence.AccuracyFloorM
		}
		if configFile.Presence.CooldownWindow != "" {
			if d, err := time.ParseDuration(configFile.Presence.CooldownWindow); err == nil {
				config.Presence.CooldownWindow = d
			}
		}
		if configFile.Presence.DefaultRadiusM > 0 {
			config.Presence.DefaultRadiusM = configFile.Presence.DefaultRadiusM
		}
		if len(configFile.Presence.RadiiM) > 0 {
			config.Presence.RadiiM = configFile.Presence.RadiiM
		}
	}

	if configFile.Cache != nil && configFile.Cache.Path != "" {
		config.Cache.Path = configFile.Cache.Path
	}

	// ARCHITECTURAL DISCOVERY: Validate after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
func LoadConfigWithPrecedence(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
		// Silently ignore file errors - environment/defaults still work
	}

	return config
}
