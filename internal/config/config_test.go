package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.Identity.UserID = "user-1"
	c.Identity.CampusID = "campus-1"
	return c
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()

	if c.Presence.VisibleInterval != 2*time.Second {
		t.Errorf("visible interval = %v, want 2s", c.Presence.VisibleInterval)
	}
	if c.Presence.HiddenInterval != 6*time.Second {
		t.Errorf("hidden interval = %v, want 6s", c.Presence.HiddenInterval)
	}
	if c.Presence.CooldownWindow != 15*time.Second {
		t.Errorf("cooldown window = %v, want 15s", c.Presence.CooldownWindow)
	}
	if len(c.Presence.RadiiM) != 4 {
		t.Errorf("radii = %v, want 4 rings", c.Presence.RadiiM)
	}
	if c.Position.MaxAge != 5*time.Second {
		t.Errorf("position max age = %v, want 5s", c.Position.MaxAge)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing user ID", func(c *Config) { c.Identity.UserID = "" }, true},
		{"invalid campus ID", func(c *Config) { c.Identity.CampusID = "has spaces" }, true},
		{"empty base URL", func(c *Config) { c.Backend.BaseURL = "" }, true},
		{"http socket URL", func(c *Config) { c.Backend.SocketURL = "http://x/ws" }, true},
		{"hidden faster than visible", func(c *Config) { c.Presence.HiddenInterval = time.Second }, true},
		{"default radius not in set", func(c *Config) { c.Presence.DefaultRadiusM = 75 }, true},
		{"negative radius", func(c *Config) { c.Presence.RadiiM = []int{-10}; c.Presence.DefaultRadiusM = -10 }, true},
		{"empty cache path", func(c *Config) { c.Cache.Path = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NEARSYNC_BASE_URL", "https://api.example.edu")
	t.Setenv("NEARSYNC_USER_ID", "env-user")
	t.Setenv("NEARSYNC_VISIBLE_INTERVAL", "3s")
	t.Setenv("NEARSYNC_DEMO_ONLY", "true")
	t.Setenv("NEARSYNC_DEFAULT_RADIUS", "100")

	c := LoadFromEnv()

	if c.Backend.BaseURL != "https://api.example.edu" {
		t.Errorf("base URL = %q", c.Backend.BaseURL)
	}
	if c.Identity.UserID != "env-user" {
		t.Errorf("user ID = %q", c.Identity.UserID)
	}
	if c.Presence.VisibleInterval != 3*time.Second {
		t.Errorf("visible interval = %v", c.Presence.VisibleInterval)
	}
	if !c.Position.DemoOnly {
		t.Error("demo only not set from environment")
	}
	if c.Presence.DefaultRadiusM != 100 {
		t.Errorf("default radius = %d", c.Presence.DefaultRadiusM)
	}
}

func TestLoadFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("NEARSYNC_VISIBLE_INTERVAL", "not-a-duration")
	t.Setenv("NEARSYNC_DEFAULT_RADIUS", "fifty")

	c := LoadFromEnv()

	if c.Presence.VisibleInterval != 2*time.Second {
		t.Errorf("malformed duration should keep default, got %v", c.Presence.VisibleInterval)
	}
	if c.Presence.DefaultRadiusM != 50 {
		t.Errorf("malformed radius should keep default, got %d", c.Presence.DefaultRadiusM)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `{
		"identity": {"user_id": "file-user", "campus_id": "file-campus"},
		"presence": {"visible_interval": "4s", "default_radius_m": 200},
		"cache": {"path": "/tmp/nearsync-test.db"}
	}`
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	c, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if c.Identity.UserID != "file-user" {
		t.Errorf("user ID = %q", c.Identity.UserID)
	}
	if c.Presence.VisibleInterval != 4*time.Second {
		t.Errorf("visible interval = %v", c.Presence.VisibleInterval)
	}
	if c.Presence.DefaultRadiusM != 200 {
		t.Errorf("default radius = %d", c.Presence.DefaultRadiusM)
	}
	// Untouched sections keep their defaults.
	if c.Presence.HiddenInterval != 6*time.Second {
		t.Errorf("hidden interval = %v, want default 6s", c.Presence.HiddenInterval)
	}
}

func TestLoadFromFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"identity": {"user_id": ""}}`), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("LoadFromFile() with empty user ID should fail validation")
	}
}

func TestLoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("NEARSYNC_USER_ID", "env-user")
	t.Setenv("NEARSYNC_CAMPUS_ID", "env-campus")

	content := `{"identity": {"user_id": "file-user", "campus_id": "env-campus"}}`
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	c := LoadConfigWithPrecedence(path)
	if c.Identity.UserID != "file-user" {
		t.Errorf("file should win over environment, got %q", c.Identity.UserID)
	}

	// Missing file falls back to environment.
	c = LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "missing.json"))
	if c.Identity.UserID != "env-user" {
		t.Errorf("missing file should fall back to environment, got %q", c.Identity.UserID)
	}
}
