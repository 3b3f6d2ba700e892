package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
engine:
  mode: earthengine
  project: "ee-nyeri"
  credentials_file: "/secrets/sa.json"
  timeout: 90s
  connect:
    max_attempts: 3
    initial_delay: 2s
    max_delay: 20s

classification:
  scale: 30
  trees: 50

area:
  default: "gaul:Nyeri"

export:
  folder: "nyeri_exports"

storage:
  driver: postgres
  dsn: "postgres://landview@localhost/landview?sslmode=disable"

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.Project != "ee-nyeri" {
		t.Errorf("Unexpected project: %s", cfg.Engine.Project)
	}
	if cfg.Engine.Timeout != 90*time.Second {
		t.Errorf("Unexpected timeout: %v", cfg.Engine.Timeout)
	}
	if cfg.Engine.Connect.MaxAttempts != 3 || cfg.Engine.Connect.MaxDelay != 20*time.Second {
		t.Errorf("Unexpected connect policy: %+v", cfg.Engine.Connect)
	}
	if cfg.Classification.Trees != 50 {
		t.Errorf("Unexpected trees: %d", cfg.Classification.Trees)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Unexpected driver: %s", cfg.Storage.Driver)
	}

	// defaults fill what the file leaves out
	if cfg.Classification.MinYear != 1984 || cfg.Classification.MaxYear != 2100 {
		t.Errorf("Unexpected year window: %d..%d", cfg.Classification.MinYear, cfg.Classification.MaxYear)
	}
	if cfg.Area.GAULTable != "FAO/GAUL_SIMPLIFIED_500m/2015/level2" {
		t.Errorf("Unexpected GAUL table: %s", cfg.Area.GAULTable)
	}
	if cfg.Storage.CacheTTL != 10*time.Minute {
		t.Errorf("Unexpected cache TTL: %v", cfg.Storage.CacheTTL)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("Unexpected address: %s", cfg.Server.Address)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.Mode != EngineEarthEngine {
		t.Errorf("Unexpected mode: %s", cfg.Engine.Mode)
	}
	// earthengine mode needs a project
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error for missing project")
	}

	cfg.Engine.Mode = EngineLocal
	if err := cfg.Validate(); err != nil {
		t.Errorf("Local defaults should validate: %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LANDVIEW_ENGINE_PROJECT", "from-env")
	t.Setenv("LANDVIEW_LOGGING_LEVEL", "warn")

	path := writeConfig(t, "engine:\n  project: from-file\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.Project != "from-env" {
		t.Errorf("Expected env override, got %s", cfg.Engine.Project)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected env override, got %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Engine.Mode = EngineLocal
	return cfg
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"unknown engine mode", func(c *Config) { c.Engine.Mode = "gdal" }},
		{"missing project", func(c *Config) { c.Engine.Mode = EngineEarthEngine }},
		{"empty local grid", func(c *Config) { c.Engine.Local.Width = 0 }},
		{"short timeout", func(c *Config) { c.Engine.Timeout = time.Millisecond }},
		{"no connect attempts", func(c *Config) { c.Engine.Connect.MaxAttempts = 0 }},
		{"max delay below initial", func(c *Config) { c.Engine.Connect.MaxDelay = time.Millisecond }},
		{"zero scale", func(c *Config) { c.Classification.Scale = 0 }},
		{"zero trees", func(c *Config) { c.Classification.Trees = 0 }},
		{"inverted years", func(c *Config) { c.Classification.MinYear = 2030; c.Classification.MaxYear = 2000 }},
		{"bad admin level", func(c *Config) { c.Area.AdminLevel = 0 }},
		{"missing export folder", func(c *Config) { c.Export.Folder = "" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"missing dsn", func(c *Config) { c.Storage.DSN = "" }},
		{"missing telegram token when enabled", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = "1" }},
		{"missing telegram chat when enabled", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.BotToken = "t" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() expected error")
			}
		})
	}
}
