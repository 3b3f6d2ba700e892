package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine modes
const (
	EngineEarthEngine = "earthengine"
	EngineLocal       = "local"
)

// Config represents the complete application configuration
type Config struct {
	Engine         EngineConfig         `mapstructure:"engine"`
	Classification ClassificationConfig `mapstructure:"classification"`
	Area           AreaConfig           `mapstructure:"area"`
	Samples        SamplesConfig        `mapstructure:"samples"`
	Export         ExportConfig         `mapstructure:"export"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Server         ServerConfig         `mapstructure:"server"`
	Telegram       TelegramConfig       `mapstructure:"telegram"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// EngineConfig holds the geospatial engine connection configuration
type EngineConfig struct {
	Mode              string        `mapstructure:"mode"`
	Project           string        `mapstructure:"project"`
	CredentialsFile   string        `mapstructure:"credentials_file"`
	Endpoint          string        `mapstructure:"endpoint"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Connect           ConnectConfig `mapstructure:"connect"`
	Local             LocalConfig   `mapstructure:"local"`
}

// ConnectConfig holds the connection retry policy
type ConnectConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// LocalConfig shapes the in-process development engine
type LocalConfig struct {
	Width     int    `mapstructure:"width"`
	Height    int    `mapstructure:"height"`
	Seed      uint64 `mapstructure:"seed"`
	ExportDir string `mapstructure:"export_dir"`
}

// ClassificationConfig holds classification defaults
type ClassificationConfig struct {
	Scale      float64 `mapstructure:"scale"`
	Trees      int     `mapstructure:"trees"`
	Classifier string  `mapstructure:"classifier"`
	MinYear    int     `mapstructure:"min_year"`
	MaxYear    int     `mapstructure:"max_year"`
}

// AreaConfig holds area of interest resolution configuration
type AreaConfig struct {
	Default          string        `mapstructure:"default"`
	GAULTable        string        `mapstructure:"gaul_table"`
	OverpassEndpoint string        `mapstructure:"overpass_endpoint"`
	AdminLevel       int           `mapstructure:"admin_level"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// SamplesConfig points at the training sample catalog
type SamplesConfig struct {
	CatalogFile string `mapstructure:"catalog_file"`
}

// ExportConfig holds GeoTIFF export configuration
type ExportConfig struct {
	Folder string `mapstructure:"folder"`
}

// StorageConfig holds session store configuration
type StorageConfig struct {
	Driver   string        `mapstructure:"driver"`
	DSN      string        `mapstructure:"dsn"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxUploadBytes bounds uploaded GeoJSON areas
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken   string        `mapstructure:"bot_token"`
	ChatID     string        `mapstructure:"chat_id"`
	Enabled    bool          `mapstructure:"enabled"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An empty
// path skips the file and uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// LANDVIEW_ENGINE_PROJECT overrides engine.project
	v.SetEnvPrefix("LANDVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Engine defaults
	v.SetDefault("engine.mode", EngineEarthEngine)
	v.SetDefault("engine.project", "")
	v.SetDefault("engine.credentials_file", "")
	v.SetDefault("engine.endpoint", "")
	v.SetDefault("engine.timeout", "2m")
	v.SetDefault("engine.requests_per_second", 5.0)
	v.SetDefault("engine.burst", 5)
	v.SetDefault("engine.connect.max_attempts", 5)
	v.SetDefault("engine.connect.initial_delay", "1s")
	v.SetDefault("engine.connect.max_delay", "30s")
	v.SetDefault("engine.local.width", 40)
	v.SetDefault("engine.local.height", 40)
	v.SetDefault("engine.local.seed", 42)
	v.SetDefault("engine.local.export_dir", "./data/exports")

	// Classification defaults
	v.SetDefault("classification.scale", 30.0)
	v.SetDefault("classification.trees", 100)
	v.SetDefault("classification.classifier", "random_forest")
	v.SetDefault("classification.min_year", 1984)
	v.SetDefault("classification.max_year", 2100)

	// Area defaults
	v.SetDefault("area.default", "gaul:Nyeri")
	v.SetDefault("area.gaul_table", "FAO/GAUL_SIMPLIFIED_500m/2015/level2")
	v.SetDefault("area.overpass_endpoint", "https://overpass-api.de/api/interpreter")
	v.SetDefault("area.admin_level", 4)
	v.SetDefault("area.timeout", "60s")

	// Samples defaults
	v.SetDefault("samples.catalog_file", "")

	// Export defaults
	v.SetDefault("export.folder", "GEE_exports")

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "./data/landview.db")
	v.SetDefault("storage.cache_ttl", "10m")

	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.max_upload_bytes", 10<<20)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Engine config
	switch c.Engine.Mode {
	case EngineEarthEngine:
		if c.Engine.Project == "" {
			return fmt.Errorf("engine.project is required when engine.mode is %s", EngineEarthEngine)
		}
	case EngineLocal:
		if c.Engine.Local.Width < 1 || c.Engine.Local.Height < 1 {
			return fmt.Errorf("engine.local.width and engine.local.height must be at least 1")
		}
	default:
		return fmt.Errorf("engine.mode must be one of: %s, %s", EngineEarthEngine, EngineLocal)
	}
	if c.Engine.Timeout < time.Second {
		return fmt.Errorf("engine.timeout must be at least 1 second")
	}
	if c.Engine.RequestsPerSecond < 0 {
		return fmt.Errorf("engine.requests_per_second must not be negative")
	}
	if c.Engine.Connect.MaxAttempts < 1 {
		return fmt.Errorf("engine.connect.max_attempts must be at least 1")
	}
	if c.Engine.Connect.InitialDelay <= 0 {
		return fmt.Errorf("engine.connect.initial_delay must be positive")
	}
	if c.Engine.Connect.MaxDelay < c.Engine.Connect.InitialDelay {
		return fmt.Errorf("engine.connect.max_delay must be at least engine.connect.initial_delay")
	}

	// Validate Classification config
	if c.Classification.Scale <= 0 {
		return fmt.Errorf("classification.scale must be positive")
	}
	if c.Classification.Trees < 1 {
		return fmt.Errorf("classification.trees must be at least 1")
	}
	if c.Classification.MinYear > c.Classification.MaxYear {
		return fmt.Errorf("classification.min_year must not exceed classification.max_year")
	}

	// Validate Area config
	if c.Area.GAULTable == "" {
		return fmt.Errorf("area.gaul_table is required")
	}
	if c.Area.AdminLevel < 1 || c.Area.AdminLevel > 11 {
		return fmt.Errorf("area.admin_level must be between 1 and 11")
	}

	// Validate Export config
	if c.Export.Folder == "" {
		return fmt.Errorf("export.folder is required")
	}

	// Validate Storage config
	validDrivers := map[string]bool{"sqlite": true, "postgres": true}
	if !validDrivers[c.Storage.Driver] {
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if c.Storage.CacheTTL < time.Second {
		return fmt.Errorf("storage.cache_ttl must be at least 1 second")
	}

	// Validate Server config
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// GetEngineConfig returns the Engine configuration
func (c *Config) GetEngineConfig() EngineConfig {
	return c.Engine
}

// GetClassificationConfig returns the Classification configuration
func (c *Config) GetClassificationConfig() ClassificationConfig {
	return c.Classification
}

// GetAreaConfig returns the Area configuration
func (c *Config) GetAreaConfig() AreaConfig {
	return c.Area
}

// GetStorageConfig returns the Storage configuration
func (c *Config) GetStorageConfig() StorageConfig {
	return c.Storage
}

// GetServerConfig returns the Server configuration
func (c *Config) GetServerConfig() ServerConfig {
	return c.Server
}

// GetTelegramConfig returns the Telegram configuration
func (c *Config) GetTelegramConfig() TelegramConfig {
	return c.Telegram
}

// GetLoggingConfig returns the Logging configuration
func (c *Config) GetLoggingConfig() LoggingConfig {
	return c.Logging
}
