// Package config provides configuration management for the edd daemon.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/earthdata-download/edd/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "edd.config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "EDD_"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig          `mapstructure:"server" yaml:"server" json:"server"`
	Download DownloadConfig        `mapstructure:"download" yaml:"download" json:"download"`
	Log      LogConfig             `mapstructure:"log" yaml:"log" json:"log"`
	Storage  storage.StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host" json:"host"`
	Port           int      `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout    int      `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout"`    // seconds
	WriteTimeout   int      `mapstructure:"write_timeout" yaml:"write_timeout" json:"writeTimeout"` // seconds
	CORSEnabled    bool     `mapstructure:"cors_enabled" yaml:"cors_enabled" json:"corsEnabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowedOrigins"`
}

// DownloadConfig contains download session configuration
type DownloadConfig struct {
	DefaultLocation       string   `mapstructure:"default_location" yaml:"default_location" json:"defaultLocation"`
	ConcurrentDownloads   int      `mapstructure:"concurrent_downloads" yaml:"concurrent_downloads" json:"concurrentDownloads"`
	ProgressInterval      int      `mapstructure:"progress_interval_ms" yaml:"progress_interval_ms" json:"progressIntervalMs"`
	ProgressWriteInterval int      `mapstructure:"progress_write_interval_ms" yaml:"progress_write_interval_ms" json:"progressWriteIntervalMs"`
	ResumeOnStartup       bool     `mapstructure:"resume_on_startup" yaml:"resume_on_startup" json:"resumeOnStartup"`
	AllowInsecureLinks    bool     `mapstructure:"allow_insecure_links" yaml:"allow_insecure_links" json:"allowInsecureLinks"`
	AuthURLPatterns       []string `mapstructure:"auth_url_patterns" yaml:"auth_url_patterns" json:"authUrlPatterns"`
	EulaURLPatterns       []string `mapstructure:"eula_url_patterns" yaml:"eula_url_patterns" json:"eulaUrlPatterns"`
	UserAgent             string   `mapstructure:"user_agent" yaml:"user_agent" json:"userAgent"`
	Timeout               int      `mapstructure:"timeout" yaml:"timeout" json:"timeout"` // seconds, 0 = none
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`                  // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format" json:"format"`               // json, text
	Output     string `mapstructure:"output" yaml:"output" json:"output"`               // stdout, file, both
	Directory  string `mapstructure:"directory" yaml:"directory" json:"directory"`      // log directory
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size" json:"maxSize"`          // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"maxBackups"` // number of backup files
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age" json:"maxAge"`             // days
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cwd, _ := os.Getwd()

	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           9280,
			ReadTimeout:    60,
			WriteTimeout:   60,
			CORSEnabled:    true,
			AllowedOrigins: []string{"*"},
		},
		Download: DownloadConfig{
			DefaultLocation:       filepath.Join(cwd, "downloads"),
			ConcurrentDownloads:   5,
			ProgressInterval:      1000,
			ProgressWriteInterval: 500,
			ResumeOnStartup:       true,
			AllowInsecureLinks:    false,
			AuthURLPatterns:       []string{"urs.earthdata.nasa.gov/oauth/authorize"},
			EulaURLPatterns:       []string{"urs.earthdata.nasa.gov/approve_app", "/eula"},
			UserAgent:             "earthdata-download",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			Directory:  filepath.Join(cwd, "logs"),
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Storage: storage.StorageConfig{
			Type: storage.StorageTypeSQLite,
			SQLite: &storage.SQLiteConfig{
				Path:      filepath.Join(cwd, "data", "edd.db"),
				EnableWAL: true,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Download.ConcurrentDownloads < 1 {
		return fmt.Errorf("concurrent downloads must be at least 1")
	}
	if c.Download.ProgressInterval < 100 {
		return fmt.Errorf("progress interval too small (minimum 100ms)")
	}
	if c.Download.ProgressWriteInterval < 0 {
		return fmt.Errorf("progress write interval cannot be negative")
	}
	for _, p := range append(append([]string{}, c.Download.AuthURLPatterns...), c.Download.EulaURLPatterns...) {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("interception url pattern cannot be empty")
		}
	}

	switch c.Storage.Type {
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	case storage.StorageTypeMemory:
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	validOutputs := map[string]bool{"stdout": true, "file": true, "both": true}
	if c.Log.Output != "" && !validOutputs[strings.ToLower(c.Log.Output)] {
		return fmt.Errorf("invalid log output: %s (must be stdout, file, or both)", c.Log.Output)
	}

	return nil
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides configuration values from EDD_* environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvPrefix + "HOST"); v != "" {
		c.Server.Host = v
	}
	if v, ok := envInt("PORT"); ok {
		c.Server.Port = v
	}
	if v := os.Getenv(EnvPrefix + "DOWNLOAD_LOCATION"); v != "" {
		c.Download.DefaultLocation = v
	}
	if v, ok := envInt("CONCURRENT_DOWNLOADS"); ok {
		c.Download.ConcurrentDownloads = v
	}
	if v := os.Getenv(EnvPrefix + "ALLOW_INSECURE_LINKS"); v != "" {
		c.Download.AllowInsecureLinks, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		if c.Storage.SQLite == nil {
			c.Storage.SQLite = &storage.SQLiteConfig{}
		}
		c.Storage.SQLite.Path = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	if dir := os.Getenv(EnvPrefix + "CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager using the default path
func NewManager() *Manager {
	return NewManagerWithPath(filepath.Join(GetConfigDir(), DefaultConfigFile))
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{configPath: configPath}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
