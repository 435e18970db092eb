package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
	Capture   CaptureConfig   `yaml:"capture" mapstructure:"capture"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port" mapstructure:"port"`
	Host string `yaml:"host" mapstructure:"host"`
}

// DashboardConfig controls the observability dashboard and its API.
type DashboardConfig struct {
	Enable bool `yaml:"enable" mapstructure:"enable"`
	// Path is the reserved namespace; requests under it are never captured.
	Path         string `yaml:"path" mapstructure:"path"`
	DefaultLimit int    `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit     int    `yaml:"max_limit" mapstructure:"max_limit"`
}

// CaptureConfig tunes the interceptor.
type CaptureConfig struct {
	// MaxBodyChars is the ceiling applied to stored request/response bodies.
	MaxBodyChars int `yaml:"max_body_chars" mapstructure:"max_body_chars"`
}

// StorageConfig persistence parameters for observation records.
type StorageConfig struct {
	Driver     string        `yaml:"driver" mapstructure:"driver"`
	Path       string        `yaml:"path" mapstructure:"path"`
	MaxRecords int           `yaml:"max_records" mapstructure:"max_records"`
	Retention  time.Duration `yaml:"retention" mapstructure:"retention"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	Format      string        `yaml:"format" mapstructure:"format"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// LoadConfig loads configuration from file, environment and defaults.
// If v is nil, a new viper instance will be created.
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("OBSERVATORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.observatory")
		v.AddConfigPath("/etc/observatory")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file found, defaults apply.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyDefaults(&config, v)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.host", "0.0.0.0")

	v.SetDefault("dashboard.enable", true)
	v.SetDefault("dashboard.path", "/observatory")
	v.SetDefault("dashboard.default_limit", 50)
	v.SetDefault("dashboard.max_limit", 200)

	v.SetDefault("capture.max_body_chars", 100000)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./observatory.db")
	v.SetDefault("storage.max_records", 0)
	v.SetDefault("storage.retention", time.Duration(0))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./logs/observatory.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", false)
}

// applyDefaults fills zero-value fields Unmarshal left behind; viper only
// applies defaults through Get*, not through Unmarshal of set sections.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = v.GetString("server.host")
	}
	if cfg.Dashboard.Path == "" {
		cfg.Dashboard.Path = v.GetString("dashboard.path")
	}
	if cfg.Dashboard.DefaultLimit == 0 {
		cfg.Dashboard.DefaultLimit = v.GetInt("dashboard.default_limit")
	}
	if cfg.Dashboard.MaxLimit == 0 {
		cfg.Dashboard.MaxLimit = v.GetInt("dashboard.max_limit")
	}
	if cfg.Capture.MaxBodyChars == 0 {
		cfg.Capture.MaxBodyChars = v.GetInt("capture.max_body_chars")
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = v.GetString("log.format")
	}
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if !strings.HasPrefix(c.Dashboard.Path, "/") {
		return fmt.Errorf("dashboard.path must start with '/', got %q", c.Dashboard.Path)
	}
	if c.Dashboard.Path == "/" {
		return fmt.Errorf("dashboard.path cannot be '/': the reserved namespace would swallow all traffic")
	}
	if c.Dashboard.DefaultLimit < 1 {
		return fmt.Errorf("dashboard.default_limit must be positive, got %d", c.Dashboard.DefaultLimit)
	}
	if c.Dashboard.MaxLimit < c.Dashboard.DefaultLimit {
		return fmt.Errorf("dashboard.max_limit (%d) cannot be lower than dashboard.default_limit (%d)",
			c.Dashboard.MaxLimit, c.Dashboard.DefaultLimit)
	}

	if c.Capture.MaxBodyChars < 1 {
		return fmt.Errorf("capture.max_body_chars must be positive, got %d", c.Capture.MaxBodyChars)
	}

	switch driver := strings.ToLower(c.Storage.Driver); driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	if c.Storage.MaxRecords < 0 {
		return fmt.Errorf("storage.max_records cannot be negative, got %d", c.Storage.MaxRecords)
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention cannot be negative, got %s", c.Storage.Retention)
	}

	return nil
}

// NormalizePath ensures a leading slash and strips trailing slashes.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
