package guard

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all guardxp configuration.
type Config struct {
	DBPath      string `yaml:"db_path"`
	OffsetsPath string `yaml:"offsets_path"`
	GeoIPPath   string `yaml:"geoip_path"`

	// RefreshInterval is the staleness bound of the allow/deny lists.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// WatchLists polls PRAGMA user_version and refreshes as soon as the
	// lists are edited.
	WatchLists    bool          `yaml:"watch_lists"`
	WatchInterval time.Duration `yaml:"watch_interval"`

	DBTimeout          time.Duration `yaml:"db_timeout"`
	DBPoolSize         int           `yaml:"db_pool_size"`
	AuditBuffer        int           `yaml:"audit_buffer"`
	AuditFlushInterval time.Duration `yaml:"audit_flush_interval"`

	Proxy ProxyConfig `yaml:"proxy"`
	Admin AdminConfig `yaml:"admin"`

	LogLevel string `yaml:"log_level"`
}

// ProxyConfig configures the forward proxy listener.
type ProxyConfig struct {
	Listen         string        `yaml:"listen"`
	MaxBody        int64         `yaml:"max_body"`
	DisableCaching bool          `yaml:"disable_caching"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// AdminConfig configures the admin listener (JSON API and MCP).
type AdminConfig struct {
	Listen       string `yaml:"listen"`
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "guardxp.db"
	}
	if c.OffsetsPath == "" {
		c.OffsetsPath = "offsets/offsets.json"
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 15 * time.Second
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = 2 * time.Second
	}
	if c.DBTimeout <= 0 {
		c.DBTimeout = 2 * time.Second
	}
	if c.DBPoolSize <= 0 {
		c.DBPoolSize = 5
	}
	if c.AuditBuffer <= 0 {
		c.AuditBuffer = 1024
	}
	if c.AuditFlushInterval <= 0 {
		c.AuditFlushInterval = 5 * time.Second
	}
	if c.Proxy.Listen == "" {
		c.Proxy.Listen = ":8080"
	}
	if c.Proxy.MaxBody <= 0 {
		c.Proxy.MaxBody = 16 << 20
	}
	if c.Proxy.DialTimeout <= 0 {
		c.Proxy.DialTimeout = 10 * time.Second
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:8081"
	}
	if c.Admin.User == "" {
		c.Admin.User = "admin"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Defaults returns a copy of c with every unset field filled in.
func (c Config) Defaults() Config {
	c.defaults()
	return c
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
