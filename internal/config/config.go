// Package config provides configuration management for the presence service.
//
// The configuration is loaded from a YAML file (default: /etc/heimdal/presence.yaml)
// and contains settings for every component:
//   - Database: store driver (badger or sqlite), path and garbage collection
//   - API: listen address and per-IP rate limiting
//   - Enrichment: lookup spacing, retry sweep period, queue size, providers
//   - Notify: ntfy, MQTT and live-feed transports
//   - DHCP: optional passive capture of DHCP traffic
//   - Logging: log level and file path
//
// Environment variables override file values so existing deployments that
// only set NTFY_* keep working.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported database drivers
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	API        APIConfig        `yaml:"api"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Notify     NotifyConfig     `yaml:"notify"`
	DHCP       DHCPConfig       `yaml:"dhcp"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig contains database-related settings
type DatabaseConfig struct {
	Driver     string `yaml:"driver"`
	Path       string `yaml:"path"`
	GCInterval int    `yaml:"gc_interval_minutes"`
}

// APIConfig contains web API settings
type APIConfig struct {
	Port               int    `yaml:"port"`
	Host               string `yaml:"host"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// EnrichmentConfig controls manufacturer lookups
type EnrichmentConfig struct {
	MinIntervalMillis int      `yaml:"min_interval_ms"`
	SweepIntervalSecs int      `yaml:"sweep_interval_seconds"`
	LookupTimeoutSecs int      `yaml:"lookup_timeout_seconds"`
	QueueSize         int      `yaml:"queue_size"`
	Workers           int      `yaml:"workers"`
	Providers         []string `yaml:"providers"`
	MacVendorsURL     string   `yaml:"macvendors_url"`
	MacLookupURL      string   `yaml:"maclookup_url"`
	OUIFile           string   `yaml:"oui_file"`
}

// NotifyConfig contains notification transport settings
type NotifyConfig struct {
	TimeoutSecs   int            `yaml:"timeout_seconds"`
	MaxConcurrent int            `yaml:"max_concurrent"`
	Ntfy          NtfyConfig     `yaml:"ntfy"`
	MQTT          MQTTConfig     `yaml:"mqtt"`
	LiveFeed      LiveFeedConfig `yaml:"live_feed"`
}

// NtfyConfig contains ntfy push settings
type NtfyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Topic   string `yaml:"topic"`
	Token   string `yaml:"token"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// LiveFeedConfig toggles the websocket feed
type LiveFeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DHCPConfig contains passive DHCP capture settings
type DHCPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Interface string `yaml:"interface"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:     DriverBadger,
			Path:       "/var/lib/heimdal/presence",
			GCInterval: 5,
		},
		API: APIConfig{
			Port:               13959,
			Host:               "0.0.0.0",
			RateLimitPerMinute: 600,
		},
		Enrichment: EnrichmentConfig{
			MinIntervalMillis: 1000,
			SweepIntervalSecs: 300,
			LookupTimeoutSecs: 10,
			QueueSize:         1024,
			Workers:           1,
			Providers:         []string{"macvendors", "maclookup"},
			MacVendorsURL:     "https://api.macvendors.com",
			MacLookupURL:      "https://api.maclookup.app/v2/macs",
		},
		Notify: NotifyConfig{
			TimeoutSecs:   10,
			MaxConcurrent: 16,
			Ntfy: NtfyConfig{
				Enabled: true,
				URL:     "https://ntfy.sh",
				Topic:   "router-events",
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Broker:      "tcp://localhost:1883",
				ClientID:    "heimdal-presence",
				TopicPrefix: "heimdal/presence",
				QoS:         1,
			},
			LiveFeed: LiveFeedConfig{
				Enabled: true,
			},
		},
		DHCP: DHCPConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "/var/log/heimdal/presence.log",
		},
	}
}

// LoadConfig loads configuration from a YAML file.
// A missing file yields the defaults; environment overrides are applied either way.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("NTFY_URL"); v != "" {
		c.Notify.Ntfy.URL = v
	}
	if v := os.Getenv("NTFY_TOPIC"); v != "" {
		c.Notify.Ntfy.Topic = v
	}
	if v := os.Getenv("NTFY_TOKEN"); v != "" {
		c.Notify.Ntfy.Token = v
	}
	if v := os.Getenv("NTFY_ENABLED"); v != "" {
		c.Notify.Ntfy.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("PRESENCE_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("PRESENCE_DB_DRIVER"); v != "" {
		c.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("PRESENCE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}
	if v := os.Getenv("PRESENCE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("PRESENCE_MQTT_BROKER"); v != "" {
		c.Notify.MQTT.Broker = v
		c.Notify.MQTT.Enabled = true
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Driver != DriverBadger && c.Database.Driver != DriverSQLite {
		return fmt.Errorf("database driver must be '%s' or '%s'", DriverBadger, DriverSQLite)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.GCInterval < 1 {
		return fmt.Errorf("database GC interval must be at least 1 minute")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("API port must be between 1 and 65535")
	}
	if c.API.Host == "" {
		return fmt.Errorf("API host cannot be empty")
	}
	if c.API.RateLimitPerMinute < 1 {
		return fmt.Errorf("rate limit must be at least 1 request per minute")
	}

	e := c.Enrichment
	if e.MinIntervalMillis < 1 {
		return fmt.Errorf("enrichment min interval must be at least 1ms")
	}
	if e.SweepIntervalSecs < 1 {
		return fmt.Errorf("enrichment sweep interval must be at least 1 second")
	}
	if e.LookupTimeoutSecs < 1 {
		return fmt.Errorf("enrichment lookup timeout must be at least 1 second")
	}
	if e.QueueSize < 1 {
		return fmt.Errorf("enrichment queue size must be at least 1")
	}
	if e.Workers < 1 {
		return fmt.Errorf("enrichment workers must be at least 1")
	}
	if len(e.Providers) == 0 {
		return fmt.Errorf("at least one manufacturer provider is required")
	}
	for _, p := range e.Providers {
		switch p {
		case "macvendors", "maclookup":
		case "oui":
			if e.OUIFile == "" {
				return fmt.Errorf("oui provider requires enrichment.oui_file")
			}
		default:
			return fmt.Errorf("unknown manufacturer provider: %s", p)
		}
	}

	if c.Notify.TimeoutSecs < 1 {
		return fmt.Errorf("notify timeout must be at least 1 second")
	}
	if c.Notify.MaxConcurrent < 1 {
		return fmt.Errorf("notify max concurrent must be at least 1")
	}
	if c.Notify.Ntfy.Enabled {
		if c.Notify.Ntfy.URL == "" || c.Notify.Ntfy.Topic == "" {
			return fmt.Errorf("ntfy url and topic cannot be empty when ntfy is enabled")
		}
	}
	if c.Notify.MQTT.Enabled {
		if c.Notify.MQTT.Broker == "" {
			return fmt.Errorf("MQTT broker cannot be empty when MQTT is enabled")
		}
		if c.Notify.MQTT.QoS < 0 || c.Notify.MQTT.QoS > 2 {
			return fmt.Errorf("MQTT QoS must be 0, 1 or 2")
		}
	}

	if c.DHCP.Enabled && c.DHCP.Interface == "" {
		return fmt.Errorf("DHCP capture interface cannot be empty when capture is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.File == "" {
		return fmt.Errorf("log file path cannot be empty")
	}

	return nil
}

// EnsureLogDir creates the directory holding the log file.
func (c *Config) EnsureLogDir() error {
	logDir := filepath.Dir(c.Logging.File)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("cannot create log directory %s: %w", logDir, err)
	}
	return nil
}

// MinInterval is the spacing enforced between external lookups.
func (e EnrichmentConfig) MinInterval() time.Duration {
	return time.Duration(e.MinIntervalMillis) * time.Millisecond
}

// SweepInterval is the retry sweep period.
func (e EnrichmentConfig) SweepInterval() time.Duration {
	return time.Duration(e.SweepIntervalSecs) * time.Second
}

// LookupTimeout bounds a single provider call.
func (e EnrichmentConfig) LookupTimeout() time.Duration {
	return time.Duration(e.LookupTimeoutSecs) * time.Second
}

// Timeout bounds a single transport send.
func (n NotifyConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSecs) * time.Second
}
