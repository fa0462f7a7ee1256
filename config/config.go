// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the energy meter
// gateway.
//
// This package handles loading, validating, and managing application
// configuration from YAML files with environment variable overrides.
// Device and node configuration does NOT live here: it is persisted in the
// SQLite device database and managed through the HTTP API. The YAML file
// only bootstraps process-level settings.
//
// # Configuration Sources
//
// Configuration is loaded in the following order of precedence:
//  1. YAML configuration file (default: config.yaml)
//  2. Environment variable overrides
//  3. Default values for optional settings
//
// # Environment Variables
//
// The following environment variables can override YAML configuration:
//   - INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG, INFLUXDB_BUCKET
//   - MQTT_BROKER_URL, MQTT_CLIENT_ID, MQTT_USERNAME, MQTT_PASSWORD
//   - DEVICE_DB_PATH
//   - HTTP_ADDRESS, HTTP_AUTH_TOKEN
//   - LOG_LEVEL
//   - SLACK_WEBHOOK_URL
//   - CACHE_DIRECTORY
//
// # Security Features
//
//   - HTTPS enforcement for non-local InfluxDB connections
//   - Minimum token length validation
//   - URL format validation
//   - Sensible limits on queue sizes
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/soothill/energy-meter-gateway/pkg/util"
)

// Config represents the application configuration
type Config struct {
	InfluxDB      InfluxDBConfig      `yaml:"influxdb" validate:"required"`
	MQTT          MQTTConfig          `yaml:"mqtt" validate:"required"`
	Devices       DevicesConfig       `yaml:"devices"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Cache         CacheConfig         `yaml:"cache"`
	Queues        QueuesConfig        `yaml:"queues"`
}

// InfluxDBConfig holds time-series store connection settings
type InfluxDBConfig struct {
	URL          string `yaml:"url" validate:"required,url"`
	Token        string `yaml:"token" validate:"required,min=8"`
	Organization string `yaml:"organization" validate:"required"`
	Bucket       string `yaml:"bucket" validate:"required"`
}

// MQTTConfig holds MQTT broker connection settings
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url" validate:"required"`
	ClientID  string `yaml:"client_id" validate:"required"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// DevicesConfig holds device persistence settings
type DevicesConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// HTTPConfig holds the HTTP API settings
type HTTPConfig struct {
	Address   string `yaml:"address"`
	AuthToken string `yaml:"auth_token" validate:"omitempty,min=16"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// CacheConfig holds local measurement cache settings
type CacheConfig struct {
	Directory string        `yaml:"directory"`
	MaxSize   int64         `yaml:"max_size"` // bytes
	MaxAge    time.Duration `yaml:"max_age"`
}

// QueuesConfig bounds the shared sink queues
type QueuesConfig struct {
	PublishSize      int `yaml:"publish_size" validate:"omitempty,min=1,max=100000"`
	MeasurementsSize int `yaml:"measurements_size" validate:"omitempty,min=1,max=100000"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the
// configuration
func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		c.InfluxDB.URL = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		c.InfluxDB.Token = v
	}
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		c.InfluxDB.Organization = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		c.InfluxDB.Bucket = v
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		c.MQTT.BrokerURL = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("DEVICE_DB_PATH"); v != "" {
		c.Devices.DatabasePath = v
	}
	if v := os.Getenv("HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("HTTP_AUTH_TOKEN"); v != "" {
		c.HTTP.AuthToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Notifications.SlackWebhookURL = v
	}
	if v := os.Getenv("CACHE_DIRECTORY"); v != "" {
		c.Cache.Directory = v
	}
}

// setDefaults fills optional settings with sensible defaults
func (c *Config) setDefaults() {
	if c.Devices.DatabasePath == "" {
		c.Devices.DatabasePath = "devices.db"
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = "localhost:8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Cache.Directory == "" {
		c.Cache.Directory = ".cache"
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = 100 * 1024 * 1024
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = 7 * 24 * time.Hour
	}
	if c.Queues.PublishSize == 0 {
		c.Queues.PublishSize = 1000
	}
	if c.Queues.MeasurementsSize == 0 {
		c.Queues.MeasurementsSize = 1000
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "energy-meter-gateway"
	}
}

// Validate checks the configuration for correctness and safety
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	parsed, err := url.Parse(c.InfluxDB.URL)
	if err != nil {
		return fmt.Errorf("invalid InfluxDB URL: %w", err)
	}

	// Require TLS for non-local InfluxDB connections; tokens travel in
	// headers.
	host := parsed.Hostname()
	local := host == "localhost" || host == "127.0.0.1" || host == "::1"
	if !local && parsed.Scheme != "https" {
		return fmt.Errorf("InfluxDB URL must use https for non-local host %q", host)
	}
	return nil
}
