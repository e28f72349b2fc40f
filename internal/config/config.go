// Package config loads service configuration from an optional YAML file with
// environment overrides. Every knob answers to both the PROXY_ and SETTLD_
// prefixes; the PROXY_ name wins when both are set.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Autotick AutotickConfig `yaml:"autotick"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Ops      OpsConfig      `yaml:"ops"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type StoreConfig struct {
	Driver           string `yaml:"driver"` // mem | pg
	DatabaseURL      string `yaml:"database_url"`
	Schema           string `yaml:"schema"`
	MigrateOnStartup bool   `yaml:"migrate_on_startup"`
}

type RedisConfig struct {
	URL string `yaml:"url"` // empty disables the redis idempotency backend
}

type AutotickConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMs int  `yaml:"interval_ms"`
}

// ExportDestination seeds a webhook destination for a tenant at startup.
type ExportDestination struct {
	DestinationID string   `yaml:"destination_id" json:"destinationId"`
	URL           string   `yaml:"url" json:"url"`
	Secret        string   `yaml:"secret" json:"secret"`
	Topics        []string `yaml:"topics" json:"topics,omitempty"`
}

type DeliveryConfig struct {
	HTTPTimeoutMs int `yaml:"http_timeout_ms"`
	// ExportDestinations maps tenantId to its seeded destinations.
	ExportDestinations map[string][]ExportDestination `yaml:"export_destinations"`
}

type OpsConfig struct {
	Tokens []string `yaml:"tokens"`
}

// Defaults applied after file and env merging.
const (
	DefaultPort       = "8080"
	DefaultSchema     = "settld"
	DefaultIntervalMs = 1000
	DefaultTimeoutMs  = 10000
)

// LoadConfig reads the YAML file when path is non-empty, then applies
// environment overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// FromEnv builds a config from the environment alone.
func FromEnv() (*Config, error) {
	return LoadConfig("")
}

func (c *Config) applyEnv() error {
	if v := env("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := env("ENV"); v != "" {
		c.Server.Env = v
	}
	if v := envOrBare("STORE"); v != "" {
		c.Store.Driver = v
	}
	if v := envOrBare("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := env("PG_SCHEMA"); v != "" {
		c.Store.Schema = v
	}
	if v := env("MIGRATE_ON_STARTUP"); v != "" {
		c.Store.MigrateOnStartup = truthy(v)
	}
	if v := env("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := env("AUTOTICK"); v != "" {
		c.Autotick.Enabled = truthy(v)
	}
	if v := env("AUTOTICK_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: AUTOTICK_INTERVAL_MS: %w", err)
		}
		c.Autotick.IntervalMs = n
	}
	if v := env("DELIVERY_HTTP_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: DELIVERY_HTTP_TIMEOUT_MS: %w", err)
		}
		c.Delivery.HTTPTimeoutMs = n
	}
	if v := env("OPS_TOKENS"); v != "" {
		c.Ops.Tokens = splitNonEmpty(v)
	}
	if v := env("EXPORT_DESTINATIONS"); v != "" {
		dests := map[string][]ExportDestination{}
		if err := json.Unmarshal([]byte(v), &dests); err != nil {
			return fmt.Errorf("config: EXPORT_DESTINATIONS: %w", err)
		}
		c.Delivery.ExportDestinations = dests
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "mem"
	}
	if c.Store.Schema == "" {
		c.Store.Schema = DefaultSchema
	}
	if c.Autotick.IntervalMs <= 0 {
		c.Autotick.IntervalMs = DefaultIntervalMs
	}
	if c.Delivery.HTTPTimeoutMs <= 0 {
		c.Delivery.HTTPTimeoutMs = DefaultTimeoutMs
	}
}

// env reads PROXY_<name>, falling back to SETTLD_<name>.
func env(name string) string {
	if v := os.Getenv("PROXY_" + name); v != "" {
		return v
	}
	return os.Getenv("SETTLD_" + name)
}

// envOrBare resolves the prefixed forms first, then the conventional bare
// name (STORE, DATABASE_URL).
func envOrBare(name string) string {
	if v := env(name); v != "" {
		return v
	}
	return os.Getenv(name)
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitNonEmpty(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
