// Package config loads and saves the Sync Bridge's TOML configuration file,
// holding the recognized options of spec.md §6.4 plus
// ConsecutiveMistakeLimit.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Config is the Sync Bridge's configuration record (spec.md §6.4).
type Config struct {
	Enabled                 bool   `toml:"enabled"`
	Port                    int    `toml:"port"`
	DiscoveryPort           int    `toml:"discovery_port"`
	ServiceName             string `toml:"service_name"`
	MaxConnections          int    `toml:"max_connections"`
	ConsecutiveMistakeLimit int    `toml:"consecutive_mistake_limit"`
}

const (
	DefaultPort           = 8765
	DefaultDiscoveryPort  = 8766
	DefaultMaxConnections = 10
)

// GetDefaultConfig returns the documented defaults from spec.md §6.4.
func GetDefaultConfig() *Config {
	return &Config{
		Enabled:                 true,
		Port:                    DefaultPort,
		DiscoveryPort:           DefaultDiscoveryPort,
		ServiceName:             defaultServiceName(),
		MaxConnections:          DefaultMaxConnections,
		ConsecutiveMistakeLimit: 0,
	}
}

func defaultServiceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return "RooCode-" + host
}

// GetDefaultConfigPath returns ~/.config/syncbridge/config.toml, falling
// back to ./syncbridge.toml if the user's home directory can't be
// determined.
func GetDefaultConfigPath() string {
	u, err := user.Current()
	if err != nil || u.HomeDir == "" {
		return "syncbridge.toml"
	}
	return filepath.Join(u.HomeDir, ".config", "syncbridge", "config.toml")
}

// LoadConfig loads the config file at configPath, returning defaults if it
// does not exist.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
	}

	cfg := GetDefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling %s: %w", configPath, err)
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}

	return cfg, nil
}

// SaveConfig writes c as TOML to configPath.
func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("config: creating directory: %w", err)
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	return os.WriteFile(configPath, data, 0644)
}

// SaveTemplateConfig writes the annotated sample template (with ServiceName
// substituted) to configPath, for `syncbridge config init`.
func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("config: creating directory: %w", err)
	}
	return os.WriteFile(configPath, []byte(c.renderTemplate()), 0644)
}

func (c *Config) renderTemplate() string {
	name := c.ServiceName
	if name == "" {
		name = defaultServiceName()
	}
	return strings.Replace(configTemplate, `service_name = "RooCode-hostname"`, fmt.Sprintf("service_name = %q", name), 1)
}

// Update mutates c in place. Per spec.md §6.4, the new values only take
// effect on the Sync Service's next Start() call; Update itself never
// restarts a running service.
func (c *Config) Update(mutate func(*Config)) {
	mutate(c)
}
