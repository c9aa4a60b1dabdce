// Package config loads the litex-server configuration from TOML.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Device  DeviceConfig  `toml:"device"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ServerConfig controls the TCP gateway.
type ServerConfig struct {
	Bind string `toml:"bind"`
	Port uint16 `toml:"port"`
	// Ident is sent verbatim to every client on connect so that generic
	// remote clients can recognize the bridge.
	Ident string `toml:"ident"`
}

// DeviceConfig selects and tunes the FT601 device.
type DeviceConfig struct {
	// Index picks a device when several are attached.
	Index int `toml:"index"`
	// Channel is the stream channel carrying Etherbone traffic.
	Channel int `toml:"channel"`
	// TimeoutMS bounds each hardware transaction.
	TimeoutMS int `toml:"timeout_ms"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:  "0.0.0.0",
			Port:  1234,
			Ident: "CommFT601:localhost:1234",
		},
		Device: DeviceConfig{
			Index:     0,
			Channel:   0,
			TimeoutMS: 100,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9100",
		},
	}
}

// Load reads path and fills in defaults for any omitted field. An empty
// path yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return fmt.Errorf("config: server bind address is required")
	}
	if net.ParseIP(c.Server.Bind) == nil {
		return fmt.Errorf("config: server bind %q is not an IP address", c.Server.Bind)
	}
	if c.Server.Port == 0 {
		return fmt.Errorf("config: server port is required")
	}
	if strings.TrimSpace(c.Server.Ident) == "" {
		return fmt.Errorf("config: server ident is required")
	}
	if c.Device.Index < 0 {
		return fmt.Errorf("config: device index must not be negative")
	}
	if c.Device.Channel < 0 || c.Device.Channel > 255 {
		return fmt.Errorf("config: device channel must be 0-255")
	}
	if c.Device.TimeoutMS <= 0 {
		return fmt.Errorf("config: device timeout_ms must be positive")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		return fmt.Errorf("config: metrics addr is required when metrics are enabled")
	}
	return nil
}

// Addr returns the gateway listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Bind, strconv.Itoa(int(s.Port)))
}

// Timeout returns the per-transaction device deadline.
func (d DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}
