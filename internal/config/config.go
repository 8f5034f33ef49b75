// Package config loads and validates the mobile bridge engine's YAML
// configuration: local proxy ports, destination port allowlists, session
// timeouts, transport backoff, and the optional ambient control/diagnostic
// surfaces.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mobilebridge/internal/bridgeerr"
)

// LogConfig mirrors corelog.Config's YAML shape without importing corelog,
// keeping this package dependency-light; Load converts it at call sites.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
}

// ControlConfig configures the optional local gRPC control surface.
type ControlConfig struct {
	// Listen is the address to bind (e.g. "127.0.0.1:7733"). Empty disables
	// the control surface entirely.
	Listen string `yaml:"listen,omitempty"`
}

// Config is the top-level engine configuration.
type Config struct {
	TCPProxyPort         int           `yaml:"tcp-proxy-port"`
	UDPProxyPort         int           `yaml:"udp-proxy-port"`
	AllowedHTTPDestPorts []int         `yaml:"allowed-http-dest-ports"`
	AllowedUDPDestPorts  []int         `yaml:"allowed-udp-dest-ports"`
	DeviceTypeID         string        `yaml:"device-type-id"`
	UDPSessionTimeout    time.Duration `yaml:"udp-session-timeout"`
	TCPCleanupTimeout    time.Duration `yaml:"tcp-cleanup-timeout"`
	Backoff              []time.Duration `yaml:"backoff"`
	HostCallTimeout      time.Duration `yaml:"host-call-timeout"`
	PCAPDump             bool          `yaml:"pcap-dump,omitempty"`

	Log     LogConfig     `yaml:"log,omitempty"`
	Control ControlConfig `yaml:"control,omitempty"`
}

// Default returns the configuration with every spec-mandated default filled
// in, equivalent to starting from an empty YAML document.
func Default() *Config {
	return &Config{
		TCPProxyPort:         9876,
		UDPProxyPort:         9877,
		AllowedHTTPDestPorts: []int{80, 443},
		AllowedUDPDestPorts:  []int{53},
		DeviceTypeID:         "AMB1",
		UDPSessionTimeout:    60 * time.Second,
		TCPCleanupTimeout:    60 * time.Second,
		Backoff:              []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second},
		HostCallTimeout:      5 * time.Second,
	}
}

// Load reads and parses the configuration file at path, filling unset fields
// with Default's values, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Unmarshal into a copy seeded with defaults so omitted keys keep them.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", bridgeerr.ErrConfigInvalid, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every option is within the ranges the rest of the
// engine assumes. Returns a wrapped bridgeerr.ErrConfigInvalid on failure.
func (c *Config) Validate() error {
	if err := validatePort(c.TCPProxyPort); err != nil {
		return fmt.Errorf("%w: tcp-proxy-port: %v", bridgeerr.ErrConfigInvalid, err)
	}
	if err := validatePort(c.UDPProxyPort); err != nil {
		return fmt.Errorf("%w: udp-proxy-port: %v", bridgeerr.ErrConfigInvalid, err)
	}
	if c.TCPProxyPort == c.UDPProxyPort {
		return fmt.Errorf("%w: tcp-proxy-port and udp-proxy-port must differ", bridgeerr.ErrConfigInvalid)
	}
	for _, p := range c.AllowedHTTPDestPorts {
		if err := validatePort(p); err != nil {
			return fmt.Errorf("%w: allowed-http-dest-ports: %v", bridgeerr.ErrConfigInvalid, err)
		}
	}
	for _, p := range c.AllowedUDPDestPorts {
		if err := validatePort(p); err != nil {
			return fmt.Errorf("%w: allowed-udp-dest-ports: %v", bridgeerr.ErrConfigInvalid, err)
		}
	}
	if c.UDPSessionTimeout <= 0 {
		return fmt.Errorf("%w: udp-session-timeout must be positive", bridgeerr.ErrConfigInvalid)
	}
	if c.TCPCleanupTimeout <= 0 {
		return fmt.Errorf("%w: tcp-cleanup-timeout must be positive", bridgeerr.ErrConfigInvalid)
	}
	if c.HostCallTimeout <= 0 {
		return fmt.Errorf("%w: host-call-timeout must be positive", bridgeerr.ErrConfigInvalid)
	}
	if len(c.Backoff) == 0 {
		return fmt.Errorf("%w: backoff must have at least one entry", bridgeerr.ErrConfigInvalid)
	}
	for _, d := range c.Backoff {
		if d <= 0 {
			return fmt.Errorf("%w: backoff entries must be positive", bridgeerr.ErrConfigInvalid)
		}
	}
	if c.DeviceTypeID == "" {
		return fmt.Errorf("%w: device-type-id must not be empty", bridgeerr.ErrConfigInvalid)
	}
	return nil
}

func validatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range [1,65535]", p)
	}
	return nil
}
