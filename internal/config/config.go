package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Framebuffer FramebufferConfig `yaml:"framebuffer"`
	Updates     UpdatesConfig     `yaml:"updates"`
	Admin       AdminConfig       `yaml:"admin"`
	Mock        MockConfig        `yaml:"mock"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Host               string        `yaml:"host"`
	BasePort           int           `yaml:"base_port"`
	MaxDisplays        int           `yaml:"max_displays"`
	Displays           []int         `yaml:"displays"`
	AcceptBackoff      time.Duration `yaml:"accept_backoff"`
	UpdaterStopTimeout time.Duration `yaml:"updater_stop_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	KeepAlive          time.Duration `yaml:"keep_alive"`
	DesktopName        string        `yaml:"desktop_name"`
}

type FramebufferConfig struct {
	Width    int `yaml:"width"`
	Height   int `yaml:"height"`
	MaxBytes int `yaml:"max_bytes"`
}

type UpdatesConfig struct {
	PoolSize int `yaml:"pool_size"`
}

type AdminConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	MaxClients        int           `yaml:"max_clients"`
	AuthToken         string        `yaml:"auth_token"`
}

type MockConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var validLevels = map[string]bool{
	"trace":   true,
	"debug":   true,
	"info":    true,
	"warning": true,
	"error":   true,
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			BasePort:           5900,
			MaxDisplays:        4,
			Displays:           []int{0},
			AcceptBackoff:      250 * time.Millisecond,
			UpdaterStopTimeout: 2 * time.Second,
			HandshakeTimeout:   10 * time.Second,
			KeepAlive:          30 * time.Second,
			DesktopName:        "vncd",
		},
		Framebuffer: FramebufferConfig{
			Width:    640,
			Height:   480,
			MaxBytes: 64 << 20,
		},
		Updates: UpdatesConfig{
			PoolSize: 8,
		},
		Admin: AdminConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:5800",
			SnapshotInterval:  5 * time.Second,
			BroadcastThrottle: 100 * time.Millisecond,
			MaxClients:        16,
		},
		Mock: MockConfig{
			Interval: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML file over the defaults. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a display
// loop.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.MaxDisplays <= 0 {
		errs = append(errs, fmt.Errorf("server.max_displays must be positive, got %d", c.Server.MaxDisplays))
	}
	if c.Server.BasePort <= 0 || c.Server.BasePort+c.Server.MaxDisplays-1 > 65535 {
		errs = append(errs, fmt.Errorf("server.base_port %d leaves no room for %d displays", c.Server.BasePort, c.Server.MaxDisplays))
	}
	if len(c.Server.Displays) == 0 {
		errs = append(errs, errors.New("server.displays is empty"))
	}
	seen := make(map[int]bool, len(c.Server.Displays))
	for _, d := range c.Server.Displays {
		if seen[d] {
			errs = append(errs, fmt.Errorf("server.displays lists %d twice", d))
		}
		seen[d] = true
	}
	if c.Updates.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("updates.pool_size must be positive, got %d", c.Updates.PoolSize))
	}
	if c.Server.AcceptBackoff < 0 {
		errs = append(errs, errors.New("server.accept_backoff must not be negative"))
	}
	if c.Server.UpdaterStopTimeout <= 0 {
		errs = append(errs, errors.New("server.updater_stop_timeout must be positive"))
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		errs = append(errs, errors.New("admin.addr is required when admin is enabled"))
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level %q is not one of trace, debug, info, warning, error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// Port returns the TCP port of display.
func (c *Config) Port(display int) int {
	return c.Server.BasePort + display
}
