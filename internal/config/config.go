package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects which half of the generator a process runs as.
type Mode string

const (
	ModeServer Mode = "server"
	ModeProxy  Mode = "proxy"
)

// UpstreamConfig describes one candidate upstream Stratum pool for proxy mode.
type UpstreamConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// NodeConfig describes one candidate full-node RPC endpoint for server mode.
type NodeConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Address  string `yaml:"address"` // payout address validated at startup
}

// Config is the record the surrounding process supervisor hands the
// generator at startup (§6). It is read from a YAML file and then patched
// with any matching environment variables, so a supervisor can either drop a
// file on disk or inject overrides without touching it.
type Config struct {
	Mode          Mode             `yaml:"mode"`
	ClientTag     string           `yaml:"client_tag"`
	ControlSocket string           `yaml:"control_socket"`
	Upstreams     []UpstreamConfig `yaml:"upstreams"`
	Nodes         []NodeConfig     `yaml:"nodes"`
	RedisAddr     string           `yaml:"redis_addr"`
	RedisChannel  string           `yaml:"redis_channel"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	ReconnectGap time.Duration `yaml:"reconnect_gap"`
}

// Default returns the baseline configuration before file/env overrides.
func Default() Config {
	return Config{
		Mode:          ModeProxy,
		ClientTag:     "chimera-generator/1.0",
		ControlSocket: "/tmp/chimera-generator.sock",
		RedisChannel:  "chimera:generator:events",
		DialTimeout:   10 * time.Second,
		ReadTimeout:   5 * time.Second,
		ReconnectGap:  5 * time.Second,
	}
}

// Load reads the config record from path (if non-empty) and layers
// environment-variable overrides from the teacher's GetEnv* helpers on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if m := GetEnv("GENERATOR_MODE", ""); m != "" {
		cfg.Mode = Mode(m)
	}
	cfg.ClientTag = GetEnv("GENERATOR_CLIENT_TAG", cfg.ClientTag)
	cfg.ControlSocket = GetEnv("GENERATOR_CONTROL_SOCKET", cfg.ControlSocket)
	cfg.RedisAddr = GetEnv("GENERATOR_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisChannel = GetEnv("GENERATOR_REDIS_CHANNEL", cfg.RedisChannel)
	cfg.DialTimeout = GetEnvDuration("GENERATOR_DIAL_TIMEOUT", cfg.DialTimeout)
	cfg.ReadTimeout = GetEnvDuration("GENERATOR_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.ReconnectGap = GetEnvDuration("GENERATOR_RECONNECT_GAP", cfg.ReconnectGap)
}

// Validate checks the fields needed for the configured mode are present.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeProxy:
		if len(c.Upstreams) == 0 {
			return fmt.Errorf("proxy mode requires at least one upstream")
		}
	case ModeServer:
		if len(c.Nodes) == 0 {
			return fmt.Errorf("server mode requires at least one node")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.ControlSocket == "" {
		return fmt.Errorf("control_socket is required")
	}
	return nil
}
