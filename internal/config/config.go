// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./parley.yaml, ~/.config/parley/parley.yaml, /etc/parley/parley.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"parley.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "parley.yaml"))
	}

	paths = append(paths, "/etc/parley/parley.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Media    MediaConfig    `yaml:"media"`
	Call     CallConfig     `yaml:"call"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig defines the REST API endpoint.
type ServerConfig struct {
	// BaseURL is the root of the REST API (e.g. https://chat.example.com/api).
	BaseURL string `yaml:"base_url"`
	// TimeoutSec is the per-request timeout in seconds (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
}

// RealtimeConfig defines the websocket event channel connection.
type RealtimeConfig struct {
	// URL is the websocket endpoint. If empty it is derived from
	// server.base_url by swapping the scheme to ws/wss.
	URL string `yaml:"url"`
	// MaxReconnectAttempts bounds automatic reconnection before the
	// client falls back to the slower manual retry loop (default 5).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// ReconnectDelaySec is the fixed delay between reconnection
	// attempts in seconds (default 5).
	ReconnectDelaySec int `yaml:"reconnect_delay_sec"`
	// DialTimeoutSec is the connection establishment timeout in
	// seconds (default 20).
	DialTimeoutSec int `yaml:"dial_timeout_sec"`
}

// MediaConfig defines the media engine settings.
type MediaConfig struct {
	// StunServers are the ICE servers handed to the media engine.
	StunServers []string `yaml:"stun_servers"`
	// TokenRenewLeadSec is how many seconds before media-token expiry
	// the renewal request is issued (default 30).
	TokenRenewLeadSec int `yaml:"token_renew_lead_sec"`
}

// CallConfig defines call-signaling behavior.
type CallConfig struct {
	// RingtonePath overrides the embedded ringtone asset.
	RingtonePath string `yaml:"ringtone_path"`
	// FallbackRingtonePath is tried when the primary asset fails to play.
	FallbackRingtonePath string `yaml:"fallback_ringtone_path"`
	// RingTimeoutSec is the hard auto-stop for ringtone playback
	// (default 30).
	RingTimeoutSec int `yaml:"ring_timeout_sec"`
	// DialCooldownSec is the minimum gap between outgoing call
	// attempts (default 2).
	DialCooldownSec int `yaml:"dial_cooldown_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TimeoutSec: 30,
		},
		Realtime: RealtimeConfig{
			MaxReconnectAttempts: 5,
			ReconnectDelaySec:    5,
			DialTimeoutSec:       20,
		},
		Media: MediaConfig{
			StunServers:       []string{"stun:stun.l.google.com:19302"},
			TokenRenewLeadSec: 30,
		},
		Call: CallConfig{
			RingTimeoutSec:  30,
			DialCooldownSec: 2,
		},
		DataDir: "data",
	}
}

// ServerTimeout returns the REST request timeout as a duration.
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSec) * time.Second
}
