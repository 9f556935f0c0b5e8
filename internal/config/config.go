// Package config loads the engine's TOML configuration file, filling in
// defaults for anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath = "config.toml"

	DefaultControlAddr  = "127.0.0.1:7420"
	DefaultJWTExpiresIn = "24h"

	DefaultBackendTimeoutMs = 30_000

	DefaultChannelHandshakeTimeoutMs = 10_000
	DefaultChannelPingIntervalMs     = 25_000
	DefaultChannelReconnectRetries   = 5
	DefaultChannelReconnectBackoffMs = 1_000

	DefaultConnectTimeoutMs  = 5_000
	DefaultExtractDebounceMs = 200
	DefaultDriftIntervalMs   = 1_000
	DefaultReconnectWaitMs   = 1_500
	DefaultPollBackoffMs     = 1_000
	DefaultPollRetries       = 3
)

type Config struct {
	Log     LogConfig     `toml:"log"`
	Backend BackendConfig `toml:"backend"`
	Channel ChannelConfig `toml:"channel"`
	Session SessionConfig `toml:"session"`
	Control ControlConfig `toml:"control"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// BackendConfig points at the chat server the engine streams from.
type BackendConfig struct {
	BaseURL   string `toml:"base_url"`
	Token     string `toml:"token"`
	TimeoutMs int    `toml:"timeout_ms"`
}

func (c BackendConfig) Timeout() time.Duration {
	return msDuration(c.TimeoutMs, DefaultBackendTimeoutMs)
}

// ChannelConfig tunes the persistent event socket. An empty URL disables the
// socket; turns then run on the HTTP stream and drift polling alone.
type ChannelConfig struct {
	URL                string `toml:"url"`
	HandshakeTimeoutMs int    `toml:"handshake_timeout_ms"`
	PingIntervalMs     int    `toml:"ping_interval_ms"`
	ReconnectRetries   int    `toml:"reconnect_retries"`
	ReconnectBackoffMs int    `toml:"reconnect_backoff_ms"`
}

func (c ChannelConfig) Enabled() bool {
	return c.URL != ""
}

func (c ChannelConfig) HandshakeTimeout() time.Duration {
	return msDuration(c.HandshakeTimeoutMs, DefaultChannelHandshakeTimeoutMs)
}

func (c ChannelConfig) PingInterval() time.Duration {
	return msDuration(c.PingIntervalMs, DefaultChannelPingIntervalMs)
}

func (c ChannelConfig) ReconnectBackoff() time.Duration {
	return msDuration(c.ReconnectBackoffMs, DefaultChannelReconnectBackoffMs)
}

// SessionConfig tunes the per-turn machinery: transport binding, extraction
// debounce, and the drift watchdog.
type SessionConfig struct {
	ConversationID    string `toml:"conversation_id"`
	DefaultModel      string `toml:"default_model"`
	ConnectTimeoutMs  int    `toml:"connect_timeout_ms"`
	ExtractDebounceMs int    `toml:"extract_debounce_ms"`
	DriftIntervalMs   int    `toml:"drift_interval_ms"`
	ReconnectWaitMs   int    `toml:"reconnect_wait_ms"`
	PollBackoffMs     int    `toml:"poll_backoff_ms"`
	PollRetries       int    `toml:"poll_retries"`
}

func (c SessionConfig) ConnectTimeout() time.Duration {
	return msDuration(c.ConnectTimeoutMs, DefaultConnectTimeoutMs)
}

func (c SessionConfig) ExtractDebounce() time.Duration {
	return msDuration(c.ExtractDebounceMs, DefaultExtractDebounceMs)
}

func (c SessionConfig) DriftInterval() time.Duration {
	return msDuration(c.DriftIntervalMs, DefaultDriftIntervalMs)
}

func (c SessionConfig) ReconnectWait() time.Duration {
	return msDuration(c.ReconnectWaitMs, DefaultReconnectWaitMs)
}

func (c SessionConfig) PollBackoff() time.Duration {
	return msDuration(c.PollBackoffMs, DefaultPollBackoffMs)
}

// ControlConfig tunes the local control API.
type ControlConfig struct {
	Addr         string `toml:"addr"`
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Backend: BackendConfig{
			TimeoutMs: DefaultBackendTimeoutMs,
		},
		Channel: ChannelConfig{
			HandshakeTimeoutMs: DefaultChannelHandshakeTimeoutMs,
			PingIntervalMs:     DefaultChannelPingIntervalMs,
			ReconnectRetries:   DefaultChannelReconnectRetries,
			ReconnectBackoffMs: DefaultChannelReconnectBackoffMs,
		},
		Session: SessionConfig{
			ConnectTimeoutMs:  DefaultConnectTimeoutMs,
			ExtractDebounceMs: DefaultExtractDebounceMs,
			DriftIntervalMs:   DefaultDriftIntervalMs,
			ReconnectWaitMs:   DefaultReconnectWaitMs,
			PollBackoffMs:     DefaultPollBackoffMs,
			PollRetries:       DefaultPollRetries,
		},
		Control: ControlConfig{
			Addr:         DefaultControlAddr,
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	applyEnv(&cfg)
	if cfg.Session.PollRetries <= 0 {
		cfg.Session.PollRetries = DefaultPollRetries
	}
	if cfg.Channel.ReconnectRetries <= 0 {
		cfg.Channel.ReconnectRetries = DefaultChannelReconnectRetries
	}
	return cfg, nil
}

// applyEnv lets secrets and endpoints come from the environment so they can
// stay out of the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LIVETURN_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("LIVETURN_BACKEND_TOKEN"); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv("LIVETURN_CHANNEL_URL"); v != "" {
		cfg.Channel.URL = v
	}
	if v := os.Getenv("LIVETURN_CONTROL_SECRET"); v != "" {
		cfg.Control.JWTSecret = v
	}
}

func msDuration(ms, fallback int) time.Duration {
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}
