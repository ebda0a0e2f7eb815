// Package config provides configuration management for radiarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 7979
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultProbeTimeout      = 2 * time.Second
	defaultSelectionThrottle = 10 * time.Second
	defaultSelectionTTL      = 2 * time.Hour

	defaultAuthCacheTTL     = 10 * time.Minute
	defaultAuthProbeTimeout = 3 * time.Second
	defaultAuthWatchdog     = 5 * time.Second

	defaultConnectTimeout   = 20 * time.Second
	defaultBufferingTimeout = 30 * time.Second
	defaultSettleDelay      = 500 * time.Millisecond
	defaultEventBuffer      = 64

	defaultPrebufferBytes = 64 * 1024        // 64KB before playback starts
	defaultRingBytes      = 4 * 1024 * 1024  // 4MB broadcast ring
	defaultStallTimeout   = 2 * time.Second
	defaultVolume         = 1.0

	defaultNetworkInterval = 5 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
	Origins       OriginsConfig       `mapstructure:"origins"`
	Authorization AuthorizationConfig `mapstructure:"authorization"`
	Session       SessionConfig       `mapstructure:"session"`
	Playback      PlaybackConfig      `mapstructure:"playback"`
	Network       NetworkConfig       `mapstructure:"network"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// CatalogConfig holds stream catalog configuration.
type CatalogConfig struct {
	// Path points at a YAML catalog file. Empty means the built-in
	// catalog compiled into the binary.
	Path string `mapstructure:"path"`
}

// OriginsConfig holds origin server registry and selection configuration.
type OriginsConfig struct {
	// Servers overrides the built-in origin registry when non-empty.
	Servers []OriginServerConfig `mapstructure:"servers"`
	// ProbeTimeout bounds each latency probe request.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// SelectionThrottle suppresses re-probing when a selection was made
	// this recently.
	SelectionThrottle time.Duration `mapstructure:"selection_throttle"`
	// SelectionTTL bounds how long a cached selection stays valid.
	SelectionTTL time.Duration `mapstructure:"selection_ttl"`
}

// OriginServerConfig describes one origin server in the registry.
type OriginServerConfig struct {
	Name      string `mapstructure:"name"`
	PingURL   string `mapstructure:"ping_url"`
	Subdomain string `mapstructure:"subdomain"`
	BaseHost  string `mapstructure:"base_host"`
	// Port overrides the HTTPS port for stream URLs. Zero means 443.
	Port int `mapstructure:"port"`
	// DialHost optionally replaces the URL authority (IP or alternate
	// hostname); the logical hostname is then carried in the Host header.
	DialHost string `mapstructure:"dial_host"`
}

// AuthorizationConfig holds build-model authorization gate configuration.
type AuthorizationConfig struct {
	// Domain is the DNS name whose TXT record lists permitted build
	// models. Empty means the built-in domain.
	Domain string `mapstructure:"domain"`
	// Resolver is the DNS server address (host:port) queried for the
	// authorization record. Empty means the built-in resolver.
	Resolver string `mapstructure:"resolver"`
	// CacheTTL bounds how long a gate verdict is reused.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// ProbeURL is the HTTPS endpoint used for the connectivity
	// pre-check before the DNS query. Empty means the built-in probe.
	ProbeURL string `mapstructure:"probe_url"`
	// ProbeTimeout bounds the connectivity pre-check.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// WatchdogTimeout forces a transient failure when the DNS query
	// never completes.
	WatchdogTimeout time.Duration `mapstructure:"watchdog_timeout"`
}

// SessionConfig holds playback session controller configuration.
type SessionConfig struct {
	// ConnectTimeout bounds Connecting; the attempt fails transient
	// when no response arrives in time.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// BufferingTimeout bounds Buffering before the attempt is abandoned.
	BufferingTimeout time.Duration `mapstructure:"buffering_timeout"`
	// SettleDelay is how long the controller waits after a mid-play
	// stall before deciding between resume and full restart.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// EventBuffer is the per-subscriber event channel depth.
	EventBuffer int `mapstructure:"event_buffer"`
}

// PlaybackConfig holds audio output configuration.
type PlaybackConfig struct {
	// LocalAudio opens a local output device in addition to the HTTP
	// re-serve endpoint.
	LocalAudio bool `mapstructure:"local_audio"`
	// Volume is the initial output gain, 0.0 to 2.0.
	Volume float64 `mapstructure:"volume"`
	// Prebuffer is how much audio must arrive before playback is
	// reported ready. Supports human-readable values like "64KB".
	Prebuffer ByteSize `mapstructure:"prebuffer"`
	// RingSize is the broadcast ring capacity shared by HTTP listeners.
	RingSize ByteSize `mapstructure:"ring_size"`
	// StallTimeout is how long the chunk flow may pause before the
	// session reports a stall.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
}

// NetworkConfig holds connectivity monitoring configuration.
type NetworkConfig struct {
	// ProbeURL is fetched to decide whether the network is reachable.
	// Empty means the built-in probe.
	ProbeURL string `mapstructure:"probe_url"`
	// Interval is how often connectivity is re-checked.
	Interval time.Duration `mapstructure:"interval"`
}

// SchedulerConfig holds background job configuration.
type SchedulerConfig struct {
	CatchupMissedRuns bool `mapstructure:"catchup_missed_runs"`
	// OriginReprobeCron re-ranks origin latency in the background
	// (6-field cron expression).
	OriginReprobeCron string `mapstructure:"origin_reprobe_cron"`
	// CacheSweepCron evicts expired trust and authorization cache
	// entries (6-field cron expression).
	CacheSweepCron string `mapstructure:"cache_sweep_cron"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RADIARR_ and use underscores for nesting.
// Example: RADIARR_SERVER_PORT=7979.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/radiarr")
		v.AddConfigPath("$HOME/.radiarr")
	}

	// Environment variable settings
	v.SetEnvPrefix("RADIARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, DecodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DecodeHook returns the decoder option used to unmarshal configuration.
// On top of viper's stock duration and slice handling it decodes types
// implementing encoding.TextUnmarshaler, which is what lets byte sizes be
// written as "64KB" instead of raw integers.
func DecodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Catalog defaults
	v.SetDefault("catalog.path", "")

	// Origin selection defaults
	v.SetDefault("origins.probe_timeout", defaultProbeTimeout)
	v.SetDefault("origins.selection_throttle", defaultSelectionThrottle)
	v.SetDefault("origins.selection_ttl", defaultSelectionTTL)

	// Authorization defaults
	v.SetDefault("authorization.domain", "")
	v.SetDefault("authorization.resolver", "")
	v.SetDefault("authorization.cache_ttl", defaultAuthCacheTTL)
	v.SetDefault("authorization.probe_url", "")
	v.SetDefault("authorization.probe_timeout", defaultAuthProbeTimeout)
	v.SetDefault("authorization.watchdog_timeout", defaultAuthWatchdog)

	// Session defaults
	v.SetDefault("session.connect_timeout", defaultConnectTimeout)
	v.SetDefault("session.buffering_timeout", defaultBufferingTimeout)
	v.SetDefault("session.settle_delay", defaultSettleDelay)
	v.SetDefault("session.event_buffer", defaultEventBuffer)

	// Playback defaults
	v.SetDefault("playback.local_audio", false)
	v.SetDefault("playback.volume", defaultVolume)
	v.SetDefault("playback.prebuffer", defaultPrebufferBytes)
	v.SetDefault("playback.ring_size", defaultRingBytes)
	v.SetDefault("playback.stall_timeout", defaultStallTimeout)

	// Network monitor defaults
	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.interval", defaultNetworkInterval)

	// Scheduler defaults
	v.SetDefault("scheduler.catchup_missed_runs", true)
	v.SetDefault("scheduler.origin_reprobe_cron", "0 */5 * * * *") // Every 5 minutes (6-field cron)
	v.SetDefault("scheduler.cache_sweep_cron", "0 0 * * * *")      // Hourly (6-field cron)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Origin selection validation
	for i, srv := range c.Origins.Servers {
		if srv.Name == "" {
			return fmt.Errorf("origins.servers[%d].name is required", i)
		}
		if srv.PingURL == "" {
			return fmt.Errorf("origins.servers[%d].ping_url is required", i)
		}
	}
	if c.Origins.ProbeTimeout <= 0 {
		return fmt.Errorf("origins.probe_timeout must be positive")
	}

	// Authorization validation
	if c.Authorization.CacheTTL <= 0 {
		return fmt.Errorf("authorization.cache_ttl must be positive")
	}
	if c.Authorization.WatchdogTimeout <= 0 {
		return fmt.Errorf("authorization.watchdog_timeout must be positive")
	}

	// Session validation
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be positive")
	}
	if c.Session.BufferingTimeout <= 0 {
		return fmt.Errorf("session.buffering_timeout must be positive")
	}
	if c.Session.SettleDelay < 0 {
		return fmt.Errorf("session.settle_delay must not be negative")
	}
	if c.Session.EventBuffer < 1 {
		return fmt.Errorf("session.event_buffer must be at least 1")
	}

	// Playback validation
	if c.Playback.Volume < 0 || c.Playback.Volume > 2 {
		return fmt.Errorf("playback.volume must be between 0.0 and 2.0")
	}
	if c.Playback.Prebuffer < 0 {
		return fmt.Errorf("playback.prebuffer must not be negative")
	}
	if c.Playback.RingSize < 64*1024 {
		return fmt.Errorf("playback.ring_size must be at least 64KB")
	}
	if c.Playback.StallTimeout <= 0 {
		return fmt.Errorf("playback.stall_timeout must be positive")
	}

	// Network monitor validation
	if c.Network.Interval <= 0 {
		return fmt.Errorf("network.interval must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
