// Package config loads the chat client configuration from an optional YAML
// file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in Gateway.Kind.
const (
	TransportWS   = "ws"
	TransportNATS = "nats"
)

// Config is the complete client configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	NATS    NATSConfig    `yaml:"nats"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Token   string        `yaml:"-"` // only ever read from CHAT_TOKEN
}

// GatewayConfig configures the push connection.
type GatewayConfig struct {
	URL               string        `yaml:"url"`
	Kind              string        `yaml:"kind"`               // "ws" or "nats"
	ReconnectWait     time.Duration `yaml:"reconnect_wait"`     // delay between reconnect attempts
	MaxReconnects     int           `yaml:"max_reconnects"`     // attempts after a drop; 0 disables reconnecting
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // how often to ping
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`  // extra grace after a missed ping
}

// NATSConfig configures the NATS gateway bridge.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// StoreConfig configures the REST chat store client.
type StoreConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
}

// CacheConfig configures the Redis history cache. An empty Addr disables it.
type CacheConfig struct {
	Addr string        `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

// SessionConfig configures the session manager's timers.
type SessionConfig struct {
	TypingQuiescence  time.Duration `yaml:"typing_quiescence"`
	RemoteTypingTTL   time.Duration `yaml:"remote_typing_ttl"`
	ResyncOnReconnect bool          `yaml:"resync_on_reconnect"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig configures the metrics listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			URL:               "ws://localhost:8080/ws",
			Kind:              TransportWS,
			ReconnectWait:     2 * time.Second,
			MaxReconnects:     5,
			DialTimeout:       10 * time.Second,
			HeartbeatInterval: 25 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "chatclient",
			SubjectPrefix: "gateway",
		},
		Store: StoreConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: 10 * time.Second,
			RatePerSecond:  10,
			Burst:          20,
		},
		Cache: CacheConfig{
			TTL: 30 * time.Second,
		},
		Session: SessionConfig{
			TypingQuiescence:  3 * time.Second,
			RemoteTypingTTL:   5 * time.Second,
			ResyncOnReconnect: true,
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Addr: ":9102"},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when
// path is empty) and then with environment overrides. The result is
// validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("CHAT_GATEWAY_URL"); v != "" {
		c.Gateway.URL = v
	}
	if v := os.Getenv("CHAT_TRANSPORT"); v != "" {
		c.Gateway.Kind = v
	}
	if v := os.Getenv("CHAT_MAX_RECONNECTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CHAT_MAX_RECONNECTS: %w", err)
		}
		c.Gateway.MaxReconnects = n
	}
	if v := os.Getenv("CHAT_RECONNECT_WAIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: CHAT_RECONNECT_WAIT: %w", err)
		}
		c.Gateway.ReconnectWait = d
	}
	if v := os.Getenv("CHAT_STORE_URL"); v != "" {
		c.Store.BaseURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("CHAT_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv("METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	return nil
}

// Validate checks the configuration for values the client cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Gateway.Kind {
	case TransportWS:
		if c.Gateway.URL == "" {
			errs = append(errs, errors.New("gateway.url is required"))
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}
		if c.NATS.SubjectPrefix == "" {
			errs = append(errs, errors.New("nats.subject_prefix is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.kind %q is not one of %q, %q", c.Gateway.Kind, TransportWS, TransportNATS))
	}
	if c.Gateway.MaxReconnects < 0 {
		errs = append(errs, errors.New("gateway.max_reconnects must not be negative"))
	}
	if c.Gateway.ReconnectWait <= 0 {
		errs = append(errs, errors.New("gateway.reconnect_wait must be positive"))
	}
	if c.Gateway.HeartbeatInterval <= 0 || c.Gateway.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("gateway heartbeat durations must be positive"))
	}
	if c.Store.BaseURL == "" {
		errs = append(errs, errors.New("store.base_url is required"))
	}
	if c.Store.RequestTimeout <= 0 {
		errs = append(errs, errors.New("store.request_timeout must be positive"))
	}
	if c.Store.RatePerSecond <= 0 || c.Store.Burst <= 0 {
		errs = append(errs, errors.New("store rate limit must be positive"))
	}
	if c.Cache.Addr != "" && c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive when cache.addr is set"))
	}
	if c.Session.TypingQuiescence <= 0 || c.Session.RemoteTypingTTL <= 0 {
		errs = append(errs, errors.New("session typing durations must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
