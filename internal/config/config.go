// Package config loads relay settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the structure of the configuration file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"` // HTTP/WebSocket listen address
	LogLevel   string `yaml:"log_level"`   // zerolog level name

	Upstream struct {
		BaseURL        string        `yaml:"base_url"`        // tracking service API root, e.g. https://host
		StreamURL      string        `yaml:"stream_url"`      // stream endpoint; derived from BaseURL when empty
		Username       string        `yaml:"username"`        // shared upstream credential
		Password       string        `yaml:"password"`        // shared upstream credential
		RetryDelay     time.Duration `yaml:"retry_delay"`     // fixed delay between reconnect attempts
		RequestTimeout time.Duration `yaml:"request_timeout"` // per HTTP call to the tracking service
		SessionExpiry  time.Duration `yaml:"session_expiry"`  // requested lifetime of the upstream session token
	} `yaml:"upstream"`

	Token struct {
		Secret  string        `yaml:"secret"`  // HS256 signing secret for the ServerToken
		TTL     time.Duration `yaml:"ttl"`     // validity window of a minted token
		Refresh time.Duration `yaml:"refresh"` // re-mint interval while streaming
	} `yaml:"token"`

	Broadcast struct {
		Interval time.Duration `yaml:"interval"` // fan-out period
	} `yaml:"broadcast"`

	Subscriber struct {
		Buffer       int           `yaml:"buffer"`        // outbound queue per connection
		WriteTimeout time.Duration `yaml:"write_timeout"` // per frame write deadline
		PingInterval time.Duration `yaml:"ping_interval"` // keepalive ping period
		PongWait     time.Duration `yaml:"pong_wait"`     // read deadline renewed on pong
	} `yaml:"subscriber"`

	Rate struct {
		RPS   float64 `yaml:"rps"`   // token endpoint requests per second
		Burst int     `yaml:"burst"` // token endpoint burst
	} `yaml:"rate"`

	DatabaseURL  string   `yaml:"database_url"`  // Postgres device directory; in-memory when empty
	RedisURL     string   `yaml:"redis_url"`     // location mirror; disabled when empty
	KnownDevices []string `yaml:"known_devices"` // in-memory allowlist; empty admits any id
}

// Load reads path (if non-empty), applies environment overrides and
// defaults, then validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.ListenAddr = ":" + v
	}
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.Upstream.BaseURL = envOr("UPSTREAM_URL", c.Upstream.BaseURL)
	c.Upstream.StreamURL = envOr("UPSTREAM_STREAM_URL", c.Upstream.StreamURL)
	c.Upstream.Username = envOr("UPSTREAM_USERNAME", c.Upstream.Username)
	c.Upstream.Password = envOr("UPSTREAM_PASSWORD", c.Upstream.Password)
	c.Token.Secret = envOr("JWT_SECRET", c.Token.Secret)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = envOr("REDIS_URL", c.RedisURL)
	if v := os.Getenv("KNOWN_DEVICES"); v != "" {
		c.KnownDevices = nil
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				c.KnownDevices = append(c.KnownDevices, d)
			}
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TOKEN_TTL", &c.Token.TTL},
		{"BROADCAST_INTERVAL", &c.Broadcast.Interval},
		{"RETRY_DELAY", &c.Upstream.RetryDelay},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}
	if v := os.Getenv("RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_RPS: %w", err)
		}
		c.Rate.RPS = f
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_BURST: %w", err)
		}
		c.Rate.Burst = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://itsochvts.com"
	}
	if c.Upstream.StreamURL == "" {
		c.Upstream.StreamURL = deriveStreamURL(c.Upstream.BaseURL)
	}
	if c.Upstream.RetryDelay == 0 {
		c.Upstream.RetryDelay = 5 * time.Second
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = 10 * time.Second
	}
	if c.Upstream.SessionExpiry == 0 {
		c.Upstream.SessionExpiry = time.Hour
	}
	if c.Token.TTL == 0 {
		c.Token.TTL = time.Hour
	}
	if c.Token.Refresh == 0 {
		c.Token.Refresh = c.Token.TTL - c.Token.TTL/12
	}
	if c.Broadcast.Interval == 0 {
		c.Broadcast.Interval = 5 * time.Second
	}
	if c.Subscriber.Buffer == 0 {
		c.Subscriber.Buffer = 16
	}
	if c.Subscriber.WriteTimeout == 0 {
		c.Subscriber.WriteTimeout = 10 * time.Second
	}
	if c.Subscriber.PingInterval == 0 {
		c.Subscriber.PingInterval = 20 * time.Second
	}
	if c.Subscriber.PongWait == 0 {
		c.Subscriber.PongWait = 60 * time.Second
	}
	if c.Rate.RPS == 0 {
		c.Rate.RPS = 5
	}
	if c.Rate.Burst == 0 {
		c.Rate.Burst = 10
	}
}

// Validate reports missing credentials and nonsensical timings.
func (c *Config) Validate() error {
	var errs []error
	if c.Upstream.Username == "" {
		errs = append(errs, errors.New("upstream username is required (UPSTREAM_USERNAME)"))
	}
	if c.Upstream.Password == "" {
		errs = append(errs, errors.New("upstream password is required (UPSTREAM_PASSWORD)"))
	}
	if c.Token.Secret == "" {
		errs = append(errs, errors.New("token secret is required (JWT_SECRET)"))
	}
	if _, err := url.Parse(c.Upstream.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("upstream base url: %w", err))
	}
	if c.Broadcast.Interval < 0 || c.Upstream.RetryDelay < 0 || c.Token.TTL < 0 {
		errs = append(errs, errors.New("durations must be positive"))
	}
	if c.Token.Refresh >= c.Token.TTL {
		errs = append(errs, fmt.Errorf("token refresh %s must be shorter than ttl %s", c.Token.Refresh, c.Token.TTL))
	}
	return errors.Join(errs...)
}

// deriveStreamURL maps https://host/... to wss://host/api/socket.
func deriveStreamURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "wss"
	if u.Scheme == "http" {
		scheme = "ws"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: strings.TrimSuffix(u.Path, "/") + "/api/socket"}).String()
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
