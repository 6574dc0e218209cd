// Package config loads market-sync settings from the environment, with an
// optional .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/atmx/market-sync/internal/transport"
)

// Feed modes.
const (
	FeedLive = "live"
	FeedMock = "mock"
)

type Config struct {
	// Venue
	VenueBaseURL string
	VenueWSURL   string
	HTTPTimeout  time.Duration

	// Stream
	FeedMode             string
	DialTimeout          time.Duration
	KeepaliveInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	MockInterval         time.Duration
	MockSeed             int64

	// Mirror
	BookDepth   int
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	LogLevel string
}

// Load reads .env (if present) and the environment, then validates.
func Load() (Config, error) {
	// Best-effort: a missing .env is normal outside development.
	_ = godotenv.Load()

	var p parser
	cfg := Config{
		VenueBaseURL: envOr("VENUE_BASE_URL", "http://localhost:8080"),
		VenueWSURL:   os.Getenv("VENUE_WS_URL"),
		HTTPTimeout:  p.duration("HTTP_TIMEOUT", 15*time.Second),

		FeedMode:             strings.ToLower(envOr("FEED_MODE", FeedLive)),
		DialTimeout:          p.duration("DIAL_TIMEOUT", 10*time.Second),
		KeepaliveInterval:    p.duration("KEEPALIVE_INTERVAL", 30*time.Second),
		ReconnectBase:        p.duration("RECONNECT_BASE", time.Second),
		ReconnectMaxDelay:    p.duration("RECONNECT_MAX_DELAY", 30*time.Second),
		ReconnectMaxAttempts: p.int("RECONNECT_MAX_ATTEMPTS", 10),
		MockInterval:         p.duration("MOCK_INTERVAL", time.Second),
		MockSeed:             int64(p.int("MOCK_SEED", 1)),

		BookDepth:   p.int("BOOK_DEPTH", 10),
		Port:        envOr("PORT", "8090"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CacheTTL:    p.duration("CACHE_TTL", 30*time.Second),

		LogLevel: strings.ToLower(envOr("LOG_LEVEL", "info")),
	}
	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}

	if cfg.VenueWSURL == "" {
		u, err := transport.StreamURL(cfg.VenueBaseURL)
		if err != nil {
			return Config{}, fmt.Errorf("VENUE_BASE_URL: %w", err)
		}
		cfg.VenueWSURL = u
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.FeedMode != FeedLive && c.FeedMode != FeedMock {
		errs = append(errs, fmt.Errorf("FEED_MODE must be %q or %q, got %q", FeedLive, FeedMock, c.FeedMode))
	}
	if c.ReconnectMaxAttempts <= 0 {
		errs = append(errs, errors.New("RECONNECT_MAX_ATTEMPTS must be positive"))
	}
	if c.ReconnectBase > c.ReconnectMaxDelay {
		errs = append(errs, errors.New("RECONNECT_BASE must not exceed RECONNECT_MAX_DELAY"))
	}
	if c.BookDepth <= 0 {
		errs = append(errs, errors.New("BOOK_DEPTH must be positive"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Transport returns the connection manager settings.
func (c Config) Transport() transport.Config {
	return transport.Config{
		URL:               c.VenueWSURL,
		DialTimeout:       c.DialTimeout,
		KeepaliveInterval: c.KeepaliveInterval,
		ReconnectBase:     c.ReconnectBase,
		ReconnectMaxDelay: c.ReconnectMaxDelay,
		MaxAttempts:       c.ReconnectMaxAttempts,
	}
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

func (c Config) String() string {
	return fmt.Sprintf("feed=%s ws=%s depth=%d port=%s postgres=%t redis=%t",
		c.FeedMode, c.VenueWSURL, c.BookDepth, c.Port, c.DatabaseURL != "", c.RedisURL != "")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parser collects malformed values instead of silently using defaults.
type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return def
	}
	return v
}
