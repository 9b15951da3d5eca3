// Package config holds the runtime configuration and its validation.
//
// Values arrive from CLI flags with RPCPROXY_* environment overrides (the
// flag layer lives in cmd/rpcproxy); this package owns the parsed form
// and rejects configurations the proxy cannot run with. Validation
// failures are fatal at startup.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Defaults mirrored by the CLI flag definitions.
const (
	DefaultPort           = 9000
	DefaultCacheTTL       = 2000 * time.Millisecond
	DefaultHealthInterval = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultCacheMaxSize   = 10000
)

// Config is the validated runtime configuration.
type Config struct {
	Port           int
	Targets        []string
	CacheTTL       time.Duration // chain-tip entry lifetime
	HealthInterval time.Duration
	RequestTimeout time.Duration
	CacheMaxSize   int
	Token          string // empty = open access
	UpstreamRPS    float64
	Verbose        bool
}

// Validate rejects configurations the proxy cannot serve with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target URL is required")
	}
	for _, target := range c.Targets {
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("invalid target %q: %w", target, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid target %q: scheme must be http or https", target)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid target %q: missing host", target)
		}
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.CacheMaxSize < 1 {
		return fmt.Errorf("cache max size must be at least 1")
	}
	if c.UpstreamRPS < 0 {
		return fmt.Errorf("upstream rps cannot be negative")
	}
	return nil
}
