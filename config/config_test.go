package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Port:           9000,
		Targets:        []string{"http://localhost:8545", "https://rpc.example.org"},
		CacheTTL:       DefaultCacheTTL,
		HealthInterval: DefaultHealthInterval,
		RequestTimeout: DefaultRequestTimeout,
		CacheMaxSize:   DefaultCacheMaxSize,
	}
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"port zero", func(c *Config) { c.Port = 0 }, "port"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "port"},
		{"no targets", func(c *Config) { c.Targets = nil }, "target"},
		{"bad scheme", func(c *Config) { c.Targets = []string{"ftp://x"} }, "scheme"},
		{"missing host", func(c *Config) { c.Targets = []string{"http://"} }, "host"},
		{"not a url", func(c *Config) { c.Targets = []string{"://"} }, "invalid target"},
		{"zero ttl", func(c *Config) { c.CacheTTL = 0 }, "TTL"},
		{"zero interval", func(c *Config) { c.HealthInterval = 0 }, "interval"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "timeout"},
		{"zero cache size", func(c *Config) { c.CacheMaxSize = 0 }, "cache max size"},
		{"negative rps", func(c *Config) { c.UpstreamRPS = -1 }, "rps"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	if DefaultCacheTTL != 2000*time.Millisecond {
		t.Errorf("default cache TTL = %v", DefaultCacheTTL)
	}
	if DefaultPort != 9000 {
		t.Errorf("default port = %d", DefaultPort)
	}
}
