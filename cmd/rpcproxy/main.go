// Command rpcproxy is a caching, failing-over reverse proxy for
// Ethereum-family JSON-RPC endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/O-tero/rpcproxy/backend"
	"github.com/O-tero/rpcproxy/cache"
	"github.com/O-tero/rpcproxy/config"
	"github.com/O-tero/rpcproxy/forward"
	"github.com/O-tero/rpcproxy/health"
	"github.com/O-tero/rpcproxy/server"
)

// cleanupInterval is the cadence of the periodic expired-entry sweep; the
// cache also drops expired entries on insert when it is over its size bound.
const cleanupInterval = time.Minute

// shutdownGrace bounds how long in-flight requests may drain on shutdown.
const shutdownGrace = 15 * time.Second

func main() {
	app := &cli.App{
		Name:  "rpcproxy",
		Usage: "caching failover proxy for JSON-RPC endpoints",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "listen port",
				Value:   config.DefaultPort,
				EnvVars: []string{"RPCPROXY_PORT"},
			},
			&cli.StringFlag{
				Name:    "targets",
				Usage:   "comma-separated upstream URLs in priority order",
				EnvVars: []string{"RPCPROXY_TARGETS"},
			},
			&cli.Int64Flag{
				Name:    "cache-ttl",
				Usage:   "chain-tip cache TTL in milliseconds",
				Value:   config.DefaultCacheTTL.Milliseconds(),
				EnvVars: []string{"RPCPROXY_CACHE_TTL"},
			},
			&cli.Int64Flag{
				Name:    "health-interval",
				Usage:   "health probe interval in seconds",
				Value:   int64(config.DefaultHealthInterval.Seconds()),
				EnvVars: []string{"RPCPROXY_HEALTH_INTERVAL"},
			},
			&cli.Int64Flag{
				Name:    "request-timeout",
				Usage:   "per-attempt upstream timeout in seconds",
				Value:   int64(config.DefaultRequestTimeout.Seconds()),
				EnvVars: []string{"RPCPROXY_REQUEST_TIMEOUT"},
			},
			&cli.IntFlag{
				Name:    "cache-max-size",
				Usage:   "maximum number of cache entries",
				Value:   config.DefaultCacheMaxSize,
				EnvVars: []string{"RPCPROXY_CACHE_MAX_SIZE"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token guarding the proxy (empty = open)",
				EnvVars: []string{"RPCPROXY_TOKEN"},
			},
			&cli.Float64Flag{
				Name:    "upstream-rps",
				Usage:   "global requests-per-second cap toward upstreams (0 = off)",
				EnvVars: []string{"RPCPROXY_UPSTREAM_RPS"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "debug logging",
				EnvVars: []string{"RPCPROXY_VERBOSE"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := &config.Config{
		Port:           c.Int("port"),
		Targets:        splitTargets(c.String("targets")),
		CacheTTL:       time.Duration(c.Int64("cache-ttl")) * time.Millisecond,
		HealthInterval: time.Duration(c.Int64("health-interval")) * time.Second,
		RequestTimeout: time.Duration(c.Int64("request-timeout")) * time.Second,
		CacheMaxSize:   c.Int("cache-max-size"),
		Token:          c.String("token"),
		UpstreamRPS:    c.Float64("upstream-rps"),
		Verbose:        c.Bool("verbose"),
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("configuration error: %v", err), 2)
	}

	log, err := buildLogger(cfg.Verbose)
	if err != nil {
		return cli.Exit(fmt.Sprintf("logger: %v", err), 2)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting rpcproxy",
		zap.Int("port", cfg.Port),
		zap.Strings("targets", cfg.Targets),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Duration("health_interval", cfg.HealthInterval),
		zap.Duration("request_timeout", cfg.RequestTimeout),
		zap.Int("cache_max_size", cfg.CacheMaxSize),
		zap.Bool("auth", cfg.Token != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One outbound pool shared by the forwarder and the health checker.
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	registry := backend.New(cfg.Targets, log)
	store := cache.New(cfg.CacheMaxSize)
	checker := health.New(registry, client, cfg.HealthInterval, cfg.RequestTimeout, log)

	var limiter *rate.Limiter
	if cfg.UpstreamRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), int(cfg.UpstreamRPS)+1)
	}

	forwarder := forward.New(registry, store, client, cfg.CacheTTL, cfg.RequestTimeout, limiter, checker.Wake, log)
	srv := server.New(server.NewDriver(forwarder), registry, store, cfg.Token, log)

	// Initial liveness before the listener opens.
	checker.RunCycle(ctx)
	go checker.Run(ctx)
	go runCleanup(ctx, store)

	httpServer := &http.Server{
		Addr:    net.JoinHostPort("", fmt.Sprintf("%d", cfg.Port)),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return cli.Exit(fmt.Sprintf("server: %v", err), 1)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("shutdown", zap.Error(err))
	}
	return nil
}

func runCleanup(ctx context.Context, store *cache.Cache) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.CleanupExpired()
		}
	}
}

func splitTargets(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	return zap.NewProduction()
}
