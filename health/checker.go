// Package health runs the active probe loop that keeps backend liveness
// and chain-tip freshness current.
//
// One long-lived goroutine alternates between a periodic tick and a wake
// signal. The wake channel is a one-slot coalescing primitive: any number
// of Wake calls between two cycles fold into a single extra cycle, and a
// wake that arrives while a cycle is running is consumed right after it,
// so reactive checks never queue up.
//
// Probe outcomes feed the same per-backend failure stream as live
// traffic: a probe failure bumps the shared consecutive-error counter
// rather than keeping a separate strike count, and a probe success is the
// only path that lifts a backend out of Down.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/O-tero/rpcproxy/backend"
	"github.com/O-tero/rpcproxy/pkg/models"
)

// probeBody is the eth_blockNumber envelope sent to every backend. The id
// is fixed; probe replies never leave the checker.
var probeBody = models.MustMarshal(&models.Request{
	JSONRPC: models.Version,
	ID:      json.RawMessage("1"),
	Method:  "eth_blockNumber",
	Params:  json.RawMessage("[]"),
})

// Checker is the background health prober.
type Checker struct {
	registry *backend.Registry
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	wake     chan struct{}
	log      *zap.Logger
}

// New creates a checker. client is the shared outbound pool; interval is
// the periodic cadence and timeout bounds each individual probe.
func New(registry *backend.Registry, client *http.Client, interval, timeout time.Duration, log *zap.Logger) *Checker {
	return &Checker{
		registry: registry,
		client:   client,
		interval: interval,
		timeout:  timeout,
		wake:     make(chan struct{}, 1),
		log:      log,
	}
}

// Wake requests an out-of-band probe cycle. Non-blocking; concurrent
// wakes coalesce into one.
func (c *Checker) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run executes probe cycles until the context is cancelled. Callers
// should run one synchronous RunCycle before serving traffic so the
// initial state reflects real liveness.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunCycle(ctx)
		case <-c.wake:
			c.RunCycle(ctx)
		}
	}
}

// RunCycle probes every backend in parallel, then recomputes the best
// block over non-Down backends and reassesses degradation.
func (c *Checker) RunCycle(ctx context.Context) {
	snapshot := c.registry.SnapshotForSelection()

	var g errgroup.Group
	for _, sel := range snapshot {
		sel := sel
		g.Go(func() error {
			c.probe(ctx, sel.Index, sel.URL)
			return nil
		})
	}
	_ = g.Wait()

	if best, ok := c.registry.BestBlock(); ok {
		c.registry.ReassessDegradation(best)
	}

	c.log.Debug("health cycle complete",
		zap.Int("backends", len(snapshot)),
		zap.Int("healthy", c.registry.HealthyCount()),
	)
}

// probe sends one eth_blockNumber call and records the outcome.
func (c *Checker) probe(ctx context.Context, index int, url string) {
	start := time.Now()
	block, err := c.blockNumber(ctx, url)
	latency := time.Since(start)

	if err != nil {
		if c.registry.RecordFailure(index) {
			c.log.Warn("backend marked down by probe", zap.String("backend", url))
		} else {
			c.log.Debug("probe failed", zap.String("backend", url), zap.Error(err))
		}
		return
	}

	c.registry.RecordProbeSuccess(index, latency, &block)
}

func (c *Checker) blockNumber(ctx context.Context, url string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(probeBody))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("probe status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}

	var reply struct {
		Result json.RawMessage `json:"result"`
		Error  *models.Error   `json:"error"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return 0, fmt.Errorf("malformed probe reply: %w", err)
	}
	if reply.Error != nil {
		return 0, reply.Error
	}

	var hexBlock string
	if err := json.Unmarshal(reply.Result, &hexBlock); err != nil {
		return 0, fmt.Errorf("non-string block number: %w", err)
	}
	return hexutil.DecodeUint64(hexBlock)
}
