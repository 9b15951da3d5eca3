// Package forward executes one JSON-RPC call against the backend set with
// priority-ordered failover.
//
// The flow per call: classify, consult the cache, pick the first non-Down
// backend in priority order, POST the envelope with a locally rewritten
// id, classify the outcome, and either return the reply or fail over to
// the next eligible backend. When every eligible backend has failed, the
// primary gets one last-resort attempt before the call is declared
// failed.
//
// Outcome classification is the contract between the forwarder and the
// health state machine: transport errors, timeouts, 5xx statuses and
// server-side JSON-RPC error codes count against the backend; user-level
// JSON-RPC errors (bad params, reverts) are valid replies that reset the
// backend's error streak and travel back to the client verbatim.
//
// Id rewriting decouples upstream echoes from client-visible ids: the
// upstream sees a monotonic local integer, and the client id is stamped
// back onto the reply at delivery. That is what makes coalesced replies
// shareable between clients with different ids.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/O-tero/rpcproxy/backend"
	"github.com/O-tero/rpcproxy/cache"
	"github.com/O-tero/rpcproxy/classifier"
	"github.com/O-tero/rpcproxy/monitoring"
	"github.com/O-tero/rpcproxy/pkg/models"
)

// ErrAllUpstreamsFailed is returned when every eligible backend and the
// last-resort retry have failed.
var ErrAllUpstreamsFailed = errors.New("no backends available")

// maxReplyBytes bounds how much of an upstream reply is read.
const maxReplyBytes = 16 << 20

// Forwarder executes calls with failover and cache production.
type Forwarder struct {
	registry    *backend.Registry
	cache       *cache.Cache
	client      *http.Client
	chainTipTTL time.Duration
	timeout     time.Duration
	limiter     *rate.Limiter // nil when upstream rate limiting is off
	wakeHealth  func()
	nextID      atomic.Uint64
	log         *zap.Logger
}

// New creates a forwarder. wakeHealth is poked whenever a failure
// transitions a backend to Down; limiter may be nil.
func New(registry *backend.Registry, c *cache.Cache, client *http.Client, chainTipTTL, timeout time.Duration, limiter *rate.Limiter, wakeHealth func(), log *zap.Logger) *Forwarder {
	return &Forwarder{
		registry:    registry,
		cache:       c,
		client:      client,
		chainTipTTL: chainTipTTL,
		timeout:     timeout,
		limiter:     limiter,
		wakeHealth:  wakeHealth,
		log:         log,
	}
}

// Forward resolves one call to a complete reply envelope stamped with the
// client's id. Notifications return nil: they are forwarded but produce
// no reply.
func (f *Forwarder) Forward(ctx context.Context, call *models.Request) json.RawMessage {
	if call.IsNotification() {
		// Fire the call, drop the outcome. Notifications never touch the
		// cache: there is no reply to reuse.
		_, _ = f.produce(ctx, call)
		return nil
	}

	policy, key := classifier.Classify(call.Method, call.Params)
	if policy == classifier.PolicyNever {
		template, err := f.produce(ctx, call)
		return f.deliver(call.ID, template, err)
	}

	lookup := f.cache.GetOrStart(key, policy.TTL(f.chainTipTTL))
	switch {
	case lookup.Hit:
		return f.deliver(call.ID, lookup.Value, nil)

	case lookup.Wait != nil:
		select {
		case out := <-lookup.Wait:
			return f.deliver(call.ID, out.Value, out.Err)
		case <-ctx.Done():
			return f.deliver(call.ID, nil, ctx.Err())
		}

	default:
		// Elected producer. Production is detached from the client's
		// context so an early disconnect cannot strand the waiters;
		// per-attempt timeouts still bound each upstream call.
		template, err := f.produce(context.WithoutCancel(ctx), call)
		f.cache.Complete(lookup.Token, template, err)
		return f.deliver(call.ID, template, err)
	}
}

// deliver stamps the client id onto a reply template, or renders the
// production error as a JSON-RPC error reply.
func (f *Forwarder) deliver(id json.RawMessage, template []byte, err error) json.RawMessage {
	if err != nil {
		msg := "no backends available"
		if !errors.Is(err, ErrAllUpstreamsFailed) {
			msg = "internal error"
		}
		return models.MustMarshal(models.ErrorResponse(id, models.CodeInternalError, msg))
	}

	stamped, rerr := models.RestampID(template, id)
	if rerr != nil {
		f.log.Error("reply restamp failed", zap.Error(rerr))
		return models.MustMarshal(models.ErrorResponse(id, models.CodeInternalError, "internal error"))
	}
	return stamped
}

// produce runs the failover loop and returns an id-less reply template.
func (f *Forwarder) produce(ctx context.Context, call *models.Request) ([]byte, error) {
	snapshot := f.registry.SnapshotForSelection()
	if len(snapshot) == 0 {
		return nil, ErrAllUpstreamsFailed
	}

	for _, sel := range snapshot {
		if sel.State == backend.StateDown {
			continue
		}
		template, err := f.attempt(ctx, sel.Index, sel.URL, call)
		if err == nil {
			return template, nil
		}
	}

	// Last resort: one extra attempt on the primary, covering both the
	// all-Down case and a transient full sweep of failures.
	primary := snapshot[0]
	template, err := f.attempt(ctx, primary.Index, primary.URL, call)
	if err == nil {
		return template, nil
	}
	return nil, ErrAllUpstreamsFailed
}

// attempt performs one upstream call and classifies its outcome. A nil
// error means the reply is valid for the client, even if it carries a
// user-level JSON-RPC error.
func (f *Forwarder) attempt(ctx context.Context, index int, url string, call *models.Request) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	upstream := &models.Request{
		JSONRPC: models.Version,
		Method:  call.Method,
		Params:  call.Params,
	}
	if !call.IsNotification() {
		upstream.ID = json.RawMessage(fmt.Sprintf("%d", f.nextID.Add(1)))
	}
	envelope := models.MustMarshal(upstream)

	start := time.Now()
	raw, err := f.post(ctx, url, envelope)
	latency := time.Since(start)
	monitoring.UpstreamLatency.WithLabelValues(url).Observe(latency.Seconds())

	if err == nil && len(bytes.TrimSpace(raw)) == 0 {
		// An empty 2xx body is the normal reply to a notification and a
		// broken one to anything else.
		if !call.IsNotification() {
			err = errors.New("empty upstream reply")
		}
	} else if err == nil {
		var rpcErr *models.Error
		rpcErr, err = models.EnvelopeError(raw)
		if err == nil && rpcErr != nil && isServerErrorCode(rpcErr.Code) {
			err = fmt.Errorf("upstream error %d: %s", rpcErr.Code, rpcErr.Message)
		}
	}

	if err != nil {
		monitoring.UpstreamRequests.WithLabelValues(url, monitoring.OutcomeFailure).Inc()
		f.log.Warn("upstream attempt failed",
			zap.String("backend", url),
			zap.String("method", call.Method),
			zap.Error(err),
		)
		if f.registry.RecordFailure(index) {
			f.wakeHealth()
		}
		return nil, err
	}

	monitoring.UpstreamRequests.WithLabelValues(url, monitoring.OutcomeSuccess).Inc()
	f.registry.RecordSuccess(index, latency, extractBlock(call.Method, raw))

	if call.IsNotification() {
		return nil, nil
	}

	template, err := models.StripID(raw)
	if err != nil {
		// The envelope parsed once already; a strip failure means the
		// reply mutated under us, treat it as a backend failure.
		if f.registry.RecordFailure(index) {
			f.wakeHealth()
		}
		return nil, err
	}
	return template, nil
}

// post sends the envelope and returns the raw reply body. Transport
// errors, timeouts and 5xx statuses are failures; any other status with a
// parseable body is handed to the caller for JSON-RPC level
// classification.
func (f *Forwarder) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) > 0 && !json.Valid(raw) {
		return nil, errors.New("upstream reply is not valid JSON")
	}
	return raw, nil
}

// isServerErrorCode reports whether a JSON-RPC error code indicates a
// failing backend rather than a user-level error.
func isServerErrorCode(code int) bool {
	if code == models.CodeInternalError || code == -32005 {
		return true
	}
	return code >= -32098 && code <= -32000
}

// extractBlock pulls the block number out of an eth_blockNumber reply so
// live traffic keeps freshness current between probe cycles.
func extractBlock(method string, raw []byte) *uint64 {
	if method != "eth_blockNumber" {
		return nil
	}
	result, err := models.EnvelopeResult(raw)
	if err != nil || result == nil {
		return nil
	}
	var hexBlock string
	if err := json.Unmarshal(result, &hexBlock); err != nil {
		return nil
	}
	block, err := hexutil.DecodeUint64(hexBlock)
	if err != nil {
		return nil
	}
	return &block
}
