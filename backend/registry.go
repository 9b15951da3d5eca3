// Package backend holds per-upstream identity and mutable health state.
//
// A Backend's identity (url, priority) is immutable for the process
// lifetime; its counters and state are written from two producers, the
// forwarder's outcome path and the health checker's probe path, and read
// by the selection snapshot and the status view. A per-backend mutex
// keeps the counters linearizable; critical sections are counter bumps
// plus the state-transition derivation and are never held across I/O.
//
// State machine:
//
//	Healthy ──3 consecutive errors──▶ Down
//	Degraded ─3 consecutive errors──▶ Down
//	Down ──successful probe──▶ Healthy   (probe path only)
//	Healthy ◀─block lag ≤ 10─▶ Degraded  (reassessment)
//
// A success recorded from live traffic resets the error counter but never
// lifts a backend out of Down on its own; only the health checker does
// that, so recovery is always confirmed by a probe.
package backend

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/O-tero/rpcproxy/monitoring"
)

// State is the health classification of one backend.
type State int

const (
	// StateHealthy backends are eligible for selection.
	StateHealthy State = iota
	// StateDegraded backends respond but lag the best block; they are
	// still eligible and are selected in priority order like Healthy ones.
	StateDegraded
	// StateDown backends are excluded from selection until a probe
	// succeeds.
	StateDown
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "Healthy"
	case StateDegraded:
		return "Degraded"
	case StateDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// downThreshold is the consecutive-error count that transitions a backend
// to Down.
const downThreshold = 3

// degradedBlockLag is how far behind the best block a backend may be
// before the reassessment marks it Degraded.
const degradedBlockLag = 10

// latencyAlpha is the EWMA smoothing factor for per-backend latency.
const latencyAlpha = 0.3

// Backend is one upstream endpoint.
type Backend struct {
	// Immutable identity.
	URL      string
	Priority int

	mu                sync.Mutex
	state             State
	consecutiveErrors int
	latencyMS         float64
	latestBlock       uint64
	hasBlock          bool
	totalRequests     uint64
	totalErrors       uint64
	createdAt         time.Time
	lastStateChange   time.Time
}

// Selection is the cheap read the forwarder iterates when picking a
// backend.
type Selection struct {
	Index       int
	URL         string
	State       State
	LatestBlock uint64
	HasBlock    bool
}

// Status is the full per-backend view for /status.
type Status struct {
	URL           string  `json:"url"`
	Priority      int     `json:"priority"`
	State         string  `json:"state"`
	LatencyMS     float64 `json:"latency_ms"`
	LatestBlock   *uint64 `json:"latest_block"`
	TotalRequests uint64  `json:"total_requests"`
	TotalErrors   uint64  `json:"total_errors"`
	UptimeSecs    int64   `json:"uptime_secs"`
}

// Registry is the priority-ordered backend set. The slice itself is
// immutable after New; only per-backend fields mutate.
type Registry struct {
	backends []*Backend
	log      *zap.Logger
}

// New creates a registry from the target URLs in priority order
// (index 0 = highest priority). All backends start Healthy with an
// unknown latest block; the startup health cycle replaces that with real
// liveness before the server accepts traffic.
func New(targets []string, log *zap.Logger) *Registry {
	now := time.Now()
	backends := make([]*Backend, len(targets))
	for i, url := range targets {
		backends[i] = &Backend{
			URL:             url,
			Priority:        i,
			state:           StateHealthy,
			createdAt:       now,
			lastStateChange: now,
		}
		monitoring.BackendState.WithLabelValues(url).Set(float64(StateHealthy))
	}
	return &Registry{backends: backends, log: log}
}

// Len returns the backend count.
func (r *Registry) Len() int {
	return len(r.backends)
}

// SnapshotForSelection returns the ordered selection view. Each backend's
// fields are read under its own lock; the slice as a whole is not a
// transaction, which is fine for selection.
func (r *Registry) SnapshotForSelection() []Selection {
	out := make([]Selection, len(r.backends))
	for i, b := range r.backends {
		b.mu.Lock()
		out[i] = Selection{
			Index:       i,
			URL:         b.URL,
			State:       b.state,
			LatestBlock: b.latestBlock,
			HasBlock:    b.hasBlock,
		}
		b.mu.Unlock()
	}
	return out
}

// RecordSuccess registers a successful live-traffic outcome: the error
// streak resets, latency folds into the EWMA, and the latest block is
// updated when the reply carried one. A Down backend stays Down; recovery
// is the health checker's call.
func (r *Registry) RecordSuccess(index int, latency time.Duration, block *uint64) {
	r.backends[index].recordSuccess(latency, block)
}

// RecordProbeSuccess registers a successful health probe. Identical to
// RecordSuccess except that it also restores a Down backend to Healthy.
func (r *Registry) RecordProbeSuccess(index int, latency time.Duration, block *uint64) {
	b := r.backends[index]
	if transitioned := b.restoreFromProbe(); transitioned {
		r.logTransition(b, StateDown, StateHealthy, "probe succeeded")
	}
	b.recordSuccess(latency, block)
}

// RecordFailure increments the error streak. Returns true when this
// failure transitioned the backend to Down, in which case the caller must
// poke the health checker's wake channel.
func (r *Registry) RecordFailure(index int) (wentDown bool) {
	b := r.backends[index]

	b.mu.Lock()
	b.totalRequests++
	b.totalErrors++
	b.consecutiveErrors++
	old := b.state
	if b.consecutiveErrors >= downThreshold && b.state != StateDown {
		b.setStateLocked(StateDown)
		wentDown = true
	}
	b.mu.Unlock()

	if wentDown {
		r.logTransition(b, old, StateDown, "consecutive errors reached threshold")
	}
	return wentDown
}

// ReassessDegradation applies the block-lag rule against the given best
// block: Healthy and Degraded backends lagging by more than
// degradedBlockLag become Degraded, the rest become Healthy. Down
// backends are untouched, as are backends whose block height is unknown.
func (r *Registry) ReassessDegradation(bestBlock uint64) {
	for _, b := range r.backends {
		b.mu.Lock()
		if b.state == StateDown || !b.hasBlock {
			b.mu.Unlock()
			continue
		}
		old := b.state
		want := StateHealthy
		if bestBlock > b.latestBlock && bestBlock-b.latestBlock > degradedBlockLag {
			want = StateDegraded
		}
		changed := old != want
		if changed {
			b.setStateLocked(want)
		}
		b.mu.Unlock()

		if changed {
			r.logTransition(b, old, want, "block lag reassessment")
		}
	}
}

// BestBlock returns the maximum known block across non-Down backends.
// ok is false when no such backend has reported a block yet.
func (r *Registry) BestBlock() (best uint64, ok bool) {
	for _, b := range r.backends {
		b.mu.Lock()
		if b.state != StateDown && b.hasBlock && b.latestBlock >= best {
			best = b.latestBlock
			ok = true
		}
		b.mu.Unlock()
	}
	return best, ok
}

// Healthy reports the /health criterion: at least one backend with a
// known latest block that is not Down.
func (r *Registry) Healthy() bool {
	for _, b := range r.backends {
		b.mu.Lock()
		alive := b.state != StateDown && b.hasBlock
		b.mu.Unlock()
		if alive {
			return true
		}
	}
	return false
}

// HealthyCount returns the number of backends not currently Down.
func (r *Registry) HealthyCount() int {
	count := 0
	for _, b := range r.backends {
		b.mu.Lock()
		if b.state != StateDown {
			count++
		}
		b.mu.Unlock()
	}
	return count
}

// Snapshot returns the full status view in priority order.
func (r *Registry) Snapshot() []Status {
	now := time.Now()
	out := make([]Status, len(r.backends))
	for i, b := range r.backends {
		b.mu.Lock()
		s := Status{
			URL:           b.URL,
			Priority:      b.Priority,
			State:         b.state.String(),
			LatencyMS:     b.latencyMS,
			TotalRequests: b.totalRequests,
			TotalErrors:   b.totalErrors,
			UptimeSecs:    int64(now.Sub(b.createdAt).Seconds()),
		}
		if b.hasBlock {
			block := b.latestBlock
			s.LatestBlock = &block
		}
		b.mu.Unlock()
		out[i] = s
	}
	return out
}

func (r *Registry) logTransition(b *Backend, from, to State, reason string) {
	monitoring.BackendState.WithLabelValues(b.URL).Set(float64(to))
	r.log.Info("backend state change",
		zap.String("backend", b.URL),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	)
}

func (b *Backend) recordSuccess(latency time.Duration, block *uint64) {
	ms := float64(latency.Microseconds()) / 1000.0

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.consecutiveErrors = 0
	if b.latencyMS == 0 {
		b.latencyMS = ms
	} else {
		b.latencyMS = latencyAlpha*ms + (1-latencyAlpha)*b.latencyMS
	}
	if block != nil {
		b.latestBlock = *block
		b.hasBlock = true
	}
}

// restoreFromProbe lifts a Down backend back to Healthy. Returns whether
// a transition happened.
func (b *Backend) restoreFromProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateDown {
		return false
	}
	b.setStateLocked(StateHealthy)
	return true
}

// setStateLocked must be called with b.mu held.
func (b *Backend) setStateLocked(s State) {
	b.state = s
	b.lastStateChange = time.Now()
}
