// Package admission deduplicates inbound events and bounds how much work the
// conductor takes on at once.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDedupSize     = 4096
	defaultDedupTTL      = 10 * time.Minute
	defaultMaxConcurrent = 4
	defaultMaxQueueDepth = 64
)

var (
	// ErrDuplicate is the reason for a Duplicate verdict.
	ErrDuplicate = errors.New("duplicate delivery")
	// ErrBackpressure means the backlog is full; the sender should retry later.
	ErrBackpressure = errors.New("admission backlog full")
	// ErrMissingDedupKey rejects events that cannot be deduplicated.
	ErrMissingDedupKey = errors.New("event has no dedup key")
)

// VerdictKind is the outcome of Accept.
type VerdictKind int

const (
	Admit VerdictKind = iota
	Duplicate
	Rejected
)

func (k VerdictKind) String() string {
	switch k {
	case Admit:
		return "admit"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Verdict is returned by Accept. Reason is nil only for Admit.
type Verdict struct {
	Reason error
	Kind   VerdictKind
}

// Config sizes the gate. Zero values use the defaults.
type Config struct {
	DedupSize     int
	DedupTTL      time.Duration
	MaxConcurrent int
	MaxQueueDepth int
}

// Gate is safe for concurrent use.
type Gate struct {
	seen          *lru.Cache[string, time.Time]
	sem           *semaphore.Weighted
	now           func() time.Time
	dedupTTL      time.Duration
	maxConcurrent int
	maxQueueDepth int

	mu       sync.Mutex
	queued   int
	inFlight int
	waiting  int
}

// New creates a gate.
func New(cfg Config) *Gate {
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = defaultDedupSize
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	// lru.New only errors on a non-positive size, guarded above.
	seen, _ := lru.New[string, time.Time](cfg.DedupSize)

	return &Gate{
		seen:          seen,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:           time.Now,
		dedupTTL:      cfg.DedupTTL,
		maxConcurrent: cfg.MaxConcurrent,
		maxQueueDepth: cfg.MaxQueueDepth,
	}
}

// SetClock overrides the time source used for dedup expiry.
func (g *Gate) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Accept decides whether an event with dedupKey enters the system. An
// admitted event counts toward QueueDepth until Done releases it. Rejected
// events do not record their key, so a later redelivery can be admitted.
func (g *Gate) Accept(dedupKey string) Verdict {
	if dedupKey == "" {
		return Verdict{Kind: Rejected, Reason: ErrMissingDedupKey}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if ts, ok := g.seen.Get(dedupKey); ok {
		if now.Sub(ts) < g.dedupTTL {
			return Verdict{Kind: Duplicate, Reason: ErrDuplicate}
		}
		g.seen.Remove(dedupKey)
	}

	if g.queued >= g.maxQueueDepth {
		return Verdict{Kind: Rejected, Reason: ErrBackpressure}
	}

	g.seen.Add(dedupKey, now)
	g.queued++
	return Verdict{Kind: Admit}
}

// Forget undoes an Admit whose event never reached the buffer.
func (g *Gate) Forget(dedupKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen.Remove(dedupKey)
	if g.queued > 0 {
		g.queued--
	}
}

// Done removes n admitted events from the backlog, either because they
// started running or because they were discarded.
func (g *Gate) Done(n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued -= n
	if g.queued < 0 {
		g.queued = 0
	}
}

// Acquire blocks until a concurrency slot is free or ctx is done. Waiters
// are served in FIFO order.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	g.waiting++
	g.mu.Unlock()

	err := g.sem.Acquire(ctx, 1)

	g.mu.Lock()
	g.waiting--
	if err == nil {
		g.inFlight++
	}
	g.mu.Unlock()
	return err
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	g.sem.Release(1)
}

// QueueDepth returns the number of admitted events that have not started.
func (g *Gate) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queued
}

// InFlight returns the number of held concurrency slots.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Waiting returns the number of callers blocked in Acquire.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}

// Capacity returns the concurrency ceiling.
func (g *Gate) Capacity() int {
	return g.maxConcurrent
}
