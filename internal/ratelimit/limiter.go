// Package ratelimit implements the per-box command-rate accounting of
// spec.md §4.B: global per-second/per-minute buckets, per-command-type
// per-minute caps, and a temporary block on burst. Grounded on
// 99souls-ariadne's internal/ratelimit package (domain_state.go's
// per-domain lock + token-bucket + sliding-window combination), adapted
// from per-crawl-domain HTTP accounting to per-box command accounting.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/escalada/livecontest/internal/command"
)

// Config holds the limiter's tunables (spec.md §4.B defaults).
type Config struct {
	PerSecond     float64
	PerMinute     int
	BlockDuration time.Duration
	PerTypePerMinute map[command.Type]int
	// IdleAfter is how long a box's state can go unused before the GC
	// loop (spec.md §4.J) prunes it.
	IdleAfter time.Duration
}

// DefaultConfig returns spec.md §4.B's stated defaults.
func DefaultConfig() Config {
	return Config{
		PerSecond:     20,
		PerMinute:     300,
		BlockDuration: 60 * time.Second,
		PerTypePerMinute: map[command.Type]int{
			command.ProgressUpdate: 120,
			command.SubmitScore:    30,
			command.InitRoute:      10,
			command.RegisterTime:   300,
		},
		IdleAfter: 5 * time.Minute,
	}
}

// boxState is the per-box accounting bucket set, guarded by its own lock
// so concurrent boxes never contend with each other.
type boxState struct {
	mu sync.Mutex

	perSecond *tokenBucket
	perMinute *slidingWindow
	perType   map[command.Type]*slidingWindow

	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter is the global rate limiter, keyed by box id.
type Limiter struct {
	cfg Config

	mu     sync.Mutex
	states map[int]*boxState
}

// New returns a Limiter configured with cfg.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, states: make(map[int]*boxState)}
}

// Reason is a stable, machine-readable denial reason mapped to HTTP 429
// by the caller (spec.md §4.B, §7).
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonBlocked     Reason = "blocked"
	ReasonPerSecond   Reason = "rate_limited_per_second"
	ReasonPerMinute   Reason = "rate_limited_per_minute"
	ReasonPerType     Reason = "rate_limited_per_type"
)

func (l *Limiter) stateFor(boxID int, now time.Time) *boxState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[boxID]
	if !ok {
		st = &boxState{
			perSecond: newTokenBucket(l.cfg.PerSecond, l.cfg.PerSecond, now),
			perMinute: newSlidingWindow(time.Minute, time.Second),
			perType:   make(map[command.Type]*slidingWindow),
		}
		l.states[boxID] = st
	}
	return st
}

// Allow checks whether a command of type t for box boxID is permitted at
// now. On success it records the usage towards all applicable windows.
// On denial it returns the reason without recording anything extra beyond
// what already happened (spec.md §4.B never double-penalizes a rejected
// request).
func (l *Limiter) Allow(boxID int, t command.Type, now time.Time) (bool, Reason) {
	st := l.stateFor(boxID, now)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastSeen = now

	if now.Before(st.blockedUntil) {
		return false, ReasonBlocked
	}

	if !st.perSecond.Allow(now) {
		st.blockedUntil = now.Add(l.cfg.BlockDuration)
		return false, ReasonPerSecond
	}

	if st.perMinute.count(now) >= l.cfg.PerMinute {
		st.blockedUntil = now.Add(l.cfg.BlockDuration)
		return false, ReasonPerMinute
	}

	if maxCount, ok := l.cfg.PerTypePerMinute[t]; ok {
		w, ok := st.perType[t]
		if !ok {
			w = newSlidingWindow(time.Minute, time.Second)
			st.perType[t] = w
		}
		if w.count(now) >= maxCount {
			st.blockedUntil = now.Add(l.cfg.BlockDuration)
			return false, ReasonPerType
		}
		w.record(now, 1)
	}

	st.perMinute.record(now, 1)
	return true, ReasonNone
}

// GC prunes per-box state that has been idle for longer than
// cfg.IdleAfter and clears any expired blocks, per spec.md §4.J's
// rate-limiter maintenance loop.
func (l *Limiter) GC(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, st := range l.states {
		st.mu.Lock()
		idle := now.Sub(st.lastSeen) > l.cfg.IdleAfter
		if st.blockedUntil.Before(now) {
			st.blockedUntil = time.Time{}
		}
		st.mu.Unlock()
		if idle {
			delete(l.states, id)
		}
	}
}

// BoxCount reports how many boxes currently have accounting state. Test
// and observability helper.
func (l *Limiter) BoxCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

// GCLoop runs the rate-limiter GC on a cancellable ticker (spec.md §4.J),
// with an interval that can be retuned at runtime by a SIGHUP config
// reload (SPEC_FULL.md's config-hot-reload supplement) without
// restarting the process.
type GCLoop struct {
	limiter  *Limiter
	interval atomic.Int64
	reload   chan struct{}
}

// NewGCLoop returns a GCLoop running limiter.GC every interval.
// interval <= 0 disables the loop (spec.md §6.7
// RATE_LIMIT_CLEANUP_INTERVAL_MIN "0 disables").
func NewGCLoop(limiter *Limiter, interval time.Duration) *GCLoop {
	g := &GCLoop{limiter: limiter, reload: make(chan struct{}, 1)}
	g.interval.Store(int64(interval))
	return g
}

// UpdateInterval retunes the loop, waking it immediately if it is
// currently blocked waiting on the previous interval.
func (g *GCLoop) UpdateInterval(interval time.Duration) {
	g.interval.Store(int64(interval))
	select {
	case g.reload <- struct{}{}:
	default:
	}
}

// Run blocks pruning idle rate-limit state until ctx is cancelled.
func (g *GCLoop) Run(ctx context.Context) {
	interval := time.Duration(g.interval.Load())
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.reload:
			interval = time.Duration(g.interval.Load())
			if interval <= 0 {
				return
			}
			ticker.Reset(interval)
		case now := <-ticker.C:
			g.limiter.GC(now)
		}
	}
}
