// Package report collects non-fatal errors raised while serving requests:
// targeting expressions that fail to compile, provider fetch failures and
// hub action failures. Reports are logged and published on the event bus.
//
// Reporting is bounded: Once suppresses repeats of the same key for the life
// of the Reporter, and Throttled limits each key with a token bucket.
package report

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"msgrouter/internal/eventbus"
	logx "msgrouter/pkg/logx"
)

// Report is the payload published on the bus.
type Report struct {
	Kind string
	Key  string
	Err  error
}

type Reporter struct {
	log logx.Logger
	bus eventbus.Bus

	every time.Duration
	burst int

	mu       sync.Mutex
	seen     map[string]struct{}
	limiters map[string]*rate.Limiter
	counts   map[string]uint64
}

type Option func(*Reporter)

// WithRate sets the token bucket for Throttled reports: one report every
// interval per key, with the given burst.
func WithRate(every time.Duration, burst int) Option {
	return func(r *Reporter) {
		if every > 0 {
			r.every = every
		}
		if burst > 0 {
			r.burst = burst
		}
	}
}

func New(log logx.Logger, bus eventbus.Bus, opts ...Option) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	r := &Reporter{
		log:      log,
		bus:      bus,
		every:    time.Minute,
		burst:    1,
		seen:     map[string]struct{}{},
		limiters: map[string]*rate.Limiter{},
		counts:   map[string]uint64{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Once reports err the first time key is seen for kind. It returns whether
// the report was emitted.
func (r *Reporter) Once(kind, key string, err error) bool {
	if r == nil || err == nil {
		return false
	}
	k := kind + "\x00" + key
	r.mu.Lock()
	r.counts[kind]++
	if _, dup := r.seen[k]; dup {
		r.mu.Unlock()
		return false
	}
	r.seen[k] = struct{}{}
	r.mu.Unlock()
	r.emit(kind, key, err)
	return true
}

// Throttled reports err subject to the per-key rate limit.
func (r *Reporter) Throttled(kind, key string, err error) bool {
	if r == nil || err == nil {
		return false
	}
	k := kind + "\x00" + key
	r.mu.Lock()
	r.counts[kind]++
	lim, ok := r.limiters[k]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.every), r.burst)
		r.limiters[k] = lim
	}
	r.mu.Unlock()
	if !lim.Allow() {
		return false
	}
	r.emit(kind, key, err)
	return true
}

// Count returns how many errors of kind were raised, reported or not.
func (r *Reporter) Count(kind string) uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

// Forget drops suppression state for keys with the given kind and prefix.
func (r *Reporter) Forget(kind, keyPrefix string) {
	if r == nil {
		return
	}
	p := kind + "\x00" + keyPrefix
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.seen {
		if len(k) >= len(p) && k[:len(p)] == p {
			delete(r.seen, k)
		}
	}
	for k := range r.limiters {
		if len(k) >= len(p) && k[:len(p)] == p {
			delete(r.limiters, k)
		}
	}
}

func (r *Reporter) emit(kind, key string, err error) {
	r.log.Warn("error reported", logx.String("kind", kind), logx.String("key", key), logx.Err(err))
	r.bus.Publish(eventbus.Event{Type: kind, Data: Report{Kind: kind, Key: key, Err: err}})
}
