package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"msgrouter/internal/clock"
	"msgrouter/internal/eventbus"
	"msgrouter/internal/message"
	"msgrouter/internal/msgstore"
	logx "msgrouter/pkg/logx"
)

var (
	ErrUnknownProvider = errors.New("provider: unknown provider")
	// ErrSuperseded is returned when the provider was unregistered or
	// reconfigured while its fetch was in flight; the result was discarded.
	ErrSuperseded = errors.New("provider: fetch superseded")
)

const (
	defaultFetchTimeout = 30 * time.Second
	refreshParallelism  = 8
)

// Reporter receives fetch and record failures. *report.Reporter satisfies it.
type Reporter interface {
	Once(kind, key string, err error) bool
	Throttled(kind, key string, err error) bool
	Forget(kind, keyPrefix string)
}

// ChangeSet is the outcome of one refresh.
type ChangeSet struct {
	Provider string
	// Fetched is false when the cached snapshot was served.
	Fetched  bool
	Changed  bool
	Change   msgstore.Change
	Loaded   int
	Rejected int
}

// Status describes a registered provider.
type Status struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Enabled     bool          `json:"enabled"`
	Bucket      string        `json:"bucket"`
	UpdateCycle time.Duration `json:"update_cycle"`
	LastFetch   time.Time     `json:"last_fetch,omitzero"`
	LastAttempt time.Time     `json:"last_attempt,omitzero"`
	LastError   string        `json:"last_error,omitempty"`
	Messages    int           `json:"messages"`
	Fetches     uint64        `json:"fetches"`
}

type Options struct {
	Store        *msgstore.Store
	Clock        clock.Clock
	Reporter     Reporter
	Bus          eventbus.Bus
	Log          logx.Logger
	FetchTimeout time.Duration
}

type Registry struct {
	store        *msgstore.Store
	clock        clock.Clock
	rep          Reporter
	bus          eventbus.Bus
	log          logx.Logger
	fetchTimeout time.Duration

	sf singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
}

type entry struct {
	p   Provider
	gen uint64

	fetched      bool
	lastFetch    time.Time
	lastAttempt  time.Time
	lastModified int64
	lastErr      error
	messages     int
	fetches      uint64
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store:        opts.Store,
		clock:        opts.Clock,
		rep:          opts.Reporter,
		bus:          opts.Bus,
		log:          opts.Log,
		fetchTimeout: opts.FetchTimeout,
		entries:      map[string]*entry{},
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.bus == nil {
		r.bus = eventbus.Nop()
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = defaultFetchTimeout
	}
	return r
}

// Register adds or reconfigures a provider. Reconfiguring resets its cache,
// so the next refresh fetches. A disabled provider contributes nothing.
func (r *Registry) Register(p Provider) error {
	if p.ID == "" {
		return errors.New("provider: id is required")
	}
	if p.Enabled && p.Source == nil {
		return fmt.Errorf("provider %s: %w", p.ID, ErrNoSource)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.entries[p.ID] = &entry{p: p, gen: r.gen}
	r.forgetReports(p.ID)
	if !p.Enabled {
		if _, _, err := r.store.Remove(p.ID); err != nil {
			return err
		}
	}
	r.log.Debug("provider registered", logx.Provider(p.ID), logx.Bool("enabled", p.Enabled))
	return nil
}

// Unregister removes a provider and its messages. An in-flight fetch for it
// is discarded when it completes.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return ErrUnknownProvider
	}
	delete(r.entries, id)
	r.forgetReports(id)
	_, _, err := r.store.Remove(id)
	r.log.Debug("provider unregistered", logx.Provider(id))
	return err
}

// Provider returns the registered provider.
func (r *Registry) Provider(id string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Provider{}, false
	}
	return e.p, true
}

// IDs returns registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Providers returns the status of every registered provider, sorted by id.
func (r *Registry) Providers() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		st := Status{
			ID:          e.p.ID,
			Type:        e.p.Type,
			Enabled:     e.p.Enabled,
			Bucket:      e.p.Bucket,
			UpdateCycle: e.p.UpdateCycle,
			LastFetch:   e.lastFetch,
			LastAttempt: e.lastAttempt,
			Messages:    e.messages,
			Fetches:     e.fetches,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Refresh brings one provider's messages up to date. Concurrent calls for
// the same provider share a single fetch.
func (r *Registry) Refresh(ctx context.Context, id string) (ChangeSet, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ChangeSet{}, ErrUnknownProvider
	}
	gen := e.gen
	enabled := e.p.Enabled
	r.mu.Unlock()
	if !enabled {
		return ChangeSet{Provider: id}, nil
	}

	ch := r.sf.DoChan(id+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		return r.refresh(fctx, id, gen)
	})
	select {
	case <-ctx.Done():
		return ChangeSet{}, ctx.Err()
	case res := <-ch:
		cs, _ := res.Val.(ChangeSet)
		return cs, res.Err
	}
}

func (r *Registry) refresh(ctx context.Context, id string, gen uint64) (ChangeSet, error) {
	cs := ChangeSet{Provider: id}
	now := r.clock.Now()

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return cs, ErrSuperseded
	}
	p := e.p
	fetched, lastFetch, lastAttempt, lastErr, marker := e.fetched, e.lastFetch, e.lastAttempt, e.lastErr, e.lastModified
	r.mu.Unlock()

	if p.UpdateCycle > 0 {
		if fetched && now.Sub(lastFetch) < p.UpdateCycle {
			return cs, nil
		}
		// A failed provider waits for its next cycle instead of retrying
		// on every request.
		if lastErr != nil && now.Sub(lastAttempt) < p.UpdateCycle {
			return cs, nil
		}
		if fetched {
			lm, err := p.Source.LastModified(ctx, p.Bucket)
			if err == nil && lm == marker {
				r.mu.Lock()
				if cur, ok := r.entries[id]; ok && cur.gen == gen {
					cur.lastFetch = now
					cur.lastAttempt = now
				}
				r.mu.Unlock()
				return cs, nil
			}
		}
	}

	batch, fetchErr := p.Source.Fetch(ctx, p.Bucket)

	var (
		msgs     []message.Message
		rejected int
	)
	if fetchErr == nil {
		msgs = make([]message.Message, 0, len(batch.Records))
		for i, raw := range batch.Records {
			m, err := message.Decode(raw)
			if err != nil {
				rejected++
				if r.rep != nil {
					r.rep.Once(eventbus.TypeProviderFailed, fmt.Sprintf("%s/%d/%v", id, i, err), fmt.Errorf("provider %s record %d: %w", id, i, err))
				}
				continue
			}
			msgs = append(msgs, m)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[id]
	if !ok || cur.gen != gen {
		return cs, ErrSuperseded
	}
	cur.lastAttempt = now
	if fetchErr != nil {
		cur.lastErr = fetchErr
		r.reportFailure(id, fetchErr)
		return cs, fmt.Errorf("refresh %s: %w", id, fetchErr)
	}

	change, changed, err := r.store.Replace(id, msgs)
	if err != nil {
		// The replace was dropped; the previous snapshot stays.
		cur.lastErr = err
		r.reportFailure(id, err)
		return cs, fmt.Errorf("refresh %s: %w", id, err)
	}
	cur.fetched = true
	cur.fetches++
	cur.lastFetch = now
	cur.lastModified = batch.LastModified
	cur.lastErr = nil
	cur.messages = len(msgs)

	cs.Fetched = true
	cs.Changed = changed
	cs.Change = change
	cs.Loaded = len(msgs)
	cs.Rejected = rejected
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeProviderRefreshed, Data: cs})
	r.log.Debug("provider refreshed",
		logx.Provider(id),
		logx.Int("loaded", len(msgs)),
		logx.Int("rejected", rejected),
		logx.Bool("changed", changed),
	)
	return cs, nil
}

func (r *Registry) reportFailure(id string, err error) {
	if r.rep != nil {
		r.rep.Throttled(eventbus.TypeProviderFailed, id+"/fetch", fmt.Errorf("provider %s: %w", id, err))
	} else {
		r.log.Warn("provider refresh failed", logx.Provider(id), logx.Err(err))
	}
}

// forgetReports lets a re-registered provider report its failures again.
func (r *Registry) forgetReports(id string) {
	if r.rep != nil {
		r.rep.Forget(eventbus.TypeProviderFailed, id+"/")
	}
}

// RefreshAll refreshes every registered provider independently. Failures
// are joined; one provider failing never stops the others.
func (r *Registry) RefreshAll(ctx context.Context) ([]ChangeSet, error) {
	ids := r.IDs()
	results := make([]ChangeSet, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(refreshParallelism)
	for i, id := range ids {
		g.Go(func() error {
			cs, err := r.Refresh(ctx, id)
			results[i] = cs
			if err != nil && !errors.Is(err, ErrUnknownProvider) && !errors.Is(err, ErrSuperseded) {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}
