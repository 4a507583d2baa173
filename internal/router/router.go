// Package router selects the message to show for a trigger.
//
// A selection reads one store snapshot and filters it in a fixed order:
// trigger and template match, targeting, frequency caps. Survivors are
// ranked by priority, most recently loaded first among equals.
package router

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"msgrouter/internal/capping"
	"msgrouter/internal/clock"
	"msgrouter/internal/eventbus"
	"msgrouter/internal/message"
	"msgrouter/internal/msgstore"
	"msgrouter/internal/provider"
	"msgrouter/internal/targeting"
	logx "msgrouter/pkg/logx"
)

var ErrUnknownMessage = errors.New("router: unknown message")

// Request describes one trigger occurrence.
type Request struct {
	TriggerID string
	// Template restricts candidates to one template when set.
	Template message.Template
	Param    string
	Context  targeting.Context
}

type Options struct {
	Registry  *provider.Registry
	Store     *msgstore.Store
	Evaluator *targeting.Evaluator
	Tracker   *capping.Tracker
	Clock     clock.Clock
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Router struct {
	reg     *provider.Registry
	store   *msgstore.Store
	eval    *targeting.Evaluator
	tracker *capping.Tracker
	clock   clock.Clock
	bus     eventbus.Bus
	log     logx.Logger
}

func New(opts Options) (*Router, error) {
	if opts.Registry == nil || opts.Store == nil || opts.Tracker == nil {
		return nil, errors.New("router: registry, store and tracker are required")
	}
	r := &Router{
		reg:     opts.Registry,
		store:   opts.Store,
		eval:    opts.Evaluator,
		tracker: opts.Tracker,
		clock:   opts.Clock,
		bus:     opts.Bus,
		log:     opts.Log,
	}
	if r.eval == nil {
		r.eval = targeting.New(nil)
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
	r.tracker.SetCapsSource(r.knownCaps)
	return r, nil
}

// knownCaps lists the caps of every loaded message and every provider's
// category cap. It is incomplete until each enabled provider has loaded once,
// since impressions of its messages may outlive the windows known so far.
func (r *Router) knownCaps() ([]capping.Caps, bool) {
	complete := true
	var out []capping.Caps
	for _, st := range r.reg.Providers() {
		if !st.Enabled {
			continue
		}
		if st.LastFetch.IsZero() {
			complete = false
		}
		if p, ok := r.reg.Provider(st.ID); ok && !p.Frequency.Empty() {
			out = append(out, capping.Caps{Category: p.Frequency})
		}
	}
	for _, m := range r.store.Snapshot().Messages() {
		if !m.Frequency.Empty() {
			out = append(out, capping.Caps{Message: m.Frequency})
		}
	}
	return out, complete
}

// Init loads persisted impressions and performs the first refresh of every
// provider. Provider failures are returned joined but leave the router usable.
func (r *Router) Init(ctx context.Context) error {
	n, err := r.tracker.Load(ctx)
	if err != nil {
		return err
	}
	_, refreshErr := r.reg.RefreshAll(ctx)
	r.log.Info("router initialized",
		logx.Int("impressions", n),
		logx.Int("providers", len(r.reg.IDs())),
		logx.Int("messages", r.store.Snapshot().Len()),
	)
	return refreshErr
}

// Shutdown closes the store; pending watchers return msgstore.ErrClosed.
func (r *Router) Shutdown(context.Context) error {
	r.store.Close()
	return nil
}

// Snapshot returns the current merged message set.
func (r *Router) Snapshot() msgstore.Snapshot { return r.store.Snapshot() }

func (r *Router) Registry() *provider.Registry { return r.reg }

func (r *Router) Tracker() *capping.Tracker { return r.tracker }

// Rank returns every eligible message for req, best first.
func (r *Router) Rank(ctx context.Context, req Request) []message.Message {
	if ctx.Err() != nil {
		return nil
	}
	return r.rank(r.store.Snapshot(), req, r.clock.Now())
}

// Select returns the best eligible message for req.
func (r *Router) Select(ctx context.Context, req Request) (message.Message, bool) {
	ranked := r.Rank(ctx, req)
	if len(ranked) == 0 {
		return message.Message{}, false
	}
	return ranked[0], true
}

func (r *Router) rank(snap msgstore.Snapshot, req Request, now time.Time) []message.Message {
	var out []message.Message
	for _, m := range snap.Messages() {
		if !m.MatchesTrigger(req.TriggerID, req.Param) {
			continue
		}
		if req.Template != "" && m.Template != req.Template {
			continue
		}
		if !r.eval.Check(m.ID, m.Targeting, req.Context) {
			continue
		}
		caps, cats := r.capsFor(m)
		if r.tracker.IsCapped(m.ID, cats, caps, now) {
			continue
		}
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b message.Message) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.LoadSeq, a.LoadSeq)
	})
	return out
}

// capsFor resolves the caps and categories of m. Messages without their own
// categories inherit their provider's.
func (r *Router) capsFor(m message.Message) (capping.Caps, []string) {
	caps := capping.Caps{Message: m.Frequency}
	cats := m.Categories
	if p, ok := r.reg.Provider(m.Provider); ok {
		caps.Category = p.Frequency
		if len(cats) == 0 {
			cats = p.Categories
		}
	}
	return caps, cats
}

// Impression is published on the bus for every recorded impression.
type Impression struct {
	ID         int64     `json:"id"`
	MessageID  string    `json:"message_id"`
	Provider   string    `json:"provider"`
	Categories []string  `json:"categories,omitempty"`
	At         time.Time `json:"at"`
}

// RecordImpression counts one showing of m against its caps.
func (r *Router) RecordImpression(ctx context.Context, m message.Message) (Impression, error) {
	_, cats := r.capsFor(m)
	imp, err := r.tracker.Record(ctx, m.ID, cats, r.clock.Now())
	if errors.Is(err, capping.ErrEmptyMessageID) {
		return Impression{}, err
	}
	ev := Impression{ID: imp.ID, MessageID: m.ID, Provider: m.Provider, Categories: imp.Categories, At: imp.At}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeImpression, Time: imp.At, Data: ev})
	if err != nil {
		return ev, fmt.Errorf("record impression %s: %w", m.ID, err)
	}
	return ev, nil
}

// RecordImpressionByID records an impression for a message in the current
// snapshot.
func (r *Router) RecordImpressionByID(ctx context.Context, id string) (Impression, error) {
	m, ok := r.store.Snapshot().Get(id)
	if !ok {
		return Impression{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return r.RecordImpression(ctx, m)
}
