// Package hub dispatches the winning message of a trigger to its surface.
//
// A Hub asks the router for candidates, executes the action of the first
// one that has not expired, and records the impression only once the
// action succeeded. A failed action leaves caps and persisted state as they
// were.
package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"msgrouter/internal/clock"
	"msgrouter/internal/eventbus"
	"msgrouter/internal/message"
	"msgrouter/internal/router"
	logx "msgrouter/pkg/logx"
)

var (
	ErrUnknownAction = errors.New("hub: no executor for action")
	ErrNoAction      = errors.New("hub: message has no action")
)

// PrefStore persists action effects. storage.Store satisfies it.
type PrefStore interface {
	SetPref(ctx context.Context, key string, value []byte) error
	GetPref(ctx context.Context, key string) ([]byte, bool, error)
	ClearPref(ctx context.Context, key string) error
}

// Effect is what an executed action wrote.
type Effect struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Executor performs one kind of action.
type Executor interface {
	Execute(ctx context.Context, m message.Message, a message.Action, now time.Time) (Effect, error)
}

type ExecutorFunc func(ctx context.Context, m message.Message, a message.Action, now time.Time) (Effect, error)

func (f ExecutorFunc) Execute(ctx context.Context, m message.Message, a message.Action, now time.Time) (Effect, error) {
	return f(ctx, m, a, now)
}

// Outcome reports what a request did. A zero Outcome means nothing was
// eligible and nothing changed.
type Outcome struct {
	Dispatched bool
	Message    message.Message
	Action     message.Action
	Effect     Effect
	Impression router.Impression
}

// Dispatch is published on the bus for every dispatch attempt.
type Dispatch struct {
	Hub       string    `json:"hub"`
	TriggerID string    `json:"trigger_id"`
	MessageID string    `json:"message_id"`
	Provider  string    `json:"provider"`
	ActionID  string    `json:"action_id"`
	Key       string    `json:"key,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type Options struct {
	// Name identifies the hub in logs and events.
	Name string
	// Template is the default template when a request names none.
	Template message.Template
	// Keys lists the prefs this hub's executors write.
	Keys   []string
	Router *router.Router
	Prefs  PrefStore
	Clock  clock.Clock
	Bus    eventbus.Bus
	Log    logx.Logger
}

type Hub struct {
	name     string
	template message.Template
	keys     []string
	router   *router.Router
	prefs    PrefStore
	clock    clock.Clock
	bus      eventbus.Bus
	log      logx.Logger

	mu        sync.RWMutex
	executors map[string]Executor
	// dispatch serializes requests so two triggers cannot interleave
	// execute and record for the same caps.
	dispatch sync.Mutex
}

func New(opts Options) (*Hub, error) {
	if opts.Router == nil {
		return nil, errors.New("hub: router is required")
	}
	if opts.Prefs == nil {
		return nil, errors.New("hub: pref store is required")
	}
	h := &Hub{
		name:      opts.Name,
		template:  opts.Template,
		keys:      slices.Clone(opts.Keys),
		router:    opts.Router,
		prefs:     opts.Prefs,
		clock:     opts.Clock,
		bus:       opts.Bus,
		log:       opts.Log,
		executors: map[string]Executor{},
	}
	if h.name == "" {
		h.name = string(h.template)
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.bus == nil {
		h.bus = eventbus.Nop()
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	return h, nil
}

func (h *Hub) Name() string               { return h.name }
func (h *Hub) Template() message.Template { return h.template }
func (h *Hub) Prefs() PrefStore           { return h.prefs }

// Owns reports whether key is one of the prefs this hub writes.
func (h *Hub) Owns(key string) bool { return slices.Contains(h.keys, key) }

// Handle registers the executor for an action id, replacing any previous one.
func (h *Hub) Handle(actionID string, ex Executor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executors[actionID] = ex
}

func (h *Hub) executor(actionID string) (Executor, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ex, ok := h.executors[actionID]
	return ex, ok
}

// Request selects the winning message for the trigger and executes its
// action. An empty req.Template falls back to the hub's own.
func (h *Hub) Request(ctx context.Context, req router.Request) (Outcome, error) {
	if req.Template == "" {
		req.Template = h.template
	}
	h.dispatch.Lock()
	defer h.dispatch.Unlock()

	now := h.clock.Now()
	ranked := h.router.Rank(ctx, req)
	for _, m := range ranked {
		a, ok := m.Action()
		if !ok {
			continue
		}
		if a.Data.Expire > 0 && !now.Before(time.UnixMilli(a.Data.Expire)) {
			h.log.Debug("skipping expired message", logx.Message(m.ID))
			continue
		}
		return h.dispatchOne(ctx, req.TriggerID, m, a, now)
	}
	return Outcome{}, nil
}

func (h *Hub) dispatchOne(ctx context.Context, triggerID string, m message.Message, a message.Action, now time.Time) (Outcome, error) {
	ev := Dispatch{
		Hub:       h.name,
		TriggerID: triggerID,
		MessageID: m.ID,
		Provider:  m.Provider,
		ActionID:  a.ID,
		At:        now,
	}
	ex, ok := h.executor(a.ID)
	if !ok {
		return Outcome{}, h.fail(ev, fmt.Errorf("%w: %q", ErrUnknownAction, a.ID))
	}
	eff, err := ex.Execute(ctx, m, a, now)
	if err != nil {
		return Outcome{}, h.fail(ev, fmt.Errorf("execute %s for %s: %w", a.ID, m.ID, err))
	}

	out := Outcome{Dispatched: true, Message: m, Action: a, Effect: eff}
	imp, err := h.router.RecordImpression(ctx, m)
	out.Impression = imp
	if err != nil {
		// The action took effect and the impression counts in memory;
		// only its persistence failed.
		h.log.Warn("impression not persisted", logx.Message(m.ID), logx.Err(err))
	}

	ev.Key = eff.Key
	h.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatched, Time: now, Data: ev})
	h.log.Info("message dispatched",
		logx.Trigger(triggerID),
		logx.Message(m.ID),
		logx.String("action", a.ID),
	)
	return out, nil
}

func (h *Hub) fail(ev Dispatch, err error) error {
	ev.Error = err.Error()
	h.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFailed, Time: ev.At, Data: ev})
	h.log.Warn("dispatch failed", logx.Message(ev.MessageID), logx.Err(err))
	return err
}
