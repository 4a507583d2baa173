// Package export forwards selected bus events to an external queue.
//
// Export is best effort: the bus drops events for slow subscribers, and a
// failed enqueue is logged and counted, never retried.
package export

import (
	"context"
	"encoding/json"
	"slices"
	"sync/atomic"
	"time"

	"msgrouter/internal/eventbus"
	logx "msgrouter/pkg/logx"
)

// DefaultTypes are the events exported when Options.Types is empty.
var DefaultTypes = []string{eventbus.TypeDispatched, eventbus.TypeImpression}

const defaultBuffer = 256

// Envelope is the JSON payload written for each event.
type Envelope struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Options struct {
	Bus    eventbus.Bus
	Queue  Enqueuer
	Types  []string
	Buffer int
	Log    logx.Logger
}

type Exporter struct {
	bus    eventbus.Bus
	queue  Enqueuer
	types  []string
	buffer int
	log    logx.Logger

	exported atomic.Uint64
	failed   atomic.Uint64
}

func New(opts Options) *Exporter {
	e := &Exporter{
		bus:    opts.Bus,
		queue:  opts.Queue,
		types:  slices.Clone(opts.Types),
		buffer: opts.Buffer,
		log:    opts.Log,
	}
	if len(e.types) == 0 {
		e.types = slices.Clone(DefaultTypes)
	}
	if e.buffer <= 0 {
		e.buffer = defaultBuffer
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e
}

// Run forwards events until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	ch, unsub := e.bus.Subscribe(e.buffer)
	defer unsub()
	return e.run(ctx, ch)
}

func (e *Exporter) run(ctx context.Context, ch <-chan eventbus.Event) error {
	e.log.Info("export started", logx.Strings("types", e.types))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("export stopped",
				logx.Uint64("exported", e.exported.Load()),
				logx.Uint64("failed", e.failed.Load()),
			)
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if !slices.Contains(e.types, ev.Type) {
				continue
			}
			e.forward(ctx, ev)
		}
	}
}

func (e *Exporter) forward(ctx context.Context, ev eventbus.Event) {
	payload, err := Encode(ev)
	if err == nil {
		err = e.queue.Enqueue(ctx, payload)
	}
	if err != nil {
		e.failed.Add(1)
		e.log.Warn("export failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	e.exported.Add(1)
}

// Encode wraps ev in an Envelope.
func Encode(ev eventbus.Event) ([]byte, error) {
	env := Envelope{Type: ev.Type, Time: ev.Time.UTC()}
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, err
		}
		env.Data = b
	}
	return json.Marshal(env)
}

// Stats returns the exported and failed counts.
func (e *Exporter) Stats() (exported, failed uint64) {
	return e.exported.Load(), e.failed.Load()
}
