// Package capping records impressions and answers whether a message or one
// of its categories has reached a frequency cap.
//
// Impressions are indexed twice: under "msg:<id>" for the message's own cap
// and under "cat:<tag>" for every category it belongs to, so a category cap
// suppresses sibling messages sharing the tag. A key is capped when ANY of
// its trailing windows has reached its limit, or its lifetime count has.
package capping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"msgrouter/internal/clock"
	"msgrouter/internal/message"
	"msgrouter/internal/storage"
	logx "msgrouter/pkg/logx"
)

var ErrEmptyMessageID = errors.New("capping: message id is required")

// Caps is the cap spec applying to one message: its own cap and the cap
// shared by its categories (the provider frequency).
type Caps struct {
	Message  *message.FrequencyCap
	Category *message.FrequencyCap
}

func (c Caps) Empty() bool { return c.Message.Empty() && c.Category.Empty() }

// CapsSource returns the caps of every message that may still be shown.
// complete is false while some of them are not loaded yet.
type CapsSource func() (caps []Caps, complete bool)

type Options struct {
	Clock clock.Clock
	// Store persists impressions. Nil keeps them in memory only.
	Store storage.Store
	// NodeID seeds impression ids (0..1023).
	NodeID int64
	// Retention is the minimum age kept when pruning.
	Retention time.Duration
	// PruneEvery runs pruning after this many recorded impressions.
	PruneEvery int
	Log        logx.Logger
}

const (
	defaultRetention  = 7 * message.Day
	defaultPruneEvery = 64
)

type Tracker struct {
	clock clock.Clock
	store storage.Store
	node  *snowflake.Node
	log   logx.Logger

	retention  time.Duration
	pruneEvery int

	mu        sync.RWMutex
	byKey     map[string][]time.Time // ascending
	lifetime  map[string]int
	maxWindow time.Duration
	// lifetimeSeen disables pruning of persisted impressions: lifetime
	// counts are rebuilt from storage on Load.
	lifetimeSeen bool
	records      int
	source       CapsSource
}

func New(opts Options) (*Tracker, error) {
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("capping: node id: %w", err)
	}
	t := &Tracker{
		clock:      opts.Clock,
		store:      opts.Store,
		node:       node,
		log:        opts.Log,
		retention:  opts.Retention,
		pruneEvery: opts.PruneEvery,
		byKey:      map[string][]time.Time{},
		lifetime:   map[string]int{},
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	if t.retention <= 0 {
		t.retention = defaultRetention
	}
	if t.pruneEvery <= 0 {
		t.pruneEvery = defaultPruneEvery
	}
	return t, nil
}

// SetCapsSource installs the source Prune consults before dropping anything.
// Without a source, or while it is incomplete, Prune keeps every impression.
func (t *Tracker) SetCapsSource(src CapsSource) {
	t.mu.Lock()
	t.source = src
	t.mu.Unlock()
}

func MessageKey(id string) string   { return "msg:" + id }
func CategoryKey(tag string) string { return "cat:" + tag }

// Load replaces in-memory state with the impressions held by the store.
func (t *Tracker) Load(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	imps, err := t.store.Impressions(ctx, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("load impressions: %w", err)
	}
	byKey := map[string][]time.Time{}
	lifetime := map[string]int{}
	for _, imp := range imps {
		for _, k := range keys(imp.MessageID, imp.Categories) {
			byKey[k] = append(byKey[k], imp.At)
			lifetime[k]++
		}
	}
	for k := range byKey {
		ts := byKey[k]
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	}
	t.mu.Lock()
	t.byKey = byKey
	t.lifetime = lifetime
	t.mu.Unlock()
	return len(imps), nil
}

// IsCapped reports whether the message or any of its categories has reached
// a cap at now.
func (t *Tracker) IsCapped(messageID string, categories []string, caps Caps, now time.Time) bool {
	if caps.Empty() {
		return false
	}
	t.observe(caps)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.keyCapped(MessageKey(messageID), caps.Message, now) {
		return true
	}
	for _, c := range categories {
		if t.keyCapped(CategoryKey(c), caps.Category, now) {
			return true
		}
	}
	return false
}

func (t *Tracker) keyCapped(key string, f *message.FrequencyCap, now time.Time) bool {
	if f.Empty() {
		return false
	}
	if f.Lifetime > 0 && t.lifetime[key] >= f.Lifetime {
		return true
	}
	ts := t.byKey[key]
	for _, w := range f.Custom {
		if countSince(ts, now.Add(-w.Period.Duration()), now) >= w.Cap {
			return true
		}
	}
	return false
}

// countSince counts timestamps in (from, to].
func countSince(ts []time.Time, from, to time.Time) int {
	lo := sort.Search(len(ts), func(i int) bool { return ts[i].After(from) })
	hi := sort.Search(len(ts), func(i int) bool { return ts[i].After(to) })
	return hi - lo
}

func (t *Tracker) observe(caps Caps) {
	w := max(caps.Message.MaxWindow(), caps.Category.MaxWindow())
	lifetime := (caps.Message != nil && caps.Message.Lifetime > 0) || (caps.Category != nil && caps.Category.Lifetime > 0)
	t.mu.RLock()
	need := w > t.maxWindow || (lifetime && !t.lifetimeSeen)
	t.mu.RUnlock()
	if !need {
		return
	}
	t.mu.Lock()
	if w > t.maxWindow {
		t.maxWindow = w
	}
	if lifetime {
		t.lifetimeSeen = true
	}
	t.mu.Unlock()
}

// Record counts one impression of messageID and its categories at now. The
// impression is counted in memory even when persisting it fails; the
// persistence error is returned.
func (t *Tracker) Record(ctx context.Context, messageID string, categories []string, now time.Time) (storage.Impression, error) {
	if messageID == "" {
		return storage.Impression{}, ErrEmptyMessageID
	}
	if now.IsZero() {
		now = t.clock.Now()
	}
	imp := storage.Impression{
		ID:         t.node.Generate().Int64(),
		MessageID:  messageID,
		Categories: append([]string(nil), categories...),
		At:         now,
	}

	t.mu.Lock()
	for _, k := range keys(messageID, categories) {
		t.byKey[k] = insertTime(t.byKey[k], now)
		t.lifetime[k]++
	}
	t.records++
	prune := t.records%t.pruneEvery == 0
	t.mu.Unlock()

	var err error
	if t.store != nil {
		if err = t.store.AppendImpression(ctx, imp); err != nil {
			err = fmt.Errorf("persist impression: %w", err)
			t.log.Warn("impression not persisted", logx.Message(messageID), logx.Err(err))
		}
	}
	if prune {
		t.Prune(ctx, now)
	}
	return imp, err
}

// Prune drops impressions that no window in use can count anymore. Entries
// younger than the retention or the largest known window are kept.
func (t *Tracker) Prune(ctx context.Context, now time.Time) int {
	t.mu.RLock()
	src := t.source
	t.mu.RUnlock()
	if src == nil {
		return 0
	}
	all, complete := src()
	if !complete {
		t.log.Debug("impression prune skipped: caps not loaded")
		return 0
	}
	for _, c := range all {
		t.observe(c)
	}

	t.mu.Lock()
	keep := max(t.retention, t.maxWindow)
	cutoff := now.Add(-keep)
	dropped := 0
	for k, ts := range t.byKey {
		i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
		if i == 0 {
			continue
		}
		dropped += i
		if i == len(ts) {
			delete(t.byKey, k)
			continue
		}
		t.byKey[k] = append(ts[:0:0], ts[i:]...)
	}
	persist := t.store != nil && !t.lifetimeSeen
	t.mu.Unlock()

	if persist {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 500*time.Millisecond)
		n, err := t.store.PruneImpressions(pctx, cutoff)
		cancel()
		if err != nil {
			t.log.Debug("impression prune failed", logx.Err(err))
		} else if n > 0 {
			t.log.Debug("impressions pruned", logx.Int("rows", n))
		}
	}
	return dropped
}

// Count returns the impressions of key in the trailing window ending at now.
// A zero window counts the lifetime total.
func (t *Tracker) Count(key string, window time.Duration, now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if window <= 0 {
		return t.lifetime[key]
	}
	return countSince(t.byKey[key], now.Add(-window), now)
}

func keys(messageID string, categories []string) []string {
	out := make([]string, 0, 1+len(categories))
	out = append(out, MessageKey(messageID))
	seen := map[string]struct{}{}
	for _, c := range categories {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, CategoryKey(c))
	}
	return out
}

func insertTime(ts []time.Time, at time.Time) []time.Time {
	n := len(ts)
	if n == 0 || !at.Before(ts[n-1]) {
		return append(ts, at)
	}
	i := sort.Search(n, func(i int) bool { return ts[i].After(at) })
	ts = append(ts, time.Time{})
	copy(ts[i+1:], ts[i:])
	ts[i] = at
	return ts
}
