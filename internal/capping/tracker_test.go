package capping

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"msgrouter/internal/clock"
	"msgrouter/internal/message"
	"msgrouter/internal/storage"
	logx "msgrouter/pkg/logx"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func daily(limit int) *message.FrequencyCap {
	return &message.FrequencyCap{Custom: []message.Window{{Period: message.Period(message.Day), Cap: limit}}}
}

func newTracker(t *testing.T, opts Options) *Tracker {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.NewFake(start)
	}
	tr, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestDailyCapExcludesAfterLimit(t *testing.T) {
	t.Parallel()
	tr := newTracker(t, Options{})
	ctx := context.Background()
	caps := Caps{Message: daily(200)}
	now := start
	for i := 0; i < 200; i++ {
		if tr.IsCapped("m1", nil, caps, now) {
			t.Fatalf("capped after %d impressions", i)
		}
		if _, err := tr.Record(ctx, "m1", nil, now); err != nil {
			t.Fatalf("Record: %v", err)
		}
		now = now.Add(time.Minute)
	}
	if !tr.IsCapped("m1", nil, caps, now) {
		t.Fatal("201st request not capped")
	}
	if tr.IsCapped("m2", nil, caps, now) {
		t.Fatal("cap leaked to another message")
	}
	// The window is trailing: once the first impressions age out, the cap lifts.
	later := start.Add(message.Day + time.Minute)
	if tr.IsCapped("m1", nil, caps, later) {
		t.Fatalf("still capped after window; count=%d", tr.Count(MessageKey("m1"), message.Day, later))
	}
}

func TestCategoryCapSuppressesSiblings(t *testing.T) {
	t.Parallel()
	tr := newTracker(t, Options{})
	ctx := context.Background()
	caps := Caps{Category: daily(2)}
	tr.Record(ctx, "a", []string{"cfrAddons"}, start)
	tr.Record(ctx, "b", []string{"cfrAddons", "cfrFeatures"}, start.Add(time.Second))

	if !tr.IsCapped("c", []string{"cfrAddons"}, caps, start.Add(time.Minute)) {
		t.Fatal("sibling in capped category not suppressed")
	}
	if tr.IsCapped("d", []string{"cfrFeatures"}, caps, start.Add(time.Minute)) {
		t.Fatal("category with one impression capped")
	}
	if tr.IsCapped("e", nil, caps, start.Add(time.Minute)) {
		t.Fatal("message without categories capped by category cap")
	}
}

func TestAnyWindowCaps(t *testing.T) {
	t.Parallel()
	tr := newTracker(t, Options{})
	ctx := context.Background()
	caps := Caps{Message: &message.FrequencyCap{Custom: []message.Window{
		{Period: message.Period(time.Hour), Cap: 1},
		{Period: message.Period(message.Day), Cap: 3},
	}}}
	tr.Record(ctx, "m", nil, start)
	if !tr.IsCapped("m", nil, caps, start.Add(30*time.Minute)) {
		t.Fatal("hourly window not enforced")
	}
	if tr.IsCapped("m", nil, caps, start.Add(61*time.Minute)) {
		t.Fatal("capped after hourly window passed")
	}
}

func TestLifetimeCap(t *testing.T) {
	t.Parallel()
	tr := newTracker(t, Options{PruneEvery: 1, Retention: time.Hour})
	ctx := context.Background()
	caps := Caps{Message: &message.FrequencyCap{Lifetime: 2}}
	if tr.IsCapped("m", nil, caps, start) {
		t.Fatal("capped with no impressions")
	}
	tr.Record(ctx, "m", nil, start)
	tr.Record(ctx, "m", nil, start.Add(48*time.Hour))
	if !tr.IsCapped("m", nil, caps, start.Add(365*message.Day)) {
		t.Fatal("lifetime cap forgotten after pruning")
	}
}

func TestPruneKeepsEntriesInsideWindows(t *testing.T) {
	t.Parallel()
	tr := newTracker(t, Options{Retention: time.Hour})
	ctx := context.Background()
	caps := Caps{Message: daily(5)}
	tr.SetCapsSource(func() ([]Caps, bool) { return []Caps{caps}, true })
	tr.Record(ctx, "m", nil, start)
	tr.Record(ctx, "m", nil, start.Add(20*time.Hour))
	tr.Record(ctx, "old", nil, start)

	now := start.Add(23 * time.Hour)
	if dropped := tr.Prune(ctx, now); dropped != 0 {
		t.Fatalf("pruned %d entries still inside the daily window", dropped)
	}
	if got := tr.Count(MessageKey("m"), message.Day, now); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
	now = start.Add(25 * time.Hour)
	if dropped := tr.Prune(ctx, now); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if got := tr.Count(MessageKey("m"), message.Day, now); got != 1 {
		t.Fatalf("count after prune = %d, want 1", got)
	}
}

func fixedCaps(complete bool, caps ...Caps) CapsSource {
	return func() ([]Caps, bool) { return caps, complete }
}

func TestPruneWaitsForCaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := newTracker(t, Options{Retention: time.Hour})
	tr.Record(ctx, "m", nil, start)
	now := start.Add(48 * time.Hour)

	if dropped := tr.Prune(ctx, now); dropped != 0 {
		t.Fatalf("pruned %d without a caps source", dropped)
	}
	tr.SetCapsSource(fixedCaps(false))
	if dropped := tr.Prune(ctx, now); dropped != 0 {
		t.Fatalf("pruned %d while caps incomplete", dropped)
	}
	tr.SetCapsSource(fixedCaps(true))
	if dropped := tr.Prune(ctx, now); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}

func TestPruneAfterRestartKeepsLongWindows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "caps.sqlite")
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	monthly := Caps{Message: &message.FrequencyCap{Custom: []message.Window{{Period: message.Period(30 * message.Day), Cap: 1}}}}
	once := Caps{Message: &message.FrequencyCap{Lifetime: 1}}
	shown := start
	now := start.Add(10 * message.Day)

	tr := newTracker(t, Options{Store: st, Retention: time.Hour})
	tr.Record(ctx, "monthly", nil, shown)
	tr.Record(ctx, "once", nil, shown)

	restart := func() *Tracker {
		t.Helper()
		fresh := newTracker(t, Options{Store: st, Retention: time.Hour})
		if _, err := fresh.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		// The hourly prune may fire before anything asks IsCapped.
		fresh.Prune(ctx, now)
		fresh.SetCapsSource(fixedCaps(true, monthly, once))
		fresh.Prune(ctx, now)
		return fresh
	}

	for round := 1; round <= 2; round++ {
		fresh := restart()
		if !fresh.IsCapped("monthly", nil, monthly, now) {
			t.Fatalf("restart %d: 30 day cap lifted after prune", round)
		}
		if !fresh.IsCapped("once", nil, once, now) {
			t.Fatalf("restart %d: lifetime cap lifted after prune", round)
		}
	}
}

func TestRecordPersistsAndLoads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "caps.sqlite")
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	tr := newTracker(t, Options{Store: st, NodeID: 7})
	imp, err := tr.Record(ctx, "m1", []string{"cfrAddons"}, start)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if imp.ID == 0 {
		t.Fatal("impression id not assigned")
	}
	tr.Record(ctx, "m1", nil, start.Add(time.Minute))

	fresh := newTracker(t, Options{Store: st, NodeID: 7})
	n, err := fresh.Load(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Load = %d err=%v", n, err)
	}
	if !fresh.IsCapped("m1", nil, Caps{Message: daily(2)}, start.Add(time.Hour)) {
		t.Fatal("reloaded tracker lost impressions")
	}
	if got := fresh.Count(CategoryKey("cfrAddons"), 0, start); got != 1 {
		t.Fatalf("category lifetime count = %d", got)
	}
}

func TestRecordRejectsEmptyID(t *testing.T) {
	t.Parallel()
	tr := newTracker(t, Options{})
	if _, err := tr.Record(context.Background(), "", nil, start); err != ErrEmptyMessageID {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(Options{NodeID: 5000}); err == nil {
		t.Fatal("expected error for out of range node id")
	}
}
