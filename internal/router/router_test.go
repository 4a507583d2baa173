package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"msgrouter/internal/capping"
	"msgrouter/internal/clock"
	"msgrouter/internal/message"
	"msgrouter/internal/msgstore"
	"msgrouter/internal/provider"
	"msgrouter/internal/targeting"
	logx "msgrouter/pkg/logx"
)

type harness struct {
	router *Router
	coll   *provider.Collections
	clock  *clock.Fake
}

func newHarness(t *testing.T, providers ...provider.Provider) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	store := msgstore.New(logx.Nop(), nil)
	reg := provider.NewRegistry(provider.Options{Store: store, Clock: clk})
	tr, err := capping.New(capping.Options{Clock: clk})
	if err != nil {
		t.Fatalf("capping.New: %v", err)
	}
	coll := provider.NewCollections()
	for _, p := range providers {
		if p.Source == nil {
			p.Source = coll
		}
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	r, err := New(Options{Registry: reg, Store: store, Tracker: tr, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{router: r, coll: coll, clock: clk}
}

func (h *harness) publish(t *testing.T, bucket string, recs ...string) {
	t.Helper()
	h.coll.Clear(bucket)
	for _, rec := range recs {
		if err := h.coll.Create(bucket, json.RawMessage(rec)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := h.router.Registry().Refresh(context.Background(), bucket); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func update(id string, prio int, targetingExpr, url string) string {
	return fmt.Sprintf(`{"id":%q,"template":"update_action","priority":%d,"targeting":%q,
		"trigger":{"id":"momentsUpdate"},"content":{"action":{"id":"moments-wnp","data":{"url":%q}}}}`,
		id, prio, targetingExpr, url)
}

var momentsReq = Request{TriggerID: "momentsUpdate", Template: message.TemplateUpdateAction}

func TestSelectHonorsTargetingAndPriority(t *testing.T) {
	t.Parallel()
	h := newHarness(t, provider.Provider{ID: "cfr", Enabled: true, Bucket: "cfr"})
	h.publish(t, "cfr",
		update("low", 1, "true", "https://a"),
		update("high", 2, "true", "https://b"),
		update("hidden", 9, "false", "https://c"),
	)
	ctx := context.Background()
	m, ok := h.router.Select(ctx, momentsReq)
	if !ok || m.ID != "high" {
		t.Fatalf("Select = %q ok=%v, want high", m.ID, ok)
	}
	ranked := h.router.Rank(ctx, momentsReq)
	if len(ranked) != 2 || ranked[0].ID != "high" || ranked[1].ID != "low" {
		t.Fatalf("Rank = %v", ids(ranked))
	}
}

func TestRankExtremePriorities(t *testing.T) {
	t.Parallel()
	h := newHarness(t, provider.Provider{ID: "cfr", Enabled: true, Bucket: "cfr"})
	h.publish(t, "cfr",
		update("min", math.MinInt, "", "https://a"),
		update("one", 1, "", "https://b"),
		update("max", math.MaxInt, "", "https://c"),
		update("neg", -1, "", "https://d"),
	)
	got := ids(h.router.Rank(context.Background(), momentsReq))
	want := []string{"max", "one", "neg", "min"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Rank = %v, want %v", got, want)
	}
}

func TestSelectTieBreaksOnMostRecentlyLoaded(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		provider.Provider{ID: "p1", Enabled: true, Bucket: "p1"},
		provider.Provider{ID: "p2", Enabled: true, Bucket: "p2"},
	)
	h.publish(t, "p1", update("old", 1, "", "https://a"))
	h.publish(t, "p2", update("new", 1, "", "https://b"))
	if m, _ := h.router.Select(context.Background(), momentsReq); m.ID != "new" {
		t.Fatalf("Select = %q, want new", m.ID)
	}
}

func TestSelectUsesRequestContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, provider.Provider{ID: "cfr", Enabled: true, Bucket: "cfr"})
	h.publish(t, "cfr",
		update("de", 2, `locale == "de"`, "https://de"),
		update("any", 1, "", "https://any"),
		update("broken", 5, "locale ==", "https://broken"),
	)
	tests := []struct {
		locale string
		want   string
	}{
		{"de", "de"},
		{"en-US", "any"},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			req := momentsReq
			req.Context = targeting.MustContext(map[string]any{"locale": tt.locale})
			m, ok := h.router.Select(context.Background(), req)
			if !ok || m.ID != tt.want {
				t.Fatalf("Select = %q ok=%v, want %q", m.ID, ok, tt.want)
			}
		})
	}
}

func TestSelectFiltersTriggerAndTemplate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, provider.Provider{ID: "cfr", Enabled: true, Bucket: "cfr"})
	h.publish(t, "cfr",
		`{"id":"panel","template":"whatsnew_panel_message","priority":9,"trigger":{"id":"momentsUpdate"},"content":{"title":"hi"}}`,
		`{"id":"site","template":"update_action","trigger":{"id":"openURL","params":["example.com"]},
			"content":{"action":{"id":"moments-wnp","data":{"url":"https://site"}}}}`,
		update("moment", 1, "", "https://a"),
	)
	ctx := context.Background()
	if m, _ := h.router.Select(ctx, momentsReq); m.ID != "moment" {
		t.Fatalf("template filter: got %q", m.ID)
	}
	if m, _ := h.router.Select(ctx, Request{TriggerID: "momentsUpdate"}); m.ID != "panel" {
		t.Fatalf("no template filter: got %q", m.ID)
	}
	if _, ok := h.router.Select(ctx, Request{TriggerID: "openURL", Param: "other.org"}); ok {
		t.Fatal("param mismatch selected a message")
	}
	if m, _ := h.router.Select(ctx, Request{TriggerID: "openURL", Param: "example.com"}); m.ID != "site" {
		t.Fatalf("param match: got %q", m.ID)
	}
	if _, ok := h.router.Select(ctx, Request{TriggerID: "nothing"}); ok {
		t.Fatal("unknown trigger selected a message")
	}
}

func TestProviderDailyCap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, provider.Provider{
		ID: "cfr", Enabled: true, Bucket: "cfr",
		Categories: []string{"cfrAddons"},
		Frequency:  &message.FrequencyCap{Custom: []message.Window{{Period: message.Period(message.Day), Cap: 200}}},
	})
	h.publish(t, "cfr", update("m1", 1, "", "https://a"), update("m2", 0, "", "https://b"))
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		m, ok := h.router.Select(ctx, momentsReq)
		if !ok {
			t.Fatalf("request %d: nothing selected", i+1)
		}
		if _, err := h.router.RecordImpression(ctx, m); err != nil {
			t.Fatalf("RecordImpression: %v", err)
		}
		h.clock.Advance(time.Second)
	}
	// The category cap covers the sibling message too.
	if m, ok := h.router.Select(ctx, momentsReq); ok {
		t.Fatalf("201st request selected %q", m.ID)
	}
	h.clock.Advance(message.Day)
	if _, ok := h.router.Select(ctx, momentsReq); !ok {
		t.Fatal("cap did not lift after the window")
	}
}

func TestMessageCapDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()
	h := newHarness(t, provider.Provider{ID: "cfr", Enabled: true, Bucket: "cfr"})
	h.publish(t, "cfr",
		`{"id":"once","template":"update_action","priority":2,"frequency":{"lifetime":1},
			"trigger":{"id":"momentsUpdate"},"content":{"action":{"id":"moments-wnp","data":{"url":"https://a"}}}}`,
		update("other", 1, "", "https://b"),
	)
	ctx := context.Background()
	m, _ := h.router.Select(ctx, momentsReq)
	if m.ID != "once" {
		t.Fatalf("Select = %q", m.ID)
	}
	h.router.RecordImpression(ctx, m)
	if m, _ := h.router.Select(ctx, momentsReq); m.ID != "other" {
		t.Fatalf("after lifetime cap: %q", m.ID)
	}
}

func TestRecordImpressionByID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, provider.Provider{ID: "cfr", Enabled: true, Bucket: "cfr", Categories: []string{"c"}})
	h.publish(t, "cfr", update("m1", 1, "", "https://a"))
	imp, err := h.router.RecordImpressionByID(context.Background(), "m1")
	if err != nil || imp.Provider != "cfr" || len(imp.Categories) != 1 {
		t.Fatalf("imp=%+v err=%v", imp, err)
	}
	if n := h.router.Tracker().Count(capping.CategoryKey("c"), 0, h.clock.Now()); n != 1 {
		t.Fatalf("category count = %d", n)
	}
	if _, err := h.router.RecordImpressionByID(context.Background(), "nope"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err = %v", err)
	}
}

func TestInitRefreshesProviders(t *testing.T) {
	t.Parallel()
	h := newHarness(t, provider.Provider{ID: "cfr", Enabled: true, Bucket: "cfr"})
	h.coll.Create("cfr", json.RawMessage(update("m1", 1, "", "https://a")))
	if err := h.router.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if h.router.Snapshot().Len() != 1 {
		t.Fatalf("snapshot len = %d", h.router.Snapshot().Len())
	}
}

func TestPruneWaitsForEveryProvider(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		provider.Provider{ID: "p1", Enabled: true, Bucket: "p1"},
		provider.Provider{ID: "p2", Enabled: true, Bucket: "p2"},
		provider.Provider{ID: "off", Bucket: "off"},
	)
	h.publish(t, "p1", `{"id":"monthly","template":"update_action","frequency":{"custom":[{"period":"720h","cap":1}]},
		"trigger":{"id":"momentsUpdate"},"content":{"action":{"id":"moments-wnp","data":{"url":"https://a"}}}}`)
	ctx := context.Background()
	if _, err := h.router.RecordImpressionByID(ctx, "monthly"); err != nil {
		t.Fatalf("RecordImpressionByID: %v", err)
	}
	h.clock.Advance(10 * message.Day)
	tr := h.router.Tracker()
	key := capping.MessageKey("monthly")

	// p2 has never loaded, so the windows of its messages are unknown.
	if dropped := tr.Prune(ctx, h.clock.Now()); dropped != 0 {
		t.Fatalf("pruned %d before every provider loaded", dropped)
	}
	h.publish(t, "p2", update("m2", 1, "", "https://b"))
	tr.Prune(ctx, h.clock.Now())
	if n := tr.Count(key, 30*message.Day, h.clock.Now()); n != 1 {
		t.Fatalf("30 day count after prune = %d, want 1", n)
	}
	if m, ok := h.router.Select(ctx, momentsReq); !ok || m.ID != "m2" {
		t.Fatalf("Select = %q ok=%v, want m2", m.ID, ok)
	}
}

func ids(ms []message.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
