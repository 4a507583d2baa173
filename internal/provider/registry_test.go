package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"msgrouter/internal/clock"
	"msgrouter/internal/config"
	"msgrouter/internal/msgstore"
	logx "msgrouter/pkg/logx"
)

func record(id string, prio int, url string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"template":"update_action","targeting":"true","priority":%d,
		"trigger":{"id":"momentsUpdate"},"content":{"action":{"id":"moments-wnp","data":{"url":%q}}}}`, id, prio, url))
}

// countingSource wraps Collections and counts calls. When gate is set,
// Fetch blocks until it is closed.
type countingSource struct {
	*Collections
	fetches atomic.Int64
	marks   atomic.Int64
	gate    chan struct{}
	entered chan struct{}
	fail    atomic.Bool
}

func newCountingSource() *countingSource {
	return &countingSource{Collections: NewCollections()}
}

func (s *countingSource) Fetch(ctx context.Context, bucket string) (Batch, error) {
	s.fetches.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.fail.Load() {
		return Batch{}, errors.New("backend down")
	}
	return s.Collections.Fetch(ctx, bucket)
}

func (s *countingSource) LastModified(ctx context.Context, bucket string) (int64, error) {
	s.marks.Add(1)
	return s.Collections.LastModified(ctx, bucket)
}

func newRegistry(t *testing.T, clk clock.Clock) (*Registry, *msgstore.Store) {
	t.Helper()
	st := msgstore.New(logx.Nop(), nil)
	return NewRegistry(Options{Store: st, Clock: clk, Log: logx.Nop()}), st
}

func TestZeroCycleAlwaysFetches(t *testing.T) {
	t.Parallel()
	src := newCountingSource()
	src.Create("cfr", record("m1", 1, "https://a"))
	reg, st := newRegistry(t, clock.NewFake(time.Unix(1000, 0)))
	if err := reg.Register(Provider{ID: "cfr", Enabled: true, Bucket: "cfr", Source: src}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cs, err := reg.Refresh(ctx, "cfr")
		if err != nil || !cs.Fetched {
			t.Fatalf("Refresh %d: fetched=%v err=%v", i, cs.Fetched, err)
		}
	}
	if got := src.fetches.Load(); got != 3 {
		t.Fatalf("fetches = %d, want 3", got)
	}
	if st.Snapshot().Len() != 1 {
		t.Fatalf("store len = %d", st.Snapshot().Len())
	}
}

func TestCycleServesCacheThenChecksMarker(t *testing.T) {
	t.Parallel()
	src := newCountingSource()
	src.Create("b", record("m1", 1, "https://a"))
	clk := clock.NewFake(time.Unix(1000, 0))
	reg, st := newRegistry(t, clk)
	reg.Register(Provider{ID: "p", Enabled: true, Bucket: "b", UpdateCycle: time.Minute, Source: src})
	ctx := context.Background()

	if cs, _ := reg.Refresh(ctx, "p"); !cs.Fetched {
		t.Fatal("first refresh did not fetch")
	}
	clk.Advance(30 * time.Second)
	if cs, _ := reg.Refresh(ctx, "p"); cs.Fetched {
		t.Fatal("refresh within cycle fetched")
	}
	if src.marks.Load() != 0 {
		t.Fatal("marker checked within cycle")
	}

	// Cycle expired, marker unchanged: no fetch.
	clk.Advance(time.Minute)
	if cs, _ := reg.Refresh(ctx, "p"); cs.Fetched {
		t.Fatal("fetched although marker unchanged")
	}
	if src.marks.Load() != 1 || src.fetches.Load() != 1 {
		t.Fatalf("marks=%d fetches=%d", src.marks.Load(), src.fetches.Load())
	}

	// Cycle expired, marker changed: fetch.
	src.Create("b", record("m2", 2, "https://b"))
	clk.Advance(2 * time.Minute)
	cs, err := reg.Refresh(ctx, "p")
	if err != nil || !cs.Fetched || !cs.Changed {
		t.Fatalf("cs=%+v err=%v", cs, err)
	}
	if st.Snapshot().Len() != 2 {
		t.Fatalf("store len = %d", st.Snapshot().Len())
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	t.Parallel()
	src := newCountingSource()
	src.Create("b", record("m1", 1, "https://a"))
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 16)
	reg, _ := newRegistry(t, clock.NewFake(time.Unix(1000, 0)))
	reg.Register(Provider{ID: "p", Enabled: true, Bucket: "b", Source: src})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]ChangeSet, callers)
	errs := make([]error, callers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = reg.Refresh(context.Background(), "p")
	}()
	<-src.entered
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = reg.Refresh(context.Background(), "p")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if got := src.fetches.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}
	for i := range results {
		if errs[i] != nil || !results[i].Fetched || results[i].Loaded != 1 {
			t.Fatalf("caller %d: %+v err=%v", i, results[i], errs[i])
		}
	}
}

func TestFailureRetainsSnapshotAndWaitsForCycle(t *testing.T) {
	t.Parallel()
	src := newCountingSource()
	src.Create("b", record("m1", 1, "https://a"))
	clk := clock.NewFake(time.Unix(1000, 0))
	reg, st := newRegistry(t, clk)
	reg.Register(Provider{ID: "p", Enabled: true, Bucket: "b", UpdateCycle: time.Minute, Source: src})
	ctx := context.Background()
	if _, err := reg.Refresh(ctx, "p"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	src.fail.Store(true)
	src.Create("b", record("m2", 1, "https://b")) // bump the marker
	clk.Advance(2 * time.Minute)
	if _, err := reg.Refresh(ctx, "p"); err == nil {
		t.Fatal("expected fetch error")
	}
	if got := st.Snapshot().IDs(); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("snapshot after failure = %v", got)
	}
	before := src.fetches.Load()
	clk.Advance(10 * time.Second)
	if _, err := reg.Refresh(ctx, "p"); err != nil {
		t.Fatalf("refresh within retry cycle: %v", err)
	}
	if src.fetches.Load() != before {
		t.Fatal("failed provider retried before its next cycle")
	}
	if s := reg.Providers()[0]; s.LastError == "" {
		t.Fatalf("status = %+v", s)
	}

	src.fail.Store(false)
	clk.Advance(time.Minute)
	if cs, err := reg.Refresh(ctx, "p"); err != nil || !cs.Fetched {
		t.Fatalf("recovery refresh: %+v err=%v", cs, err)
	}
	if st.Snapshot().Len() != 2 {
		t.Fatalf("store len = %d", st.Snapshot().Len())
	}
}

func TestUnregisterDiscardsInFlightFetch(t *testing.T) {
	t.Parallel()
	src := newCountingSource()
	src.Create("b", record("m1", 1, "https://a"))
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	reg, st := newRegistry(t, clock.NewFake(time.Unix(1000, 0)))
	reg.Register(Provider{ID: "p", Enabled: true, Bucket: "b", Source: src})

	done := make(chan error, 1)
	go func() {
		_, err := reg.Refresh(context.Background(), "p")
		done <- err
	}()
	<-src.entered
	if err := reg.Unregister("p"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	close(src.gate)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("err = %v, want ErrSuperseded", err)
	}
	if st.Snapshot().Len() != 0 {
		t.Fatalf("discarded fetch was merged: %v", st.Snapshot().IDs())
	}
	if _, err := reg.Refresh(context.Background(), "p"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v", err)
	}
}

func TestRejectedRecordsAreDropped(t *testing.T) {
	t.Parallel()
	src := NewStaticSource([]json.RawMessage{
		record("ok", 1, "https://a"),
		json.RawMessage(`{"id":"bad","template":"mystery","content":{}}`),
	})
	reg, st := newRegistry(t, nil)
	reg.Register(Provider{ID: "local", Enabled: true, Source: src})
	cs, err := reg.Refresh(context.Background(), "local")
	if err != nil || cs.Loaded != 1 || cs.Rejected != 1 {
		t.Fatalf("cs=%+v err=%v", cs, err)
	}
	m, ok := st.Snapshot().Get("ok")
	if !ok || m.Provider != "local" {
		t.Fatalf("message = %+v ok=%v", m, ok)
	}
}

// onceReporter emits each kind/key once until forgotten.
type onceReporter struct {
	mu      sync.Mutex
	seen    map[string]bool
	emitted int
}

func (r *onceReporter) Once(kind, key string, _ error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	if r.seen[kind+"\x00"+key] {
		return false
	}
	r.seen[kind+"\x00"+key] = true
	r.emitted++
	return true
}

func (r *onceReporter) Throttled(kind, key string, err error) bool { return r.Once(kind, key, err) }

func (r *onceReporter) Forget(kind, keyPrefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.seen {
		if strings.HasPrefix(k, kind+"\x00"+keyPrefix) {
			delete(r.seen, k)
		}
	}
}

func TestReaddedProviderReportsRejectionsAgain(t *testing.T) {
	t.Parallel()
	src := NewStaticSource([]json.RawMessage{json.RawMessage(`{"id":"bad","template":"mystery","content":{}}`)})
	rep := &onceReporter{}
	reg := NewRegistry(Options{Store: msgstore.New(logx.Nop(), nil), Reporter: rep})
	ctx := context.Background()
	p := Provider{ID: "local", Enabled: true, Source: src}

	reg.Register(p)
	reg.Refresh(ctx, "local")
	reg.Refresh(ctx, "local")
	if rep.emitted != 1 {
		t.Fatalf("emitted = %d after repeated refresh, want 1", rep.emitted)
	}
	if err := reg.Unregister("local"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	reg.Register(p)
	reg.Refresh(ctx, "local")
	if rep.emitted != 2 {
		t.Fatalf("emitted = %d after re-adding, want 2", rep.emitted)
	}
}

func TestRefreshAllJoinsFailures(t *testing.T) {
	t.Parallel()
	good := newCountingSource()
	good.Create("g", record("g1", 1, "https://a"))
	bad := newCountingSource()
	bad.fail.Store(true)
	reg, st := newRegistry(t, nil)
	reg.Register(Provider{ID: "good", Enabled: true, Bucket: "g", Source: good})
	reg.Register(Provider{ID: "bad", Enabled: true, Bucket: "x", Source: bad})
	reg.Register(Provider{ID: "off", Enabled: false})

	res, err := reg.RefreshAll(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(res) != 3 {
		t.Fatalf("results = %d", len(res))
	}
	if st.Snapshot().Len() != 1 {
		t.Fatalf("store len = %d", st.Snapshot().Len())
	}
}

func TestFromConfigAndFileSource(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "messages.yaml")
	yaml := `
- id: y1
  template: whatsnew_panel_message
  trigger: {id: whatsNewPanelOpened}
  content: {title: "Hello"}
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := FromConfig(config.ProviderConfig{ID: "file", Enabled: true, Type: "local", Path: path}, Sources{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	reg, st := newRegistry(t, nil)
	reg.Register(p)
	if _, err := reg.Refresh(context.Background(), "file"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := st.Snapshot().Get("y1"); !ok {
		t.Fatal("yaml record not loaded")
	}

	if _, err := FromConfig(config.ProviderConfig{ID: "r", Type: "remote-settings", Backend: "s3"}, Sources{}); !errors.Is(err, ErrNoSource) {
		t.Fatalf("err = %v, want ErrNoSource", err)
	}
	rp, err := FromConfig(config.ProviderConfig{ID: "cfr", Type: "remote-settings", UpdateCycleInMs: 1500}, Sources{Memory: NewCollections()})
	if err != nil || rp.Bucket != "cfr" || rp.UpdateCycle != 1500*time.Millisecond || rp.Type != config.ProviderRemote {
		t.Fatalf("remote provider = %+v err=%v", rp, err)
	}
}

func TestParseRecordsEnvelopes(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{`[{"id":"a"}]`, `{"data":[{"id":"a"}]}`, `{"messages":[{"id":"a"}]}`} {
		recs, err := parseRecords([]byte(raw))
		if err != nil || len(recs) != 1 {
			t.Fatalf("parseRecords(%s) = %d err=%v", raw, len(recs), err)
		}
	}
}
