package report

import (
	"errors"
	"testing"
	"time"

	"msgrouter/internal/eventbus"
	logx "msgrouter/pkg/logx"
)

func TestOnceSuppressesRepeats(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	r := New(logx.Nop(), bus)
	boom := errors.New("boom")
	if !r.Once("targeting.error", "m1", boom) {
		t.Fatal("first report suppressed")
	}
	if r.Once("targeting.error", "m1", boom) {
		t.Fatal("repeat report emitted")
	}
	if !r.Once("targeting.error", "m2", boom) {
		t.Fatal("different key suppressed")
	}
	if got := r.Count("targeting.error"); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}
	if got := len(ch); got != 2 {
		t.Fatalf("published %d events, want 2", got)
	}
	e := <-ch
	rep, ok := e.Data.(Report)
	if !ok || rep.Key != "m1" || !errors.Is(rep.Err, boom) {
		t.Fatalf("unexpected payload: %#v", e.Data)
	}
}

func TestForgetAllowsReportAgain(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), nil)
	err := errors.New("x")
	r.Once("k", "cfr/m1", err)
	r.Once("k", "other/m1", err)
	r.Forget("k", "cfr/")
	if !r.Once("k", "cfr/m1", err) {
		t.Fatal("expected report after Forget")
	}
	if r.Once("k", "other/m1", err) {
		t.Fatal("Forget dropped an unrelated key")
	}
}

func TestThrottledLimitsPerKey(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), nil, WithRate(time.Hour, 2))
	err := errors.New("x")
	var emitted int
	for i := 0; i < 5; i++ {
		if r.Throttled("provider.failed", "cfr", err) {
			emitted++
		}
	}
	if emitted != 2 {
		t.Fatalf("emitted %d, want burst of 2", emitted)
	}
	if !r.Throttled("provider.failed", "other", err) {
		t.Fatal("separate key should have its own bucket")
	}
}

func TestNilErrorIgnored(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), nil)
	if r.Once("k", "x", nil) || r.Throttled("k", "x", nil) {
		t.Fatal("nil error should not be reported")
	}
	var nilR *Reporter
	if nilR.Once("k", "x", errors.New("x")) {
		t.Fatal("nil reporter should be a no-op")
	}
}
