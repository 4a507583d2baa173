package msgstore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"msgrouter/internal/message"
	logx "msgrouter/pkg/logx"
)

func msg(id string, prio int) message.Message {
	return message.Message{
		ID:       id,
		Template: message.TemplatePanel,
		Priority: prio,
		Content:  message.PanelContent{Title: id},
	}
}

func newStore() *Store { return New(logx.Nop(), nil) }

func TestReplaceMergesProviders(t *testing.T) {
	t.Parallel()
	s := newStore()
	if _, changed, err := s.Replace("p1", []message.Message{msg("a", 1), msg("b", 1)}); err != nil || !changed {
		t.Fatalf("Replace p1: changed=%v err=%v", changed, err)
	}
	if _, _, err := s.Replace("p2", []message.Message{msg("c", 1)}); err != nil {
		t.Fatalf("Replace p2: %v", err)
	}
	snap := s.Snapshot()
	if got := snap.IDs(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("ids = %v", got)
	}
	m, ok := snap.Get("c")
	if !ok || m.Provider != "p2" || m.LoadSeq != 3 {
		t.Fatalf("c = %+v ok=%v", m, ok)
	}

	ch, changed, err := s.Replace("p1", []message.Message{msg("b", 1), msg("d", 1)})
	if err != nil || !changed {
		t.Fatalf("Replace p1 again: changed=%v err=%v", changed, err)
	}
	if !slices.Equal(ch.Added, []string{"d"}) || !slices.Equal(ch.Removed, []string{"a"}) || len(ch.Updated) != 0 {
		t.Fatalf("change = %+v", ch)
	}
	if got := s.Snapshot().IDs(); !slices.Equal(got, []string{"b", "c", "d"}) {
		t.Fatalf("ids = %v", got)
	}
	// The old snapshot is untouched.
	if got := snap.IDs(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("old snapshot mutated: %v", got)
	}
}

func TestReplaceUnchangedIsSilent(t *testing.T) {
	t.Parallel()
	s := newStore()
	w := s.Watch()
	defer w.Close()
	s.Replace("p", []message.Message{msg("a", 1)})
	if _, changed, _ := s.Replace("p", []message.Message{msg("a", 1)}); changed {
		t.Fatal("identical replace reported a change")
	}
	if w.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", w.Pending())
	}
	ch, changed, _ := s.Replace("p", []message.Message{msg("a", 2)})
	if !changed || !slices.Equal(ch.Updated, []string{"a"}) {
		t.Fatalf("content change not detected: %+v", ch)
	}
	if m, _ := s.Snapshot().Get("a"); m.LoadSeq != 2 {
		t.Fatalf("updated message LoadSeq = %d, want 2", m.LoadSeq)
	}
}

func TestReplaceKeepsLoadSeqOfUnchanged(t *testing.T) {
	t.Parallel()
	s := newStore()
	s.Replace("p", []message.Message{msg("a", 1), msg("b", 1)})
	s.Replace("p", []message.Message{msg("b", 1), msg("a", 1), msg("c", 1)})
	snap := s.Snapshot()
	a, _ := snap.Get("a")
	b, _ := snap.Get("b")
	c, _ := snap.Get("c")
	if a.LoadSeq != 1 || b.LoadSeq != 2 || c.LoadSeq != 3 {
		t.Fatalf("load seqs a=%d b=%d c=%d", a.LoadSeq, b.LoadSeq, c.LoadSeq)
	}
}

func TestReplaceDuplicateLastWins(t *testing.T) {
	t.Parallel()
	s := newStore()
	s.Replace("p", []message.Message{msg("a", 1), msg("a", 5)})
	snap := s.Snapshot()
	if snap.Len() != 1 {
		t.Fatalf("len = %d, want 1", snap.Len())
	}
	if m, _ := snap.Get("a"); m.Priority != 5 {
		t.Fatalf("priority = %d, want last occurrence", m.Priority)
	}
}

func TestReplaceCrossProviderCollision(t *testing.T) {
	t.Parallel()
	s := newStore()
	s.Replace("p1", []message.Message{msg("x", 1)})
	s.Replace("p2", []message.Message{msg("x", 2)})
	snap := s.Snapshot()
	if snap.Len() != 1 {
		t.Fatalf("duplicate ids in snapshot: %v", snap.IDs())
	}
	if m, _ := snap.Get("x"); m.Provider != "p2" {
		t.Fatalf("owner = %q, want most recent replace", m.Provider)
	}
	// p1 dropping x does not remove p2's copy.
	s.Replace("p1", nil)
	if _, ok := s.Snapshot().Get("x"); !ok {
		t.Fatal("x removed by former owner")
	}
}

func TestRemoveAndErrors(t *testing.T) {
	t.Parallel()
	s := newStore()
	if _, _, err := s.Replace("", nil); !errors.Is(err, ErrEmptyProviderID) {
		t.Fatalf("err = %v", err)
	}
	s.Replace("p", []message.Message{msg("a", 1)})
	ch, changed, err := s.Remove("p")
	if err != nil || !changed || !slices.Equal(ch.Removed, []string{"a"}) || ch.Size != 0 {
		t.Fatalf("Remove: %+v changed=%v err=%v", ch, changed, err)
	}
	s.Close()
	if _, _, err := s.Replace("p", []message.Message{msg("a", 1)}); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close err = %v", err)
	}
}

func TestWatcherSeesEveryChangeInOrder(t *testing.T) {
	t.Parallel()
	s := newStore()
	w := s.Watch()
	defer w.Close()

	// One message, then two, then one again: a waiter must see both
	// directions even though the last replace supersedes the first.
	s.Replace("p", []message.Message{msg("a", 1)})
	s.Replace("p", []message.Message{msg("a", 1), msg("b", 1)})
	s.Replace("p", []message.Message{msg("a", 1)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var sizes []int
	var versions []uint64
	for i := 0; i < 3; i++ {
		ch, err := w.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		sizes = append(sizes, ch.Size)
		versions = append(versions, ch.Version)
	}
	if !slices.Equal(sizes, []int{1, 2, 1}) || !slices.Equal(versions, []uint64{1, 2, 3}) {
		t.Fatalf("sizes=%v versions=%v", sizes, versions)
	}
}

func TestWaitFor(t *testing.T) {
	t.Parallel()
	s := newStore()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan Snapshot, 1)
	go func() {
		snap, err := s.WaitFor(ctx, func(sn Snapshot) bool { return sn.Len() == 2 })
		if err != nil {
			t.Errorf("WaitFor: %v", err)
		}
		done <- snap
	}()
	s.Replace("p", []message.Message{msg("a", 1)})
	s.Replace("q", []message.Message{msg("b", 1)})

	snap := <-done
	if snap.Len() != 2 {
		t.Fatalf("len = %d", snap.Len())
	}

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, err := s.WaitFor(short, func(sn Snapshot) bool { return sn.Len() == 9 }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitFor err = %v", err)
	}
}

func TestConcurrentReadersNeverSeeTornState(t *testing.T) {
	t.Parallel()
	s := newStore()
	setA := []message.Message{msg("a1", 1), msg("a2", 1)}
	setB := []message.Message{msg("b1", 1), msg("b2", 1)}
	s.Replace("p", setA)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if n := s.Snapshot().Len(); n != 2 {
					t.Errorf("snapshot len = %d", n)
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			s.Replace("p", setB)
		} else {
			s.Replace("p", setA)
		}
	}
	cancel()
	wg.Wait()
}
