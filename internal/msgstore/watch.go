package msgstore

import (
	"context"
	"sync"
)

// Watcher receives every Change committed after it was created.
// Its queue is unbounded, so a slow reader never causes a skip.
type Watcher struct {
	s *Store

	mu     sync.Mutex
	queue  []Change
	notify chan struct{}
	done   bool
}

// Watch registers a new watcher. Call Close when finished.
func (s *Store) Watch() *Watcher {
	w := &Watcher{s: s, notify: make(chan struct{}, 1)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		w.done = true
		close(w.notify)
		return w
	}
	s.watchers[w] = struct{}{}
	return w
}

func (w *Watcher) push(c Change) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, c)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	close(w.notify)
}

// Next blocks until a change is available or ctx is done. It returns
// ErrClosed once the store or watcher is closed and the queue is drained.
func (w *Watcher) Next(ctx context.Context) (Change, error) {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			c := w.queue[0]
			w.queue[0] = Change{}
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return c, nil
		}
		done := w.done
		w.mu.Unlock()
		if done {
			return Change{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-w.notify:
		}
	}
}

// Pending returns the number of queued changes.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Close unregisters the watcher.
func (w *Watcher) Close() {
	w.s.mu.Lock()
	delete(w.s.watchers, w)
	w.s.mu.Unlock()
	w.close()
}

// WaitFor blocks until pred holds for the current snapshot, re-checking after
// every committed change.
func (s *Store) WaitFor(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	w := s.Watch()
	defer w.Close()
	for {
		if snap := s.Snapshot(); pred(snap) {
			return snap, nil
		}
		if _, err := w.Next(ctx); err != nil {
			return Snapshot{}, err
		}
	}
}
