// Package msgstore holds the merged set of candidate messages.
//
// Replace is the single mutation point. Each call swaps one provider's subset
// atomically: readers take an immutable Snapshot and never observe a torn or
// duplicated state. Every replace that changes the merged set produces exactly
// one Change, delivered to each watcher in commit order without skipping.
package msgstore

import (
	"errors"
	"slices"
	"sync"

	"msgrouter/internal/eventbus"
	"msgrouter/internal/message"
	logx "msgrouter/pkg/logx"
)

var (
	ErrClosed          = errors.New("msgstore: closed")
	ErrEmptyProviderID = errors.New("msgstore: provider id is required")
)

// Snapshot is an immutable view of the merged set, ordered by ascending LoadSeq.
type Snapshot struct {
	Version  uint64
	messages []message.Message
}

func (s Snapshot) Len() int { return len(s.messages) }

// Messages returns the ordered messages. Callers must not modify the result.
func (s Snapshot) Messages() []message.Message { return s.messages }

// Get returns the message with the given id.
func (s Snapshot) Get(id string) (message.Message, bool) {
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return message.Message{}, false
}

// IDs returns message ids in snapshot order.
func (s Snapshot) IDs() []string {
	out := make([]string, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.ID
	}
	return out
}

// Change describes one committed replace.
type Change struct {
	Version  uint64
	Provider string
	Added    []string
	Removed  []string
	Updated  []string
	Size     int
}

// Store is safe for concurrent use.
type Store struct {
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	snap     Snapshot
	owner    map[string]string // message id -> provider id
	seq      uint64
	watchers map[*Watcher]struct{}
	closed   bool
}

func New(log logx.Logger, bus eventbus.Bus) *Store {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Store{
		log:      log,
		bus:      bus,
		owner:    map[string]string{},
		watchers: map[*Watcher]struct{}{},
	}
}

// Snapshot returns the current merged set.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Replace swaps the messages owned by providerID for msgs. Duplicate ids in
// msgs resolve to the last occurrence. An id already owned by another
// provider moves to providerID. A nil or empty msgs removes the provider's
// subset. changed is false when the merged set is structurally unchanged.
func (s *Store) Replace(providerID string, msgs []message.Message) (ch Change, changed bool, err error) {
	if providerID == "" {
		return Change{}, false, ErrEmptyProviderID
	}
	incoming := dedupe(msgs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Change{}, false, ErrClosed
	}

	old := s.snap.messages
	byID := make(map[string]int, len(old))
	for i, m := range old {
		byID[m.ID] = i
	}
	inBatch := make(map[string]struct{}, len(incoming))
	for _, m := range incoming {
		inBatch[m.ID] = struct{}{}
	}

	ch = Change{Provider: providerID}
	next := make([]message.Message, 0, len(old)+len(incoming))
	for _, m := range old {
		if _, replaced := inBatch[m.ID]; replaced {
			continue
		}
		if s.owner[m.ID] == providerID {
			ch.Removed = append(ch.Removed, m.ID)
			continue
		}
		next = append(next, m)
	}

	var fresh []message.Message
	for _, m := range incoming {
		m.Provider = providerID
		if i, ok := byID[m.ID]; ok && s.owner[m.ID] == providerID && old[i].Equal(m) {
			// Unchanged messages keep their load order.
			next = append(next, old[i])
			continue
		}
		if _, ok := byID[m.ID]; ok {
			ch.Updated = append(ch.Updated, m.ID)
		} else {
			ch.Added = append(ch.Added, m.ID)
		}
		fresh = append(fresh, m)
	}
	if len(ch.Added)+len(ch.Removed)+len(ch.Updated) == 0 {
		return Change{}, false, nil
	}
	for i := range fresh {
		s.seq++
		fresh[i].LoadSeq = s.seq
	}
	next = append(next, fresh...)
	slices.SortFunc(next, func(a, b message.Message) int {
		switch {
		case a.LoadSeq < b.LoadSeq:
			return -1
		case a.LoadSeq > b.LoadSeq:
			return 1
		}
		return 0
	})

	for _, id := range ch.Removed {
		delete(s.owner, id)
	}
	for _, m := range incoming {
		s.owner[m.ID] = providerID
	}
	s.snap = Snapshot{Version: s.snap.Version + 1, messages: next}
	ch.Version = s.snap.Version
	ch.Size = len(next)

	for w := range s.watchers {
		w.push(ch)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeStoreChanged, Data: ch})
	s.log.Debug("store changed",
		logx.Provider(providerID),
		logx.Uint64("version", ch.Version),
		logx.Int("added", len(ch.Added)),
		logx.Int("removed", len(ch.Removed)),
		logx.Int("updated", len(ch.Updated)),
		logx.Int("size", ch.Size),
	)
	return ch, true, nil
}

// Remove drops every message owned by providerID.
func (s *Store) Remove(providerID string) (Change, bool, error) {
	return s.Replace(providerID, nil)
}

// Close stops all watchers. Further replaces fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for w := range s.watchers {
		w.close()
		delete(s.watchers, w)
	}
}

func dedupe(msgs []message.Message) []message.Message {
	if len(msgs) == 0 {
		return nil
	}
	last := make(map[string]int, len(msgs))
	for i, m := range msgs {
		last[m.ID] = i
	}
	out := make([]message.Message, 0, len(last))
	for i, m := range msgs {
		if last[m.ID] == i {
			out = append(out, m.Clone())
		}
	}
	return out
}
