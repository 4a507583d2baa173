package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.Mutex
	imps   []Impression // ordered by At
	prefs  map[string][]byte
	closed bool
}

// NewMemory returns an in-process Store.
func NewMemory() Store {
	return &memoryStore{prefs: map[string][]byte{}}
}

func (s *memoryStore) AppendImpression(ctx context.Context, imp Impression) error {
	_ = ctx
	if err := validImpression(imp); err != nil {
		return err
	}
	imp.Categories = slices.Clone(imp.Categories)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.imps = insertByTime(s.imps, imp)
	return nil
}

func (s *memoryStore) Impressions(ctx context.Context, since time.Time) ([]Impression, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	i := sort.Search(len(s.imps), func(i int) bool { return !s.imps[i].At.Before(since) })
	out := make([]Impression, len(s.imps)-i)
	copy(out, s.imps[i:])
	return out, nil
}

func (s *memoryStore) PruneImpressions(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	i := sort.Search(len(s.imps), func(i int) bool { return !s.imps[i].At.Before(before) })
	s.imps = slices.Delete(s.imps, 0, i)
	return i, nil
}

func (s *memoryStore) SetPref(ctx context.Context, key string, value []byte) error {
	_ = ctx
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.prefs[key] = slices.Clone(value)
	return nil
}

func (s *memoryStore) GetPref(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.prefs[key]
	return slices.Clone(v), ok, nil
}

func (s *memoryStore) ClearPref(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.prefs, key)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// insertByTime keeps imps sorted by At; equal times keep append order.
func insertByTime(imps []Impression, imp Impression) []Impression {
	n := len(imps)
	if n == 0 || !imp.At.Before(imps[n-1].At) {
		return append(imps, imp)
	}
	i := sort.Search(n, func(i int) bool { return imps[i].At.After(imp.At) })
	return slices.Insert(imps, i, imp)
}
