package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	logx "msgrouter/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.impressions.jsonl (append-only JSON Lines)
//   - <prefix>.prefs.json        (snapshot, rewritten on every change)
//
// The impression journal is rewritten when pruned.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	journalPath string
	journal     *os.File
	imps        []Impression

	prefsPath string
	prefs     map[string]json.RawMessage
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	journalPath := prefix + ".impressions.jsonl"
	prefsPath := prefix + ".prefs.json"

	imps, err := replayImpressions(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	prefs := map[string]json.RawMessage{}
	if err := loadPrefs(prefsPath, prefs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("prefs snapshot unreadable; starting empty", logx.Err(err))
		prefs = map[string]json.RawMessage{}
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:         log,
		journalPath: journalPath,
		journal:     jf,
		imps:        imps,
		prefsPath:   prefsPath,
		prefs:       prefs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) AppendImpression(ctx context.Context, imp Impression) error {
	_ = ctx
	if err := validImpression(imp); err != nil {
		return err
	}
	imp.Categories = slices.Clone(imp.Categories)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(imp); err != nil {
		return err
	}
	s.imps = insertByTime(s.imps, imp)
	return nil
}

func (s *fileStore) Impressions(ctx context.Context, since time.Time) ([]Impression, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	i := sort.Search(len(s.imps), func(i int) bool { return !s.imps[i].At.Before(since) })
	return slices.Clone(s.imps[i:]), nil
}

func (s *fileStore) PruneImpressions(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	i := sort.Search(len(s.imps), func(i int) bool { return !s.imps[i].At.Before(before) })
	if i == 0 {
		return 0, nil
	}
	keep := slices.Clone(s.imps[i:])
	if err := s.rewriteJournalLocked(keep); err != nil {
		return 0, err
	}
	s.imps = keep
	return i, nil
}

func (s *fileStore) rewriteJournalLocked(keep []Impression) error {
	tmp := s.journalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, imp := range keep {
		if err := enc.Encode(imp); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = s.journal.Close()
	if err := os.Rename(tmp, s.journalPath); err != nil {
		return err
	}
	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.journal = nil
		return err
	}
	s.journal = jf
	return nil
}

func (s *fileStore) SetPref(ctx context.Context, key string, value []byte) error {
	_ = ctx
	if key == "" {
		return ErrEmptyKey
	}
	if !json.Valid(value) {
		// Prefs are stored inline in the JSON snapshot; wrap non-JSON as a string.
		b, err := json.Marshal(string(value))
		if err != nil {
			return err
		}
		value = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	prev, had := s.prefs[key]
	s.prefs[key] = slices.Clone(value)
	if err := s.writePrefsLocked(); err != nil {
		if had {
			s.prefs[key] = prev
		} else {
			delete(s.prefs, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) GetPref(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, false, ErrClosed
	}
	v, ok := s.prefs[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone([]byte(v)), true, nil
}

func (s *fileStore) ClearPref(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	prev, had := s.prefs[key]
	if !had {
		return nil
	}
	delete(s.prefs, key)
	if err := s.writePrefsLocked(); err != nil {
		s.prefs[key] = prev
		return err
	}
	return nil
}

func (s *fileStore) writePrefsLocked() error {
	tmp := s.prefsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.prefs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.prefsPath)
}

func loadPrefs(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayImpressions(path string) ([]Impression, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Impression
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for s.Scan() {
		var imp Impression
		if err := json.Unmarshal(s.Bytes(), &imp); err != nil {
			// A torn final line after a crash is skipped.
			continue
		}
		if imp.MessageID == "" {
			continue
		}
		out = insertByTime(out, imp)
	}
	return out, s.Err()
}
