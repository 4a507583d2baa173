package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"msgrouter/internal/config"
)

// StaticSource serves a fixed list of records for local providers. The
// bucket argument is ignored.
type StaticSource struct {
	records []json.RawMessage
}

func NewStaticSource(records []json.RawMessage) *StaticSource {
	return &StaticSource{records: slices.Clone(records)}
}

func (s *StaticSource) Fetch(context.Context, string) (Batch, error) {
	return Batch{Records: slices.Clone(s.records)}, nil
}

func (s *StaticSource) LastModified(context.Context, string) (int64, error) { return 0, nil }

// FileSource reads records from a YAML or JSON file on every fetch. Its
// marker is the file modification time.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource { return &FileSource{path: path} }

func (s *FileSource) Fetch(ctx context.Context, _ string) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	st, err := os.Stat(s.path)
	if err != nil {
		return Batch{}, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return Batch{}, err
	}
	jb, _, err := config.CoerceToJSON(s.path, b)
	if err != nil {
		return Batch{}, fmt.Errorf("%s: %w", s.path, err)
	}
	recs, err := parseRecords(jb)
	if err != nil {
		return Batch{}, fmt.Errorf("%s: %w", s.path, err)
	}
	return Batch{Records: recs, LastModified: st.ModTime().UnixMilli()}, nil
}

func (s *FileSource) LastModified(context.Context, string) (int64, error) {
	st, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return st.ModTime().UnixMilli(), nil
}
