package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoSource = errors.New("provider: no source configured")

// Batch is one fetch result: raw records in source order plus the source's
// last-modified marker at fetch time.
type Batch struct {
	Records      []json.RawMessage
	LastModified int64
}

// Source serves the records of a bucket (a remote collection, or a local
// provider's fixed list).
type Source interface {
	Fetch(ctx context.Context, bucket string) (Batch, error)
	// LastModified returns a marker that changes whenever the bucket does.
	LastModified(ctx context.Context, bucket string) (int64, error)
}

// parseRecords accepts a bare JSON array of records, or an envelope with a
// "data" (remote settings) or "messages" list.
func parseRecords(b []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var out []json.RawMessage
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, fmt.Errorf("parse records: %w", err)
		}
		return out, nil
	}
	var env struct {
		Data     []json.RawMessage `json:"data"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}
	if env.Data != nil {
		return env.Data, nil
	}
	return env.Messages, nil
}
