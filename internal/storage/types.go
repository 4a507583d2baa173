package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed    = errors.New("storage closed")
	ErrEmptyKey  = errors.New("storage: key is required")
	ErrNoMessage = errors.New("storage: impression message id is required")
)

// Config configures storage.
//
// Driver values:
//   - "" or "memory": in-process store
//   - "file": Path names the file prefix (<dir>/<name>.impressions.jsonl, <dir>/<name>.prefs.json)
//   - "sqlite": Path names the database file
//   - "redis": URL is a redis:// URL; keys are prefixed with Namespace
//   - "postgres": DSN is a pgx connection string
type Config struct {
	Driver      string
	Path        string
	URL         string
	DSN         string
	Namespace   string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means default
}

// Impression records one successful dispatch.
// Keep it compact and schema-stable.
type Impression struct {
	ID         int64     `json:"id"`
	MessageID  string    `json:"message_id"`
	Categories []string  `json:"categories,omitempty"`
	At         time.Time `json:"at"`
}

// Store is the persistence API used by the cap tracker and the hubs.
type Store interface {
	AppendImpression(ctx context.Context, imp Impression) error
	// Impressions returns impressions at or after since, oldest first.
	Impressions(ctx context.Context, since time.Time) ([]Impression, error)
	// PruneImpressions deletes impressions strictly before before.
	PruneImpressions(ctx context.Context, before time.Time) (int, error)

	SetPref(ctx context.Context, key string, value []byte) error
	GetPref(ctx context.Context, key string) (value []byte, ok bool, err error)
	ClearPref(ctx context.Context, key string) error

	Close() error
}

func validImpression(imp Impression) error {
	if imp.MessageID == "" {
		return ErrNoMessage
	}
	return nil
}
