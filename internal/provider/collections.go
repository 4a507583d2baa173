package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var ErrRecordID = errors.New("provider: record id is required")

// Collections is an in-process remote-collection backend: named buckets of
// records with a last-modified marker. Hosts (and tests) publish records
// with Create, Delete and Clear.
type Collections struct {
	mu      sync.RWMutex
	buckets map[string]*collection
}

type collection struct {
	order        []string
	records      map[string]json.RawMessage
	lastModified int64
}

func NewCollections() *Collections {
	return &Collections{buckets: map[string]*collection{}}
}

func (c *Collections) bucket(name string) *collection {
	b, ok := c.buckets[name]
	if !ok {
		b = &collection{records: map[string]json.RawMessage{}}
		c.buckets[name] = b
	}
	return b
}

// Create adds or replaces a record, keyed by its "id" field.
func (c *Collections) Create(bucket string, record json.RawMessage) error {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(record, &head); err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	if head.ID == "" {
		return ErrRecordID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucket(bucket)
	if _, ok := b.records[head.ID]; !ok {
		b.order = append(b.order, head.ID)
	}
	b.records[head.ID] = slices.Clone(record)
	b.touch()
	return nil
}

// Delete removes one record. Missing records are ignored.
func (c *Collections) Delete(bucket, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucket(bucket)
	if _, ok := b.records[id]; !ok {
		return
	}
	delete(b.records, id)
	b.order = slices.DeleteFunc(b.order, func(s string) bool { return s == id })
	b.touch()
}

// Clear removes every record in bucket.
func (c *Collections) Clear(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucket(bucket)
	b.order = nil
	clear(b.records)
	b.touch()
}

// SaveLastModified sets the bucket marker explicitly.
func (c *Collections) SaveLastModified(bucket string, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(bucket).lastModified = ts
}

func (b *collection) touch() {
	now := time.Now().UnixMilli()
	if now <= b.lastModified {
		now = b.lastModified + 1
	}
	b.lastModified = now
}

func (c *Collections) Fetch(ctx context.Context, bucket string) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buckets[bucket]
	if !ok {
		return Batch{}, nil
	}
	out := make([]json.RawMessage, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, slices.Clone(b.records[id]))
	}
	return Batch{Records: out, LastModified: b.lastModified}, nil
}

func (c *Collections) LastModified(ctx context.Context, bucket string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if b, ok := c.buckets[bucket]; ok {
		return b.lastModified, nil
	}
	return 0, nil
}
