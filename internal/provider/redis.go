package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads collections from Redis:
//
//	<ns>:collection:<bucket>                HASH  record id -> record JSON
//	<ns>:collection:<bucket>:last_modified  STRING Unix ms
//
// Records are returned ordered by id, so fetches are deterministic.
type RedisSource struct {
	rdb redis.UniversalClient
	ns  string
}

func NewRedisSource(rdb redis.UniversalClient, namespace string) *RedisSource {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = "msgrouter"
	}
	return &RedisSource{rdb: rdb, ns: ns}
}

func (s *RedisSource) key(bucket string) string { return s.ns + ":collection:" + bucket }

func (s *RedisSource) Fetch(ctx context.Context, bucket string) (Batch, error) {
	var (
		hget *redis.MapStringStringCmd
		lm   *redis.StringCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		hget = p.HGetAll(ctx, s.key(bucket))
		lm = p.Get(ctx, s.key(bucket)+":last_modified")
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Batch{}, fmt.Errorf("redis fetch %s: %w", bucket, err)
	}
	m, err := hget.Result()
	if err != nil {
		return Batch{}, fmt.Errorf("redis fetch %s: %w", bucket, err)
	}
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	recs := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, json.RawMessage(m[id]))
	}
	marker, err := parseMarker(lm)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Records: recs, LastModified: marker}, nil
}

func (s *RedisSource) LastModified(ctx context.Context, bucket string) (int64, error) {
	return parseMarker(s.rdb.Get(ctx, s.key(bucket)+":last_modified"))
}

// Publish stores records for bucket and bumps its marker in one transaction.
func (s *RedisSource) Publish(ctx context.Context, bucket string, records []json.RawMessage, lastModified int64) error {
	fields := make([]any, 0, 2*len(records))
	for _, r := range records {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(r, &head); err != nil || head.ID == "" {
			return ErrRecordID
		}
		fields = append(fields, head.ID, string(r))
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key(bucket))
		if len(fields) > 0 {
			p.HSet(ctx, s.key(bucket), fields...)
		}
		p.Set(ctx, s.key(bucket)+":last_modified", lastModified, 0)
		return nil
	})
	return err
}

func parseMarker(cmd *redis.StringCmd) (int64, error) {
	v, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid last_modified marker %q", v)
	}
	return n, nil
}
