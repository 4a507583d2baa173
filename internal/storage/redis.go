package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "msgrouter/pkg/logx"
)

// redisStore keeps impressions in a sorted set scored by Unix milliseconds
// and prefs in a hash:
//
//	<ns>:impressions  ZSET  member=impression JSON  score=at
//	<ns>:prefs        HASH  key -> value
type redisStore struct {
	rdb   redis.UniversalClient
	log   logx.Logger
	owned bool

	impKey  string
	prefKey string
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	st := NewRedis(rdb, cfg.Namespace, log).(*redisStore)
	st.owned = true
	return st, nil
}

// NewRedis wraps an existing client. The client is not closed by Close.
func NewRedis(rdb redis.UniversalClient, namespace string, log logx.Logger) Store {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = "msgrouter"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{
		rdb:     rdb,
		log:     log,
		impKey:  ns + ":impressions",
		prefKey: ns + ":prefs",
	}
}

func (s *redisStore) Close() error {
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}

func (s *redisStore) AppendImpression(ctx context.Context, imp Impression) error {
	if err := validImpression(imp); err != nil {
		return err
	}
	b, err := json.Marshal(imp)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.impKey, redis.Z{Score: float64(imp.At.UnixMilli()), Member: string(b)}).Err()
}

func (s *redisStore) Impressions(ctx context.Context, since time.Time) ([]Impression, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.impKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Impression, 0, len(members))
	for _, m := range members {
		var imp Impression
		if err := json.Unmarshal([]byte(m), &imp); err != nil {
			s.log.Warn("skipping malformed impression", logx.Err(err))
			continue
		}
		out = append(out, imp)
	}
	return out, nil
}

func (s *redisStore) PruneImpressions(ctx context.Context, before time.Time) (int, error) {
	n, err := s.rdb.ZRemRangeByScore(ctx, s.impKey, "-inf", "("+strconv.FormatInt(before.UnixMilli(), 10)).Result()
	return int(n), err
}

func (s *redisStore) SetPref(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.rdb.HSet(ctx, s.prefKey, key, value).Err()
}

func (s *redisStore) GetPref(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.rdb.HGet(ctx, s.prefKey, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *redisStore) ClearPref(ctx context.Context, key string) error {
	return s.rdb.HDel(ctx, s.prefKey, key).Err()
}
