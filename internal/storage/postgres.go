package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "msgrouter/pkg/logx"
)

//go:embed postgres.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 4
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) AppendImpression(ctx context.Context, imp Impression) error {
	if err := validImpression(imp); err != nil {
		return err
	}
	cats := imp.Categories
	if cats == nil {
		cats = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO msgrouter_impressions(id, message_id, categories, at) VALUES($1,$2,$3,$4)
		 ON CONFLICT(id) DO NOTHING`,
		imp.ID, imp.MessageID, cats, imp.At,
	)
	return err
}

func (s *postgresStore) Impressions(ctx context.Context, since time.Time) ([]Impression, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, categories, at FROM msgrouter_impressions WHERE at >= $1 ORDER BY at, id`,
		since,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Impression, error) {
		var imp Impression
		err := row.Scan(&imp.ID, &imp.MessageID, &imp.Categories, &imp.At)
		if len(imp.Categories) == 0 {
			imp.Categories = nil
		}
		return imp, err
	})
}

func (s *postgresStore) PruneImpressions(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM msgrouter_impressions WHERE at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) SetPref(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO msgrouter_prefs(key, value, updated_at) VALUES($1,$2,now())
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value,
	)
	return err
}

func (s *postgresStore) GetPref(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM msgrouter_prefs WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *postgresStore) ClearPref(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM msgrouter_prefs WHERE key = $1`, key)
	return err
}
