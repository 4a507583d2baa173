// Package storage persists impressions and hub effects (prefs).
//
// Drivers:
//   - memory: in-process, lost on restart (default)
//   - file: JSON Lines impression journal plus a JSON prefs snapshot
//   - sqlite: modernc.org/sqlite with embedded migrations
//   - redis: sorted set of impressions scored by time, prefs in a hash
//   - postgres: pgx connection pool
package storage
