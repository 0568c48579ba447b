package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // register pure-Go sqlite driver
)

// SQLiteStore is a DurableStore backed by a single-file SQLite database.
// Intended for single-node and local development deployments; the in-process
// mutex is the serialization primitive since only one process owns the file.
type SQLiteStore struct {
	db      *stdsql.DB
	blockMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path and prepares
// the kv table. Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := stdsql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows exactly one writer; a larger pool just queues on the
	// file lock and can return SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS run_kv (
			k          TEXT PRIMARY KEY,
			v          BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create run_kv table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Get implements DurableStore.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM run_kv WHERE k = ?`, key).Scan(&value)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Put implements DurableStore.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_kv (k, v) VALUES (?, ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		key, value)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete implements DurableStore.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// List implements DurableStore.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) (map[string][]byte, error) {
	query := `SELECT k, v FROM run_kv WHERE 1=1`
	args := []any{}
	if opts.Prefix != "" {
		query += ` AND k >= ? AND k < ?`
		args = append(args, opts.Prefix, opts.Prefix+"\xff")
	} else {
		if opts.Start != "" {
			query += ` AND k >= ?`
			args = append(args, opts.Start)
		}
		if opts.End != "" {
			query += ` AND k < ?`
			args = append(args, opts.End)
		}
	}
	query += ` ORDER BY k`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("list scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// BlockConcurrency implements DurableStore.
func (s *SQLiteStore) BlockConcurrency(ctx context.Context, fn func(ctx context.Context) error) error {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()
	return fn(ctx)
}
