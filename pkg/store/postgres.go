package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// PostgresStore is a DurableStore backed by a single kv table. Scope is the
// run (or session namespace) the instance is bound to; BlockConcurrency
// takes a scope-keyed advisory lock so replicas sharing the database
// serialize their read-check-write windows.
type PostgresStore struct {
	db      *stdsql.DB
	scope   string
	ownsDB  bool
	blockMu sync.Mutex
}

// LoadPostgresConfigFromEnv loads PostgreSQL settings from the environment.
func LoadPostgresConfigFromEnv() (PostgresConfig, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return PostgresConfig{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"))

	return PostgresConfig{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "runcore"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "runcore"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// OpenPostgres opens a pooled connection and applies migrations.
// The returned DB is shared by all stores created with NewPostgresStore.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*stdsql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// runMigrations applies the embedded migrations against db.
func runMigrations(db *stdsql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NewPostgresStore binds a store instance to a scope (typically the run id).
func NewPostgresStore(db *stdsql.DB, scope string) *PostgresStore {
	return &PostgresStore{db: db, scope: scope}
}

// Get implements DurableStore.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM run_kv WHERE k = $1`, key).Scan(&value)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Put implements DurableStore.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_kv (k, v, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete implements DurableStore.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_kv WHERE k = $1`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// List implements DurableStore.
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) (map[string][]byte, error) {
	query := `SELECT k, v FROM run_kv WHERE 1=1`
	args := []any{}
	n := 0
	if opts.Prefix != "" {
		n++
		query += fmt.Sprintf(` AND k >= $%d`, n)
		args = append(args, opts.Prefix)
		n++
		// Prefix upper bound: append a high sentinel past the prefix range.
		query += fmt.Sprintf(` AND k < $%d`, n)
		args = append(args, opts.Prefix+"\xff")
	} else {
		if opts.Start != "" {
			n++
			query += fmt.Sprintf(` AND k >= $%d`, n)
			args = append(args, opts.Start)
		}
		if opts.End != "" {
			n++
			query += fmt.Sprintf(` AND k < $%d`, n)
			args = append(args, opts.End)
		}
	}
	query += ` ORDER BY k`
	if opts.Limit > 0 {
		n++
		query += fmt.Sprintf(` LIMIT $%d`, n)
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

// BlockConcurrency implements DurableStore. It holds an in-process mutex
// plus a scope-keyed PostgreSQL advisory lock for the duration of fn, so
// read-check-write sequences are serialized even across replicas.
func (s *PostgresStore) BlockConcurrency(ctx context.Context, fn func(ctx context.Context) error) error {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	lockID := scopeLockID(s.scope)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return fmt.Errorf("acquire advisory lock for scope %q: %w", s.scope, err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	return fn(ctx)
}

// scopeLockID hashes a scope string into an advisory lock key.
func scopeLockID(scope string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(scope))
	return int64(h.Sum64())
}
