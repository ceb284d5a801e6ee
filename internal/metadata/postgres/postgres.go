// Package postgres provides a PostgreSQL-backed metadata KV with metrics.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// Store is a PostgreSQL metadata KV. All records live in one table keyed
// by the raw metadata key; version is bumped on every write.
type Store struct {
	db *sql.DB
}

var _ metadata.KV = (*Store)(nil)

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs the embedded SQL migrations in file name order.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", f))
		content, err := migrationsFS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// Get returns the value and version stored under key.
func (s *Store) Get(ctx context.Context, key string) (*metadata.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("kv_get", time.Since(start)) }()

	var e metadata.Entry
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM records WHERE key = $1`, []byte(key),
	).Scan(&e.Value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", key, err)
	}
	e.Version = uint64(version)
	return &e, nil
}

// Commit applies muts in one transaction.
func (s *Store) Commit(ctx context.Context, muts ...metadata.Mutation) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("kv_commit", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, m := range muts {
		ok, err := apply(ctx, tx, m)
		if err != nil {
			return fmt.Errorf("apply %s: %w", m.Key, err)
		}
		if !ok {
			return metadata.ErrVersionMismatch
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// apply executes one mutation and reports whether its version expectation held.
func apply(ctx context.Context, tx *sql.Tx, m metadata.Mutation) (bool, error) {
	key := []byte(m.Key)
	var (
		res sql.Result
		err error
	)
	switch {
	case m.Expect == nil && m.Value == nil:
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE key = $1`, key)
		return true, err

	case m.Expect == nil:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE
			 SET value = EXCLUDED.value, version = records.version + 1, updated_at = NOW()`,
			key, m.Value)
		return true, err

	case *m.Expect == 0 && m.Value == nil:
		var exists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM records WHERE key = $1)`, key).Scan(&exists)
		return !exists, err

	case *m.Expect == 0:
		res, err = tx.ExecContext(ctx,
			`INSERT INTO records (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
			key, m.Value)

	case m.Value == nil:
		res, err = tx.ExecContext(ctx,
			`DELETE FROM records WHERE key = $1 AND version = $2`, key, int64(*m.Expect))

	default:
		res, err = tx.ExecContext(ctx,
			`UPDATE records SET value = $2, version = version + 1, updated_at = NOW()
			 WHERE key = $1 AND version = $3`,
			key, m.Value, int64(*m.Expect))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Scan iterates keys under prefix in byte order.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(string, *metadata.Entry) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("kv_scan", time.Since(start)) }()

	query := `SELECT key, value, version FROM records WHERE key >= $1 ORDER BY key`
	args := []any{[]byte(prefix)}
	if end := prefixEnd([]byte(prefix)); end != nil {
		query = `SELECT key, value, version FROM records WHERE key >= $1 AND key < $2 ORDER BY key`
		args = append(args, end)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("scan %q: %w", prefix, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key []byte
		var e metadata.Entry
		var version int64
		if err := rows.Scan(&key, &e.Value, &version); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		e.Version = uint64(version)
		if err := fn(string(key), &e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such bound exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
