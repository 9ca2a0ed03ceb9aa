// Package sqlstore implements cache.Storage on top of database/sql.
// SQLite (modernc.org/sqlite) and PostgreSQL (lib/pq) are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Sternrassler/himmam-offline/pkg/cache"
)

// Dialect selects driver-specific SQL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var (
	// ErrPingFailed is returned if the initial ping to the database fails
	ErrPingFailed = errors.New("ping returned error")

	// ErrUnknownDialect is returned for dialects other than sqlite and postgres
	ErrUnknownDialect = errors.New("unknown sql dialect")
)

var schema = map[Dialect][]string{
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS cache_stores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			store TEXT NOT NULL,
			request_key TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			status_text TEXT NOT NULL,
			headers TEXT NOT NULL,
			body BLOB,
			cached_at DATETIME NOT NULL,
			UNIQUE(store, request_key)
		);`,
	},
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS cache_stores (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			id BIGSERIAL PRIMARY KEY,
			store TEXT NOT NULL,
			request_key TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			status_text TEXT NOT NULL,
			headers TEXT NOT NULL,
			body BYTEA,
			cached_at TIMESTAMPTZ NOT NULL,
			UNIQUE(store, request_key)
		);`,
	},
}

const (
	queryRegisterStore = `INSERT INTO cache_stores(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`
	queryListStores    = `SELECT name FROM cache_stores ORDER BY id`
	queryDropStore     = `DELETE FROM cache_stores WHERE name = ?`
	queryDropEntries   = `DELETE FROM cache_entries WHERE store = ?`
	queryFetchEntry    = `SELECT status_code, status_text, headers, body, cached_at FROM cache_entries WHERE store = ? AND request_key = ?`
	queryUpsertEntry   = `INSERT INTO cache_entries(store, request_key, status_code, status_text, headers, body, cached_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store, request_key) DO UPDATE SET
			status_code = excluded.status_code,
			status_text = excluded.status_text,
			headers = excluded.headers,
			body = excluded.body,
			cached_at = excluded.cached_at`
	queryDeleteEntry = `DELETE FROM cache_entries WHERE store = ? AND request_key = ?`
	queryListKeys    = `SELECT request_key FROM cache_entries WHERE store = ? ORDER BY id`
)

// Storage implements cache.Storage with a SQL database.
type Storage struct {
	db      *sql.DB
	dialect Dialect

	now func() time.Time
}

// Open opens dsn with the driver matching dialect and prepares the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Storage, error) {
	if _, ok := schema[dialect]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// a single writer connection avoids SQLITE_BUSY under concurrent puts
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. It verifies the connection and creates the
// tables if they do not exist.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Storage, error) {
	stmts, ok := schema[dialect]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}
	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			return nil, err
		}
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Storage{db: db, dialect: dialect, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) backend() string {
	return string(s.dialect)
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Storage) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Storage) register(ctx context.Context, ex execer, name string) error {
	_, err := ex.ExecContext(ctx, s.rebind(queryRegisterStore), name, s.now().UTC())
	return err
}

// Open returns the named store, creating it if missing.
func (s *Storage) Open(ctx context.Context, name string) (cache.Store, error) {
	if err := s.register(ctx, s.db, name); err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "open").Inc()
		return nil, fmt.Errorf("register store: %w", err)
	}
	return &store{storage: s, name: name}, nil
}

// Names lists stores in creation order.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListStores)
	if err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "names").Inc()
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Drop deletes a store and its entries in one transaction.
func (s *Storage) Drop(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "drop").Inc()
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.rebind(queryDropEntries), name); err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "drop").Inc()
		return false, fmt.Errorf("drop entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(queryDropStore), name)
	if err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "drop").Inc()
		return false, fmt.Errorf("drop store: %w", err)
	}
	if err := tx.Commit(); err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "drop").Inc()
		return false, err
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	cache.StoresDropped.WithLabelValues(s.backend()).Inc()
	return true, nil
}

type store struct {
	storage *Storage
	name    string
}

func (st *store) Name() string { return st.name }

func (st *store) Match(ctx context.Context, key string) (*cache.Entry, error) {
	s := st.storage
	row := s.db.QueryRowContext(ctx, s.rebind(queryFetchEntry), st.name, key)

	var (
		entry   cache.Entry
		headers string
	)
	err := row.Scan(&entry.StatusCode, &entry.StatusText, &headers, &entry.Body, &entry.CachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			cache.CacheMisses.WithLabelValues(s.backend()).Inc()
			return nil, cache.ErrCacheMiss
		}
		cache.CacheErrors.WithLabelValues(s.backend(), "match").Inc()
		return nil, fmt.Errorf("fetch entry: %w", err)
	}

	entry.Headers = http.Header{}
	if err := json.Unmarshal([]byte(headers), &entry.Headers); err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "match").Inc()
		return nil, fmt.Errorf("%w: %v", cache.ErrInvalidEntry, err)
	}

	cache.CacheHits.WithLabelValues(s.backend()).Inc()
	return &entry, nil
}

func (st *store) Put(ctx context.Context, key string, entry *cache.Entry) error {
	if entry == nil {
		return cache.ErrInvalidEntry
	}
	s := st.storage

	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "put").Inc()
		return fmt.Errorf("marshal headers: %w", err)
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "put").Inc()
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.register(ctx, tx, st.name); err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "put").Inc()
		return fmt.Errorf("register store: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(queryUpsertEntry),
		st.name, key, entry.StatusCode, entry.StatusText, string(headers), body, entry.CachedAt.UTC())
	if err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "put").Inc()
		return fmt.Errorf("upsert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "put").Inc()
		return err
	}

	cache.CacheWrites.WithLabelValues(s.backend()).Inc()
	return nil
}

func (st *store) Delete(ctx context.Context, key string) (bool, error) {
	s := st.storage
	res, err := s.db.ExecContext(ctx, s.rebind(queryDeleteEntry), st.name, key)
	if err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "delete").Inc()
		return false, fmt.Errorf("delete entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (st *store) Keys(ctx context.Context) ([]string, error) {
	s := st.storage
	rows, err := s.db.QueryContext(ctx, s.rebind(queryListKeys), st.name)
	if err != nil {
		cache.CacheErrors.WithLabelValues(s.backend(), "keys").Inc()
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
