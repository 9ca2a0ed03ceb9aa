package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/himmam-offline/pkg/cache"
	"github.com/Sternrassler/himmam-offline/pkg/cache/cachetest"
)

func newSQLiteStorage(t *testing.T) *Storage {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(context.Background(), DialectSQLite, dsn)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStorage(t *testing.T) {
	cachetest.RunStorageTests(t, func(t *testing.T) cache.Storage {
		return newSQLiteStorage(t)
	})
}

func TestSQLiteStorage_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "cache.db")

	s, err := Open(ctx, DialectSQLite, dsn)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	store, err := s.Open(ctx, "himmam-offline-v1")
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	if err := store.Put(ctx, "lesson-L1", cachetest.Entry(`{"id":"L1"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(ctx, DialectSQLite, dsn)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	store, _ = s.Open(ctx, "himmam-offline-v1")
	got, err := store.Match(ctx, "lesson-L1")
	if err != nil {
		t.Fatalf("Match after reopen failed: %v", err)
	}
	if string(got.Body) != `{"id":"L1"}` {
		t.Errorf("Body = %s", got.Body)
	}
}

func TestOpen_UnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), Dialect("mysql"), "dsn")
	if !errors.Is(err, ErrUnknownDialect) {
		t.Errorf("Expected ErrUnknownDialect, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		query   string
		want    string
	}{
		{
			dialect: DialectSQLite,
			query:   queryDeleteEntry,
			want:    `DELETE FROM cache_entries WHERE store = ? AND request_key = ?`,
		},
		{
			dialect: DialectPostgres,
			query:   queryDeleteEntry,
			want:    `DELETE FROM cache_entries WHERE store = $1 AND request_key = $2`,
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			s := &Storage{dialect: tt.dialect}
			if got := s.rebind(tt.query); got != tt.want {
				t.Errorf("rebind() = %s, want %s", got, tt.want)
			}
		})
	}
}
