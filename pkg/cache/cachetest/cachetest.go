// Package cachetest provides a behavioral test suite that every
// cache.Storage backend must pass.
package cachetest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/himmam-offline/pkg/cache"
)

// Factory returns a fresh, empty storage for one subtest.
type Factory func(t *testing.T) cache.Storage

// Entry builds a 200 entry with the given body.
func Entry(body string) *cache.Entry {
	return &cache.Entry{
		Body:       []byte(body),
		StatusCode: http.StatusOK,
		StatusText: "OK",
		Headers:    http.Header{"Content-Type": []string{"text/plain"}},
		CachedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

// RunStorageTests runs the storage contract against newStorage.
func RunStorageTests(t *testing.T, newStorage Factory) {
	t.Helper()

	t.Run("put_and_match", func(t *testing.T) {
		ctx := context.Background()
		store := open(t, newStorage(t), "primary")

		want := Entry(`{"test": "data"}`)
		if err := store.Put(ctx, "https://academy.test/a", want); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := store.Match(ctx, "https://academy.test/a")
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if string(got.Body) != string(want.Body) {
			t.Errorf("Body mismatch: got %s, want %s", got.Body, want.Body)
		}
		if got.StatusCode != want.StatusCode {
			t.Errorf("StatusCode mismatch: got %d, want %d", got.StatusCode, want.StatusCode)
		}
		if got.StatusText != want.StatusText {
			t.Errorf("StatusText mismatch: got %q, want %q", got.StatusText, want.StatusText)
		}
		if got.Headers.Get("Content-Type") != "text/plain" {
			t.Errorf("Content-Type mismatch: got %q", got.Headers.Get("Content-Type"))
		}
	})

	t.Run("match_miss", func(t *testing.T) {
		store := open(t, newStorage(t), "primary")

		_, err := store.Match(context.Background(), "https://academy.test/missing")
		if !errors.Is(err, cache.ErrCacheMiss) {
			t.Errorf("Expected ErrCacheMiss, got %v", err)
		}
	})

	t.Run("put_overwrites", func(t *testing.T) {
		ctx := context.Background()
		store := open(t, newStorage(t), "offline")

		mustPut(t, store, "lesson-L1", Entry("first"))
		mustPut(t, store, "lesson-L1", Entry("second"))

		got, err := store.Match(ctx, "lesson-L1")
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if string(got.Body) != "second" {
			t.Errorf("Body = %s, want second", got.Body)
		}

		keys, err := store.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 1 {
			t.Errorf("Keys = %v, want exactly one key", keys)
		}
	})

	t.Run("keys_in_insertion_order", func(t *testing.T) {
		ctx := context.Background()
		store := open(t, newStorage(t), "offline")

		want := []string{"lesson-1", "https://academy.test/doc.pdf", "lesson-2"}
		for _, k := range want {
			mustPut(t, store, k, Entry(k))
			time.Sleep(time.Millisecond)
		}

		keys, err := store.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != len(want) {
			t.Fatalf("Keys = %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("Keys[%d] = %s, want %s", i, keys[i], want[i])
			}
		}
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		store := open(t, newStorage(t), "video")

		mustPut(t, store, "https://academy.test/v.mp4", Entry("video"))

		deleted, err := store.Delete(ctx, "https://academy.test/v.mp4")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if !deleted {
			t.Error("Delete reported nothing removed")
		}

		if _, err := store.Match(ctx, "https://academy.test/v.mp4"); !errors.Is(err, cache.ErrCacheMiss) {
			t.Errorf("Expected ErrCacheMiss after delete, got %v", err)
		}

		deleted, err = store.Delete(ctx, "https://academy.test/v.mp4")
		if err != nil {
			t.Fatalf("second Delete failed: %v", err)
		}
		if deleted {
			t.Error("second Delete reported a removal")
		}
	})

	t.Run("stores_are_isolated", func(t *testing.T) {
		ctx := context.Background()
		storage := newStorage(t)
		a := open(t, storage, "a")
		b := open(t, storage, "b")

		mustPut(t, a, "k", Entry("in a"))

		if _, err := b.Match(ctx, "k"); !errors.Is(err, cache.ErrCacheMiss) {
			t.Errorf("Expected ErrCacheMiss in store b, got %v", err)
		}

		got, err := cache.MatchAny(ctx, storage, "k")
		if err != nil {
			t.Fatalf("MatchAny failed: %v", err)
		}
		if string(got.Body) != "in a" {
			t.Errorf("MatchAny body = %s, want 'in a'", got.Body)
		}
	})

	t.Run("names_and_drop", func(t *testing.T) {
		ctx := context.Background()
		storage := newStorage(t)

		for _, name := range []string{"old-v0", "himmam-academy-v1"} {
			open(t, storage, name)
			time.Sleep(time.Millisecond)
		}
		stale := open(t, storage, "old-v0")
		mustPut(t, stale, "k", Entry("stale"))

		names, err := storage.Names(ctx)
		if err != nil {
			t.Fatalf("Names failed: %v", err)
		}
		if len(names) != 2 || names[0] != "old-v0" || names[1] != "himmam-academy-v1" {
			t.Errorf("Names = %v, want [old-v0 himmam-academy-v1]", names)
		}

		dropped, err := storage.Drop(ctx, "old-v0")
		if err != nil {
			t.Fatalf("Drop failed: %v", err)
		}
		if !dropped {
			t.Error("Drop reported store missing")
		}

		names, err = storage.Names(ctx)
		if err != nil {
			t.Fatalf("Names failed: %v", err)
		}
		if len(names) != 1 || names[0] != "himmam-academy-v1" {
			t.Errorf("Names after drop = %v", names)
		}

		reopened := open(t, storage, "old-v0")
		if _, err := reopened.Match(ctx, "k"); !errors.Is(err, cache.ErrCacheMiss) {
			t.Errorf("Expected dropped entries to be gone, got %v", err)
		}

		dropped, err = storage.Drop(ctx, "never-existed")
		if err != nil {
			t.Fatalf("Drop of missing store failed: %v", err)
		}
		if dropped {
			t.Error("Drop of missing store reported true")
		}
	})

	t.Run("concurrent_puts_last_writer_wins", func(t *testing.T) {
		ctx := context.Background()
		store := open(t, newStorage(t), "primary")

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := store.Put(ctx, "https://academy.test/race", Entry("same")); err != nil {
					t.Errorf("Put failed: %v", err)
				}
			}()
		}
		wg.Wait()

		keys, err := store.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 1 {
			t.Errorf("Keys = %v, want one key", keys)
		}
	})
}

func open(t *testing.T, storage cache.Storage, name string) cache.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", name, err)
	}
	return store
}

func mustPut(t *testing.T, store cache.Store, key string, entry *cache.Entry) {
	t.Helper()
	if err := store.Put(context.Background(), key, entry); err != nil {
		t.Fatalf("Put(%q) failed: %v", key, err)
	}
}
