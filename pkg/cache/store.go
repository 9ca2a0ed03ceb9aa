package cache

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the store
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrNoStore indicates the named store does not exist
	ErrNoStore = errors.New("cache store not found")
)

// Store is one named key -> response mapping.
type Store interface {
	// Name returns the store name.
	Name() string

	// Match returns the entry stored under key, or ErrCacheMiss.
	Match(ctx context.Context, key string) (*Entry, error)

	// Put stores entry under key, replacing any previous entry wholesale.
	// Writing through a handle whose store was dropped recreates the store
	// unless a new store of that name was opened meanwhile.
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete removes key. It reports whether an entry was present.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys lists the keys in first-insertion order.
	Keys(ctx context.Context) ([]string, error)
}

// Storage addresses stores by name.
type Storage interface {
	// Open returns the named store, creating it if missing.
	Open(ctx context.Context, name string) (Store, error)

	// Names lists existing stores in creation order.
	Names(ctx context.Context) ([]string, error)

	// Drop deletes a store and all of its entries. It reports whether the
	// store existed.
	Drop(ctx context.Context, name string) (bool, error)
}

// StoreNames are the names of the three live stores. Changing a name is how
// a deploy forces its store to be purged on the next activation.
type StoreNames struct {
	Primary string `yaml:"primary" env:"PRIMARY"`
	Offline string `yaml:"offline" env:"OFFLINE"`
	Video   string `yaml:"video" env:"VIDEO"`
}

// DefaultStoreNames returns the current generation of store names.
func DefaultStoreNames() StoreNames {
	return StoreNames{
		Primary: "himmam-academy-v1",
		Offline: "himmam-offline-v1",
		Video:   "himmam-videos-v1",
	}
}

// All returns the names in Primary, Offline, Video order.
func (n StoreNames) All() []string {
	return []string{n.Primary, n.Offline, n.Video}
}

// Contains reports whether name is one of the live names.
func (n StoreNames) Contains(name string) bool {
	return name == n.Primary || name == n.Offline || name == n.Video
}

// Validate checks that all three names are set and distinct.
func (n StoreNames) Validate() error {
	if n.Primary == "" || n.Offline == "" || n.Video == "" {
		return fmt.Errorf("store names must not be empty: %+v", n)
	}
	if n.Primary == n.Offline || n.Primary == n.Video || n.Offline == n.Video {
		return fmt.Errorf("store names must be distinct: %+v", n)
	}
	return nil
}

// MatchAny looks key up in every existing store, in creation order, and
// returns the first hit. Stores are not created by the lookup.
func MatchAny(ctx context.Context, storage Storage, key string) (*Entry, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	for _, name := range names {
		store, err := storage.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open store %q: %w", name, err)
		}
		entry, err := store.Match(ctx, key)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			return nil, err
		}
	}
	return nil, ErrCacheMiss
}
