// Package backend opens a blockchain store by the name configured for the
// deployment.
package backend

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/badger"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/cache"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/disk"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/leveldb"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/memory"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/sqlite"
)

// List of the supported store kinds.
const (
	KindMemory  = "memory"
	KindDisk    = "disk"
	KindSQLite  = "sqlite"
	KindLevelDB = "leveldb"
	KindBadger  = "badger"
)

// Config selects and locates a store. A positive CacheSize puts an LRU cache
// of that many blocks in front of the store.
type Config struct {
	Kind      string
	Path      string
	CacheSize int
}

// OpenFunc defines a function that opens one kind of store at a path.
type OpenFunc func(ctx context.Context, path string) (storage.Store, error)

// Map of store kinds with the functions opening them.
var kinds = map[string]OpenFunc{
	KindMemory: func(ctx context.Context, path string) (storage.Store, error) {
		return memory.New(), nil
	},
	KindDisk: func(ctx context.Context, path string) (storage.Store, error) {
		return disk.New(path)
	},
	KindSQLite: func(ctx context.Context, path string) (storage.Store, error) {
		return sqlite.New(path)
	},
	KindLevelDB: func(ctx context.Context, path string) (storage.Store, error) {
		return leveldb.New(path)
	},
	KindBadger: func(ctx context.Context, path string) (storage.Store, error) {
		return badger.New(path)
	},
}

// Kinds returns the supported store kinds in sorted order.
func Kinds() []string {
	return slices.Sorted(maps.Keys(kinds))
}

// Retrieve returns the function opening the specified kind of store.
func Retrieve(kind string) (OpenFunc, error) {
	fn, exists := kinds[kind]
	if !exists {
		return nil, fmt.Errorf("store kind %q does not exist", kind)
	}
	return fn, nil
}

// Open opens the store described by cfg.
func Open(ctx context.Context, cfg Config) (storage.Store, error) {
	open, err := Retrieve(cfg.Kind)
	if err != nil {
		return nil, err
	}

	store, err := open(ctx, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Kind, err)
	}

	if cfg.CacheSize <= 0 {
		return store, nil
	}

	cached, err := cache.New(store, cfg.CacheSize)
	if err != nil {
		store.Close()
		return nil, err
	}

	return cached, nil
}
