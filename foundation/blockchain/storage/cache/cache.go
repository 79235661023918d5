// Package cache provides a read through LRU cache in front of any blockchain
// store.
package cache

import (
	"context"
	"fmt"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store caches blocks by number on top of another store. Writes go through
// to the wrapped store first and only then touch the cache. Cached blocks
// never share leaf lists with callers.
type Store struct {
	store storage.Store
	lru   *lru.Cache[uint64, block.Block]
}

// New wraps store with a cache holding up to size blocks.
func New(store storage.Store, size int) (*Store, error) {
	l, err := lru.New[uint64, block.Block](size)
	if err != nil {
		return nil, fmt.Errorf("constructing lru: %w", err)
	}

	return &Store{store: store, lru: l}, nil
}

// Close closes the wrapped store.
func (s *Store) Close() error {
	s.lru.Purge()
	return s.store.Close()
}

// Store appends the block and caches it.
func (s *Store) Store(ctx context.Context, b block.Block) (block.Block, error) {
	stored, err := s.store.Store(ctx, b)
	if err != nil {
		return block.Block{}, err
	}

	s.lru.Add(stored.Number, stored.Clone())

	return stored, nil
}

// Read returns the block from the cache or loads it from the wrapped store.
func (s *Store) Read(ctx context.Context, number uint64) (*block.Block, error) {
	if b, exists := s.lru.Get(number); exists {
		b = b.Clone()
		return &b, nil
	}

	b, err := s.store.Read(ctx, number)
	if err != nil || b == nil {
		return b, err
	}

	s.lru.Add(number, b.Clone())

	return b, nil
}

// Head returns the block offset positions below the head.
func (s *Store) Head(ctx context.Context, offset uint64) (*block.Block, error) {
	height, err := s.store.Height(ctx)
	if err != nil {
		return nil, err
	}

	number, exists := storage.HeadNumber(height, offset)
	if !exists {
		return nil, nil
	}

	return s.Read(ctx, number)
}

// HeadRange returns up to count blocks ending at the head.
func (s *Store) HeadRange(ctx context.Context, count uint64) ([]block.Block, error) {
	return s.store.HeadRange(ctx, count)
}

// Height returns the height of the wrapped store.
func (s *Store) Height(ctx context.Context) (uint64, error) {
	return s.store.Height(ctx)
}

// Revert reverts the wrapped store and evicts the reverted block.
func (s *Store) Revert(ctx context.Context) (*block.Block, error) {
	b, err := s.store.Revert(ctx)
	if err != nil {
		return nil, err
	}

	s.lru.Remove(b.Number)

	return b, nil
}

// Len returns the number of cached blocks.
func (s *Store) Len() int {
	return s.lru.Len()
}

// Unwrap returns the wrapped store so callers can reach the queries only
// some stores provide.
func (s *Store) Unwrap() storage.Store {
	return s.store
}
