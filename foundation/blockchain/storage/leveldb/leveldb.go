// Package leveldb implements the blockchain store on LevelDB with one key
// per block number.
package leveldb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/syndtr/goleveldb/leveldb"
	ldbErrors "github.com/syndtr/goleveldb/leveldb/errors"
	ldbStorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// blockPrefix namespaces block keys. The number follows as 8 big endian
// bytes so key order is number order.
var blockPrefix = []byte("b/")

// Store is a LevelDB backed implementation of storage.Store.
type Store struct {
	db *leveldb.DB
	mu sync.Mutex
}

// New opens or creates the database at path. An empty path keeps the
// database in memory.
func New(path string) (*Store, error) {
	if path == "" {
		db, err := leveldb.Open(ldbStorage.NewMemStorage(), nil)
		if err != nil {
			return nil, fmt.Errorf("opening memory leveldb: %w", err)
		}
		return &Store{db: db}, nil
	}

	db, err := leveldb.OpenFile(path, nil)

	var corrupted *ldbErrors.ErrCorrupted
	if errors.As(err, &corrupted) {
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("opening leveldb at %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store puts the block at the head.
func (s *Store) Store(ctx context.Context, b block.Block) (block.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	height, err := s.height()
	if err != nil {
		return block.Block{}, err
	}

	if b.Number != height {
		return block.Block{}, fmt.Errorf("storing block %d at height %d: %w", b.Number, height, storage.ErrNonContiguous)
	}

	data, err := json.Marshal(b)
	if err != nil {
		return block.Block{}, fmt.Errorf("encoding block %d: %w", b.Number, err)
	}

	if err := s.db.Put(key(b.Number), data, nil); err != nil {
		return block.Block{}, fmt.Errorf("putting block %d: %w", b.Number, err)
	}

	return b, nil
}

// Read returns the block with the given number.
func (s *Store) Read(ctx context.Context, number uint64) (*block.Block, error) {
	data, err := s.db.Get(key(number), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting block %d: %w", number, err)
	}

	return decode(data)
}

// Head returns the block offset positions below the head.
func (s *Store) Head(ctx context.Context, offset uint64) (*block.Block, error) {
	height, err := s.height()
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
	height, err := s.height()
	if err != nil {
		return nil, err
	}

	start := storage.RangeStart(height, count)
	if start == height {
		return nil, nil
	}

	iter := s.db.NewIterator(&util.Range{Start: key(start), Limit: key(height)}, nil)
	defer iter.Release()

	blocks := make([]block.Block, 0, height-start)
	for iter.Next() {
		b, err := decode(iter.Value())
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, *b)
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating blocks: %w", err)
	}

	return blocks, nil
}

// Height returns the number of stored blocks.
func (s *Store) Height(ctx context.Context) (uint64, error) {
	return s.height()
}

// Revert deletes and returns the head block.
func (s *Store) Revert(ctx context.Context) (*block.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	height, err := s.height()
	if err != nil {
		return nil, err
	}

	if height == 0 {
		return nil, fmt.Errorf("reverting: %w", storage.ErrEmptyChain)
	}

	b, err := s.Read(ctx, height-1)
	if err != nil {
		return nil, err
	}

	if err := s.db.Delete(key(height-1), nil); err != nil {
		return nil, fmt.Errorf("deleting block %d: %w", height-1, err)
	}

	return b, nil
}

// =============================================================================

// height derives the chain height from the last block key.
func (s *Store) height() (uint64, error) {
	iter := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return 0, fmt.Errorf("seeking head: %w", err)
		}
		return 0, nil
	}

	return number(iter.Key()) + 1, nil
}

func key(number uint64) []byte {
	k := make([]byte, len(blockPrefix)+8)
	copy(k, blockPrefix)
	binary.BigEndian.PutUint64(k[len(blockPrefix):], number)
	return k
}

func number(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(blockPrefix):])
}

func decode(data []byte) (*block.Block, error) {
	var b block.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding block: %w", err)
	}

	return &b, nil
}
