// Package badger implements the blockchain store on BadgerDB with one key
// per block number.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/dgraph-io/badger/v4"
)

// blockPrefix namespaces block keys. The number follows as 8 big endian
// bytes so key order is number order.
var blockPrefix = []byte("b/")

// Store is a BadgerDB backed implementation of storage.Store.
type Store struct {
	db *badger.DB
}

// New opens or creates the database in dir. An empty dir keeps the
// database in memory.
func New(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store sets the block at the head. Badger serializes conflicting
// transactions, so the height check and the write commit together.
func (s *Store) Store(ctx context.Context, b block.Block) (block.Block, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return block.Block{}, fmt.Errorf("encoding block %d: %w", b.Number, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		height, err := height(txn)
		if err != nil {
			return err
		}

		if b.Number != height {
			return fmt.Errorf("storing block %d at height %d: %w", b.Number, height, storage.ErrNonContiguous)
		}

		return txn.Set(key(b.Number), data)
	})
	if err != nil {
		return block.Block{}, err
	}

	return b, nil
}

// Read returns the block with the given number.
func (s *Store) Read(ctx context.Context, number uint64) (*block.Block, error) {
	var b *block.Block

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		b, err = read(txn, number)
		return err
	})

	return b, err
}

// Head returns the block offset positions below the head.
func (s *Store) Head(ctx context.Context, offset uint64) (*block.Block, error) {
	var b *block.Block

	err := s.db.View(func(txn *badger.Txn) error {
		height, err := height(txn)
		if err != nil {
			return err
		}

		number, exists := storage.HeadNumber(height, offset)
		if !exists {
			return nil
		}

		b, err = read(txn, number)
		return err
	})

	return b, err
}

// HeadRange returns up to count blocks ending at the head.
func (s *Store) HeadRange(ctx context.Context, count uint64) ([]block.Block, error) {
	var blocks []block.Block

	err := s.db.View(func(txn *badger.Txn) error {
		height, err := height(txn)
		if err != nil {
			return err
		}

		start := storage.RangeStart(height, count)
		if start == height {
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = blockPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		blocks = make([]block.Block, 0, height-start)
		for it.Seek(key(start)); it.Valid(); it.Next() {
			var b block.Block
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &b)
			})
			if err != nil {
				return fmt.Errorf("decoding block: %w", err)
			}
			blocks = append(blocks, b)
		}

		return nil
	})

	return blocks, err
}

// Height returns the number of stored blocks.
func (s *Store) Height(ctx context.Context) (uint64, error) {
	var h uint64

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		h, err = height(txn)
		return err
	})

	return h, err
}

// Revert deletes and returns the head block.
func (s *Store) Revert(ctx context.Context) (*block.Block, error) {
	var b *block.Block

	err := s.db.Update(func(txn *badger.Txn) error {
		height, err := height(txn)
		if err != nil {
			return err
		}

		if height == 0 {
			return fmt.Errorf("reverting: %w", storage.ErrEmptyChain)
		}

		b, err = read(txn, height-1)
		if err != nil {
			return err
		}

		return txn.Delete(key(height - 1))
	})
	if err != nil {
		return nil, err
	}

	return b, nil
}

// RunGC reclaims space from deleted and reverted blocks.
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}

	return err
}

// =============================================================================

// height derives the chain height from the last block key.
func height(txn *badger.Txn) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = blockPrefix

	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration seeks to the greatest key at or below the target.
	it.Seek(append(append([]byte{}, blockPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
	if !it.Valid() {
		return 0, nil
	}

	return number(it.Item().Key()) + 1, nil
}

func read(txn *badger.Txn, number uint64) (*block.Block, error) {
	item, err := txn.Get(key(number))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting block %d: %w", number, err)
	}

	var b block.Block
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &b)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding block %d: %w", number, err)
	}

	return &b, nil
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
