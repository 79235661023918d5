// Package disk implements the ability to read and write blocks to disk with
// each block in its own file.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
)

// Disk represents the implementation for reading and storing blocks in
// their own separate files on disk, named by block number. This implements
// the storage.Store interface.
type Disk struct {
	dbPath string

	mu     sync.RWMutex
	height uint64
}

// New constructs a Disk value for use, creating the directory if needed.
// The height is derived from the highest block file found.
func New(dbPath string) (*Disk, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dbPath, err)
	}

	entries, err := os.ReadDir(dbPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dbPath, err)
	}

	var height uint64
	for _, entry := range entries {
		name, found := strings.CutSuffix(entry.Name(), ".json")
		if !found || entry.IsDir() {
			continue
		}

		number, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}

		height = max(height, number+1)
	}

	return &Disk{dbPath: dbPath, height: height}, nil
}

// Close in this implementation has nothing to do since a new file is
// written to disk for each new block and then immediately closed.
func (d *Disk) Close() error {
	return nil
}

// Store writes the block to disk in a file labeled with the block number.
func (d *Disk) Store(ctx context.Context, b block.Block) (block.Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b.Number != d.height {
		return block.Block{}, fmt.Errorf("storing block %d at height %d: %w", b.Number, d.height, storage.ErrNonContiguous)
	}

	// Marshal the block for writing to disk in a more human readable format.
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return block.Block{}, fmt.Errorf("encoding block %d: %w", b.Number, err)
	}

	if err := os.WriteFile(d.getPath(b.Number), data, 0600); err != nil {
		return block.Block{}, fmt.Errorf("writing block %d: %w", b.Number, err)
	}

	d.height++

	return b, nil
}

// Read locates and returns the contents of the specified block by number.
func (d *Disk) Read(ctx context.Context, number uint64) (*block.Block, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if number >= d.height {
		return nil, nil
	}

	return d.read(number)
}

// Head returns the block offset positions below the head.
func (d *Disk) Head(ctx context.Context, offset uint64) (*block.Block, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	number, exists := storage.HeadNumber(d.height, offset)
	if !exists {
		return nil, nil
	}

	return d.read(number)
}

// HeadRange returns up to count blocks ending at the head.
func (d *Disk) HeadRange(ctx context.Context, count uint64) ([]block.Block, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	start := storage.RangeStart(d.height, count)

	blocks := make([]block.Block, 0, d.height-start)
	for number := start; number < d.height; number++ {
		b, err := d.read(number)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, fmt.Errorf("block %d missing below height %d", number, d.height)
		}
		blocks = append(blocks, *b)
	}

	return blocks, nil
}

// Height returns the number of blocks on disk.
func (d *Disk) Height(ctx context.Context) (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.height, nil
}

// Revert removes the head block's file and returns the block.
func (d *Disk) Revert(ctx context.Context) (*block.Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.height == 0 {
		return nil, fmt.Errorf("reverting: %w", storage.ErrEmptyChain)
	}

	number := d.height - 1

	b, err := d.read(number)
	if err != nil {
		return nil, err
	}

	if err := os.Remove(d.getPath(number)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing block %d: %w", number, err)
	}

	d.height--

	return b, nil
}

// =============================================================================

// read decodes the block file for the specified number.
func (d *Disk) read(number uint64) (*block.Block, error) {
	f, err := os.Open(d.getPath(number))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening block %d: %w", number, err)
	}
	defer f.Close()

	var b block.Block
	if err := json.NewDecoder(f).Decode(&b); err != nil {
		return nil, fmt.Errorf("decoding block %d: %w", number, err)
	}

	return &b, nil
}

// getPath forms the path to the specified block.
func (d *Disk) getPath(number uint64) string {
	name := strconv.FormatUint(number, 10)
	return filepath.Join(d.dbPath, name+".json")
}
