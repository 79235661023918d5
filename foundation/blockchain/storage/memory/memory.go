// Package memory implements the ability to read and write blocks to memory
// using a slice.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
)

// Memory represents the implementation for reading and storing blocks in
// memory using a slice. The index of a block in the slice is its number.
// This implements the storage.Store interface.
type Memory struct {
	mu     sync.RWMutex
	blocks []block.Block
}

// New constructs a Memory value for use.
func New() *Memory {
	return &Memory{}
}

// Close in this implementation has nothing to do since everything
// is in memory.
func (m *Memory) Close() error {
	return nil
}

// Store appends the block to the slice.
func (m *Memory) Store(ctx context.Context, b block.Block) (block.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	height := uint64(len(m.blocks))
	if b.Number != height {
		return block.Block{}, fmt.Errorf("storing block %d at height %d: %w", b.Number, height, storage.ErrNonContiguous)
	}

	m.blocks = append(m.blocks, b.Clone())

	return b, nil
}

// Read returns the block with the specified number.
func (m *Memory) Read(ctx context.Context, number uint64) (*block.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if number >= uint64(len(m.blocks)) {
		return nil, nil
	}

	b := m.blocks[number].Clone()
	return &b, nil
}

// Head returns the block offset positions below the head.
func (m *Memory) Head(ctx context.Context, offset uint64) (*block.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	number, exists := storage.HeadNumber(uint64(len(m.blocks)), offset)
	if !exists {
		return nil, nil
	}

	b := m.blocks[number].Clone()
	return &b, nil
}

// HeadRange returns up to count blocks ending at the head.
func (m *Memory) HeadRange(ctx context.Context, count uint64) ([]block.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := storage.RangeStart(uint64(len(m.blocks)), count)

	blocks := make([]block.Block, 0, uint64(len(m.blocks))-start)
	for _, b := range m.blocks[start:] {
		blocks = append(blocks, b.Clone())
	}

	return blocks, nil
}

// Height returns the number of blocks in memory.
func (m *Memory) Height(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return uint64(len(m.blocks)), nil
}

// Revert removes the head block from the slice.
func (m *Memory) Revert(ctx context.Context) (*block.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := len(m.blocks)
	if l == 0 {
		return nil, fmt.Errorf("reverting: %w", storage.ErrEmptyChain)
	}

	b := m.blocks[l-1]
	m.blocks = m.blocks[:l-1]

	return &b, nil
}
