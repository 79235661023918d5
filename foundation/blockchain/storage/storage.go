// Package storage defines the contract every blockchain store implements and
// the errors stores report when the chain's invariants would break.
package storage

import (
	"context"
	"errors"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
)

// ErrInvariant is the family of errors reporting that an operation would
// break the chain's structure. Every other sentinel here wraps it.
var ErrInvariant = errors.New("chain invariant violated")

// Set of invariant violations.
var (
	ErrNonContiguous = invariant("block number must equal the chain height")
	ErrEmptyChain    = invariant("chain is empty")
)

// Store persists a chain of blocks numbered contiguously from zero. The head
// is always the block with the highest stored number.
type Store interface {

	// Store appends the block at the head. The block number must equal the
	// current height.
	Store(ctx context.Context, b block.Block) (block.Block, error)

	// Read returns the block with the given number, or nil when there is none.
	Read(ctx context.Context, number uint64) (*block.Block, error)

	// Head returns the block offset positions below the head, or nil when
	// there is none. An offset of zero is the head itself.
	Head(ctx context.Context, offset uint64) (*block.Block, error)

	// HeadRange returns up to count blocks ending at the head, in ascending
	// number order.
	HeadRange(ctx context.Context, count uint64) ([]block.Block, error)

	// Height returns the number of stored blocks.
	Height(ctx context.Context) (uint64, error)

	// Revert removes and returns the head block.
	Revert(ctx context.Context) (*block.Block, error)

	// Close releases the store's resources.
	Close() error
}

// =============================================================================

type invariantError struct {
	msg string
}

func invariant(msg string) error {
	return &invariantError{msg: msg}
}

func (e *invariantError) Error() string {
	return e.msg
}

func (e *invariantError) Unwrap() error {
	return ErrInvariant
}

// =============================================================================

// HeadNumber returns the number of the block offset positions below the head
// of a chain with the given height. It reports false when no such block
// exists.
func HeadNumber(height uint64, offset uint64) (uint64, bool) {
	if offset >= height {
		return 0, false
	}

	return height - 1 - offset, true
}

// RangeStart returns the number of the first block of a head range of count
// blocks in a chain with the given height.
func RangeStart(height uint64, count uint64) uint64 {
	if count >= height {
		return 0
	}

	return height - count
}

// Unwrap follows Unwrap methods of decorating stores until it reaches a
// store that decorates nothing.
func Unwrap(s Store) Store {
	for {
		u, ok := s.(interface{ Unwrap() Store })
		if !ok {
			return s
		}
		s = u.Unwrap()
	}
}
