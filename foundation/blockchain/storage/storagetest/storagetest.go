// Package storagetest provides the conformance suite every storage.Store
// implementation runs in its own tests.
package storagetest

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/signature"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/stretchr/testify/require"
)

// OpenFunc constructs an empty store for one test. The suite closes it.
type OpenFunc func(t *testing.T) storage.Store

// Blocks returns n linked blocks numbered from zero.
func Blocks(n int) []block.Block {
	blocks := make([]block.Block, n)

	var previous block.Block
	for i := range n {
		b := block.Block{
			Version:    block.Version,
			Currency:   "test_net",
			Number:     uint64(i),
			Time:       int64(1500000000 + i*300),
			MedianTime: int64(1500000000 + i*300),
			Issuer:     fmt.Sprintf("issuer-%d", i%2),
			Joiners:    []string{fmt.Sprintf("member-%d", i)},
		}
		if i > 0 {
			b.PreviousHash = previous.Hash
			b.PreviousIssuer = previous.Issuer
		}

		b.InnerHash = b.ComputeInnerHash()
		b.Nonce = uint64(i)
		b.Signature = fmt.Sprintf("signature-%d", i)
		b.Hash = signature.Hash(b.InnerHash + b.Signature)

		blocks[i] = b
		previous = b
	}

	return blocks
}

// Fill stores the blocks in order, failing the test on the first error.
func Fill(t *testing.T, s storage.Store, blocks []block.Block) {
	t.Helper()

	for _, b := range blocks {
		_, err := s.Store(context.Background(), b)
		require.NoError(t, err)
	}
}

// Run executes the conformance suite against stores built by open.
func Run(t *testing.T, open OpenFunc) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"empty", testEmpty},
		{"store", testStore},
		{"head", testHead},
		{"headRange", testHeadRange},
		{"nonContiguous", testNonContiguous},
		{"revert", testRevert},
		{"revertEmpty", testRevertEmpty},
		{"replaceHead", testReplaceHead},
		{"isolation", testIsolation},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })

			tst.fn(t, s)
		})
	}
}

// =============================================================================

func testEmpty(t *testing.T, s storage.Store) {
	ctx := context.Background()

	height, err := s.Height(ctx)
	require.NoError(t, err)
	require.Zero(t, height)

	b, err := s.Read(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, b)

	b, err = s.Head(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, b)

	blocks, err := s.HeadRange(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, blocks)

	b, err = s.Read(ctx, math.MaxUint64)
	require.NoError(t, err)
	require.Nil(t, b)

	b, err = s.Head(ctx, math.MaxUint64)
	require.NoError(t, err)
	require.Nil(t, b)

	blocks, err = s.HeadRange(ctx, math.MaxUint64)
	require.NoError(t, err)
	require.Empty(t, blocks)
}

func testStore(t *testing.T, s storage.Store) {
	ctx := context.Background()
	blocks := Blocks(5)

	for i, b := range blocks {
		stored, err := s.Store(ctx, b)
		require.NoError(t, err)
		require.Equal(t, b, stored)

		height, err := s.Height(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), height)
	}

	for _, b := range blocks {
		got, err := s.Read(ctx, b.Number)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, b, *got)
	}

	got, err := s.Read(ctx, 5)
	require.NoError(t, err)
	require.Nil(t, got)
}

func testHead(t *testing.T, s storage.Store) {
	ctx := context.Background()
	blocks := Blocks(5)
	Fill(t, s, blocks)

	for offset := range uint64(5) {
		got, err := s.Head(ctx, offset)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, blocks[4-offset], *got)
	}

	got, err := s.Head(ctx, 5)
	require.NoError(t, err)
	require.Nil(t, got)

	for _, n := range []uint64{1 << 63, math.MaxUint64} {
		got, err = s.Head(ctx, n)
		require.NoError(t, err)
		require.Nil(t, got)

		got, err = s.Read(ctx, n)
		require.NoError(t, err)
		require.Nil(t, got)
	}
}

func testHeadRange(t *testing.T, s storage.Store) {
	ctx := context.Background()
	blocks := Blocks(5)
	Fill(t, s, blocks)

	got, err := s.HeadRange(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, blocks[2:], got)

	got, err = s.HeadRange(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, blocks, got)

	got, err = s.HeadRange(ctx, math.MaxUint64)
	require.NoError(t, err)
	require.Equal(t, blocks, got)

	got, err = s.HeadRange(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func testNonContiguous(t *testing.T, s storage.Store) {
	ctx := context.Background()
	blocks := Blocks(3)

	_, err := s.Store(ctx, blocks[2])
	require.ErrorIs(t, err, storage.ErrNonContiguous)
	require.ErrorIs(t, err, storage.ErrInvariant)

	Fill(t, s, blocks[:2])

	_, err = s.Store(ctx, blocks[0])
	require.ErrorIs(t, err, storage.ErrNonContiguous)

	height, err := s.Height(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), height)
}

func testRevert(t *testing.T, s storage.Store) {
	ctx := context.Background()
	blocks := Blocks(3)
	Fill(t, s, blocks)

	for i := 2; i >= 0; i-- {
		reverted, err := s.Revert(ctx)
		require.NoError(t, err)
		require.NotNil(t, reverted)
		require.Equal(t, blocks[i], *reverted)

		height, err := s.Height(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(i), height)

		got, err := s.Read(ctx, uint64(i))
		require.NoError(t, err)
		require.Nil(t, got)
	}

	_, err := s.Revert(ctx)
	require.ErrorIs(t, err, storage.ErrEmptyChain)
}

func testRevertEmpty(t *testing.T, s storage.Store) {
	_, err := s.Revert(context.Background())
	require.ErrorIs(t, err, storage.ErrEmptyChain)
	require.ErrorIs(t, err, storage.ErrInvariant)
}

func testReplaceHead(t *testing.T, s storage.Store) {
	ctx := context.Background()
	blocks := Blocks(3)
	Fill(t, s, blocks)

	_, err := s.Revert(ctx)
	require.NoError(t, err)

	fork := blocks[2]
	fork.Issuer = "issuer-fork"
	fork.Hash = signature.Hash("fork")

	_, err = s.Store(ctx, fork)
	require.NoError(t, err)

	got, err := s.Head(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, fork, *got)
}

func testIsolation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	blocks := Blocks(2)

	stored := blocks[0].Clone()
	_, err := s.Store(ctx, stored)
	require.NoError(t, err)
	stored.Joiners[0] = "changed-after-store"

	Fill(t, s, blocks[1:])

	got, err := s.Read(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, blocks[0], *got)
	got.Joiners[0] = "changed-after-read"

	got, err = s.Read(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, blocks[0], *got)

	head, err := s.Head(ctx, 0)
	require.NoError(t, err)
	head.Joiners[0] = "changed-after-head"

	all, err := s.HeadRange(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, blocks, all)
}
