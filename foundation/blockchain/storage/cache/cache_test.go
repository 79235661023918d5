package cache_test

import (
	"context"
	"testing"

	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/cache"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/memory"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := cache.New(memory.New(), 2)
		require.NoError(t, err)
		return s
	})
}

func TestCacheEvictsOnRevert(t *testing.T) {
	ctx := context.Background()
	blocks := storagetest.Blocks(3)

	s, err := cache.New(memory.New(), 8)
	require.NoError(t, err)
	storagetest.Fill(t, s, blocks)
	require.Equal(t, 3, s.Len())

	_, err = s.Revert(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	got, err := s.Read(ctx, 2)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCacheBounded(t *testing.T) {
	s, err := cache.New(memory.New(), 2)
	require.NoError(t, err)
	storagetest.Fill(t, s, storagetest.Blocks(5))
	require.Equal(t, 2, s.Len())

	got, err := s.Read(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 2, s.Len())
}

func TestCacheRejectsZeroSize(t *testing.T) {
	_, err := cache.New(memory.New(), 0)
	require.Error(t, err)
}

func TestCacheUnwrap(t *testing.T) {
	inner := memory.New()

	s, err := cache.New(inner, 2)
	require.NoError(t, err)

	outer, err := cache.New(s, 2)
	require.NoError(t, err)

	require.Same(t, inner, storage.Unwrap(outer))
	require.Same(t, inner, storage.Unwrap(inner))
}
