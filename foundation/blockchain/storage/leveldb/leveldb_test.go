package leveldb_test

import (
	"context"
	"testing"

	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/leveldb"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func TestLevelDB(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := leveldb.New(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestLevelDBMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := leveldb.New("")
		require.NoError(t, err)
		return s
	})
}

func TestLevelDBReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := leveldb.New(dir)
	require.NoError(t, err)
	storagetest.Fill(t, s, storagetest.Blocks(300))
	require.NoError(t, s.Close())

	s, err = leveldb.New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	height, err := s.Height(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(300), height)
}
