package disk_test

import (
	"context"
	"testing"

	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/disk"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func TestDisk(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		d, err := disk.New(t.TempDir())
		require.NoError(t, err)
		return d
	})
}

func TestDiskReopen(t *testing.T) {
	dir := t.TempDir()
	blocks := storagetest.Blocks(4)

	d, err := disk.New(dir)
	require.NoError(t, err)
	storagetest.Fill(t, d, blocks)

	_, err = d.Revert(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = disk.New(dir)
	require.NoError(t, err)

	height, err := d.Height(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), height)

	head, err := d.Head(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, blocks[2], *head)
}
