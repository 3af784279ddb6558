package inode_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wichfs/wichfs/device"
	"github.com/wichfs/wichfs/errors"
	"github.com/wichfs/wichfs/inode"
)

func TestSmallPointerPacksAndUnpacks(t *testing.T) {
	packed := inode.EncodeSmallPointer(12345, 7)
	block, slice := inode.DecodeSmallPointer(packed)
	assert.EqualValues(t, 12345, block)
	assert.EqualValues(t, 7, slice)
}

func TestClassificationHelpers(t *testing.T) {
	empty := &inode.Inode{}
	assert.True(t, empty.IsEmpty())
	assert.True(t, empty.IsSmall())
	assert.False(t, empty.IsLarge())

	small := &inode.Inode{IndexBlock: inode.EncodeSmallPointer(3, 2), IBlocks: 0}
	assert.False(t, small.IsEmpty())
	assert.True(t, small.IsSmall())

	large := &inode.Inode{IndexBlock: 9, IBlocks: 2}
	assert.False(t, large.IsEmpty())
	assert.True(t, large.IsLarge())
}

func TestWriteInodeThenIGetRoundTrips(t *testing.T) {
	dev := device.NewMemDevice(4)
	store := inode.NewStore(dev, 1, 32)

	now := time.Unix(1700000000, 0)
	in := &inode.Inode{
		Ino:        inode.RootIno,
		Mode:       0o40755,
		UID:        1,
		GID:        1,
		Size:       4096,
		Ctime:      now,
		Atime:      now,
		Mtime:      now,
		IBlocks:    2,
		Nlink:      2,
		IndexBlock: 10,
		NumSlices:  0,
	}
	require.NoError(t, store.WriteInode(in))
	assert.False(t, in.Dirty())

	loaded, err := store.IGet(inode.RootIno)
	require.NoError(t, err)
	assert.Equal(t, in.Mode, loaded.Mode)
	assert.Equal(t, in.Size, loaded.Size)
	assert.Equal(t, in.IndexBlock, loaded.IndexBlock)
	assert.Equal(t, in.IBlocks, loaded.IBlocks)
	assert.Equal(t, in.Mtime.Unix(), loaded.Mtime.Unix())
}

func TestIGetRejectsInodeZero(t *testing.T) {
	dev := device.NewMemDevice(4)
	store := inode.NewStore(dev, 1, 32)
	_, err := store.IGet(0)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestIGetRejectsOutOfRange(t *testing.T) {
	dev := device.NewMemDevice(4)
	store := inode.NewStore(dev, 1, 32)
	_, err := store.IGet(999)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
