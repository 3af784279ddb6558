package wichfs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wichfs/wichfs"
	"github.com/wichfs/wichfs/bitmap"
	"github.com/wichfs/wichfs/device"
	"github.com/wichfs/wichfs/inode"
	"github.com/wichfs/wichfs/ondisk"
	"github.com/wichfs/wichfs/superblock"
)

// formatImage hand-builds a freshly-formatted volume image, standing in for
// the out-of-scope mkfs tool (spec §1 Non-goals): a valid superblock plus
// ifree/bfree bitmaps in their on-disk regions, with only the root inode
// and the metadata blocks marked used.
func formatImage(t *testing.T, nrInodes, nrIstoreBlocks, nrIfreeBlocks, nrBfreeBlocks, nrDataBlocks uint32) *device.MemDevice {
	t.Helper()

	total := 1 + nrIstoreBlocks + nrIfreeBlocks + nrBfreeBlocks + nrDataBlocks
	dev := device.NewMemDevice(total)

	ifree := bitmap.New(int(nrInodes))
	// A real mkfs reserves inode 1 for the root directory up front.
	ifree.SetUsed(inode.RootIno)

	bfree := bitmap.New(int(total))
	// Every block before the data region start is already
	// "allocated" from the volume's own metadata; only data blocks are free.
	dataStart := 1 + nrIstoreBlocks + nrIfreeBlocks + nrBfreeBlocks
	for b := uint32(1); b < dataStart; b++ {
		bfree.SetUsed(int(b))
	}

	sb := &superblock.Superblock{
		NrBlocks:       total,
		NrInodes:       nrInodes,
		NrIstoreBlocks: nrIstoreBlocks,
		NrIfreeBlocks:  nrIfreeBlocks,
		NrBfreeBlocks:  nrBfreeBlocks,
		NrFreeInodes:   uint32(ifree.CountFree()),
		NrFreeBlocks:   uint32(bfree.CountFree()),
	}
	require.NoError(t, sb.Flush(dev))

	writeWire := func(start, count uint32, wire []byte) {
		for i := uint32(0); i < count; i++ {
			lo := int(i) * ondisk.BlockSize
			hi := lo + ondisk.BlockSize
			if hi > len(wire) {
				hi = len(wire)
			}
			chunk := make([]byte, ondisk.BlockSize)
			copy(chunk, wire[lo:hi])
			require.NoError(t, dev.WriteBlock(start+i, chunk))
		}
	}
	writeWire(sb.IfreeStartBlock(), nrIfreeBlocks, ifree.ToWireBytes())
	writeWire(sb.BfreeStartBlock(), nrBfreeBlocks, bfree.ToWireBytes())

	// A real mkfs also writes the root directory's inode record with
	// nlink >= 1; without that, Stats' liveness scan would never count it.
	store := inode.NewStore(dev, sb.IstoreStartBlock(), nrInodes)
	root := &inode.Inode{Ino: inode.RootIno, Mode: 0o40755, Nlink: 2}
	require.NoError(t, store.WriteInode(root))

	return dev
}

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func TestMountLoadsSuperblockAndBitmaps(t *testing.T) {
	dev := formatImage(t, 32, 2, 1, 1, 16)

	fs, err := wichfs.Mount(dev, fixedClock)
	require.NoError(t, err)

	stat := fs.Statfs()
	assert.EqualValues(t, ondisk.BlockSize, stat.BlockSize)
	assert.EqualValues(t, 32, stat.TotalInodes)
}

func TestWriteReadPersistsAcrossUnmountMount(t *testing.T) {
	dev := formatImage(t, 32, 2, 1, 1, 16)

	fs, err := wichfs.Mount(dev, fixedClock)
	require.NoError(t, err)

	f, err := fs.Open(wichfs.RootIno, wichfs.OpenFlags{Write: true})
	require.NoError(t, err)

	_, err = f.Write(0, []byte("hello wichfs"), false)
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())

	fs2, err := wichfs.Mount(dev, fixedClock)
	require.NoError(t, err)
	f2, err := fs2.Open(wichfs.RootIno, wichfs.OpenFlags{})
	require.NoError(t, err)

	got, err := f2.Read(0, len("hello wichfs"))
	require.NoError(t, err)
	assert.Equal(t, "hello wichfs", string(got))
}

func TestStatsReflectWrites(t *testing.T) {
	dev := formatImage(t, 32, 2, 1, 1, 16)
	fs, err := wichfs.Mount(dev, fixedClock)
	require.NoError(t, err)

	f, err := fs.Open(wichfs.RootIno, wichfs.OpenFlags{Write: true})
	require.NoError(t, err)
	_, err = f.Write(0, []byte("abc"), false)
	require.NoError(t, err)
	require.NoError(t, fs.Sync(false))

	stats := fs.Stats()
	assert.EqualValues(t, 1, stats.Files)
	assert.EqualValues(t, 1, stats.SmallFiles)
	assert.EqualValues(t, 3, stats.TotalDataSize)
}

func TestStatsCSVRenders(t *testing.T) {
	dev := formatImage(t, 32, 2, 1, 1, 16)
	fs, err := wichfs.Mount(dev, fixedClock)
	require.NoError(t, err)

	csvText, err := fs.StatsCSV()
	require.NoError(t, err)
	assert.Contains(t, csvText, "free_blocks")
}

func TestReadSlicedBlockDebugChannel(t *testing.T) {
	dev := formatImage(t, 32, 2, 1, 1, 16)
	fs, err := wichfs.Mount(dev, fixedClock)
	require.NoError(t, err)

	f, err := fs.Open(wichfs.RootIno, wichfs.OpenFlags{Write: true})
	require.NoError(t, err)
	_, err = f.Write(0, []byte("debug me"), false)
	require.NoError(t, err)

	block, err := f.ReadSlicedBlock()
	require.NoError(t, err)
	assert.Len(t, block, ondisk.BlockSize)
}
