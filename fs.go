// Package wichfs ties together the bitmap, superblock, inode store, slice
// allocator and file body engine (§2) into the mount/sync driver (§4.G).
// Grounded on the teacher's driver.BaseDriver (driver/base_driver.go): a
// thin orchestration layer holding the lower components and a single lock
// guarding the shared allocator state, per spec §5.
package wichfs

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/wichfs/wichfs/bitmap"
	"github.com/wichfs/wichfs/device"
	"github.com/wichfs/wichfs/errors"
	"github.com/wichfs/wichfs/filebody"
	"github.com/wichfs/wichfs/inode"
	"github.com/wichfs/wichfs/ondisk"
	"github.com/wichfs/wichfs/sliceblock"
	"github.com/wichfs/wichfs/superblock"
)

// countingBlockAllocator adapts a bitmap.Bitmap to filebody.BlockAllocator
// and sliceblock.BlockAllocator while keeping the superblock's nr_free_blocks
// counter in lockstep with the bitmap, as spec §3's "Free-block bitmap
// semantics" requires — the bitmap and the counter are two views of the
// same fact and must never drift apart.
type countingBlockAllocator struct {
	bm      *bitmap.Bitmap
	counter *uint32
}

func (c countingBlockAllocator) Allocate() (uint32, error) {
	idx, err := c.bm.Allocate()
	if err != nil {
		return 0, err
	}
	*c.counter--
	return uint32(idx), nil
}

func (c countingBlockAllocator) Release(block uint32) error {
	if err := c.bm.Release(int(block)); err != nil {
		return err
	}
	*c.counter++
	return nil
}

// Filesystem is a mounted wichfs volume: the single entry point a VFS
// collaborator (§6) drives to open files, flush state, and read stats.
type Filesystem struct {
	dev    device.Device
	sb     *superblock.Superblock
	inodes *inode.Store
	ifree  *bitmap.Bitmap
	bfree  *bitmap.Bitmap
	slices *sliceblock.Allocator
	body   *filebody.Engine
	now    func() time.Time

	mu sync.Mutex

	dirtyInodes map[uint32]*inode.Inode
}

func readRegion(dev device.Device, start, count uint32) ([]byte, error) {
	out := make([]byte, 0, int(count)*ondisk.BlockSize)
	for i := uint32(0); i < count; i++ {
		buf, err := dev.ReadBlock(start + i)
		if err != nil {
			return nil, errors.ErrIO.WrapError(err)
		}
		out = append(out, buf...)
	}
	return out, nil
}

func writeRegion(dev device.Device, start, count uint32, data []byte) error {
	for i := uint32(0); i < count; i++ {
		lo := int(i) * ondisk.BlockSize
		hi := lo + ondisk.BlockSize
		if hi > len(data) {
			hi = len(data)
		}
		chunk := make([]byte, ondisk.BlockSize)
		copy(chunk, data[lo:hi])
		if err := dev.WriteBlock(start+i, chunk); err != nil {
			return errors.ErrIO.WrapError(err)
		}
		dev.MarkDirty(start + i)
	}
	return nil
}

// Mount loads the superblock, both bitmaps, and wires up the allocators
// (spec §4.G "Mount"). now supplies the clock the file body engine stamps
// mtime/ctime with.
func Mount(dev device.Device, now func() time.Time) (*Filesystem, error) {
	sb, err := superblock.Load(dev)
	if err != nil {
		return nil, err
	}

	ifreeWire, err := readRegion(dev, sb.IfreeStartBlock(), sb.NrIfreeBlocks)
	if err != nil {
		return nil, err
	}
	bfreeWire, err := readRegion(dev, sb.BfreeStartBlock(), sb.NrBfreeBlocks)
	if err != nil {
		return nil, err
	}

	ifree := bitmap.FromWireBytes(int(sb.NrInodes), ifreeWire)
	bfree := bitmap.FromWireBytes(int(sb.NrBlocks), bfreeWire)

	inodes := inode.NewStore(dev, sb.IstoreStartBlock(), sb.NrInodes)

	blockAlloc := countingBlockAllocator{bm: bfree, counter: &sb.NrFreeBlocks}
	counters := sliceblock.Counters{
		FirstFreeSlicedBlock: &sb.FirstFreeSlicedBlock,
		NrSlicedBlocks:       &sb.NrSlicedBlocks,
		NrUsedSlices:         &sb.NrUsedSlices,
	}
	slices := sliceblock.New(dev, blockAlloc, counters)

	fs := &Filesystem{
		dev:         dev,
		sb:          sb,
		inodes:      inodes,
		ifree:       ifree,
		bfree:       bfree,
		slices:      slices,
		now:         now,
		dirtyInodes: make(map[uint32]*inode.Inode),
	}
	fs.body = filebody.New(dev, blockAlloc, slices, func() uint32 { return sb.NrFreeBlocks }, now)
	return fs, nil
}

// RootIno is the inode number of the root directory (spec §4.D).
const RootIno = inode.RootIno

// IGet loads an inode, registering it so that Sync will flush it if it
// becomes dirty before the next sync.
func (fs *Filesystem) IGet(ino uint32) (*inode.Inode, error) {
	in, err := fs.inodes.IGet(ino)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	fs.dirtyInodes[ino] = in
	fs.mu.Unlock()
	return in, nil
}

// AllocInode reserves the lowest-numbered free inode.
func (fs *Filesystem) AllocInode() (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	idx, err := fs.ifree.Allocate()
	if err != nil {
		return 0, err
	}
	fs.sb.NrFreeInodes--
	return uint32(idx), nil
}

// FreeInode releases an inode number back to the free-inode bitmap.
func (fs *Filesystem) FreeInode(ino uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.ifree.Release(int(ino)); err != nil {
		return err
	}
	fs.sb.NrFreeInodes++
	return nil
}

// Body returns the file body engine, for File handles to drive read/write/
// truncate against.
func (fs *Filesystem) Body() *filebody.Engine { return fs.body }

// MarkInodeDirty registers in so Sync flushes it.
func (fs *Filesystem) MarkInodeDirty(in *inode.Inode) {
	fs.mu.Lock()
	fs.dirtyInodes[in.Ino] = in
	fs.mu.Unlock()
}

// Sync persists dirty inodes, then the ifree bitmap, then the bfree
// bitmap, then the superblock, in that exact order (spec §4.G "Sync"):
// bitmaps must never free-mark a block the inode store still references.
// Per-inode flush failures are collected with go-multierror so one bad
// inode doesn't prevent the others — and doesn't prevent the bitmap/
// superblock flush from at least being attempted — from being reported.
func (fs *Filesystem) Sync(wait bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var result *multierror.Error

	for ino, in := range fs.dirtyInodes {
		if !in.Dirty() {
			delete(fs.dirtyInodes, ino)
			continue
		}
		if err := fs.inodes.WriteInode(in); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		delete(fs.dirtyInodes, ino)
	}

	if err := writeRegion(fs.dev, fs.sb.IfreeStartBlock(), fs.sb.NrIfreeBlocks, fs.ifree.ToWireBytes()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := writeRegion(fs.dev, fs.sb.BfreeStartBlock(), fs.sb.NrBfreeBlocks, fs.bfree.ToWireBytes()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := fs.sb.Flush(fs.dev); err != nil {
		result = multierror.Append(result, err)
	}

	if wait {
		for n := uint32(0); n < fs.sb.NrBlocks; n++ {
			_ = fs.dev.SyncBlock(n)
		}
	}

	return result.ErrorOrNil()
}

// Unmount syncs and releases the mount's resources. The device itself is
// owned by the caller and is not closed here.
func (fs *Filesystem) Unmount() error {
	return fs.Sync(true)
}

// StatfsResult is the structure returned by Statfs (spec §6): block size,
// block and inode totals and free counts, and the maximum name length. It
// has no filesystem-type (magic) field.
type StatfsResult struct {
	BlockSize   uint32
	Total       uint32
	FreeBlocks  uint32
	TotalInodes uint32
	FreeInodes  uint32
	NameMax     uint32
}

// Statfs reports the VFS-facing summary of the mount.
func (fs *Filesystem) Statfs() StatfsResult {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return StatfsResult{
		BlockSize:   ondisk.BlockSize,
		Total:       fs.sb.NrBlocks,
		FreeBlocks:  fs.sb.NrFreeBlocks,
		TotalInodes: fs.sb.NrInodes,
		FreeInodes:  fs.sb.NrFreeInodes,
		NameMax:     ondisk.FilenameLen,
	}
}
