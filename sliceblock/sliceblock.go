// Package sliceblock implements spec §4.E, the slice allocator: a singly
// linked list of sliced blocks, each governed by an in-block 32-bit free
// bitmap, used to pack many small files into shared 4 KiB blocks.
//
// Grounded on the original ouichefs write_small_file loop (original_source
// file.c): walk the free-sliced-block list looking for a free slice,
// allocate and link a fresh block when none has room, and on release,
// reclaim a sliced block once every live slice in it has been freed. The
// bitmap scan itself follows the same lowest-index-first contiguous-run
// search as the teacher's drivers/common.BlockManager.findRun
// (drivers/common/blockmanager.go), generalized from single bits to runs
// of n bits against a 32-bit word instead of a byte-backed bitmap.Bitmap,
// since a sliced block's header is a fixed 32-bit mask, not a general
// bit array.
package sliceblock

import (
	"github.com/wichfs/wichfs/errors"
	"github.com/wichfs/wichfs/ondisk"
)

// Counters is the subset of superblock state the slice allocator owns.
// Passed by pointer so updates are visible to the caller's Superblock
// without sliceblock depending on the superblock package directly.
type Counters struct {
	FirstFreeSlicedBlock *uint32
	NrSlicedBlocks       *uint32
	NrUsedSlices         *uint32
}

// BlockAllocator is the subset of the free-block bitmap (spec §4.B) the
// slice allocator needs to grow the sliced-block list.
type BlockAllocator interface {
	Allocate() (uint32, error)
	Release(block uint32) error
}

type blockReader interface {
	ReadBlock(n uint32) ([]byte, error)
}

type blockWriter interface {
	WriteBlock(n uint32, buf []byte) error
	MarkDirty(n uint32)
}

// allFreeMask is the header bitmap value for a sliced block with every
// slice but the reserved header slot free.
const allFreeMask = 0xFFFFFFFE

// Allocator implements the slice allocator over a device, free-block
// allocator, and the shared counters in the superblock.
type Allocator struct {
	dev interface {
		blockReader
		blockWriter
	}
	blocks   BlockAllocator
	counters Counters
}

// New creates a slice allocator.
func New(dev interface {
	blockReader
	blockWriter
}, blocks BlockAllocator, counters Counters) *Allocator {
	return &Allocator{dev: dev, blocks: blocks, counters: counters}
}

// initHeader writes a fresh sliced-block header (all slices free except
// the reserved slot 0, no next block) into a zeroed block buffer.
func initHeader() []byte {
	buf := make([]byte, ondisk.BlockSize)
	ondisk.EncodeSlicedBlockHeader(buf, ondisk.SlicedBlockHeader{Bitmap: allFreeMask, Next: 0})
	return buf
}

// findRunInMask returns the lowest start index i in [1, 32-n] such that the
// n contiguous bits starting at i are all set in bitmap, or 0 if no such
// run exists.
func findRunInMask(bitmap uint32, n int) int {
	if n < 1 || n > 31 {
		return 0
	}
	runMask := uint32(1<<uint(n)) - 1
	for i := 1; i <= ondisk.SlicesPerBlock-n; i++ {
		mask := runMask << uint(i)
		if bitmap&mask == mask {
			return i
		}
	}
	return 0
}

// FindSliceRun locates (and reserves) a run of nNeeded contiguous free
// slices, allocating a new sliced block and linking it to the tail of the
// free list if no existing block has room. 1 <= nNeeded <= 31.
func (a *Allocator) FindSliceRun(nNeeded int) (block uint32, slice uint32, err error) {
	if nNeeded < 1 || nNeeded > 31 {
		return 0, 0, errors.ErrInvalid.WithMessage("slice run length out of range")
	}

	var prevBlock uint32
	cur := *a.counters.FirstFreeSlicedBlock

	for cur != 0 {
		buf, rerr := a.dev.ReadBlock(cur)
		if rerr != nil {
			return 0, 0, errors.ErrIO.WrapError(rerr)
		}
		hdr := ondisk.DecodeSlicedBlockHeader(buf)

		start := findRunInMask(hdr.Bitmap, nNeeded)
		if start != 0 {
			mask := uint32((1<<uint(nNeeded))-1) << uint(start)
			hdr.Bitmap &^= mask
			ondisk.EncodeSlicedBlockHeader(buf, hdr)
			if werr := a.dev.WriteBlock(cur, buf); werr != nil {
				return 0, 0, errors.ErrIO.WrapError(werr)
			}
			a.dev.MarkDirty(cur)
			*a.counters.NrUsedSlices += uint32(nNeeded)
			return cur, uint32(start), nil
		}

		prevBlock = cur
		cur = hdr.Next
	}

	// No block in the list has room; allocate and link a fresh one, then
	// the run is guaranteed to fit (31 free slots >= nNeeded).
	newBlock, aerr := a.blocks.Allocate()
	if aerr != nil {
		return 0, 0, aerr
	}

	buf := initHeader()
	hdr := ondisk.DecodeSlicedBlockHeader(buf)
	start := findRunInMask(hdr.Bitmap, nNeeded)
	mask := uint32((1<<uint(nNeeded))-1) << uint(start)
	hdr.Bitmap &^= mask
	ondisk.EncodeSlicedBlockHeader(buf, hdr)
	if werr := a.dev.WriteBlock(newBlock, buf); werr != nil {
		return 0, 0, errors.ErrIO.WrapError(werr)
	}
	a.dev.MarkDirty(newBlock)

	if prevBlock == 0 {
		*a.counters.FirstFreeSlicedBlock = newBlock
	} else {
		pbuf, rerr := a.dev.ReadBlock(prevBlock)
		if rerr != nil {
			return 0, 0, errors.ErrIO.WrapError(rerr)
		}
		phdr := ondisk.DecodeSlicedBlockHeader(pbuf)
		phdr.Next = newBlock
		ondisk.EncodeSlicedBlockHeader(pbuf, phdr)
		if werr := a.dev.WriteBlock(prevBlock, pbuf); werr != nil {
			return 0, 0, errors.ErrIO.WrapError(werr)
		}
		a.dev.MarkDirty(prevBlock)
	}

	*a.counters.NrSlicedBlocks++
	*a.counters.NrUsedSlices += uint32(nNeeded)
	return newBlock, uint32(start), nil
}

// ReleaseSliceRun frees the n slices starting at slice in block, unlinking
// and reclaiming the sliced block if it becomes entirely empty.
func (a *Allocator) ReleaseSliceRun(block uint32, slice uint32, n int) error {
	if n < 1 || n > 31 || slice < 1 || int(slice)+n > ondisk.SlicesPerBlock {
		return errors.ErrSliceRangeInvalid.WithMessage("slice range does not fit in block")
	}

	buf, err := a.dev.ReadBlock(block)
	if err != nil {
		return errors.ErrIO.WrapError(err)
	}
	hdr := ondisk.DecodeSlicedBlockHeader(buf)

	mask := uint32((1<<uint(n))-1) << uint(slice)
	if hdr.Bitmap&mask != 0 {
		return errors.ErrCorruption.WithMessage("releasing an already-free slice")
	}
	hdr.Bitmap |= mask
	ondisk.EncodeSlicedBlockHeader(buf, hdr)
	if err := a.dev.WriteBlock(block, buf); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	a.dev.MarkDirty(block)
	*a.counters.NrUsedSlices -= uint32(n)

	if hdr.Bitmap == allFreeMask {
		if err := a.unlink(block); err != nil {
			return err
		}
		if err := a.blocks.Release(block); err != nil {
			return err
		}
		*a.counters.NrSlicedBlocks--
	}

	return nil
}

// unlink removes block from the free-sliced-block list, patching either
// the superblock anchor or the previous block's next pointer.
func (a *Allocator) unlink(block uint32) error {
	if *a.counters.FirstFreeSlicedBlock == block {
		buf, err := a.dev.ReadBlock(block)
		if err != nil {
			return errors.ErrIO.WrapError(err)
		}
		hdr := ondisk.DecodeSlicedBlockHeader(buf)
		*a.counters.FirstFreeSlicedBlock = hdr.Next
		return nil
	}

	prev := *a.counters.FirstFreeSlicedBlock
	for prev != 0 {
		buf, err := a.dev.ReadBlock(prev)
		if err != nil {
			return errors.ErrIO.WrapError(err)
		}
		hdr := ondisk.DecodeSlicedBlockHeader(buf)
		if hdr.Next == block {
			next, err := a.dev.ReadBlock(block)
			if err != nil {
				return errors.ErrIO.WrapError(err)
			}
			nextHdr := ondisk.DecodeSlicedBlockHeader(next)
			hdr.Next = nextHdr.Next
			ondisk.EncodeSlicedBlockHeader(buf, hdr)
			if err := a.dev.WriteBlock(prev, buf); err != nil {
				return errors.ErrIO.WrapError(err)
			}
			a.dev.MarkDirty(prev)
			return nil
		}
		prev = hdr.Next
	}

	return errors.ErrCorruption.WithMessage("sliced block not found in free list")
}

// ReadSlicedBlock returns the full 4096-byte contents of a sliced block,
// header included.
func (a *Allocator) ReadSlicedBlock(block uint32) ([]byte, error) {
	buf, err := a.dev.ReadBlock(block)
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}
	return buf, nil
}
