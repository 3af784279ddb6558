// Package superblock implements spec §4.C: loading and flushing the
// single global counters block (block 0). Grounded on the teacher's
// sync_sb_info/ouichefs_fill_super equivalent, file_systems/unixv1/driver.go's
// superblock handling, adapted to wichfs's field set.
package superblock

import (
	"github.com/wichfs/wichfs/errors"
	"github.com/wichfs/wichfs/ondisk"
)

// Superblock holds the global counters that persist for the mount's
// lifetime (spec §3 "Superblock fields").
type Superblock struct {
	NrBlocks             uint32
	NrInodes             uint32
	NrIstoreBlocks       uint32
	NrIfreeBlocks        uint32
	NrBfreeBlocks        uint32
	NrFreeInodes         uint32
	NrFreeBlocks         uint32
	FirstFreeSlicedBlock uint32
	NrSlicedBlocks       uint32
	NrUsedSlices         uint32
}

// blockReader/blockWriter let superblock.Load/Flush operate against any
// Device without importing the device package (there is no import cycle
// to avoid, since device doesn't depend on superblock; keeping this package
// dependency-free keeps the component boundary in §2 honest: the
// superblock is a pure data holder over raw blocks).
type blockReader interface {
	ReadBlock(n uint32) ([]byte, error)
}

type blockWriter interface {
	WriteBlock(n uint32, buf []byte) error
	MarkDirty(n uint32)
}

// Load reads block 0, verifies the magic number, and returns the populated
// Superblock.
func Load(dev blockReader) (*Superblock, error) {
	block, err := dev.ReadBlock(0)
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}

	raw := ondisk.DecodeSuperblock(block)
	if raw.Magic != ondisk.Magic {
		return nil, errors.ErrInvalid.WithMessage("wrong magic number")
	}

	return &Superblock{
		NrBlocks:             raw.NrBlocks,
		NrInodes:             raw.NrInodes,
		NrIstoreBlocks:       raw.NrIstoreBlocks,
		NrIfreeBlocks:        raw.NrIfreeBlocks,
		NrBfreeBlocks:        raw.NrBfreeBlocks,
		NrFreeInodes:         raw.NrFreeInodes,
		NrFreeBlocks:         raw.NrFreeBlocks,
		FirstFreeSlicedBlock: raw.FirstFreeSlicedBlock,
		NrSlicedBlocks:       raw.NrSlicedBlocks,
		NrUsedSlices:         raw.NrUsedSlices,
	}, nil
}

// Flush writes every counter back to block 0.
func (sb *Superblock) Flush(dev blockWriter) error {
	raw := ondisk.RawSuperblock{
		Magic:                ondisk.Magic,
		NrBlocks:             sb.NrBlocks,
		NrInodes:             sb.NrInodes,
		NrIstoreBlocks:       sb.NrIstoreBlocks,
		NrIfreeBlocks:        sb.NrIfreeBlocks,
		NrBfreeBlocks:        sb.NrBfreeBlocks,
		NrFreeInodes:         sb.NrFreeInodes,
		NrFreeBlocks:         sb.NrFreeBlocks,
		FirstFreeSlicedBlock: sb.FirstFreeSlicedBlock,
		NrSlicedBlocks:       sb.NrSlicedBlocks,
		NrUsedSlices:         sb.NrUsedSlices,
	}
	block := ondisk.EncodeSuperblock(raw)
	if err := dev.WriteBlock(0, block); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	dev.MarkDirty(0)
	return nil
}

// IstoreStartBlock is the first block of the inode store, immediately
// after the superblock.
func (sb *Superblock) IstoreStartBlock() uint32 { return 1 }

// IfreeStartBlock is the first block of the free-inode bitmap.
func (sb *Superblock) IfreeStartBlock() uint32 {
	return sb.IstoreStartBlock() + sb.NrIstoreBlocks
}

// BfreeStartBlock is the first block of the free-block bitmap.
func (sb *Superblock) BfreeStartBlock() uint32 {
	return sb.IfreeStartBlock() + sb.NrIfreeBlocks
}

// DataStartBlock is the first block of the data region.
func (sb *Superblock) DataStartBlock() uint32 {
	return sb.BfreeStartBlock() + sb.NrBfreeBlocks
}
