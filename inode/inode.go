// Package inode implements spec §4.D, the fixed-array inode store, plus
// the classification helpers shared by every other component: the small
// vs. large decision (spec §3 "Classification invariant") and the packed
// small-file pointer codec. Grounded on the teacher's
// file_systems/unixv1/inode.go (RawInode / BytesToInode / InodeToRawInode).
package inode

import (
	"time"

	"github.com/wichfs/wichfs/errors"
	"github.com/wichfs/wichfs/ondisk"
)

// RootIno is the inode number of the root directory. 0 is reserved and
// invalid (spec §4.D), matching ouichefs's choice of starting numbering at
// 1 "to stay compatible with userspace applications" (super.c).
const RootIno = 1

// Inode is the in-memory, VFS-visible half of an on-disk inode record
// (spec §3 "In-memory inode").
type Inode struct {
	Ino   uint32
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  uint32
	Ctime time.Time
	Atime time.Time
	Mtime time.Time

	// IBlocks is 0 for small files, ceil(Size/BlockSize)+1 for large files
	// (spec §3 "i_blocks invariant").
	IBlocks uint32
	Nlink   uint32

	// IndexBlock is either a packed small-file slice pointer or the block
	// number of a large file's index block, depending on IsSmall/IsEmpty.
	IndexBlock uint32
	NumSlices  uint16

	dirty bool
}

// IsEmpty reports whether the file has no storage attached (IndexBlock is
// 0): it was never written to, or it was a small file truncated to 0.
func (in *Inode) IsEmpty() bool {
	return in.IndexBlock == 0
}

// IsSmall reports whether the file is stored as a slice run (spec §3
// "Classification invariant"): i_blocks == 0, which is also true of an
// empty file.
func (in *Inode) IsSmall() bool {
	return in.IBlocks == 0
}

// IsLarge reports whether the file is stored through a per-file index
// block.
func (in *Inode) IsLarge() bool {
	return in.IBlocks > 0
}

// MarkDirty flags the inode as needing to be written back on the next
// sync.
func (in *Inode) MarkDirty() {
	in.dirty = true
}

// Dirty reports whether the inode has unsynced changes.
func (in *Inode) Dirty() bool {
	return in.dirty
}

// ClearDirty resets the dirty flag after a successful flush.
func (in *Inode) ClearDirty() {
	in.dirty = false
}

// Touch updates mtime/ctime to now and marks the inode dirty.
func (in *Inode) Touch(now time.Time) {
	in.Mtime = now
	in.Ctime = now
	in.dirty = true
}

// EncodeSmallPointer packs a sliced-block number and slice index into the
// 32-bit value stored in IndexBlock for small files (spec §3 "packed
// pointer"): bits 31..5 are the block number, bits 4..0 are the slice
// index (1..31).
func EncodeSmallPointer(block uint32, slice uint32) uint32 {
	return (block << 5) | (slice & 0x1F)
}

// DecodeSmallPointer is the inverse of EncodeSmallPointer.
func DecodeSmallPointer(packed uint32) (block uint32, slice uint32) {
	return packed >> 5, packed & 0x1F
}

// blockReader/blockWriter mirror the device.Device subset the inode store
// needs, so this package does not import device, the same way superblock
// does.
type blockReader interface {
	ReadBlock(n uint32) ([]byte, error)
}

type blockWriter interface {
	WriteBlock(n uint32, buf []byte) error
	MarkDirty(n uint32)
}

// Store reads and writes fixed-size inode records from the inode-store
// region of the device (spec §4.D).
type Store struct {
	dev             interface {
		blockReader
		blockWriter
	}
	istoreStartBlock uint32
	nrInodes         uint32
}

// NewStore creates an inode store rooted at istoreStartBlock (normally
// superblock.IstoreStartBlock()).
func NewStore(dev interface {
	blockReader
	blockWriter
}, istoreStartBlock uint32, nrInodes uint32) *Store {
	return &Store{dev: dev, istoreStartBlock: istoreStartBlock, nrInodes: nrInodes}
}

func (s *Store) locate(ino uint32) (block uint32, slot int) {
	block = s.istoreStartBlock + ino/uint32(ondisk.InodesPerBlock)
	slot = int(ino % uint32(ondisk.InodesPerBlock))
	return
}

// IGet loads inode ino from the store.
func (s *Store) IGet(ino uint32) (*Inode, error) {
	if ino == 0 || ino >= s.nrInodes {
		return nil, errors.ErrNotFound.WithMessage("inode number out of range")
	}

	block, slot := s.locate(ino)
	buf, err := s.dev.ReadBlock(block)
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}

	raw := ondisk.DecodeInode(buf, slot*ondisk.InodeRecordSize)
	return &Inode{
		Ino:        ino,
		Mode:       raw.Mode,
		UID:        raw.UID,
		GID:        raw.GID,
		Size:       raw.Size,
		Ctime:      time.Unix(int64(raw.CTimeSec), int64(raw.CTimeNsec)),
		Atime:      time.Unix(int64(raw.ATimeSec), int64(raw.ATimeNsec)),
		Mtime:      time.Unix(int64(raw.MTimeSec), int64(raw.MTimeNsec)),
		IBlocks:    raw.IBlocks,
		Nlink:      raw.Nlink,
		IndexBlock: raw.IndexBlock,
		NumSlices:  raw.NumSlices,
	}, nil
}

// WriteInode persists in to its fixed slot in the inode store.
func (s *Store) WriteInode(in *Inode) error {
	if in.Ino == 0 || in.Ino >= s.nrInodes {
		return errors.ErrInvalid.WithMessage("inode number out of range")
	}

	block, slot := s.locate(in.Ino)
	buf, err := s.dev.ReadBlock(block)
	if err != nil {
		return errors.ErrIO.WrapError(err)
	}

	raw := ondisk.RawInode{
		Mode:       in.Mode,
		UID:        in.UID,
		GID:        in.GID,
		Size:       in.Size,
		CTimeSec:   uint32(in.Ctime.Unix()),
		CTimeNsec:  uint64(in.Ctime.Nanosecond()),
		ATimeSec:   uint32(in.Atime.Unix()),
		ATimeNsec:  uint64(in.Atime.Nanosecond()),
		MTimeSec:   uint32(in.Mtime.Unix()),
		MTimeNsec:  uint64(in.Mtime.Nanosecond()),
		IBlocks:    in.IBlocks,
		Nlink:      in.Nlink,
		IndexBlock: in.IndexBlock,
		NumSlices:  in.NumSlices,
	}
	ondisk.EncodeInode(buf, slot*ondisk.InodeRecordSize, raw)

	if err := s.dev.WriteBlock(block, buf); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	s.dev.MarkDirty(block)
	in.ClearDirty()
	return nil
}
