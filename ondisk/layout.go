// Package ondisk defines the bit-exact wire structures for wichfs (spec §3)
// and the encoding/binary helpers that move them to and from block-sized
// byte buffers. Every multi-byte field is little-endian, matching the
// teacher's RawInode / BytesToInode / InodeToRawInode convention in
// file_systems/unixv1/inode.go.
package ondisk

import (
	"bytes"
	"encoding/binary"

	"github.com/noxer/bytewriter"
)

const (
	// BlockSize is the fixed size of a device block, in bytes.
	BlockSize = 4096
	// SliceSize is the fixed size of a slice within a sliced block.
	SliceSize = 128
	// SlicesPerBlock is the number of slices (including the reserved header
	// slot) in one sliced block.
	SlicesPerBlock = BlockSize / SliceSize
	// MaxFileSize is the largest size a regular file may reach.
	MaxFileSize = 4 << 20
	// FilenameLen is the maximum length of a directory entry's name. Not
	// used by the storage core itself (directory entries are out of
	// scope) but kept as it's part of the on-disk contract statfs reports.
	FilenameLen = 28
	// Magic is the superblock magic number, 0x48434957, spelling "WICH" in
	// the low-order bytes when read little-endian.
	Magic = 0x48434957
	// SmallFileThreshold is the largest size (in bytes) that still fits in
	// a single slice run: BlockSize - SliceSize.
	SmallFileThreshold = BlockSize - SliceSize
	// IndexEntriesPerBlock is the number of 32-bit block pointers that fit
	// in one index block.
	IndexEntriesPerBlock = BlockSize / 4
)

// RawSuperblock is the bit-exact layout of block 0.
type RawSuperblock struct {
	Magic                uint32
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

// EncodeSuperblock serializes sb into a BlockSize buffer.
func EncodeSuperblock(sb RawSuperblock) []byte {
	buf := make([]byte, BlockSize)
	w := bytewriter.New(buf)
	binary.Write(w, binary.LittleEndian, &sb)
	return buf
}

// DecodeSuperblock parses the first bytes of a block-sized buffer.
func DecodeSuperblock(block []byte) RawSuperblock {
	var sb RawSuperblock
	binary.Read(bytes.NewReader(block), binary.LittleEndian, &sb)
	return sb
}

// RawInode is the bit-exact on-disk inode record (spec §3). Field order and
// sizes are fixed by the wire format; Go will pad this struct in memory, but
// binary.Write/Read only care about the declared field sizes and order, not
// memory layout, so padding is harmless.
type RawInode struct {
	Mode        uint32
	UID         uint32
	GID         uint32
	Size        uint32
	CTimeSec    uint32
	CTimeNsec   uint64
	ATimeSec    uint32
	ATimeNsec   uint64
	MTimeSec    uint32
	MTimeNsec   uint64
	IBlocks     uint32
	Nlink       uint32
	IndexBlock  uint32
	NumSlices   uint16
}

// InodeRecordSize is the encoded size of one RawInode. Computed once from a
// throwaway encode rather than hand-counted, so it can never drift from the
// field list above.
var InodeRecordSize = len(encodeInodeRaw(RawInode{}))

// InodesPerBlock is the number of fixed-size inode records that fit in one
// block.
var InodesPerBlock = BlockSize / InodeRecordSize

func encodeInodeRaw(in RawInode) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, &in)
	return buf.Bytes()
}

// EncodeInode writes in's wire form into dst at the given byte offset. dst
// must have at least offset+InodeRecordSize bytes.
func EncodeInode(dst []byte, offset int, in RawInode) {
	copy(dst[offset:offset+InodeRecordSize], encodeInodeRaw(in))
}

// DecodeInode reads one inode record out of src at the given byte offset.
func DecodeInode(src []byte, offset int) RawInode {
	var in RawInode
	binary.Read(bytes.NewReader(src[offset:offset+InodeRecordSize]), binary.LittleEndian, &in)
	return in
}

// RawIndexBlock is the array of physical block numbers backing a large
// file's logical blocks. A zero entry means "hole".
type RawIndexBlock struct {
	Blocks [IndexEntriesPerBlock]uint32
}

// EncodeIndexBlock serializes idx into a BlockSize buffer.
func EncodeIndexBlock(idx RawIndexBlock) []byte {
	buf := make([]byte, BlockSize)
	w := bytewriter.New(buf)
	binary.Write(w, binary.LittleEndian, &idx)
	return buf
}

// DecodeIndexBlock parses a block-sized buffer into a RawIndexBlock.
func DecodeIndexBlock(block []byte) RawIndexBlock {
	var idx RawIndexBlock
	binary.Read(bytes.NewReader(block), binary.LittleEndian, &idx)
	return idx
}

// SlicedBlockHeader is the first 8 bytes of a sliced block: a 32-bit free
// bitmap (bit i set means slice i is free; bit 0 is always clear, the
// header's own reserved slot) followed by the 32-bit number of the next
// sliced block in the free list (0 terminates the list).
type SlicedBlockHeader struct {
	Bitmap uint32
	Next   uint32
}

// EncodeSlicedBlockHeader writes hdr into the first 8 bytes of block,
// leaving the remaining 4088 bytes of slice data untouched.
func EncodeSlicedBlockHeader(block []byte, hdr SlicedBlockHeader) {
	binary.LittleEndian.PutUint32(block[0:4], hdr.Bitmap)
	binary.LittleEndian.PutUint32(block[4:8], hdr.Next)
}

// DecodeSlicedBlockHeader reads the header out of the first 8 bytes of
// block.
func DecodeSlicedBlockHeader(block []byte) SlicedBlockHeader {
	return SlicedBlockHeader{
		Bitmap: binary.LittleEndian.Uint32(block[0:4]),
		Next:   binary.LittleEndian.Uint32(block[4:8]),
	}
}

// SliceOffset returns the byte offset of slice i within its sliced block.
func SliceOffset(slice uint32) int {
	return int(slice) * SliceSize
}
