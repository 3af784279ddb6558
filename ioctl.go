package wichfs

import (
	"github.com/wichfs/wichfs/errors"
	"github.com/wichfs/wichfs/inode"
)

// ReadSlicedBlock implements the debug ioctl channel (spec §6): it returns
// the whole 4096-byte sliced block backing in, the same way ouichefs's
// ioctl.c dumps the raw block rather than just the live slice (spec's
// supplemented-features notes). Only valid for a small, non-empty file.
func (fs *Filesystem) ReadSlicedBlock(in *inode.Inode) ([]byte, error) {
	if !in.IsSmall() || in.IsEmpty() {
		return nil, errors.ErrInvalid.WithMessage("READ_SLICED_BLOCK target is not a small file")
	}
	block, _ := inode.DecodeSmallPointer(in.IndexBlock)
	return fs.dev.ReadBlock(block)
}
