package device

import (
	"io"

	gobitmap "github.com/boljen/go-bitmap"
	"github.com/xaionaro-go/bytesextra"

	"github.com/wichfs/wichfs/errors"
	"github.com/wichfs/wichfs/ondisk"
)

// MemDevice is a Device backed by a flat in-memory byte slice, adapted from
// the teacher's BlockCache (file_systems/common/blockcache/blockcache.go):
// same dirty-bitmap bookkeeping and bounds checking, but simplified to a
// single fixed-size backing store instead of a lazily-fetched cache, since
// wichfs's device collaborator is always fully resident for tests and the
// reference CLI. The backing slice is wrapped with
// github.com/xaionaro-go/bytesextra so it can also be handed to callers that
// want an io.ReadWriteSeeker view of the whole image (e.g. for dumping a
// disk image to a file), the same adapter the teacher uses in
// testing/images.go.
type MemDevice struct {
	data         []byte
	dirtyBlocks  gobitmap.Bitmap
	totalBlocks  uint32
	syncedBlocks uint
}

// NewMemDevice creates a zero-filled device of totalBlocks blocks.
func NewMemDevice(totalBlocks uint32) *MemDevice {
	return &MemDevice{
		data:        make([]byte, int(totalBlocks)*ondisk.BlockSize),
		dirtyBlocks: gobitmap.New(int(totalBlocks)),
		totalBlocks: totalBlocks,
	}
}

// NewMemDeviceFromImage wraps an existing raw disk image, whose length must
// be an exact multiple of ondisk.BlockSize.
func NewMemDeviceFromImage(image []byte) *MemDevice {
	total := uint32(len(image) / ondisk.BlockSize)
	return &MemDevice{
		data:        image,
		dirtyBlocks: gobitmap.New(int(total)),
		totalBlocks: total,
	}
}

// Stream returns an io.ReadWriteSeeker over the whole backing image.
func (d *MemDevice) Stream() io.ReadWriteSeeker {
	return bytesextra.NewReadWriteSeeker(d.data)
}

func (d *MemDevice) TotalBlocks() uint32 {
	return d.totalBlocks
}

func (d *MemDevice) checkBounds(n uint32) error {
	if n >= d.totalBlocks {
		return errors.ErrInvalid.WithMessage("block number out of range")
	}
	return nil
}

func (d *MemDevice) ReadBlock(n uint32) ([]byte, error) {
	if err := d.checkBounds(n); err != nil {
		return nil, err
	}
	start := int(n) * ondisk.BlockSize
	out := make([]byte, ondisk.BlockSize)
	copy(out, d.data[start:start+ondisk.BlockSize])
	return out, nil
}

func (d *MemDevice) WriteBlock(n uint32, buf []byte) error {
	if err := d.checkBounds(n); err != nil {
		return err
	}
	if len(buf) != ondisk.BlockSize {
		return errors.ErrInvalid.WithMessage("block buffer is not exactly one block long")
	}
	start := int(n) * ondisk.BlockSize
	copy(d.data[start:start+ondisk.BlockSize], buf)
	d.dirtyBlocks.Set(int(n), true)
	return nil
}

func (d *MemDevice) MarkDirty(n uint32) {
	d.dirtyBlocks.Set(int(n), true)
}

// SyncBlock clears the dirty bit for n. There's no real backing store to
// flush to, so this always succeeds as long as n is in range.
func (d *MemDevice) SyncBlock(n uint32) error {
	if err := d.checkBounds(n); err != nil {
		return err
	}
	d.dirtyBlocks.Set(int(n), false)
	d.syncedBlocks++
	return nil
}

// IsDirty reports whether block n has unsynced writes. Exposed for tests
// that assert on sync ordering.
func (d *MemDevice) IsDirty(n uint32) bool {
	return d.dirtyBlocks.Get(int(n))
}
