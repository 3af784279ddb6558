package wichfs

import "github.com/wichfs/wichfs/inode"

// OpenFlags mirrors the subset of POSIX open(2) flags the core cares about
// (spec §6 "open(flags)").
type OpenFlags struct {
	Write    bool
	Truncate bool
	Append   bool
}

// File is a handle on an open regular file, bundling the loaded inode with
// the mount it belongs to so Read/Write/Truncate/Sync can drive the file
// body engine without the caller threading the Filesystem through every
// call.
type File struct {
	fs *Filesystem
	in *inode.Inode
}

// Open loads ino and applies the open-with-truncate gate (spec §4.F "Open
// with truncate").
func (fs *Filesystem) Open(ino uint32, flags OpenFlags) (*File, error) {
	in, err := fs.IGet(ino)
	if err != nil {
		return nil, err
	}
	if err := fs.body.OpenTruncate(in, flags.Write, flags.Truncate); err != nil {
		return nil, err
	}
	if in.Dirty() {
		fs.MarkInodeDirty(in)
	}
	return &File{fs: fs, in: in}, nil
}

// Ino returns the inode number backing this handle.
func (f *File) Ino() uint32 { return f.in.Ino }

// Stat returns the handle's current in-memory inode.
func (f *File) Stat() *inode.Inode { return f.in }

// Read serves spec §6 "read(pos, count) -> bytes".
func (f *File) Read(pos uint32, count int) ([]byte, error) {
	return f.fs.body.Read(f.in, pos, count)
}

// Write serves spec §6 "write(pos, count, bytes) -> written|err". When
// appendMode is true, pos is ignored and the write target is the current
// end of file.
func (f *File) Write(pos uint32, payload []byte, appendMode bool) (int, error) {
	n, err := f.fs.body.Write(f.in, pos, payload, appendMode)
	f.fs.MarkInodeDirty(f.in)
	return n, err
}

// Truncate serves spec §6 "truncate(new_size)".
func (f *File) Truncate(newSize uint32) error {
	err := f.fs.body.Truncate(f.in, newSize)
	f.fs.MarkInodeDirty(f.in)
	return err
}

// Sync serves spec §6 "sync(wait)" at the file-handle level by flushing
// the whole mount; the core has no per-file journal separate from the
// mount-wide dirty-inode set.
func (f *File) Sync(wait bool) error {
	return f.fs.Sync(wait)
}

// ReadSlicedBlock implements the debug/observability channel of spec §6:
// READ_SLICED_BLOCK(target_fd) -> bytes[4096], valid only when the file is
// small and has been written to at least once.
func (f *File) ReadSlicedBlock() ([]byte, error) {
	return f.fs.ReadSlicedBlock(f.in)
}
