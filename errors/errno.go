package errors

import "fmt"

// DiskoError is a sentinel error kind. The name is carried over from the
// teacher's convention of naming the whole error-kind family after the
// project rather than after POSIX errno, since this core isn't a 1:1 errno
// mapping (e.g. Corruption has no single errno equivalent).
type DiskoError string

// Error kinds surfaced at the boundary (spec §6/§7).
const (
	ErrNoSpace    = DiskoError("no space left on device")
	ErrTooLarge   = DiskoError("file exceeds maximum size")
	ErrIO         = DiskoError("input/output error")
	ErrCorruption = DiskoError("on-disk structure is corrupt")
	ErrInvalid    = DiskoError("invalid argument")
	ErrNotFound   = DiskoError("no such inode or block")
)

// Additional kinds used internally by the allocator, named the same way the
// teacher extends the POSIX set with values like ErrAlreadyInProgress.
const (
	// ErrAlreadyFree indicates a caller tried to release a slice or block
	// that is already marked free; this is a logical consistency violation,
	// not a transient condition.
	ErrAlreadyFree = DiskoError("resource is already free")
	// ErrSliceRangeInvalid indicates a slice run specification (start,
	// count) does not fit within a single sliced block.
	ErrSliceRangeInvalid = DiskoError("slice range invalid for sliced block")
)

func (e DiskoError) Error() string {
	return string(e)
}

func (e DiskoError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", string(e), message),
		originalError: e,
	}
}

func (e DiskoError) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", string(e), err.Error()),
		originalError: err,
	}
}
