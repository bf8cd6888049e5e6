package segment

import (
	"io"
	"os"
)

// preallocate tries to reserve sizeInBytes of disk space for f ahead of
// time, so that writers don't pay for filesystem block allocation on the
// hot commit path. If the platform doesn't support fast preallocation,
// falls back to a seek+truncate, and if that's unsupported too, is a
// silent no-op: preallocation is an optimization, not a correctness
// requirement.
func preallocate(f *os.File, sizeInBytes int64) error {
	if sizeInBytes <= 0 {
		return nil
	}
	return preallocExtend(f, sizeInBytes)
}

// preallocExtendTrunc extends f to sizeInBytes via Truncate, used as a
// fallback when the platform-specific fast path (fallocate, etc.) isn't
// available.
func preallocExtendTrunc(f *os.File, sizeInBytes int64) error {
	curOff, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := f.Seek(curOff, io.SeekStart); err != nil {
		return err
	}
	if size >= sizeInBytes {
		return nil
	}
	return f.Truncate(sizeInBytes)
}
