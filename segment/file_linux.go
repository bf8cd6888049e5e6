//go:build linux

package segment

import (
	"os"

	"golang.org/x/sys/unix"
)

func preallocExtend(f *os.File, sizeInBytes int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, sizeInBytes)
	if err != nil {
		if err == unix.ENOTSUP || err == unix.EINTR {
			return preallocExtendTrunc(f, sizeInBytes)
		}
		return err
	}
	return nil
}

func fsync(f *os.File) error {
	return f.Sync()
}
