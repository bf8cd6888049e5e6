//go:build !linux

package segment

import "os"

func preallocExtend(f *os.File, sizeInBytes int64) error {
	return preallocExtendTrunc(f, sizeInBytes)
}

func fsync(f *os.File) error {
	return f.Sync()
}
