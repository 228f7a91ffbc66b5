//go:build !windows

package downloader

import "golang.org/x/sys/unix"

// availableSpace reports the bytes available to the process on the
// filesystem holding dir.
func availableSpace(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
