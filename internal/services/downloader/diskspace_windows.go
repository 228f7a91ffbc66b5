//go:build windows

package downloader

import "golang.org/x/sys/windows"

// availableSpace reports the bytes available to the process on the volume
// holding dir.
func availableSpace(dir string) (uint64, error) {
	path, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}
	var free, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(path, &free, &total, &totalFree); err != nil {
		return 0, err
	}
	return free, nil
}
