//go:build windows

package fsops

import "golang.org/x/sys/windows"

// diskUsage returns total and free bytes of the volume holding path.
func diskUsage(path string) (total, free uint64, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &free, &total, &totalFree); err != nil {
		return 0, 0, err
	}
	return total, free, nil
}
