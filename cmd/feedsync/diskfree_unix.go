//go:build linux || darwin || freebsd

package main

import "golang.org/x/sys/unix"

// diskUsage reports available and total bytes of the filesystem holding path.
func diskUsage(path string) (available, total uint64, ok bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, false
	}
	return stat.Bavail * uint64(stat.Bsize), stat.Blocks * uint64(stat.Bsize), true
}
