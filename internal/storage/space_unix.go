//go:build linux || darwin || freebsd

package storage

import "golang.org/x/sys/unix"

// FreeSpace returns the bytes available to unprivileged users on the volume holding path.
func FreeSpace(path string) (uint64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	return uint64(st.Bavail) * uint64(st.Bsize), true
}
