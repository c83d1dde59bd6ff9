//go:build !(linux || darwin || freebsd)

package storage

// FreeSpace is not reported on this platform.
func FreeSpace(string) (uint64, bool) {
	return 0, false
}
