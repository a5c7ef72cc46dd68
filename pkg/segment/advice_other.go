// +build !linux

package segment

// adviseRandom is a no-op where posix_fadvise is not available
func adviseRandom(_ int, _ []byte) {}
