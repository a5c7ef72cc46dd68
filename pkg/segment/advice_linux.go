// +build linux

package segment

import "golang.org/x/sys/unix"

// adviseRandom turns off kernel readahead for a segment file and its
// mapping: lookups touch segments in no predictable order, and readahead
// would only churn the page cache.
func adviseRandom(fd int, data []byte) {
	_ = unix.Fadvise(fd, 0, 0, unix.FADV_RANDOM)
	_ = unix.Madvise(data, unix.MADV_RANDOM)
}
