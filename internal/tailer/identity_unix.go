//go:build unix

package tailer

import (
	"os"
	"syscall"
)

// identityOf extracts the (device, inode) pair from a stat result.
func identityOf(fi os.FileInfo) Identity {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return Identity{Device: uint64(st.Dev), Inode: uint64(st.Ino)}
	}
	return Identity{}
}
