//go:build !unix

package tailer

import "os"

// identityOf has no stat identity to extract on this platform. All files
// share the zero identity, so rotation is detected only by shrinkage and
// resume positions are adopted by path alone.
func identityOf(fi os.FileInfo) Identity {
	return Identity{}
}
