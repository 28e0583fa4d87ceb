//go:build unix

package tailer

import (
	"os"
	"syscall"

	"github.com/corey/logglance/internal/ports"
)

// identityOf extracts the device/inode pair that survives renames, so a new
// file at the same path is recognized as a rotation.
func identityOf(fi os.FileInfo) ports.FileIdentity {
	id := ports.FileIdentity{Size: fi.Size(), ModTime: fi.ModTime()}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		id.Dev = uint64(st.Dev)
		id.Ino = uint64(st.Ino)
	}
	return id
}
