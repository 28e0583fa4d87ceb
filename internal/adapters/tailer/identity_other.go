//go:build !unix

package tailer

import (
	"os"

	"github.com/corey/logglance/internal/ports"
)

// identityOf falls back to size and mtime; without an inode, rotation is
// only seen when the file shrinks or its head bytes change.
func identityOf(fi os.FileInfo) ports.FileIdentity {
	return ports.FileIdentity{Size: fi.Size(), ModTime: fi.ModTime()}
}
