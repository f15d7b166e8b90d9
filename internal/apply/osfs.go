package apply

import (
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// modeSetter is implemented by target filesystems that can change file
// permissions. Copies onto other filesystems keep the default temp mode.
type modeSetter interface {
	Chmod(name string, mode os.FileMode) error
}

// OSFilesystem is an osfs rooted at a directory that can also chmod
type OSFilesystem struct {
	billy.Filesystem
	root string
}

// NewOSFilesystem returns a target filesystem for the tree at root
func NewOSFilesystem(root string) *OSFilesystem {
	return &OSFilesystem{Filesystem: osfs.New(root), root: root}
}

// Chmod changes the mode of name, a slash path below the root
func (fs *OSFilesystem) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(filepath.Join(fs.root, filepath.FromSlash(name)), mode)
}

var _ modeSetter = (*OSFilesystem)(nil)
