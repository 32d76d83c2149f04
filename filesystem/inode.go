package filesystem

import (
	"os"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

type Inode struct {
	// Low-level fuse wire protocol attributes; Only access directly if
	// handling locks manually
	fuseAttr *fuse.Attr
	mu       sync.RWMutex
}

func NewInode(attr *fuse.Attr) *Inode {
	return &Inode{fuseAttr: attr}
}

// CopyAttr returns a thread-safe copy of the inode's attributes
func (n *Inode) CopyAttr() fuse.Attr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return *n.fuseAttr
}

// UpdateAttr runs fn under the Inode write-lock for atomic modifications.
func (n *Inode) UpdateAttr(fn func(attr *fuse.Attr)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(n.fuseAttr)
}

// Mode returns the type and permission bits
func (n *Inode) Mode() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fuseAttr.Mode
}

// touchLocked sets mtime and ctime to now. Caller must hold n.mu.Lock().
func (n *Inode) touchLocked(now time.Time) {
	n.fuseAttr.Mtime = uint64(now.Unix())
	n.fuseAttr.Mtimensec = uint32(now.Nanosecond())
	n.fuseAttr.Ctime = n.fuseAttr.Mtime
	n.fuseAttr.Ctimensec = n.fuseAttr.Mtimensec
}

// newDefaultAttr returns the default attributes for a new node
// NOTE: Make sure to set the Mode field appropriately
func newDefaultAttr(ino uint64) *fuse.Attr {
	now := time.Now()
	return &fuse.Attr{
		Ino:   ino,
		Nlink: 1,
		Owner: fuse.Owner{
			Uid: uint32(os.Getuid()),
			Gid: uint32(os.Getgid()),
		},
		Atime:     uint64(now.Unix()),
		Mtime:     uint64(now.Unix()),
		Ctime:     uint64(now.Unix()),
		Atimensec: uint32(now.Nanosecond()),
		Mtimensec: uint32(now.Nanosecond()),
		Ctimensec: uint32(now.Nanosecond()),
		Blksize:   4096, // preferred size for fs ops
	}
}
