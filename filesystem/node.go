package filesystem

import (
	"fmt"
	"sync/atomic"

	"github.com/brettbedarf/treefs"
)

// Node is a directory or file element of the tree. Identity, kind, name and
// parent are immutable after construction; there is no rename or reparenting.
type Node struct {
	id     uint64
	kind   treefs.Kind
	name   string // stored (bounded) name; "" for root
	parent *Node  // nil for root

	refs       atomic.Int64 // registry standing ref + one per outstanding Handle
	registered atomic.Bool  // registry still holds its standing ref
	unlinked   atomic.Bool  // removed from its parent's child index
	evicted    atomic.Bool  // refs reached zero

	dir *childIndex // nil unless kind is KindDirectory
	*Inode
}

// newNode builds an unregistered node. mode must carry the type bits matching kind.
func newNode(id uint64, kind treefs.Kind, name string, mode uint32, parent *Node) *Node {
	attr := newDefaultAttr(id)
	attr.Mode = mode
	n := &Node{
		id:     id,
		kind:   kind,
		name:   name,
		parent: parent,
		Inode:  NewInode(attr),
	}
	if kind == treefs.KindDirectory {
		n.dir = &childIndex{}
		// "." plus the entry in the parent
		attr.Nlink = 2
	}
	return n
}

// NodeID returns the node's identity
func (n *Node) NodeID() uint64 {
	return n.id
}

func (n *Node) Kind() treefs.Kind {
	return n.kind
}

// Name returns the node's immutable stored name
func (n *Node) Name() string {
	return n.name
}

func (n *Node) IsDir() bool {
	return n.kind == treefs.KindDirectory
}

func (n *Node) IsRoot() bool {
	return n.parent == nil
}

// Unlinked reports whether the node was removed from its parent
func (n *Node) Unlinked() bool {
	return n.unlinked.Load()
}

// Evicted reports whether the last reference was released
func (n *Node) Evicted() bool {
	return n.evicted.Load()
}

// Refs returns the current reference count (registry plus handles)
func (n *Node) Refs() int64 {
	return n.refs.Load()
}

// LiveChildren returns the directory's live child count; 0 for non-directories
func (n *Node) LiveChildren() int {
	if n.dir == nil {
		return 0
	}
	return n.dir.liveCount()
}

// Path returns the path of the node relative from root.
// If the node is the root, returns ""
//
// Returns an error if the node or an ancestor was unlinked, with the path
// up to the first unlinked node
func (n *Node) Path() (string, error) {
	if n.IsRoot() {
		return "", nil
	}
	if n.unlinked.Load() {
		return n.name, fmt.Errorf("unlinked node: %s", n.name)
	}

	pPath, err := n.parent.Path()
	if pPath == "" && err == nil {
		// relative from root
		return n.name, nil
	}
	return pPath + "/" + n.name, err
}

// tryGet takes a reference only if the node still has one
func (n *Node) tryGet() bool {
	for {
		c := n.refs.Load()
		if c <= 0 {
			return false
		}
		if n.refs.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// evict drops the child index so evicted directories hold no references
func (n *Node) evict() {
	n.evicted.Store(true)
	if n.dir != nil {
		n.dir.clear()
	}
}
