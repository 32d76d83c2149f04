package filesystem

import (
	"github.com/brettbedarf/treefs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Handle is a counted reference to a live [Node]. While a Handle is held the
// node will not be evicted, even after it is unlinked.
// Calling Handle.Release() unwinds all cleanup callbacks in reverse order.
//
// NOTE: Handle itself is **not** thread-safe meaning references
// to it should not be shared between goroutines
type Handle struct {
	node     *Node
	reg      *Registry
	closeFns []func()
}

var _ treefs.NodeInfo = (*Handle)(nil)

func newHandle(r *Registry, n *Node) *Handle {
	h := &Handle{node: n, reg: r}
	h.AddClose(func() { r.put(n) })
	return h
}

// Dup returns a new handle on the same node with its own reference.
// h must not have been released.
func (h *Handle) Dup() *Handle {
	return h.reg.acquire(h.node)
}

// Node returns the underlying node. It must not be used after Release.
func (h *Handle) Node() *Node {
	return h.node
}

// Name returns the node's immutable stored name.
func (h *Handle) Name() string {
	return h.node.name
}

func (h *Handle) NodeID() uint64 {
	return h.node.id
}

func (h *Handle) Kind() treefs.Kind {
	return h.node.kind
}

func (h *Handle) IsDir() bool {
	return h.node.IsDir()
}

func (h *Handle) Mode() uint32 {
	return h.node.Mode()
}

// Attr returns a snapshot of the fuse attributes.
func (h *Handle) Attr() fuse.Attr {
	return h.node.CopyAttr()
}

// LiveChildren returns the directory's child count
func (h *Handle) LiveChildren() int {
	return h.node.LiveChildren()
}

// Path returns the slash separated path from the root
func (h *Handle) Path() (string, error) {
	return h.node.Path()
}

// AddClose pushes a cleanup callback onto the end of the stack.
func (h *Handle) AddClose(fn func()) {
	h.closeFns = append(h.closeFns, fn)
}

// Release unwinds all cleanup callbacks in reverse order.
// Safe to call even if h is nil or already released; it is
// a no-op in those cases, so you can `defer h.Release()` unconditionally.
//
// Example:
//
//	h, err := fs.Lookup(parentID, name)
//	if err != nil {
//		return err
//	}
//	defer h.Release()
func (h *Handle) Release() {
	if h == nil {
		return
	}
	for i := len(h.closeFns) - 1; i >= 0; i-- {
		h.closeFns[i]()
	}
	h.closeFns = nil
}
