package filesystem

import (
	"fmt"
	"sync/atomic"

	"github.com/brettbedarf/treefs"
	"github.com/puzpuzpuz/xsync/v4"
)

// Registry maps node ids to live nodes and owns one standing reference per
// registered node. Readers never block; reference counts are per node atomics.
type Registry struct {
	nodes   *xsync.Map[uint64, *Node]
	count   atomic.Uint64 // registered nodes, including reserved slots
	limit   uint64        // 0 is unlimited
	evicted atomic.Uint64
}

// NewRegistry returns an empty registry holding at most limit nodes (0 for no limit)
func NewRegistry(limit uint64) *Registry {
	return &Registry{
		nodes: xsync.NewMap[uint64, *Node](),
		limit: limit,
	}
}

// Insert registers n with a standing reference
func (r *Registry) Insert(n *Node) error {
	if !r.reserve() {
		return treefs.ErrNoSpace
	}
	return r.insertReserved(n)
}

// reserve claims a slot under the limit
func (r *Registry) reserve() bool {
	for {
		c := r.count.Load()
		if r.limit != 0 && c >= r.limit {
			return false
		}
		if r.count.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

func (r *Registry) unreserve() {
	r.count.Add(^uint64(0))
}

// insertReserved stores n into a slot already claimed with reserve
func (r *Registry) insertReserved(n *Node) error {
	n.refs.Store(1)
	n.registered.Store(true)
	if _, loaded := r.nodes.LoadOrStore(n.id, n); loaded {
		n.registered.Store(false)
		n.refs.Store(0)
		r.unreserve()
		return fmt.Errorf("id %d already registered: %w", n.id, treefs.ErrNoSpace)
	}
	return nil
}

// Lookup resolves id to a new reference-counted Handle.
// Fails for ids never registered, removed, or already torn down.
func (r *Registry) Lookup(id uint64) (*Handle, bool) {
	n, ok := r.nodes.Load(id)
	if !ok || !n.tryGet() {
		return nil, false
	}
	return newHandle(r, n), true
}

// Remove deletes the entry for id and drops the standing reference.
// The node stays alive while handles are outstanding.
func (r *Registry) Remove(id uint64) bool {
	n, ok := r.nodes.LoadAndDelete(id)
	if !ok {
		return false
	}
	if n.registered.CompareAndSwap(true, false) {
		r.unreserve()
		r.put(n)
	}
	return true
}

// acquire takes a new handle on a node the caller already keeps alive
func (r *Registry) acquire(n *Node) *Handle {
	n.refs.Add(1)
	return newHandle(r, n)
}

// put drops one reference, evicting the node on the last one
func (r *Registry) put(n *Node) {
	c := n.refs.Add(-1)
	switch {
	case c == 0:
		n.evict()
		r.evicted.Add(1)
	case c < 0:
		panic(fmt.Sprintf("node %d released more times than acquired", n.id))
	}
}

// Len returns the number of registered nodes
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Evicted returns how many nodes have released their last reference
func (r *Registry) Evicted() uint64 {
	return r.evicted.Load()
}

// Range calls fn for every registered node until fn returns false
func (r *Registry) Range(fn func(n *Node) bool) {
	r.nodes.Range(func(_ uint64, n *Node) bool {
		return fn(n)
	})
}
