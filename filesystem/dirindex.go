package filesystem

import (
	"cmp"
	"slices"
	"sync"
)

// dirent is a weak child reference; the id must be resolved through the
// registry before the child is used.
type dirent struct {
	name string
	id   uint64
}

// childIndex holds a directory's children in insertion order. Ids are
// allocated while mu is held so entries are also ordered by ascending id.
type childIndex struct {
	mu      sync.Mutex
	entries []dirent
	live    int  // always len(entries) when mu is released
	dead    bool // directory was removed; no more children may be linked
}

// appendLocked links a new entry. Caller must hold mu.
func (d *childIndex) appendLocked(name string, id uint64) {
	d.entries = append(d.entries, dirent{name: name, id: id})
	d.live++
}

// removeAtLocked unlinks entries[i] keeping the remaining order. Caller must hold mu.
func (d *childIndex) removeAtLocked(i int) {
	d.entries = slices.Delete(d.entries, i, i+1)
	d.live--
}

func (d *childIndex) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// markDead flags the directory as removed if it has no children.
// Returns false when children remain.
func (d *childIndex) markDead() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live > 0 {
		return false
	}
	d.dead = true
	return true
}

// snapshotAfter copies the entries with an id greater than cursor
func (d *childIndex) snapshotAfter(cursor uint64) []dirent {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.entries)
	if d.live == 0 || d.entries[n-1].id <= cursor {
		return nil
	}
	start, _ := slices.BinarySearchFunc(d.entries, cursor, func(e dirent, c uint64) int {
		return cmp.Compare(e.id, c)
	})
	if start < n && d.entries[start].id == cursor {
		start++
	}
	return slices.Clone(d.entries[start:])
}

func (d *childIndex) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = nil
	d.live = 0
	d.dead = true
}
