package filesystem

import (
	"fmt"
	"sync"
	"syscall"
	"testing"

	"github.com/brettbedarf/treefs"
	"github.com/brettbedarf/treefs/config"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.NegativeTimeout = 60
	return cfg
}

// newTestFS returns a filesystem with fn applied to the default test config
func newTestFS(t *testing.T, fn func(cfg *config.Config)) *FileSystem {
	t.Helper()
	cfg := createTestConfig()
	if fn != nil {
		fn(cfg)
	}
	fs := NewFS(cfg)
	t.Cleanup(fs.Destroy)
	return fs
}

// mustMkdir creates a directory and releases the returned handle
func mustMkdir(t *testing.T, fs *FileSystem, parentID uint64, name string) uint64 {
	t.Helper()
	h, err := fs.Mkdir(parentID, name, 0o755)
	require.NoError(t, err)
	defer h.Release()
	return h.NodeID()
}

func mustCreate(t *testing.T, fs *FileSystem, parentID uint64, name string) uint64 {
	t.Helper()
	h, err := fs.Create(parentID, name, 0o644)
	require.NoError(t, err)
	defer h.Release()
	return h.NodeID()
}

func names(entries []treefs.DirEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestNewFS_Root(t *testing.T) {
	t.Parallel()

	fs := NewFS(nil)
	defer fs.Destroy()

	root, err := fs.Root()
	require.NoError(t, err)
	defer root.Release()

	assert.Equal(t, uint64(fuse.FUSE_ROOT_ID), root.NodeID())
	assert.Equal(t, fs.RootID(), root.NodeID())
	assert.Equal(t, treefs.KindDirectory, root.Kind())
	assert.Equal(t, uint32(syscall.S_IFDIR|0o755), root.Mode())
	assert.Equal(t, "", root.Name())
	assert.Zero(t, root.LiveChildren())
	assert.Equal(t, config.DefaultMaxNameLen, fs.Config().MaxNameLen)
	assert.NotEqual(t, fs.Session(), NewFS(nil).Session())

	stats := fs.Stats()
	assert.Equal(t, 1, stats.Nodes)
	assert.Equal(t, uint64(fuse.FUSE_ROOT_ID), stats.LastID)
}

func TestFS_IdsUniqueAndIncreasing(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	a := mustCreate(t, fs, fs.RootID(), "a")
	b := mustCreate(t, fs, fs.RootID(), "b")

	assert.NotEqual(t, a, b)
	assert.Greater(t, b, a)
	assert.Greater(t, a, fs.RootID())
}

func TestFS_MkdirLookup(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	mustMkdir(t, fs, fs.RootID(), "d")

	h, err := fs.Lookup(fs.RootID(), "d")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, treefs.KindDirectory, h.Kind())
	assert.Zero(t, h.LiveChildren())
	entries, err := fs.ReadDirAll(h.NodeID())
	require.NoError(t, err)
	assert.Empty(t, entries)

	root, err := fs.Root()
	require.NoError(t, err)
	defer root.Release()
	assert.Equal(t, uint32(3), root.Attr().Nlink, "mkdir must bump parent link count")
}

func TestFS_CreateUnlinkLookup(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	mustCreate(t, fs, fs.RootID(), "f")

	require.NoError(t, fs.Unlink(fs.RootID(), "f"))

	_, err := fs.Lookup(fs.RootID(), "f")
	assert.ErrorIs(t, err, treefs.ErrNotFound)

	root, err := fs.Root()
	require.NoError(t, err)
	defer root.Release()
	assert.Zero(t, root.LiveChildren())
}

func TestFS_ReadDirOrder(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	for _, n := range []string{"x", "y", "z"} {
		mustCreate(t, fs, fs.RootID(), n)
	}

	entries, err := fs.ReadDirAll(fs.RootID())
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y", "z"}, names(entries))
	for _, e := range entries {
		assert.Equal(t, treefs.KindRegular, e.Kind)
	}
}

func TestFS_ConcurrentCreate(t *testing.T) {
	t.Parallel()

	const n = 64
	fs := newTestFS(t, nil)
	dirID := mustMkdir(t, fs, fs.RootID(), "d")

	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			h, err := fs.Create(dirID, fmt.Sprintf("f%d", i), 0o644)
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = h.NodeID()
			h.Release()
		})
	}
	wg.Wait()

	entries, err := fs.ReadDirAll(dirID)
	require.NoError(t, err)
	assert.Len(t, entries, n)

	seen := map[uint64]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].ID, entries[i].ID, "listing must follow creation order")
	}

	d, err := fs.Get(dirID)
	require.NoError(t, err)
	defer d.Release()
	assert.Equal(t, n, d.LiveChildren())
}

func TestFS_UnlinkMissing(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	mustCreate(t, fs, fs.RootID(), "keep")

	err := fs.Unlink(fs.RootID(), "nope")

	assert.ErrorIs(t, err, treefs.ErrNotFound)
	assert.Equal(t, syscall.ENOENT, treefs.ToErrno(err))
	root, err := fs.Root()
	require.NoError(t, err)
	defer root.Release()
	assert.Equal(t, 1, root.LiveChildren())
}

func TestFS_CreateLookupRoundTrip(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	h, err := fs.Create(fs.RootID(), "round.txt", 0o600)
	require.NoError(t, err)
	defer h.Release()

	got, err := fs.Lookup(fs.RootID(), "round.txt")
	require.NoError(t, err)
	defer got.Release()

	assert.Equal(t, h.NodeID(), got.NodeID())
	assert.Equal(t, h.Node(), got.Node())
	assert.Equal(t, uint32(syscall.S_IFREG|0o600), got.Mode())
}

func TestFS_CreateErrors(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	fileID := mustCreate(t, fs, fs.RootID(), "file")
	mustMkdir(t, fs, fs.RootID(), "dir")

	tests := []struct {
		name     string
		parentID uint64
		child    string
		want     error
	}{
		{"exists_file", fs.RootID(), "file", treefs.ErrExist},
		{"exists_dir", fs.RootID(), "dir", treefs.ErrExist},
		{"parent_not_dir", fileID, "x", treefs.ErrNotDir},
		{"parent_missing", 9999, "x", treefs.ErrNotFound},
		{"empty_name", fs.RootID(), "", treefs.ErrInvalidName},
		{"dot", fs.RootID(), ".", treefs.ErrInvalidName},
		{"dotdot", fs.RootID(), "..", treefs.ErrInvalidName},
		{"slash", fs.RootID(), "a/b", treefs.ErrInvalidName},
		{"nul", fs.RootID(), "a\x00b", treefs.ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := fs.Create(tt.parentID, tt.child, 0o644)
			assert.Nil(t, h)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	entries, err := fs.ReadDirAll(fs.RootID())
	require.NoError(t, err)
	assert.Equal(t, []string{"file", "dir"}, names(entries), "failed creates must not mutate the tree")
}

func TestFS_Mknod(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)

	h, err := fs.Mknod(fs.RootID(), "plain", 0o640)
	require.NoError(t, err)
	assert.Equal(t, treefs.KindRegular, h.Kind())
	assert.Equal(t, uint32(syscall.S_IFREG|0o640), h.Mode())
	h.Release()

	h, err = fs.Mknod(fs.RootID(), "fifo", syscall.S_IFIFO|0o600)
	require.NoError(t, err)
	assert.Equal(t, treefs.KindUnknown, h.Kind())
	h.Release()

	entries, err := fs.ReadDirAll(fs.RootID())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, treefs.KindUnknown, entries[1].Kind)
}

func TestFS_NamePolicy(t *testing.T) {
	t.Parallel()

	long := "abcdefghijklmnopqrstuvwxyz0123456789" // 36 bytes

	t.Run("Truncate", func(t *testing.T) {
		t.Parallel()
		fs := newTestFS(t, nil)

		h, err := fs.Create(fs.RootID(), long, 0o644)
		require.NoError(t, err)
		defer h.Release()
		assert.Equal(t, long[:config.DefaultMaxNameLen], h.Name())

		got, err := fs.Lookup(fs.RootID(), long)
		require.NoError(t, err, "lookup applies the same truncation")
		got.Release()

		// names equal after truncation collide
		_, err = fs.Create(fs.RootID(), long[:config.DefaultMaxNameLen]+"-other", 0o644)
		assert.ErrorIs(t, err, treefs.ErrExist)
	})

	t.Run("TruncateRuneBoundary", func(t *testing.T) {
		t.Parallel()
		fs := newTestFS(t, func(cfg *config.Config) { cfg.MaxNameLen = 4 })

		// "aé" is 3 bytes, the following "é" would straddle the bound
		h, err := fs.Create(fs.RootID(), "aééé", 0o644)
		require.NoError(t, err)
		defer h.Release()
		assert.Equal(t, "aé", h.Name())
	})

	t.Run("Reject", func(t *testing.T) {
		t.Parallel()
		fs := newTestFS(t, func(cfg *config.Config) { cfg.NamePolicy = config.NamePolicyReject })

		_, err := fs.Create(fs.RootID(), long, 0o644)
		assert.ErrorIs(t, err, treefs.ErrNameTooLong)
		assert.Equal(t, syscall.ENAMETOOLONG, treefs.ToErrno(err))

		h, err := fs.Create(fs.RootID(), long[:config.DefaultMaxNameLen], 0o644)
		require.NoError(t, err)
		h.Release()
	})
}

func TestFS_Rmdir(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	dirID := mustMkdir(t, fs, fs.RootID(), "d")
	mustCreate(t, fs, dirID, "f")
	mustCreate(t, fs, fs.RootID(), "file")

	assert.ErrorIs(t, fs.Rmdir(fs.RootID(), "d"), treefs.ErrNotEmpty)
	assert.ErrorIs(t, fs.Rmdir(fs.RootID(), "file"), treefs.ErrNotDir)
	assert.ErrorIs(t, fs.Unlink(fs.RootID(), "d"), treefs.ErrIsDir)
	assert.ErrorIs(t, fs.Rmdir(fs.RootID(), "missing"), treefs.ErrNotFound)

	require.NoError(t, fs.Unlink(dirID, "f"))

	held, err := fs.Get(dirID)
	require.NoError(t, err)
	defer held.Release()

	require.NoError(t, fs.Rmdir(fs.RootID(), "d"))

	_, err = fs.Lookup(fs.RootID(), "d")
	assert.ErrorIs(t, err, treefs.ErrNotFound)
	_, err = fs.Get(dirID)
	assert.ErrorIs(t, err, treefs.ErrNotFound)

	// the removed directory refuses new children even through a held handle
	assert.False(t, held.Node().Evicted())
	assert.True(t, held.Node().Unlinked())
	_, err = fs.Create(dirID, "late", 0o644)
	assert.ErrorIs(t, err, treefs.ErrNotFound)

	root, err := fs.Root()
	require.NoError(t, err)
	defer root.Release()
	assert.Equal(t, uint32(2), root.Attr().Nlink)
	assert.Equal(t, 1, root.LiveChildren())
}

func TestFS_UnlinkHeldHandle(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	h, err := fs.Create(fs.RootID(), "f", 0o644)
	require.NoError(t, err)
	node := h.Node()

	require.NoError(t, fs.Unlink(fs.RootID(), "f"))
	assert.False(t, node.Evicted(), "handle keeps the unlinked node alive")
	assert.Equal(t, "f", h.Name())
	assert.Zero(t, h.Attr().Nlink)
	_, err = h.Path()
	assert.Error(t, err)

	evicted := fs.Stats().Evicted
	h.Release()
	assert.True(t, node.Evicted())
	assert.Equal(t, evicted+1, fs.Stats().Evicted)
}

func TestFS_LookupSkipsUnresolvable(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	id := mustCreate(t, fs, fs.RootID(), "f")

	// drop the registry entry while the index entry remains
	fs.registry.Remove(id)

	_, err := fs.Lookup(fs.RootID(), "f")
	assert.ErrorIs(t, err, treefs.ErrNotFound)

	entries, err := fs.ReadDirAll(fs.RootID())
	require.NoError(t, err)
	assert.Empty(t, entries, "unresolvable entries must not be listed")

	// the stale entry does not block reuse of the name
	h, err := fs.Create(fs.RootID(), "f", 0o644)
	require.NoError(t, err)
	defer h.Release()
	assert.NotEqual(t, id, h.NodeID())
}

func TestFS_ReadDirResume(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	for i := range 5 {
		mustCreate(t, fs, fs.RootID(), fmt.Sprintf("f%d", i))
	}

	// one entry per call
	var got []string
	var cursor Cursor
	for {
		var emitted bool
		next, eof, err := fs.ReadDir(fs.RootID(), cursor, func(e treefs.DirEntry) bool {
			if emitted {
				return false
			}
			emitted = true
			got = append(got, e.Name)
			return true
		})
		require.NoError(t, err)
		cursor = next
		if eof {
			break
		}
	}
	assert.Equal(t, []string{"f0", "f1", "f2", "f3", "f4"}, got)

	next, eof, err := fs.ReadDir(fs.RootID(), cursor, func(treefs.DirEntry) bool {
		t.Fatal("nothing left to emit")
		return false
	})
	require.NoError(t, err)
	assert.True(t, eof)
	assert.Equal(t, cursor, next)
}

func TestFS_ReadDirResumeUnderMutation(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	for i := range 6 {
		mustCreate(t, fs, fs.RootID(), fmt.Sprintf("f%d", i))
	}

	var got []string
	collect := func(limit int) func(treefs.DirEntry) bool {
		return func(e treefs.DirEntry) bool {
			if limit == 0 {
				return false
			}
			limit--
			got = append(got, e.Name)
			return true
		}
	}

	cursor, eof, err := fs.ReadDir(fs.RootID(), 0, collect(2))
	require.NoError(t, err)
	require.False(t, eof)

	// remove an emitted and an unemitted entry, add a new one
	require.NoError(t, fs.Unlink(fs.RootID(), "f0"))
	require.NoError(t, fs.Unlink(fs.RootID(), "f3"))
	mustCreate(t, fs, fs.RootID(), "g")

	_, eof, err = fs.ReadDir(fs.RootID(), cursor, collect(-1))
	require.NoError(t, err)
	require.True(t, eof)

	assert.Equal(t, []string{"f0", "f1", "f2", "f4", "f5", "g"}, got)
}

func TestFS_ReadDirErrors(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	fileID := mustCreate(t, fs, fs.RootID(), "f")

	_, _, err := fs.ReadDir(fileID, 0, func(treefs.DirEntry) bool { return true })
	assert.ErrorIs(t, err, treefs.ErrNotDir)

	_, err = fs.ReadDirAll(4242)
	assert.ErrorIs(t, err, treefs.ErrNotFound)
}

func TestFS_ConcurrentCreateUnlinkList(t *testing.T) {
	t.Parallel()

	const workers = 8
	const perWorker = 50
	fs := newTestFS(t, nil)
	dirID := mustMkdir(t, fs, fs.RootID(), "d")

	var wg sync.WaitGroup
	for w := range workers {
		wg.Go(func() {
			for i := range perWorker {
				name := fmt.Sprintf("w%d-%d", w, i)
				h, err := fs.Create(dirID, name, 0o644)
				if !assert.NoError(t, err) {
					return
				}
				h.Release()
				if i%2 == 0 {
					assert.NoError(t, fs.Unlink(dirID, name))
				}
			}
		})
		wg.Go(func() {
			for range perWorker {
				entries, err := fs.ReadDirAll(dirID)
				if !assert.NoError(t, err) {
					return
				}
				seen := map[uint64]bool{}
				for _, e := range entries {
					assert.False(t, seen[e.ID], "entry emitted twice")
					seen[e.ID] = true
				}
			}
		})
	}
	wg.Wait()

	entries, err := fs.ReadDirAll(dirID)
	require.NoError(t, err)
	assert.Len(t, entries, workers*perWorker/2)

	d, err := fs.Get(dirID)
	require.NoError(t, err)
	defer d.Release()
	assert.Equal(t, len(entries), d.LiveChildren())
}

func TestFS_ConcurrentSameName(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 32 {
		wg.Go(func() {
			h, err := fs.Mkdir(fs.RootID(), "same", 0o755)
			if err != nil {
				assert.ErrorIs(t, err, treefs.ErrExist)
				return
			}
			h.Release()
			mu.Lock()
			wins++
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	entries, err := fs.ReadDirAll(fs.RootID())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFS_MaxNodes(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, func(cfg *config.Config) { cfg.MaxNodes = 3 })
	mustCreate(t, fs, fs.RootID(), "a")
	mustCreate(t, fs, fs.RootID(), "b")

	_, err := fs.Create(fs.RootID(), "c", 0o644)
	assert.ErrorIs(t, err, treefs.ErrNoSpace)
	assert.Equal(t, syscall.ENOSPC, treefs.ToErrno(err))
	lastID := fs.Stats().LastID

	require.NoError(t, fs.Unlink(fs.RootID(), "a"))
	id := mustCreate(t, fs, fs.RootID(), "c")
	assert.Equal(t, lastID+1, id, "ids are not consumed by failed creates")
}

func TestFS_IDExhaustion(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	fs.lastID.Store(^uint64(0))

	_, err := fs.Create(fs.RootID(), "a", 0o644)
	assert.ErrorIs(t, err, treefs.ErrNoSpace)
	assert.Equal(t, 1, fs.Stats().Nodes, "reserved slot must be returned")
}

func TestFS_Destroy(t *testing.T) {
	t.Parallel()

	fs := NewFS(createTestConfig())
	dirID := mustMkdir(t, fs, fs.RootID(), "d")
	mustCreate(t, fs, dirID, "f")
	held, err := fs.Create(fs.RootID(), "held", 0o644)
	require.NoError(t, err)

	fs.Destroy()
	fs.Destroy() // idempotent

	assert.Zero(t, fs.Stats().Nodes)
	assert.False(t, held.Node().Evicted())
	held.Release()
	assert.True(t, held.Node().Evicted())
	assert.Equal(t, uint64(4), fs.Stats().Evicted)

	_, err = fs.Root()
	assert.ErrorIs(t, err, treefs.ErrNotFound)
	_, err = fs.Lookup(fuse.FUSE_ROOT_ID, "d")
	assert.ErrorIs(t, err, treefs.ErrNotFound)
	_, err = fs.Mkdir(fuse.FUSE_ROOT_ID, "new", 0o755)
	assert.ErrorIs(t, err, treefs.ErrNotFound)
	_, err = fs.ReadDirAll(dirID)
	assert.ErrorIs(t, err, treefs.ErrNotFound)
}
