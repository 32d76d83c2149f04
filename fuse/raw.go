// Package fuse adapts the in-memory tree to the low-level FUSE wire protocol
package fuse

import (
	"sync"
	"syscall"
	"time"

	"github.com/brettbedarf/treefs"
	"github.com/brettbedarf/treefs/config"
	"github.com/brettbedarf/treefs/filesystem"
	"github.com/brettbedarf/treefs/internal/util"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Directory stream offsets 1 and 2 follow "." and ".."; entry offsets are
// the entry id shifted past them.
const (
	dotOffset    = 1
	dotDotOffset = 2
)

// Tree is the subset of [filesystem.FileSystem] the FUSE bridge drives
type Tree interface {
	Config() *config.Config
	Get(id uint64) (*filesystem.Handle, error)
	Lookup(parentID uint64, name string) (*filesystem.Handle, error)
	Create(parentID uint64, name string, perms uint32) (*filesystem.Handle, error)
	Mkdir(parentID uint64, name string, perms uint32) (*filesystem.Handle, error)
	Mknod(parentID uint64, name string, mode uint32) (*filesystem.Handle, error)
	Unlink(parentID uint64, name string) error
	Rmdir(parentID uint64, name string) error
	ReadDir(dirID uint64, cursor filesystem.Cursor, emit func(treefs.DirEntry) bool) (filesystem.Cursor, bool, error)
	Stats() filesystem.Stats
}

// kernelRef is a node the kernel holds lookup references on
type kernelRef struct {
	h       *filesystem.Handle
	nlookup uint64
}

// FuseRaw implements the low-level FUSE wire protocol
// It serves as protocol adapter between the FUSE and core filesystem
// See https://www.man7.org/linux//man-pages/man4/fuse.4.html
type FuseRaw struct {
	fuse.RawFileSystem
	fs     Tree
	server *fuse.Server

	mu     sync.Mutex
	kernel map[uint64]*kernelRef // node id -> handle kept until Forget
}

func NewFuseRaw(fs Tree) *FuseRaw {
	return &FuseRaw{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            fs,
		kernel:        make(map[uint64]*kernelRef),
	}
}

func (r *FuseRaw) Init(s *fuse.Server) {
	logger := util.GetLogger("Fuse.Init")
	logger.Debug().Msg("FUSE initialized")
	r.server = s
}

// OnUnmount drops every reference the kernel still held
func (r *FuseRaw) OnUnmount() {
	logger := util.GetLogger("Fuse.OnUnmount")

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ref := range r.kernel {
		ref.h.Release()
		delete(r.kernel, id)
	}
	logger.Info().Msg("FUSE unmounted")
}

func (r *FuseRaw) String() string {
	return "FuseRaw"
}

// Lookup is called by the kernel when the VFS wants to know
// about a file inside a directory. Many lookup calls can
// occur in parallel, but only one call happens for each (dir,
// name) pair.
func (r *FuseRaw) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	logger := util.GetLogger("Fuse.Lookup")
	logger.Trace().Uint64("parent", header.NodeId).Str("name", name).Msg("Lookup called")

	h, err := r.fs.Lookup(header.NodeId, name)
	if err != nil {
		cfg := r.fs.Config()
		if treefs.ToErrno(err) == syscall.ENOENT && cfg.NegativeTimeout > 0 {
			// negative entry: the kernel caches the miss for the entry timeout
			out.NodeId = 0
			out.SetEntryTimeout(seconds(cfg.NegativeTimeout))
			return fuse.OK
		}
		return toStatus(err)
	}
	r.fillEntry(h, out)
	r.remember(h)
	return fuse.OK
}

// Forget is called when the kernel discards entries from its
// dentry cache. This happens on unmount, and when the kernel
// is short on memory. Since it is not guaranteed to occur at
// any moment, and since there is no return value, Forget
// should not do I/O, as there is no channel to report back
// I/O errors.
func (r *FuseRaw) Forget(nodeid, nlookup uint64) {
	logger := util.GetLogger("Fuse.Forget")
	logger.Trace().Uint64("id", nodeid).Uint64("nlookup", nlookup).Msg("Forget called")

	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.kernel[nodeid]
	if !ok {
		return
	}
	if nlookup >= ref.nlookup {
		ref.h.Release()
		delete(r.kernel, nodeid)
		return
	}
	ref.nlookup -= nlookup
}

func (r *FuseRaw) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	logger := util.GetLogger("Fuse.GetAttr")
	logger.Trace().Uint64("id", input.NodeId).Msg("GetAttr called")

	h, err := r.node(input.NodeId)
	if err != nil {
		return toStatus(err)
	}
	defer h.Release()

	out.Attr = h.Attr()
	out.SetTimeout(seconds(r.fs.Config().AttrTimeout))
	return fuse.OK
}

func (r *FuseRaw) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	logger := util.GetLogger("Fuse.Mkdir")
	logger.Debug().Uint64("parent", input.NodeId).Str("name", name).Msg("Mkdir called")

	h, err := r.fs.Mkdir(input.NodeId, name, input.Mode)
	if err != nil {
		return toStatus(err)
	}
	r.fillEntry(h, out)
	r.remember(h)
	return fuse.OK
}

func (r *FuseRaw) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	logger := util.GetLogger("Fuse.Mknod")
	logger.Debug().Uint64("parent", input.NodeId).Str("name", name).Uint32("mode", input.Mode).Msg("Mknod called")

	h, err := r.fs.Mknod(input.NodeId, name, input.Mode)
	if err != nil {
		return toStatus(err)
	}
	r.fillEntry(h, out)
	r.remember(h)
	return fuse.OK
}

// Create makes a regular file. No content is stored so the open handle is a
// placeholder the kernel hands back on release.
func (r *FuseRaw) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	logger := util.GetLogger("Fuse.Create")
	logger.Debug().Uint64("parent", input.NodeId).Str("name", name).Msg("Create called")

	h, err := r.fs.Create(input.NodeId, name, input.Mode)
	if err != nil {
		return toStatus(err)
	}
	r.fillEntry(h, &out.EntryOut)
	out.OpenOut.Fh = h.NodeID()
	r.remember(h)
	return fuse.OK
}

func (r *FuseRaw) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	logger := util.GetLogger("Fuse.Unlink")
	logger.Debug().Uint64("parent", header.NodeId).Str("name", name).Msg("Unlink called")

	return toStatus(r.fs.Unlink(header.NodeId, name))
}

func (r *FuseRaw) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	logger := util.GetLogger("Fuse.Rmdir")
	logger.Debug().Uint64("parent", header.NodeId).Str("name", name).Msg("Rmdir called")

	return toStatus(r.fs.Rmdir(header.NodeId, name))
}

func (r *FuseRaw) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	logger := util.GetLogger("Fuse.OpenDir")
	logger.Trace().Uint64("id", input.NodeId).Msg("OpenDir called")

	h, err := r.node(input.NodeId)
	if err != nil {
		return toStatus(err)
	}
	defer h.Release()
	if !h.IsDir() {
		return fuse.ENOTDIR
	}
	out.Fh = h.NodeID()
	return fuse.OK
}

// ReadDir fills out from the directory stream offset in input. The offset of
// each entry is derived from its id so a listing resumes exactly after the
// last entry the kernel accepted.
func (r *FuseRaw) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	logger := util.GetLogger("Fuse.ReadDir")
	logger.Trace().Uint64("id", input.NodeId).Uint64("offset", input.Offset).Msg("ReadDir called")

	off := input.Offset
	if off < dotOffset {
		if !out.AddDirEntry(fuse.DirEntry{Name: ".", Mode: syscall.S_IFDIR, Ino: input.NodeId, Off: dotOffset}) {
			return fuse.OK
		}
		off = dotOffset
	}
	if off < dotDotOffset {
		// the kernel resolves .. itself
		if !out.AddDirEntry(fuse.DirEntry{Name: "..", Mode: syscall.S_IFDIR, Ino: fuse.FUSE_ROOT_ID, Off: dotDotOffset}) {
			return fuse.OK
		}
		off = dotDotOffset
	}

	cursor := filesystem.Cursor(off - dotDotOffset)
	_, _, err := r.fs.ReadDir(input.NodeId, cursor, func(e treefs.DirEntry) bool {
		return out.AddDirEntry(fuse.DirEntry{
			Name: e.Name,
			Mode: e.Kind.TypeBits(),
			Ino:  e.ID,
			Off:  e.ID + dotDotOffset,
		})
	})
	if err != nil {
		logger.Debug().Err(err).Uint64("id", input.NodeId).Msg("ReadDir failed")
		return toStatus(err)
	}
	return fuse.OK
}

func (r *FuseRaw) ReleaseDir(input *fuse.ReleaseIn) {
	logger := util.GetLogger("Fuse.ReleaseDir")
	logger.Trace().Uint64("id", input.NodeId).Msg("ReleaseDir called")
}

func (r *FuseRaw) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	cfg := r.fs.Config()
	stats := r.fs.Stats()

	out.Bsize = 4096
	out.Frsize = 4096
	out.NameLen = uint32(cfg.MaxNameLen)
	out.Files = uint64(stats.Nodes)
	if cfg.MaxNodes > 0 {
		out.Ffree = cfg.MaxNodes - min(cfg.MaxNodes, uint64(stats.Nodes))
	} else {
		out.Ffree = ^uint64(0) - stats.LastID
	}
	return fuse.OK
}

// node resolves id, preferring the handle the kernel holds so unlinked but
// still referenced nodes keep answering
func (r *FuseRaw) node(id uint64) (*filesystem.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.kernel[id]; ok {
		return ref.h.Dup(), nil
	}
	return r.fs.Get(id)
}

// remember takes ownership of h as one kernel lookup reference on its node
func (r *FuseRaw) remember(h *filesystem.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.kernel[h.NodeID()]; ok {
		ref.nlookup++
		h.Release()
		return
	}
	r.kernel[h.NodeID()] = &kernelRef{h: h, nlookup: 1}
}

func (r *FuseRaw) fillEntry(h *filesystem.Handle, out *fuse.EntryOut) {
	cfg := r.fs.Config()
	out.NodeId = h.NodeID()
	out.Attr = h.Attr()
	out.SetEntryTimeout(seconds(cfg.EntryTimeout))
	out.SetAttrTimeout(seconds(cfg.AttrTimeout))
}

func toStatus(err error) fuse.Status {
	return fuse.Status(treefs.ToErrno(err))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
