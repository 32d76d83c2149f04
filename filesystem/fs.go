package filesystem

import (
	"math"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/brettbedarf/treefs"
	"github.com/brettbedarf/treefs/config"
	"github.com/brettbedarf/treefs/internal/util"
	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/puzpuzpuz/xsync/v4"
)

// Cursor is a resumable directory enumeration position: the id of the last
// entry emitted, or 0 to start from the beginning.
type Cursor uint64

// Stats is a point in time summary of the tree
type Stats struct {
	Nodes   int    // live registered nodes including root
	LastID  uint64 // last identity issued
	Evicted uint64 // nodes whose last reference was released
}

type negKey struct {
	parent uint64
	name   string
}

type FileSystem struct {
	cfg       *config.Config
	root      *Node                         // Root of node tree
	registry  *Registry                     // maps node ids to live Nodes
	lastID    atomic.Uint64                 // Last node id assigned; ids are never reused
	negatives *xsync.Map[negKey, time.Time] // failed walk lookups and their expiry
	session   uuid.UUID
	destroyed atomic.Bool
}

// NewFS creates a filesystem containing only the root directory.
// A nil cfg uses [config.NewDefaultConfig].
func NewFS(cfg *config.Config) *FileSystem {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}

	fs := &FileSystem{
		cfg:       cfg,
		registry:  NewRegistry(cfg.MaxNodes),
		negatives: xsync.NewMap[negKey, time.Time](),
		session:   uuid.New(),
	}

	// directory with rwxr-xr-x permissions
	fs.root = newNode(fuse.FUSE_ROOT_ID, treefs.KindDirectory, "", syscall.S_IFDIR|0o755, nil)
	fs.lastID.Store(fuse.FUSE_ROOT_ID)
	if err := fs.registry.Insert(fs.root); err != nil {
		// empty registry; cannot fail
		panic(err)
	}

	logger := fs.logger("FS.NewFS")
	logger.Info().Int("maxNameLen", cfg.MaxNameLen).Str("namePolicy", cfg.NamePolicy).
		Uint64("maxNodes", cfg.MaxNodes).Msg("Filesystem created")
	return fs
}

// Config returns the configuration the filesystem was created with
func (fs *FileSystem) Config() *config.Config {
	return fs.cfg
}

// Session returns the unique id of this filesystem instance
func (fs *FileSystem) Session() uuid.UUID {
	return fs.session
}

func (fs *FileSystem) RootID() uint64 {
	return fs.root.id
}

// Root returns a handle on the root directory
func (fs *FileSystem) Root() (*Handle, error) {
	return fs.Get(fs.root.id)
}

// Get resolves id to a handle the caller must release
func (fs *FileSystem) Get(id uint64) (*Handle, error) {
	if fs.destroyed.Load() {
		return nil, treefs.NewError("get", "", treefs.ErrNotFound)
	}
	h, ok := fs.registry.Lookup(id)
	if !ok {
		return nil, treefs.NewError("get", "", treefs.ErrNotFound)
	}
	return h, nil
}

// Create adds a regular file named name under parentID with perms
func (fs *FileSystem) Create(parentID uint64, name string, perms uint32) (*Handle, error) {
	return fs.createNode("create", parentID, name, syscall.S_IFREG|perms&07777)
}

// Mkdir adds an empty directory named name under parentID with perms
func (fs *FileSystem) Mkdir(parentID uint64, name string, perms uint32) (*Handle, error) {
	return fs.createNode("mkdir", parentID, name, syscall.S_IFDIR|perms&07777)
}

// Mknod adds a node whose kind is taken from the type bits of mode.
// As with mknod(2) a zero file type creates a regular file; types other
// than directory and regular file are stored as [treefs.KindUnknown].
func (fs *FileSystem) Mknod(parentID uint64, name string, mode uint32) (*Handle, error) {
	if mode&syscall.S_IFMT == 0 {
		mode |= syscall.S_IFREG
	}
	return fs.createNode("mknod", parentID, name, mode)
}

func (fs *FileSystem) createNode(op string, parentID uint64, name string, mode uint32) (*Handle, error) {
	logger := fs.logger("FS." + op)
	logger.Trace().Uint64("parentID", parentID).Str("name", name).Uint32("mode", mode).Msg("createNode called")

	name, err := fs.normalizeName(op, name)
	if err != nil {
		return nil, err
	}
	parent, err := fs.resolveDir(op, parentID, name)
	if err != nil {
		return nil, err
	}
	defer parent.Release()

	kind := treefs.KindFromMode(mode)
	pn := parent.node
	d := pn.dir

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dead {
		return nil, treefs.NewError(op, name, treefs.ErrNotFound)
	}
	if existing, _ := fs.findLocked(d, name); existing != nil {
		existing.Release()
		return nil, treefs.NewError(op, name, treefs.ErrExist)
	}
	if !fs.registry.reserve() {
		logger.Debug().Uint64("maxNodes", fs.cfg.MaxNodes).Msg("Node limit reached")
		return nil, treefs.NewError(op, name, treefs.ErrNoSpace)
	}
	id, ok := fs.nextID()
	if !ok {
		fs.registry.unreserve()
		logger.Error().Msg("Node id space exhausted")
		return nil, treefs.NewError(op, name, treefs.ErrNoSpace)
	}

	n := newNode(id, kind, name, mode, pn)
	if err := fs.registry.insertReserved(n); err != nil {
		return nil, treefs.NewError(op, name, err)
	}
	d.appendLocked(name, id)
	h := fs.registry.acquire(n)

	pn.UpdateAttr(func(attr *fuse.Attr) {
		pn.touchLocked(time.Now())
		if kind == treefs.KindDirectory {
			attr.Nlink++
		}
	})
	fs.negatives.Delete(negKey{parent: pn.id, name: name})

	logger.Debug().Uint64("parentID", parentID).Uint64("id", id).Str("name", name).
		Stringer("kind", kind).Msg("Node created")
	return h, nil
}

// Lookup finds the child of parentID named name. The oldest surviving entry
// wins if more than one carries the name.
func (fs *FileSystem) Lookup(parentID uint64, name string) (*Handle, error) {
	return fs.lookupIn("lookup", parentID, name, false)
}

func (fs *FileSystem) lookupIn(op string, parentID uint64, name string, useNegative bool) (*Handle, error) {
	logger := fs.logger("FS." + op)
	logger.Trace().Uint64("parentID", parentID).Str("name", name).Msg("lookup called")

	name, err := fs.normalizeName(op, name)
	if err != nil {
		return nil, err
	}
	parent, err := fs.resolveDir(op, parentID, name)
	if err != nil {
		return nil, err
	}
	defer parent.Release()

	d := parent.node.dir
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dead {
		return nil, treefs.NewError(op, name, treefs.ErrNotFound)
	}
	key := negKey{parent: parentID, name: name}
	useNegative = useNegative && fs.cfg.NegativeTimeout > 0
	if useNegative {
		if exp, ok := fs.negatives.Load(key); ok {
			if time.Now().Before(exp) {
				logger.Trace().Uint64("parentID", parentID).Str("name", name).Msg("Negative cache hit")
				return nil, treefs.NewError(op, name, treefs.ErrNotFound)
			}
			fs.negatives.Delete(key)
		}
	}

	h, _ := fs.findLocked(d, name)
	if h == nil {
		if useNegative {
			ttl := time.Duration(fs.cfg.NegativeTimeout * float64(time.Second))
			fs.negatives.Store(key, time.Now().Add(ttl))
		}
		return nil, treefs.NewError(op, name, treefs.ErrNotFound)
	}
	return h, nil
}

// Unlink removes the non-directory child of parentID named name
func (fs *FileSystem) Unlink(parentID uint64, name string) error {
	return fs.remove("unlink", parentID, name, false)
}

// Rmdir removes the empty directory child of parentID named name
func (fs *FileSystem) Rmdir(parentID uint64, name string) error {
	return fs.remove("rmdir", parentID, name, true)
}

// remove unlinks at most one entry and drops the registry's reference to it.
// The node itself lives on until its last handle is released.
func (fs *FileSystem) remove(op string, parentID uint64, name string, wantDir bool) error {
	logger := fs.logger("FS." + op)
	logger.Trace().Uint64("parentID", parentID).Str("name", name).Msg("remove called")

	name, err := fs.normalizeName(op, name)
	if err != nil {
		return err
	}
	parent, err := fs.resolveDir(op, parentID, name)
	if err != nil {
		return err
	}
	defer parent.Release()

	pn := parent.node
	d := pn.dir
	d.mu.Lock()
	defer d.mu.Unlock()

	h, i := fs.findLocked(d, name)
	if h == nil {
		return treefs.NewError(op, name, treefs.ErrNotFound)
	}
	defer h.Release()

	child := h.node
	switch {
	case wantDir && !child.IsDir():
		return treefs.NewError(op, name, treefs.ErrNotDir)
	case !wantDir && child.IsDir():
		return treefs.NewError(op, name, treefs.ErrIsDir)
	case wantDir && !child.dir.markDead():
		// lock order: parent then child
		return treefs.NewError(op, name, treefs.ErrNotEmpty)
	}

	d.removeAtLocked(i)
	child.unlinked.Store(true)
	fs.registry.Remove(child.id)

	now := time.Now()
	child.UpdateAttr(func(attr *fuse.Attr) {
		attr.Nlink = 0
		attr.Ctime = uint64(now.Unix())
		attr.Ctimensec = uint32(now.Nanosecond())
	})
	pn.UpdateAttr(func(attr *fuse.Attr) {
		pn.touchLocked(now)
		if wantDir {
			attr.Nlink--
		}
	})

	logger.Debug().Uint64("parentID", parentID).Uint64("id", child.id).Str("name", name).Msg("Node removed")
	return nil
}

// ReadDir emits the children of dirID with an id after cursor, in creation
// order, until emit returns false. It returns the cursor to resume from and
// whether the listing is complete.
//
// Entries are snapshotted under the directory lock and emitted after it is
// released: an entry present for the whole enumeration is emitted exactly
// once across resumed calls, and entries unlinked meanwhile are skipped.
func (fs *FileSystem) ReadDir(dirID uint64, cursor Cursor, emit func(treefs.DirEntry) bool) (next Cursor, eof bool, err error) {
	logger := fs.logger("FS.ReadDir")
	logger.Trace().Uint64("dirID", dirID).Uint64("cursor", uint64(cursor)).Msg("ReadDir called")

	dir, err := fs.resolveDir("readdir", dirID, "")
	if err != nil {
		return cursor, false, err
	}
	defer dir.Release()

	next = cursor
	for _, e := range dir.node.dir.snapshotAfter(uint64(cursor)) {
		h, ok := fs.registry.Lookup(e.id)
		if !ok {
			// unlinked since the snapshot; ids are never reused
			next = Cursor(e.id)
			continue
		}
		ent := treefs.DirEntry{Name: e.name, ID: e.id, Kind: h.Kind()}
		h.Release()

		if !emit(ent) {
			return next, false, nil
		}
		next = Cursor(e.id)
	}
	return next, true, nil
}

// ReadDirAll returns a complete listing of dirID
func (fs *FileSystem) ReadDirAll(dirID uint64) ([]treefs.DirEntry, error) {
	var entries []treefs.DirEntry
	_, _, err := fs.ReadDir(dirID, 0, func(e treefs.DirEntry) bool {
		entries = append(entries, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Destroy releases every node. Nodes still held by outstanding handles are
// evicted when those handles are released. Later operations fail with
// [treefs.ErrNotFound].
func (fs *FileSystem) Destroy() {
	if !fs.destroyed.CompareAndSwap(false, true) {
		return
	}
	logger := fs.logger("FS.Destroy")

	var released, held int
	fs.registry.Range(func(n *Node) bool {
		fs.registry.Remove(n.id)
		if refs := n.Refs(); refs > 0 {
			held++
			logger.Warn().Uint64("id", n.id).Str("name", n.name).Int64("refs", refs).Msg("Node still referenced at teardown")
		}
		released++
		return true
	})
	fs.negatives.Clear()

	logger.Info().Int("released", released).Int("held", held).Msg("Filesystem destroyed")
}

// Stats returns the current node count, last id issued and evictions
func (fs *FileSystem) Stats() Stats {
	return Stats{
		Nodes:   fs.registry.Len(),
		LastID:  fs.lastID.Load(),
		Evicted: fs.registry.Evicted(),
	}
}

// findLocked scans d in insertion order for the first entry named name that
// still resolves, returning a handle and its index. Caller must hold d.mu.
func (fs *FileSystem) findLocked(d *childIndex, name string) (*Handle, int) {
	for i, e := range d.entries {
		if e.name != name {
			continue
		}
		if h, ok := fs.registry.Lookup(e.id); ok {
			return h, i
		}
	}
	return nil, -1
}

// resolveDir returns a handle on the directory id
func (fs *FileSystem) resolveDir(op string, id uint64, name string) (*Handle, error) {
	if fs.destroyed.Load() {
		return nil, treefs.NewError(op, name, treefs.ErrNotFound)
	}
	h, ok := fs.registry.Lookup(id)
	if !ok {
		return nil, treefs.NewError(op, name, treefs.ErrNotFound)
	}
	if !h.IsDir() {
		h.Release()
		return nil, treefs.NewError(op, name, treefs.ErrNotDir)
	}
	return h, nil
}

// normalizeName validates name and applies the configured length policy
func (fs *FileSystem) normalizeName(op, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return "", treefs.NewError(op, name, treefs.ErrInvalidName)
	}
	limit := fs.cfg.MaxNameLen
	if len(name) <= limit {
		return name, nil
	}
	if fs.cfg.NamePolicy == config.NamePolicyReject {
		return "", treefs.NewError(op, name, treefs.ErrNameTooLong)
	}
	// cut back to a rune boundary
	i := limit
	for i > 0 && !utf8.RuneStart(name[i]) {
		i--
	}
	if i == 0 {
		return "", treefs.NewError(op, name, treefs.ErrInvalidName)
	}
	return name[:i], nil
}

// nextID allocates the next identity; false once the id space is exhausted
func (fs *FileSystem) nextID() (uint64, bool) {
	for {
		c := fs.lastID.Load()
		if c == math.MaxUint64 {
			return 0, false
		}
		if fs.lastID.CompareAndSwap(c, c+1) {
			return c + 1, true
		}
	}
}

func (fs *FileSystem) logger(component string) util.Logger {
	l := util.GetLogger(component)
	return l.With().Str("session", fs.session.String()).Logger()
}
