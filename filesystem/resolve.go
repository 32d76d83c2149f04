package filesystem

import (
	"errors"
	"path"
	"strings"

	"github.com/brettbedarf/treefs"
)

// DefaultDirPerms is used for directories created implicitly by path operations
const DefaultDirPerms = 0o755

var _ treefs.FileSystemOperator = (*FileSystem)(nil)

// Walk resolves a slash separated path from the root one segment at a time.
// Segments that fail to resolve are remembered for [config.Config.NegativeTimeout]
// so repeated walks of a missing path do not rescan the directory.
func (fs *FileSystem) Walk(p string) (*Handle, error) {
	cur, err := fs.Root()
	if err != nil {
		return nil, err
	}
	for _, seg := range splitPath(p) {
		next, err := fs.lookupIn("walk", cur.NodeID(), seg, true)
		cur.Release()
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// MkdirAll creates all missing directories in p and returns the leaf.
// It is equivalent to calling `mkdir -p` from a shell and similarly will only create
// directories that do not already exist and will not error if the leaf already exists.
func (fs *FileSystem) MkdirAll(p string, perms uint32) (*Handle, error) {
	logger := fs.logger("FS.MkdirAll")

	cur, err := fs.Root()
	if err != nil {
		return nil, err
	}
	newCnt := 0
	for _, seg := range splitPath(p) {
		next, created, err := fs.ensureDir(cur.NodeID(), seg, perms)
		cur.Release()
		if err != nil {
			logger.Error().Err(err).Str("path", p).Msg("Failed to create directory")
			return nil, err
		}
		if created {
			newCnt++
		}
		cur = next
	}
	if !cur.IsDir() {
		cur.Release()
		return nil, treefs.NewError("mkdirall", p, treefs.ErrExist)
	}
	if newCnt > 0 {
		logger.Debug().Str("path", p).Int("created", newCnt).Msg("Created new dir(s)")
	}
	return cur, nil
}

// ensureDir returns the child name of parentID, creating a directory if missing
func (fs *FileSystem) ensureDir(parentID uint64, name string, perms uint32) (h *Handle, created bool, err error) {
	for {
		h, err = fs.lookupIn("mkdirall", parentID, name, false)
		if err == nil {
			return h, false, nil
		}
		if !errors.Is(err, treefs.ErrNotFound) {
			return nil, false, err
		}

		h, err = fs.Mkdir(parentID, name, perms)
		if errors.Is(err, treefs.ErrExist) {
			// lost a race with another creator
			continue
		}
		return h, err == nil, err
	}
}

// CreateFile creates a regular file at p, adding any missing parent
// directories with [DefaultDirPerms]. Fails with [treefs.ErrExist] if p exists.
func (fs *FileSystem) CreateFile(p string, perms uint32) (*Handle, error) {
	segs := splitPath(p)
	if len(segs) == 0 {
		return nil, treefs.NewError("createfile", p, treefs.ErrInvalidName)
	}
	dir := strings.Join(segs[:len(segs)-1], "/")

	parent, err := fs.MkdirAll(dir, DefaultDirPerms)
	if err != nil {
		return nil, err
	}
	defer parent.Release()

	return fs.Create(parent.NodeID(), segs[len(segs)-1], perms)
}

/* [treefs.FileSystemOperator] interface implementations */

// AddFileNode creates the file described by req, adding missing parent directories
func (fs *FileSystem) AddFileNode(req *treefs.FileCreateRequest) (treefs.NodeInfo, error) {
	h, err := fs.CreateFile(req.Path, req.Perms)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// AddDirNode creates the directory described by req and any missing ancestors
func (fs *FileSystem) AddDirNode(req *treefs.DirCreateRequest) (treefs.NodeInfo, error) {
	h, err := fs.MkdirAll(req.Path, req.Perms)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// splitPath cleans p and returns its non-empty segments
func splitPath(p string) []string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
