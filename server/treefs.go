package server

import (
	"github.com/brettbedarf/treefs/config"
	"github.com/brettbedarf/treefs/filesystem"
	tfuse "github.com/brettbedarf/treefs/fuse"
	"github.com/brettbedarf/treefs/internal/util"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// TreeFs contains the core filesystem state and operations with abstractions
// over the underlying FUSE wire protocol implementation
type TreeFs struct {
	*filesystem.FileSystem
	cfg    *config.Config
	server *fuse.Server
}

// New creates a TreeFs instance given your config.
func New(cfg *config.Config) *TreeFs {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	return &TreeFs{
		filesystem.NewFS(cfg),
		cfg,
		nil,
	}
}

// MountOptions returns the go-fuse options used by Serve
func (fs *TreeFs) MountOptions() *fuse.MountOptions {
	opts := fs.cfg.MountOptions
	return &fuse.MountOptions{
		Name:   opts.Name,
		FsName: opts.FsName,
		Debug:  opts.Debug || fs.cfg.LogLvl == util.TraceLevel,
		Logger: util.NewLogLogger("FuseServer", util.DebugLevel),
	}
}

// Serve mounts and serves the filesystem at the given mountPoint.
// It returns once the mount is ready.
func (fs *TreeFs) Serve(mountPoint string) error {
	logger := util.GetLogger("Server.Serve")

	raw := tfuse.NewFuseRaw(fs.FileSystem)
	srv, err := fuse.NewServer(raw, mountPoint, fs.MountOptions())
	if err != nil {
		logger.Error().Err(err).Str("mountPoint", mountPoint).Msg("Failed to create FUSE server")
		return err
	}
	fs.server = srv

	go srv.Serve()
	if err := srv.WaitMount(); err != nil {
		return err
	}
	logger.Info().Str("mountPoint", mountPoint).Str("session", fs.Session().String()).Msg("Mounted")
	return nil
}

func (fs *TreeFs) ServeAsync(mountPoint string) <-chan error {
	done := make(chan error, 1)

	go func() {
		done <- fs.Serve(mountPoint)
		close(done)
	}()

	return done
}

// Wait blocks until the filesystem is unmounted
func (fs *TreeFs) Wait() {
	if fs.server == nil {
		return
	}
	fs.server.Wait()
}

// Unmount cleanly unmounts the filesystem and releases every node.
func (fs *TreeFs) Unmount() error {
	defer fs.Destroy()
	if fs.server == nil {
		return nil
	}
	return fs.server.Unmount()
}
