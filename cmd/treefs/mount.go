package main

import (
	"fmt"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brettbedarf/treefs"
	"github.com/brettbedarf/treefs/internal/util"
	"github.com/brettbedarf/treefs/requests"
	"github.com/brettbedarf/treefs/server"
)

func newMountCmd(opts *rootOptions) *cobra.Command {
	var (
		nodesDef string
		umount   bool
	)

	cmd := &cobra.Command{
		Use:   "mount MOUNTPOINT",
		Short: "Mount the filesystem and serve it until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := util.GetLogger("main")
			mnt := args[0]
			logger.Info().Int("verbose", opts.verbose).Str("nodes", nodesDef).Str("mnt", mnt).Msg("TreeFS server initializing")

			// Try unmount if requested
			if umount {
				// we ignore error here if not already mounted
				exec.Command("fusermount", "-u", mnt).Run() // nolint:errcheck
			}

			fs := server.New(opts.cfg)
			if nodesDef != "" {
				if err := loadNodes(fs, nodesDef); err != nil {
					fs.Destroy()
					return err
				}
			} else {
				logger.Warn().Msg("No nodes file provided")
			}

			if err := fs.Serve(mnt); err != nil {
				fs.Destroy()
				return fmt.Errorf("failed to mount filesystem: %w", err)
			}
			logger.Info().Str("mountpoint", mnt).Msg("Filesystem mounted successfully")

			// Wait for termination signal
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
			defer stop()
			<-ctx.Done()
			logger.Info().Msg("Received signal, unmounting filesystem")

			if err := fs.Unmount(); err != nil {
				return fmt.Errorf("failed to unmount filesystem: %w", err)
			}
			logger.Info().Msg("Filesystem unmounted successfully")
			return nil
		},
	}

	cmd.Flags().StringVarP(&nodesDef, "nodes", "n", "", "Path to nodes def file (JSON or YAML)")
	cmd.Flags().BoolVarP(&umount, "umount", "u", false,
		"Unmount the fs first if needed before mounting again. Useful for debuggers that don't exit properly.")
	return cmd
}

// loadNodes reads a node definition file and creates its nodes on op
func loadNodes(op treefs.FileSystemOperator, path string) error {
	logger := util.GetLogger("main")

	reqs, err := requests.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load nodes file: %w", err)
	}
	res, err := requests.Apply(op, reqs)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		logger.Warn().Err(res.Err).Int("failed", res.Failed).Msg("Some nodes could not be created")
	}
	logger.Info().Int("created", res.Created).Msg("Added new nodes to filesystem")
	return nil
}
