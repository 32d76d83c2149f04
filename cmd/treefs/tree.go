package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brettbedarf/treefs"
	"github.com/brettbedarf/treefs/filesystem"
)

func newTreeCmd(opts *rootOptions) *cobra.Command {
	var nodesDef string

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Build the tree in memory and print it",
		Long:  "Build the tree from a nodes def file without mounting and print every node with its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := filesystem.NewFS(opts.cfg)
			defer fs.Destroy()

			if nodesDef != "" {
				if err := loadNodes(fs, nodesDef); err != nil {
					return err
				}
			}
			return printTree(cmd.OutOrStdout(), fs)
		},
	}

	cmd.Flags().StringVarP(&nodesDef, "nodes", "n", "", "Path to nodes def file (JSON or YAML)")
	return cmd
}

// printTree writes an indented listing of fs with each node's id
func printTree(w io.Writer, fs *filesystem.FileSystem) error {
	fmt.Fprintf(w, "/ [%d]\n", fs.RootID())
	return printDir(w, fs, fs.RootID(), 1)
}

func printDir(w io.Writer, fs *filesystem.FileSystem, dirID uint64, depth int) error {
	entries, err := fs.ReadDirAll(dirID)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", depth)
	for _, e := range entries {
		name := e.Name
		if e.Kind == treefs.KindDirectory {
			name += "/"
		}
		fmt.Fprintf(w, "%s%s [%d]\n", indent, name, e.ID)
		if e.Kind == treefs.KindDirectory {
			if err := printDir(w, fs, e.ID, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
