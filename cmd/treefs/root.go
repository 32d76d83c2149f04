package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brettbedarf/treefs/config"
	"github.com/brettbedarf/treefs/internal/util"
)

// Set at build time with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootOptions holds the persistent flags and the config they resolve to
type rootOptions struct {
	verbose    int
	configPath string
	cfg        *config.Config
}

// newRootCmd builds the command tree. Each call returns an independent tree.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "treefs",
		Short: "An in-memory hierarchical filesystem",
		Long: `treefs keeps a tree of directories and files in memory and serves it over FUSE.
Nodes can be declared up front in a JSON or YAML node definition file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().IntVarP(&opts.verbose, "verbose", "v", config.InfoVerbose,
		"Log verbosity level between 1 (error) and 5 (trace)")
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML or JSON config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newMountCmd(opts))
	cmd.AddCommand(newTreeCmd(opts))
	return cmd
}

// load resolves the config from the config file and flags, then initializes logging
func (o *rootOptions) load(cmd *cobra.Command) error {
	override := &config.ConfigOverride{}
	if o.configPath != "" {
		var err error
		if override, err = config.LoadConfigOverrideFile(o.configPath); err != nil {
			return fmt.Errorf("failed to load config %s: %w", o.configPath, err)
		}
	}
	// flag wins over the file when given explicitly
	if cmd.Flags().Changed("verbose") || override.LogLvl == nil {
		override.LogLvl = &o.verbose
	}

	cfg := config.NewConfig(override)
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg

	util.InitializeLoggerTo(cmd.ErrOrStderr(), cfg.LogLvl)
	return nil
}

// Execute runs the root command and exits non-zero on failure.
// This is called by main.main().
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  `Print the version number of treefs`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "treefs version %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
