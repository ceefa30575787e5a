// picturear - live camera viewfinder that replaces printed markers with
// reference pictures.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	"github.com/teslashibe/picturear/internal/config"
	"github.com/teslashibe/picturear/internal/log"
	"github.com/teslashibe/picturear/pkg/debug"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

type rootFlags struct {
	configPath string
	logLevel   string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "picturear",
		Short:         "Live camera viewfinder with marker overlays",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (.json, .yaml, .toml); defaults to ~/.picturear/config.json")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable verbose debug logging")

	root.AddCommand(newRunCmd(flags), newCamerasCmd(flags), newVersionCmd())
	return root
}

// loadConfig resolves file, environment and flags, in that order.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.Load(flags.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = flags.debug
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	log.Init(cfg.LogLevel)
	debug.Enabled = cfg.Debug
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "picturear %s\n", version)
			fmt.Fprintf(out, "gocv %s, OpenCV %s\n", gocv.Version(), gocv.OpenCVVersion())
			return nil
		},
	}
}
