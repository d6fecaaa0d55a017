// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Command lixd is the daemon front end for the store/build core: it loads
// configuration, opens the local store, and wires the goal-graph,
// substitution, build, and executor packages together behind a small
// cobra command tree (serve, build, gc, verify, optimise, key), the same
// shape cmd/zb/main.go gives the teacher's evaluator-fronted CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go4.org/xdgdir"
	"zombiezen.com/go/log"

	"lix.dev/core/internal/config"
)

// globalFlags holds the persistent, command-wide settings every
// subcommand reads configuration through, mirroring cmd/zb/main.go's
// globalConfig plumbed down to each subcommand constructor.
type globalFlags struct {
	configPaths []string
	debug       bool
}

func (g *globalFlags) load() (*config.Config, error) {
	return config.Load(slices.Values(g.configPaths))
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "lixd",
		Short:         "Lix store and build daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := new(globalFlags)
	rootCommand.PersistentFlags().StringSliceVar(&g.configPaths, "config", defaultConfigPaths(), "`path`s to JWCC config files, merged in order")
	rootCommand.PersistentFlags().BoolVar(&g.debug, "debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.debug)
		return nil
	}

	rootCommand.AddCommand(
		newServeCommand(g),
		newBuildCommand(g),
		newGCCommand(g),
		newVerifyCommand(g),
		newOptimiseCommand(g),
		newKeyCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(g.debug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

// defaultConfigPaths returns the config files lixd reads when --config is
// not given: a system-wide file followed by an XDG-config-rooted override,
// mirroring defaultGlobalConfig's XDG-aware layering.
func defaultConfigPaths() []string {
	return []string{
		filepath.Join(filepath.Dir(string(defaultStoreDir())), "etc", "lixd.conf"),
		filepath.Join(xdgdir.Config.Path(), "lixd", "lixd.conf"),
	}
}

var initLogOnce sync.Once

// initLogging installs a level-filtered logger the first time it is
// called, exactly as cmd/zb/main.go's initLogging does, so that an early
// error path and PersistentPreRunE can both call it safely.
func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "lixd: ", log.StdFlags, nil),
		})
	})
}
