// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"lix.dev/core/internal/build"
	"lix.dev/core/internal/executor"
	"lix.dev/core/internal/goalgraph"
	"lix.dev/core/internal/sortedset"
	"lix.dev/core/storepath"
)

type buildOptions struct {
	wanted     []string
	keepFailed bool
	check      bool
	secretKeys []string
	signAs     []string
}

func newBuildCommand(g *globalFlags) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options] DRVPATH",
		Short:                 "realise a derivation's outputs",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	c.Flags().StringSliceVar(&opts.wanted, "output", nil, "build only the named `output`s (default is every declared output)")
	c.Flags().BoolVar(&opts.keepFailed, "keep-failed", false, "keep the build directory of a failed build")
	c.Flags().BoolVar(&opts.check, "check", false, "rebuild into a scratch location and compare against the registered result")
	c.Flags().StringSliceVar(&opts.secretKeys, "secret-key-files", nil, "sign newly-built outputs with the key in each `file`")
	c.Flags().StringSliceVar(&opts.signAs, "signed-by", nil, "key `name`s to sign as, matching --secret-key-files in order")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd.Context(), g, opts, args[0])
	}
	return c
}

func runBuild(ctx context.Context, g *globalFlags, opts *buildOptions, drvPathArg string) error {
	o, err := openStore(g)
	if err != nil {
		return err
	}
	defer o.Close()

	drvPath, _, err := o.cfg.StoreDirectory.ParsePath(drvPathArg)
	if err != nil {
		return fmt.Errorf("parse %s: %w", drvPathArg, err)
	}

	pool := goalgraph.NewPool(max(1, o.cfg.MaxJobs), o.metrics)
	substitutePool := goalgraph.NewPool(max(1, o.cfg.MaxSubstitutionJobs), o.metrics)
	substituteMgr, err := newSubstituteManager(ctx, o, substitutePool)
	if err != nil {
		return fmt.Errorf("configure substituters: %w", err)
	}
	defer substituteMgr.Cancel()

	exec := executor.New(executor.Config{
		BuildDir:   o.cfg.StateDir,
		KeepFailed: opts.keepFailed || o.cfg.KeepFailed,
	})

	kr, err := readKeyringFromFiles(opts.secretKeys)
	if err != nil {
		return err
	}

	buildMgr := build.NewManager(ctx, build.Config{
		Local:      o.local,
		Substitute: substituteMgr,
		Executor:   exec,
		Hook:       newBuildHook(o.cfg),
		Pool:       pool,
		Locks:      new(goalgraph.KeyedLock[storepath.Path]),
		KeepGoing:  false,
		Check:      opts.check,
		Keyring:    kr,
		SignedBy:   opts.signAs,
		Metrics:    o.metrics,
	})
	defer buildMgr.Cancel()

	result, err := buildMgr.Build(ctx, drvPath, sortedset.New(opts.wanted...))
	if err != nil {
		return err
	}
	if result.Code != goalgraph.ExitSuccess {
		return fmt.Errorf("build failed (code %d)", result.Code)
	}

	outputs, err := o.local.QueryDerivationOutputs(ctx, drvPath)
	if err != nil {
		return err
	}
	for name, path := range outputs {
		if len(opts.wanted) > 0 && !slices.Contains(opts.wanted, name) {
			continue
		}
		fmt.Fprintln(os.Stdout, path)
	}
	log.Debugf(ctx, "Built %s", drvPath)
	return nil
}
