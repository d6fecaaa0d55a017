// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lix.dev/core/internal/localstore"
)

type gcOptions struct {
	dryRun          bool
	maxFreedBytes   int64
	maxDeletedPaths int
	roots           []string
}

func newGCCommand(g *globalFlags) *cobra.Command {
	c := &cobra.Command{
		Use:                   "gc [options]",
		Short:                 "collect garbage in the store",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(gcOptions)
	c.Flags().BoolVar(&opts.dryRun, "dry-run", false, "show what would be deleted without deleting anything")
	c.Flags().Int64Var(&opts.maxFreedBytes, "max-freed-bytes", 0, "stop once this many bytes have been freed (0 means no limit)")
	c.Flags().IntVar(&opts.maxDeletedPaths, "max-deleted-paths", 0, "stop once this many paths have been deleted (0 means no limit)")
	c.Flags().StringArrayVar(&opts.roots, "root", nil, "additional store `path`s to keep live, beyond the store's own GC roots")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runGC(cmd.Context(), g, opts)
	}
	return c
}

func runGC(ctx context.Context, g *globalFlags, opts *gcOptions) error {
	o, err := openStore(g)
	if err != nil {
		return err
	}
	defer o.Close()

	gcOpts := &localstore.GCOptions{
		MaxFreedBytes:   opts.maxFreedBytes,
		MaxDeletedPaths: opts.maxDeletedPaths,
		DryRun:          opts.dryRun,
	}
	for _, r := range opts.roots {
		p, _, err := o.cfg.StoreDirectory.ParsePath(r)
		if err != nil {
			return fmt.Errorf("parse root %s: %w", r, err)
		}
		gcOpts.Roots = append(gcOpts.Roots, p)
	}

	result, err := o.local.CollectGarbage(ctx, gcOpts)
	if err != nil {
		return err
	}
	for _, p := range result.Deleted {
		fmt.Fprintln(os.Stdout, p)
	}
	fmt.Fprintf(os.Stderr, "freed %d bytes across %d paths\n", result.FreedBytes, len(result.Deleted))
	return nil
}
