// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package main

import (
	"context"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

func newOptimiseCommand(g *globalFlags) *cobra.Command {
	c := &cobra.Command{
		Use:                   "optimise",
		Aliases:               []string{"optimize"},
		Short:                 "deduplicate identical files in the store with hard links",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runOptimise(cmd.Context(), g)
	}
	return c
}

func runOptimise(ctx context.Context, g *globalFlags) error {
	o, err := openStore(g)
	if err != nil {
		return err
	}
	defer o.Close()

	if err := o.local.OptimiseStore(ctx); err != nil {
		return err
	}
	log.Infof(ctx, "Store optimised")
	return nil
}
