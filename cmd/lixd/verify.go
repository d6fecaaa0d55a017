// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type verifyOptions struct {
	checkContents bool
	repair        bool
}

func newVerifyCommand(g *globalFlags) *cobra.Command {
	c := &cobra.Command{
		Use:                   "verify [options]",
		Short:                 "check store paths for validity",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(verifyOptions)
	c.Flags().BoolVar(&opts.checkContents, "check-contents", false, "rehash every path's contents instead of only checking presence")
	c.Flags().BoolVar(&opts.repair, "repair", false, "keep missing paths registered instead of invalidating them (nothing is re-fetched or rebuilt)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd.Context(), g, opts)
	}
	return c
}

func runVerify(ctx context.Context, g *globalFlags, opts *verifyOptions) error {
	o, err := openStore(g)
	if err != nil {
		return err
	}
	defer o.Close()

	result, err := o.local.VerifyStore(ctx, opts.checkContents, opts.repair)
	if err != nil {
		return err
	}
	for _, p := range result.Missing {
		fmt.Fprintf(os.Stdout, "missing: %s\n", p)
	}
	for _, p := range result.Corrupt {
		fmt.Fprintf(os.Stdout, "corrupt: %s\n", p)
	}
	fmt.Fprintf(os.Stderr, "checked %d paths, %d missing, %d corrupt\n", result.Checked, len(result.Missing), len(result.Corrupt))
	if len(result.Missing) > 0 || len(result.Corrupt) > 0 {
		return fmt.Errorf("store verification found problems")
	}
	return nil
}
