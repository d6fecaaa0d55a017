// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package main

import (
	"cmp"
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"

	"lix.dev/core/internal/config"
	"lix.dev/core/store"
)

// privateKeyFile is the on-disk form of a signing key, the same
// format-tagged shape cmd/zb/keys.go's privateKeyFile uses, restricted to
// ed25519 since that is the only signature format [store.Keyring] knows.
type privateKeyFile struct {
	Format string `json:"format"`
	Key    []byte `json:"key,format:base64"`
}

const ed25519SignatureFormat = "ed25519"

func (f *privateKeyFile) appendToKeyring(dst *store.Keyring) error {
	switch f.Format {
	case ed25519SignatureFormat:
		if got, want := len(f.Key), ed25519.SeedSize; got != want {
			return fmt.Errorf("key is wrong size (decoded is %d instead of %d bytes)", got, want)
		}
		dst.Ed25519 = append(dst.Ed25519, ed25519.NewKeyFromSeed(f.Key))
	default:
		return fmt.Errorf("unknown format %q", f.Format)
	}
	return nil
}

// readKeyringFromFiles reads every named signing key file into a single
// keyring, as a `build`/`serve` invocation's --secret-key-files would.
func readKeyringFromFiles(files []string) (*store.Keyring, error) {
	result := new(store.Keyring)
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var parsed privateKeyFile
		if err := jsonv2.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("read %s: %v", path, err)
		}
		if err := parsed.appendToKeyring(result); err != nil {
			return nil, fmt.Errorf("read %s: %v", path, err)
		}
	}
	return result, nil
}

func newKeyCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "key COMMAND",
		Short:                 "operate on signing key files",
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.AddCommand(
		newGenerateKeyCommand(),
		newShowPublicKeyCommand(),
	)
	return c
}

func newGenerateKeyCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "generate [-o PATH]",
		Short:                 "generate a new signing key",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	outputPath := c.Flags().StringP("output", "o", "", "`file` to write to (default is stdout)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		outputFile := os.Stdout
		if *outputPath != "" {
			var err error
			outputFile, err = os.Create(*outputPath)
			if err != nil {
				return err
			}
		}
		err1 := runGenerateKey(cmd.Context(), outputFile)
		var err2 error
		if *outputPath != "" {
			err2 = outputFile.Close()
		}
		return cmp.Or(err1, err2)
	}
	return c
}

func runGenerateKey(ctx context.Context, dst io.Writer) error {
	_, newKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	keyFile := &privateKeyFile{
		Format: ed25519SignatureFormat,
		Key:    newKey.Seed(),
	}
	keyFileData, err := jsonv2.Marshal(keyFile, jsontext.Multiline(true))
	if err != nil {
		return err
	}
	keyFileData = append(keyFileData, '\n')
	_, err = dst.Write(keyFileData)
	return err
}

func newShowPublicKeyCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "show-public NAME [PATH [...]]",
		Short:                 "print public key of signing keys",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := args[0]
		paths := args[1:]
		if len(paths) == 0 {
			return runShowPublicKey(ctx, os.Stdout, name, os.Stdin)
		}
		for _, path := range paths {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			err = runShowPublicKey(ctx, os.Stdout, name, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	}
	return c
}

// runShowPublicKey reads a single private key file from src and prints its
// public half in the "name:base64" form [config.PublicKey] parses, the
// shape lixd.conf's trustedPublicKeys expects.
func runShowPublicKey(ctx context.Context, dst io.Writer, name string, src io.Reader) error {
	keyFile := new(privateKeyFile)
	if err := jsonv2.UnmarshalRead(src, keyFile, jsonv2.RejectUnknownMembers(false)); err != nil {
		return err
	}
	k := new(store.Keyring)
	if err := keyFile.appendToKeyring(k); err != nil {
		return err
	}
	if len(k.Ed25519) == 0 {
		return nil
	}
	result := config.PublicKey{
		Name: name,
		Data: k.Ed25519[0].Public().(ed25519.PublicKey),
	}
	_, err := fmt.Fprintln(dst, result.String())
	return err
}
