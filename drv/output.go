// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package drv

import (
	"fmt"

	"lix.dev/core/internal/aterm"
	"lix.dev/core/nixhash"
	"lix.dev/core/storepath"
)

// outputKind distinguishes the three ways a derivation can assert the
// identity of one of its outputs.
type outputKind int8

const (
	// inputAddressedOutput is the classic case: the output's path is
	// derived from the hash of the derivation that produced it (modulo
	// its inputs' own hashes), not from the output's content. The store
	// trusts the builder to produce exactly this path's contents.
	inputAddressedOutput outputKind = 1 + iota
	// fixedCAOutput is an output whose content address is fixed in
	// advance (e.g. the expected hash of a network fetch), so its store
	// path can be computed before the derivation ever runs, and the
	// builder's result is verified against ca after the fact.
	fixedCAOutput
	// floatingCAOutput is an output whose content address is not known
	// until after the build, so its store path can only be computed once
	// the builder has produced it. Unlike zb's CA-only model, this
	// package also supports [inputAddressedOutput] and [fixedCAOutput]
	// outputs side by side in the same derivation, matching classic Nix.
	floatingCAOutput
)

// Output describes one named output of a [Derivation]: a promise that
// building the derivation will produce a store object, named, addressed,
// and verified in one of three ways.
type Output struct {
	kind outputKind

	// path is set for inputAddressedOutput and fixedCAOutput outputs. For
	// an unresolved inputAddressedOutput (one still awaiting
	// [Derivation.Export]), path is empty.
	path storepath.Path

	// ca is set for fixedCAOutput outputs: the expected content address
	// the builder's result must match.
	ca nixhash.ContentAddress

	// method and algo are set for floatingCAOutput outputs: how the
	// eventual result should be hashed to learn its content address.
	method nixhash.Method
	algo   nixhash.Algorithm
}

// InputAddressedOutput returns an output whose path is already known,
// either because it was parsed from a serialized derivation or assigned by
// a prior call to [Derivation.Export].
func InputAddressedOutput(path storepath.Path) Output {
	return Output{kind: inputAddressedOutput, path: path}
}

// pendingInputAddressedOutput returns an input-addressed output with no
// path assigned yet, used while building up a [Derivation] before its first
// [Derivation.Export].
func pendingInputAddressedOutput() Output {
	return Output{kind: inputAddressedOutput}
}

// FixedCAOutput returns an output whose content is pinned in advance to ca,
// with its store path already computed via [storepath.MakeFixedOutputPath].
func FixedCAOutput(path storepath.Path, ca nixhash.ContentAddress) Output {
	return Output{kind: fixedCAOutput, path: path, ca: ca}
}

// FloatingCAOutput returns an output whose content address will not be
// known until the builder produces it, to be hashed with method and algo.
func FloatingCAOutput(method nixhash.Method, algo nixhash.Algorithm) Output {
	return Output{kind: floatingCAOutput, method: method, algo: algo}
}

// IsFixed reports whether out's store path is known before the build runs
// (true for both [inputAddressedOutput] and [fixedCAOutput]).
func (out Output) IsFixed() bool {
	return out.kind == inputAddressedOutput || out.kind == fixedCAOutput
}

// IsFloating reports whether out's store path can only be known after the
// build completes.
func (out Output) IsFloating() bool {
	return out.kind == floatingCAOutput
}

// Path returns the output's store path, if known. It is known for
// [inputAddressedOutput] outputs only after [Derivation.Export] has run,
// and always for [fixedCAOutput] outputs.
func (out Output) Path() (storepath.Path, bool) {
	if out.path == "" {
		return "", false
	}
	return out.path, true
}

// ContentAddress returns the output's expected content address, if out is a
// [fixedCAOutput].
func (out Output) ContentAddress() (nixhash.ContentAddress, bool) {
	if out.kind != fixedCAOutput {
		return nixhash.ContentAddress{}, false
	}
	return out.ca, true
}

// FloatingHash returns the method and algorithm a [floatingCAOutput] should
// be hashed with once its build completes.
func (out Output) FloatingHash() (method nixhash.Method, algo nixhash.Algorithm, ok bool) {
	if out.kind != floatingCAOutput {
		return 0, "", false
	}
	return out.method, out.algo, true
}

// HashPlaceholder returns the string a derivation's arguments or
// environment use to refer to one of its own outputs before that output's
// final store path is known. The builder never sees this literal string:
// it is substituted for the output's real path once that path is
// determined, whether at derivation-construction time (for
// [inputAddressedOutput] and [fixedCAOutput] outputs) or not until the
// build completes (for [floatingCAOutput] outputs referenced by a sibling
// output in the same derivation).
func HashPlaceholder(outputName string) string {
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString("nix-output:")
	h.WriteString(outputName)
	return "/" + h.SumHash().Base32()
}

// UnknownCAOutputPlaceholder returns the string used in a derivation's
// environment to refer to a floating content-addressed output of another
// derivation drvPath, before that derivation has been built and its output
// hash is known.
func UnknownCAOutputPlaceholder(drvPath storepath.Path, outputName string) string {
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString("unknown-ca-output:")
	h.WriteString(string(drvPath))
	h.WriteString(":")
	h.WriteString(outputName)
	return "/" + h.SumHash().Base32()
}

// marshalText appends out's ATerm tuple representation to dst:
// ("name","path","hashAlgo","hash"), mirroring the wire format of a
// classic .drv file's output tuples.
func (out Output) marshalText(dst []byte, name string) []byte {
	dst = append(dst, '(')
	dst = aterm.AppendString(dst, name)
	dst = append(dst, ',')
	dst = aterm.AppendString(dst, string(out.path))
	dst = append(dst, ',')
	switch out.kind {
	case fixedCAOutput:
		dst = aterm.AppendString(dst, out.ca.Method().String()+string(out.ca.Hash().Type()))
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, out.ca.Hash().Base16())
	case floatingCAOutput:
		dst = aterm.AppendString(dst, out.method.String()+string(out.algo))
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, "")
	default:
		dst = aterm.AppendString(dst, "")
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, "")
	}
	dst = append(dst, ')')
	return dst
}

// parseOutput parses a single output tuple already positioned past its
// opening parenthesis, returning the output's name and value.
func parseOutput(s *aterm.Scanner) (name string, out Output, err error) {
	name, err = expectString(s)
	if err != nil {
		return "", Output{}, fmt.Errorf("parse derivation output: name: %v", err)
	}
	pathText, err := expectString(s)
	if err != nil {
		return "", Output{}, fmt.Errorf("parse derivation output %q: path: %v", name, err)
	}
	hashAlgoText, err := expectString(s)
	if err != nil {
		return "", Output{}, fmt.Errorf("parse derivation output %q: hash algorithm: %v", name, err)
	}
	hashText, err := expectString(s)
	if err != nil {
		return "", Output{}, fmt.Errorf("parse derivation output %q: hash: %v", name, err)
	}
	if err := expectTag(s, aterm.RParen); err != nil {
		return "", Output{}, fmt.Errorf("parse derivation output %q: %v", name, err)
	}

	switch {
	case hashAlgoText == "" && hashText == "":
		if pathText == "" {
			out = pendingInputAddressedOutput()
		} else {
			p, err := storepath.ParsePath(pathText)
			if err != nil {
				return "", Output{}, fmt.Errorf("parse derivation output %q: %v", name, err)
			}
			out = InputAddressedOutput(p)
		}
	default:
		method, algoText := splitHashAlgoMethod(hashAlgoText)
		algo := nixhash.Algorithm(algoText)
		if hashText == "" {
			out = FloatingCAOutput(method, algo)
		} else {
			digest, err := nixhash.ParseWithAlgorithm(algo, hashText)
			if err != nil {
				return "", Output{}, fmt.Errorf("parse derivation output %q: %v", name, err)
			}
			ca := nixhash.NewContentAddress(method, digest)
			p, err := storepath.ParsePath(pathText)
			if err != nil {
				return "", Output{}, fmt.Errorf("parse derivation output %q: %v", name, err)
			}
			out = FixedCAOutput(p, ca)
		}
	}
	return name, out, nil
}

// splitHashAlgoMethod splits a derivation output's combined hash-algorithm
// field ("sha256", "r:sha256", or "text:sha256") into its [nixhash.Method]
// and bare algorithm name.
func splitHashAlgoMethod(s string) (nixhash.Method, string) {
	switch {
	case len(s) > len("r:") && s[:len("r:")] == "r:":
		return nixhash.Recursive, s[len("r:"):]
	case len(s) > len("text:") && s[:len("text:")] == "text:":
		return nixhash.Text, s[len("text:"):]
	default:
		return nixhash.Flat, s
	}
}
