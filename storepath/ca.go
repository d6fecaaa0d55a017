// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package storepath

import (
	"fmt"

	"lix.dev/core/nixhash"
)

// MakeFixedOutputPath computes the store path of a store object with the
// given name, content address, and reference set.
//
// Three distinct fingerprinting schemes apply depending on ca, mirroring
// the three ways a store object's hash can relate to its store path:
//
//   - text content addresses (always SHA-256) use the "text" type tag and
//     allow other references but never a self-reference;
//   - "source" objects — every content address recursively hashed with
//     SHA-256, whether it comes from an imported source tree or a
//     fixed-output derivation — use the "source" type tag and allow any
//     reference set, including self-references;
//   - every other content address (flat, or recursive with another
//     algorithm) is folded through an extra indirection hash under the
//     "output:out" type tag and forbids any reference at all.
func MakeFixedOutputPath(dir Directory, name string, ca nixhash.ContentAddress, refs References) (Path, error) {
	if err := ValidateContentAddress(ca, refs); err != nil {
		return "", fmt.Errorf("compute fixed output path for %s: %v", name, err)
	}
	h := ca.Hash()
	switch {
	case ca.IsText():
		return MakeStorePath(dir, "text", h, name, refs)
	case IsSourceContentAddress(ca):
		return MakeStorePath(dir, "source", h, name, refs)
	default:
		indirect := nixhash.NewHasher(nixhash.SHA256)
		indirect.WriteString("fixed:out:")
		indirect.WriteString(ca.Method().String())
		indirect.WriteString(h.Base16())
		indirect.WriteString(":")
		return MakeStorePath(dir, "output:out", indirect.SumHash(), name, References{})
	}
}

// ValidateContentAddress reports whether the combination of ca and refs is
// one the store will accept.
func ValidateContentAddress(ca nixhash.ContentAddress, refs References) error {
	htype := ca.Hash().Type()
	isFixedOutput := ca.IsFixed() && !IsSourceContentAddress(ca)
	switch {
	case ca.IsZero():
		return fmt.Errorf("null content address")
	case ca.IsText() && htype != nixhash.SHA256:
		return fmt.Errorf("text must be content-addressed by %v (got %v)", nixhash.SHA256, htype)
	case refs.Self && ca.IsText():
		return fmt.Errorf("self-references not allowed in text")
	case !refs.IsEmpty() && isFixedOutput:
		return fmt.Errorf("references not allowed in fixed output")
	default:
		return nil
	}
}

// IsSourceContentAddress reports whether ca describes a "source" store
// object: one hashed recursively with SHA-256. This typically means an
// imported source tree, but can also mean a fixed-output or floating
// content-addressed build output.
func IsSourceContentAddress(ca nixhash.ContentAddress) bool {
	return ca.IsRecursiveFile() && ca.Hash().Type() == nixhash.SHA256
}

// MakeOutputPath computes the store path of an input-addressed derivation
// output: one whose path is derived from the hash of the derivation itself
// (modulo its own self-references and those of its input derivations),
// rather than from the output's content.
//
// drvHash must be the "hash derivation modulo" as computed by package drv:
// the derivation's own fingerprint with every input derivation's path
// replaced, recursively, by that input's own hash derivation modulo.
func MakeOutputPath(dir Directory, drvHash nixhash.Hash, drvName, outputName string) (Path, error) {
	name := drvName
	if outputName != "out" {
		name += "-" + outputName
	}
	return MakeStorePath(dir, "output:"+outputName, drvHash, name, References{})
}

// ComputeStorePathForText computes the store path for a text-addressed
// store object (most commonly, a serialized derivation) given its name,
// raw text, and the store paths the text contains references to.
func ComputeStorePathForText(dir Directory, name string, text []byte, refs References) (Path, error) {
	h := nixhash.NewHasher(nixhash.SHA256)
	h.Write(text)
	return MakeFixedOutputPath(dir, name, nixhash.TextContentAddress(h.SumHash()), refs)
}
