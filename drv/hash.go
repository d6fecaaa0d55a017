// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package drv

import (
	"fmt"

	"lix.dev/core/internal/aterm"
	"lix.dev/core/nixhash"
	"lix.dev/core/storepath"
)

// HashDerivationModulo computes the "hash derivation modulo" of d: the
// fingerprint used both to identify d itself (its own store path is
// computed as a text content address over d's serialization, keyed
// indirectly through this hash) and to compute the store paths of any
// input-addressed outputs it declares, via [storepath.MakeOutputPath].
//
// The name comes from the property the hash is computed "modulo": two
// derivations that are identical except for which exact store paths their
// input derivations happen to live at (because, say, a fixed-output
// dependency was fetched into a differently-named store) hash identically,
// so long as the input derivations' own recursively-computed hashes match.
// This lets a derivation's identity depend on what its inputs *are* rather
// than incidental details of where they landed, which is what lets
// content-addressed and input-addressed derivations interoperate in the
// same dependency graph.
//
// inputHashes must contain, for every path in d.InputDerivations, that
// input derivation's own hash derivation modulo (computed recursively by
// the caller in dependency order before calling this function for d).
func HashDerivationModulo(d *Derivation, inputHashes map[storepath.Path]nixhash.Hash) (nixhash.Hash, error) {
	if h, ok, err := fixedOutputHash(d); err != nil {
		return nixhash.Hash{}, err
	} else if ok {
		return h, nil
	}

	var buf []byte
	buf = append(buf, "Derive("...)

	outputNames := sortedKeys(d.Outputs)
	buf = append(buf, '[')
	for i, name := range outputNames {
		if i > 0 {
			buf = append(buf, ',')
		}
		out := d.Outputs[name]
		if out.kind == floatingCAOutput {
			out = Output{kind: floatingCAOutput, method: out.method, algo: out.algo}
		}
		buf = out.marshalText(buf, name)
	}
	buf = append(buf, "],["...)

	inputDrvPaths := sortedKeys(d.InputDerivations)
	for i, p := range inputDrvPaths {
		if i > 0 {
			buf = append(buf, ',')
		}
		h, ok := inputHashes[p]
		if !ok {
			return nixhash.Hash{}, fmt.Errorf("hash derivation modulo %s: missing hash for input derivation %s", d.Name, p)
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, h.Base16())
		buf = append(buf, ",["...)
		outNames := d.InputDerivations[p].Slice()
		for j, outName := range outNames {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, outName)
		}
		buf = append(buf, "])"...)
	}
	buf = append(buf, "],["...)

	for i := 0; i < d.InputSources.Len(); i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, string(d.InputSources.At(i)))
	}
	buf = append(buf, "],"...)

	buf = aterm.AppendString(buf, d.System)
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, d.Builder)
	buf = append(buf, ",["...)
	for i, arg := range d.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, arg)
	}
	buf = append(buf, "],["...)

	envNames := sortedKeys(d.Env)
	for i, k := range envNames {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, d.Env[k])
		buf = append(buf, ')')
	}
	buf = append(buf, "])"...)

	h := nixhash.NewHasher(nixhash.SHA256)
	h.Write(buf)
	return h.SumHash(), nil
}

// fixedOutputHash handles the special case classic Nix carves out for a
// derivation with exactly one output, named "out", whose content address is
// already fixed: its hash derivation modulo is computed directly from that
// content address rather than from the full serialization, since a fixed
// output's bytes (and therefore the only thing downstream consumers can
// ever legitimately depend on) are already pinned regardless of how the
// builder that produces them is invoked.
func fixedOutputHash(d *Derivation) (nixhash.Hash, bool, error) {
	if len(d.Outputs) != 1 {
		return nixhash.Hash{}, false, nil
	}
	out, ok := d.Outputs["out"]
	if !ok || out.kind != fixedCAOutput {
		return nixhash.Hash{}, false, nil
	}
	path, ok := out.Path()
	if !ok {
		return nixhash.Hash{}, false, fmt.Errorf("hash derivation modulo %s: fixed output has no path", d.Name)
	}
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString("fixed:out:")
	h.WriteString(out.ca.Method().String())
	h.WriteString(string(out.ca.Hash().Type()))
	h.WriteString(":")
	h.WriteString(out.ca.Hash().Base16())
	h.WriteString(":")
	h.WriteString(string(path))
	return h.SumHash(), true, nil
}

// Export finalizes d for insertion into the store: it computes d's hash
// derivation modulo, assigns a store path to every not-yet-assigned
// input-addressed output via [storepath.MakeOutputPath], and returns the
// serialized ".drv" text (with any still-unresolved floating outputs
// written with an empty path, to be filled in once the build completes)
// together with the store path the serialized text itself will occupy.
//
// inputHashes must contain the hash derivation modulo of every derivation
// in d.InputDerivations, as for [HashDerivationModulo].
func (d *Derivation) Export(inputHashes map[storepath.Path]nixhash.Hash) (drvPath storepath.Path, drvText []byte, err error) {
	modHash, err := HashDerivationModulo(d, inputHashes)
	if err != nil {
		return "", nil, fmt.Errorf("export derivation %s: %v", d.Name, err)
	}

	for name, out := range d.Outputs {
		if out.kind != inputAddressedOutput {
			continue
		}
		if _, ok := out.Path(); ok {
			continue
		}
		p, err := storepath.MakeOutputPath(d.Dir, modHash, d.Name, name)
		if err != nil {
			return "", nil, fmt.Errorf("export derivation %s: output %s: %v", d.Name, name, err)
		}
		d.Outputs[name] = InputAddressedOutput(p)
	}

	text := d.marshalText(false)
	drvName := d.Name + storepath.DerivationExt
	drvPath, err = storepath.ComputeStorePathForText(d.Dir, drvName, text, d.References())
	if err != nil {
		return "", nil, fmt.Errorf("export derivation %s: %v", d.Name, err)
	}
	return drvPath, text, nil
}
