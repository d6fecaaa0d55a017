// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"
	"strings"

	"lix.dev/core/drv"
	"lix.dev/core/nixhash"
	"lix.dev/core/storepath"
)

// outputBaseName returns the name component a derivation output's store
// path uses: the derivation's own name for "out", or name-suffixed
// otherwise, mirroring [storepath.MakeOutputPath]'s convention.
func outputBaseName(drvName, outputName string) string {
	if outputName == "out" {
		return drvName
	}
	return drvName + "-" + outputName
}

// tempOutputPath returns a deterministic scratch location for a floating
// output, derived from drvPath and outputName rather than from content
// (which is not known yet). Repeated calls for the same derivation and
// output always agree, the way internal/backend/realize.go's tempPath
// lets a retried build reuse its previous scratch directory instead of
// accumulating a fresh one every attempt.
func tempOutputPath(dir storepath.Directory, drvPath storepath.Path, drvName, outputName string) (storepath.Path, error) {
	zero, err := nixhash.New(nixhash.SHA256, make([]byte, nixhash.SHA256.Size()))
	if err != nil {
		return "", fmt.Errorf("temp output path: %v", err)
	}
	name := drvPath.Digest() + "-" + outputBaseName(drvName, outputName)
	return storepath.MakeStorePath(dir, "temp:"+outputName, zero, name, storepath.References{})
}

// resolvedOutputPaths computes, for every output of d, the path the
// builder should be told to write to: its final path already, for a fixed
// or input-addressed output; a fresh [tempOutputPath] scratch location,
// for a floating one whose real path cannot be known before the build
// runs.
func resolvedOutputPaths(dir storepath.Directory, drvPath storepath.Path, d *drv.Derivation) (map[string]storepath.Path, error) {
	paths := make(map[string]storepath.Path, len(d.Outputs))
	for name, out := range d.Outputs {
		if p, ok := out.Path(); ok {
			paths[name] = p
			continue
		}
		p, err := tempOutputPath(dir, drvPath, d.Name, name)
		if err != nil {
			return nil, err
		}
		paths[name] = p
	}
	return paths, nil
}

// placeholderReplacements builds the hash-placeholder substitution map
// [drv.Derivation.Builder], [drv.Derivation.Args], and
// [drv.Derivation.Env] may reference: every one of d's own outputs, via
// [drv.HashPlaceholder], resolved to outputPaths; and, for every output
// actually used from an input derivation, [drv.UnknownCAOutputPlaceholder]
// resolved to that input's own realised path. inputOutputs must contain,
// for every derivation in d.InputDerivations, the name-to-path mapping
// [LocalStore.QueryDerivationOutputs] reports once that input has been
// successfully realised.
func placeholderReplacements(d *drv.Derivation, outputPaths map[string]storepath.Path, inputOutputs map[storepath.Path]map[string]storepath.Path) (map[string]string, error) {
	subs := make(map[string]string, len(outputPaths))
	for name, p := range outputPaths {
		subs[drv.HashPlaceholder(name)] = string(p)
	}
	for inputPath, usedNames := range d.InputDerivations {
		outputs := inputOutputs[inputPath]
		for i := 0; i < usedNames.Len(); i++ {
			usedName := usedNames.At(i)
			p, ok := outputs[usedName]
			if !ok || p == "" {
				return nil, fmt.Errorf("placeholder replacements: %s: output %s of %s was not realised", d.Name, usedName, inputPath)
			}
			subs[drv.UnknownCAOutputPlaceholder(inputPath, usedName)] = string(p)
		}
	}
	return subs, nil
}

// resolveDerivation returns a copy of d with every hash placeholder in its
// builder, arguments, and environment replaced per subs, the way
// internal/backend/realize.go's resolveDerivation/expandDerivationPlaceholders
// prepare a derivation for its builder to see only real store paths.
func resolveDerivation(d *drv.Derivation, subs map[string]string) *drv.Derivation {
	if len(subs) == 0 {
		return d
	}
	oldnew := make([]string, 0, 2*len(subs))
	for old, new := range subs {
		oldnew = append(oldnew, old, new)
	}
	r := strings.NewReplacer(oldnew...)

	resolved := *d
	resolved.Builder = r.Replace(d.Builder)
	resolved.Args = make([]string, len(d.Args))
	for i, arg := range d.Args {
		resolved.Args[i] = r.Replace(arg)
	}
	resolved.Env = make(map[string]string, len(d.Env))
	for k, v := range d.Env {
		resolved.Env[k] = r.Replace(v)
	}
	return &resolved
}
