// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package executor

import (
	"fmt"
	"strings"

	"lix.dev/core/internal/build"
	"lix.dev/core/internal/detect"
	"lix.dev/core/nar"
	"lix.dev/core/storepath"
)

// errOutputCheck reports an output that violated its derivation's
// allowedReferences or disallowedReferences attribute, spec.md 4.7's
// declared output check.
type errOutputCheck struct {
	output, attr, ref string
}

func (e *errOutputCheck) Error() string {
	return fmt.Sprintf("output %s: %s forbids reference to %s", e.output, e.attr, e.ref)
}

// checkOutputs enforces every output's allowedReferences/
// disallowedReferences attribute (the legacy, always-available subset of
// spec.md 4.7's "etc." — allowedRequisites/disallowedRequisites would
// additionally require walking each referenced path's own closure, which
// needs a store handle this package is deliberately not given; Requisites
// checking belongs with internal/build's registration pipeline, which
// already has one). Each attribute is a derivation environment variable
// holding a space-separated list of store paths, the classic Nix
// convention — only the finished output directories named in
// req.OutputPaths are scanned.
func checkOutputs(req *build.BuildRequest) error {
	for name := range req.Drv.Outputs {
		path := req.OutputPaths[name]
		if path == "" {
			continue
		}
		allowed, hasAllowed := referenceList(req.Drv.Env, name, "allowedReferences")
		disallowed, hasDisallowed := referenceList(req.Drv.Env, name, "disallowedReferences")
		if !hasAllowed && !hasDisallowed {
			continue
		}

		digests := make(map[string]string, len(allowed)+len(disallowed))
		search := make([]string, 0, len(allowed)+len(disallowed))
		for _, p := range allowed {
			digests[p.Digest()] = string(p)
			search = append(search, p.Digest())
		}
		for _, p := range disallowed {
			digests[p.Digest()] = string(p)
			search = append(search, p.Digest())
		}

		rf := detect.NewRefFinder(search)
		if err := nar.DumpPath(rf, path, nil); err != nil {
			return fmt.Errorf("scan output %s for declared references: %v", name, err)
		}
		found := make(map[string]bool, len(rf.Found()))
		for _, digest := range rf.Found() {
			found[digest] = true
		}

		if hasAllowed {
			allowedSet := make(map[string]bool, len(allowed))
			for _, p := range allowed {
				allowedSet[p.Digest()] = true
			}
			for digest := range found {
				if !allowedSet[digest] {
					return &errOutputCheck{output: name, attr: "allowedReferences", ref: digests[digest]}
				}
			}
		}
		if hasDisallowed {
			for _, p := range disallowed {
				if found[p.Digest()] {
					return &errOutputCheck{output: name, attr: "disallowedReferences", ref: string(p)}
				}
			}
		}
	}
	return nil
}

// referenceList reads outputName's scoped or derivation-wide attr (e.g.
// "out.allowedReferences" falling back to "allowedReferences") as a
// whitespace-separated list of store paths.
func referenceList(env map[string]string, outputName, attr string) ([]storepath.Path, bool) {
	raw, ok := env[outputName+"."+attr]
	if !ok {
		raw, ok = env[attr]
	}
	if !ok {
		return nil, false
	}
	fields := strings.Fields(raw)
	paths := make([]storepath.Path, 0, len(fields))
	for _, f := range fields {
		p, err := storepath.ParsePath(f)
		if err != nil {
			continue
		}
		paths = append(paths, p)
	}
	return paths, true
}
