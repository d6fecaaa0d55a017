// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"

	"lix.dev/core/nixhash"
	"lix.dev/core/storepath"
)

// DrvOutput identifies one floating content-addressed output before it has
// been resolved to a concrete store path: the derivation's hash derivation
// modulo, together with the output's name.
type DrvOutput struct {
	DrvHash    nixhash.Hash
	OutputName string
}

// String returns id in "<drvHash>!<outputName>" form.
func (id DrvOutput) String() string {
	return id.DrvHash.String() + "!" + id.OutputName
}

// ParseDrvOutput parses the "<drvHash>!<outputName>" form.
func ParseDrvOutput(s string) (DrvOutput, error) {
	hashText, outputName, ok := strings.Cut(s, "!")
	if !ok {
		return DrvOutput{}, fmt.Errorf("parse drv output %q: missing '!'", s)
	}
	if outputName == "" {
		return DrvOutput{}, fmt.Errorf("parse drv output %q: empty output name", s)
	}
	h, err := nixhash.Parse(hashText)
	if err != nil {
		return DrvOutput{}, fmt.Errorf("parse drv output %q: %v", s, err)
	}
	return DrvOutput{DrvHash: h, OutputName: outputName}, nil
}

// MarshalText implements [encoding.TextMarshaler].
func (id DrvOutput) MarshalText() ([]byte, error) {
	if id.OutputName == "" {
		return nil, fmt.Errorf("marshal drv output: empty output name")
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (id *DrvOutput) UnmarshalText(data []byte) error {
	parsed, err := ParseDrvOutput(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Realisation binds a [DrvOutput] to the concrete store path it resolved
// to, once a content-addressed build or a substitution determined it.
// Realisations are what let a derivation graph reference a floating output
// before it's built: the placeholder in the referencing derivation is
// resolved at build time by looking up the realisation the dependency
// produced.
type Realisation struct {
	ID                    DrvOutput                    `json:"id"`
	OutPath               storepath.Path               `json:"outPath"`
	Signatures            []Signature                  `json:"signatures,omitempty"`
	DependentRealisations map[DrvOutput]storepath.Path `json:"dependentRealisations,omitempty"`
}

// Fingerprint returns the string a [Signature] over r is computed against:
// the realisation's id and resolved output path, plus its dependent
// realisations in a canonical (sorted) order, so that two signers of the
// same logical binding always sign the same bytes regardless of map
// iteration order.
func (r *Realisation) Fingerprint() []byte {
	deps := make([]DrvOutput, 0, len(r.DependentRealisations))
	for dep := range r.DependentRealisations {
		deps = append(deps, dep)
	}
	sortDrvOutputs(deps)

	var buf []byte
	buf = append(buf, r.ID.String()...)
	buf = append(buf, ';')
	buf = append(buf, r.OutPath...)
	for _, dep := range deps {
		buf = append(buf, ';')
		buf = append(buf, dep.String()...)
		buf = append(buf, '=')
		buf = append(buf, r.DependentRealisations[dep]...)
	}
	return buf
}

func sortDrvOutputs(deps []DrvOutput) {
	for i := 1; i < len(deps); i++ {
		for j := i; j > 0 && deps[j].String() < deps[j-1].String(); j-- {
			deps[j], deps[j-1] = deps[j-1], deps[j]
		}
	}
}

// AddSignatures adds signatures not already present on r.
func (r *Realisation) AddSignatures(sigs ...Signature) {
addLoop:
	for _, newSig := range sigs {
		for _, oldSig := range r.Signatures {
			if oldSig.String() == newSig.String() {
				continue addLoop
			}
		}
		r.Signatures = append(r.Signatures, newSig)
	}
}

// MarshalJSON encodes r as the ".doi" JSON document a binary cache
// publishes under /realisations/<drvOutput>.doi.
func (r *Realisation) MarshalJSON() ([]byte, error) {
	type realisationAlias Realisation
	return jsonv2.Marshal((*realisationAlias)(r))
}

// UnmarshalJSON decodes a ".doi" JSON document into r.
func (r *Realisation) UnmarshalJSON(data []byte) error {
	type realisationAlias Realisation
	return jsonv2.Unmarshal(data, (*realisationAlias)(r))
}
