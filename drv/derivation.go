// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package drv implements the derivation data model: the recipe for
// building a store object, serialized in Nix's ATerm-based ".drv" text
// format and identified by its "hash derivation modulo."
package drv

import (
	"bufio"
	"bytes"
	"cmp"
	"fmt"
	"slices"

	"lix.dev/core/internal/aterm"
	"lix.dev/core/internal/sortedset"
	"lix.dev/core/storepath"
)

// Derivation is a parsed build recipe: a builder to run, the arguments and
// environment to run it with, the set of other store objects it depends on,
// and the outputs it promises to produce.
type Derivation struct {
	Dir     storepath.Directory
	Name    string
	System  string
	Builder string
	Args    []string
	Env     map[string]string

	// InputSources is the set of non-derivation store paths the
	// derivation reads from directly (source files, patches, and the
	// like).
	InputSources sortedset.Set[storepath.Path]

	// InputDerivations maps each derivation this derivation depends on to
	// the set of that derivation's output names it actually uses.
	InputDerivations map[storepath.Path]*sortedset.Set[string]

	// Outputs maps each output name (almost always just "out") to its
	// [Output] description.
	Outputs map[string]Output
}

// OutputPath returns the store path of the named output, if it is known.
// For an [inputAddressedOutput] constructed directly (rather than parsed or
// assigned by [Derivation.Export]), this reports false until Export runs.
func (d *Derivation) OutputPath(name string) (storepath.Path, bool) {
	out, ok := d.Outputs[name]
	if !ok {
		return "", false
	}
	return out.Path()
}

// References returns the set of store paths d's serialized form refers to:
// every input source, every input derivation, and (implicitly, through
// in-tree fixed output paths) nothing about d's own outputs, which a
// derivation never references itself.
func (d *Derivation) References() storepath.References {
	var refs storepath.References
	refs.Others.Grow(d.InputSources.Len() + len(d.InputDerivations))
	refs.Others.AddSet(&d.InputSources)
	for p := range d.InputDerivations {
		refs.Others.Add(p)
	}
	return refs
}

// MarshalText implements [encoding.TextMarshaler], producing the classic
// ATerm ".drv" serialization.
func (d *Derivation) MarshalText() ([]byte, error) {
	return d.marshalText(false), nil
}

// marshalText appends the derivation's ATerm serialization. If
// maskOutputs is true, every floating content-addressed output is written
// with an empty path (keeping only its method and hash algorithm) rather
// than its real (unknown) value, as "hash derivation modulo" needs — see
// [HashDerivationModulo].
func (d *Derivation) marshalText(maskOutputs bool) []byte {
	var buf []byte
	buf = append(buf, "Derive("...)

	outputNames := sortedKeys(d.Outputs)
	buf = append(buf, '[')
	for i, name := range outputNames {
		if i > 0 {
			buf = append(buf, ',')
		}
		out := d.Outputs[name]
		if maskOutputs && out.kind == floatingCAOutput {
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
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, string(p))
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
	return buf
}

// ParseDerivation parses the ATerm ".drv" serialization data, naming the
// result drv and attributing its store paths to dir.
func ParseDerivation(dir storepath.Directory, name string, data []byte) (*Derivation, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	s := aterm.NewScanner(br)

	if err := expectIdent(br, "Derive"); err != nil {
		return nil, fmt.Errorf("parse derivation %s: %v", name, err)
	}
	if err := expectTag(s, aterm.LParen); err != nil {
		return nil, fmt.Errorf("parse derivation %s: %v", name, err)
	}

	d := &Derivation{
		Dir:              dir,
		Name:             name,
		Env:              make(map[string]string),
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
	}

	if err := expectTag(s, aterm.LBracket); err != nil {
		return nil, fmt.Errorf("parse derivation %s: outputs: %v", name, err)
	}
	d.Outputs = make(map[string]Output)
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return nil, fmt.Errorf("parse derivation %s: outputs: %v", name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return nil, fmt.Errorf("parse derivation %s: outputs: unexpected token %v", name, tok)
		}
		outName, out, err := parseOutput(s)
		if err != nil {
			return nil, fmt.Errorf("parse derivation %s: %v", name, err)
		}
		d.Outputs[outName] = out
	}

	if err := expectTag(s, aterm.LBracket); err != nil {
		return nil, fmt.Errorf("parse derivation %s: input derivations: %v", name, err)
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return nil, fmt.Errorf("parse derivation %s: input derivations: %v", name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return nil, fmt.Errorf("parse derivation %s: input derivations: unexpected token %v", name, tok)
		}
		pathText, err := expectString(s)
		if err != nil {
			return nil, fmt.Errorf("parse derivation %s: input derivations: %v", name, err)
		}
		p, err := storepath.ParsePath(pathText)
		if err != nil {
			return nil, fmt.Errorf("parse derivation %s: input derivations: %v", name, err)
		}
		outNames, err := parseStringList(s)
		if err != nil {
			return nil, fmt.Errorf("parse derivation %s: input derivations: %v", name, err)
		}
		if err := expectTag(s, aterm.RParen); err != nil {
			return nil, fmt.Errorf("parse derivation %s: input derivations: %v", name, err)
		}
		set := new(sortedset.Set[string])
		for _, n := range outNames {
			set.Add(n)
		}
		d.InputDerivations[p] = set
	}

	inputSrcs, err := parseStringList(s)
	if err != nil {
		return nil, fmt.Errorf("parse derivation %s: input sources: %v", name, err)
	}
	for _, srcText := range inputSrcs {
		p, err := storepath.ParsePath(srcText)
		if err != nil {
			return nil, fmt.Errorf("parse derivation %s: input sources: %v", name, err)
		}
		d.InputSources.Add(p)
	}

	d.System, err = expectString(s)
	if err != nil {
		return nil, fmt.Errorf("parse derivation %s: system: %v", name, err)
	}
	d.Builder, err = expectString(s)
	if err != nil {
		return nil, fmt.Errorf("parse derivation %s: builder: %v", name, err)
	}
	d.Args, err = parseStringList(s)
	if err != nil {
		return nil, fmt.Errorf("parse derivation %s: args: %v", name, err)
	}

	if err := expectTag(s, aterm.LBracket); err != nil {
		return nil, fmt.Errorf("parse derivation %s: env: %v", name, err)
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return nil, fmt.Errorf("parse derivation %s: env: %v", name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return nil, fmt.Errorf("parse derivation %s: env: unexpected token %v", name, tok)
		}
		k, err := expectString(s)
		if err != nil {
			return nil, fmt.Errorf("parse derivation %s: env: %v", name, err)
		}
		v, err := expectString(s)
		if err != nil {
			return nil, fmt.Errorf("parse derivation %s: env: %v", name, err)
		}
		if err := expectTag(s, aterm.RParen); err != nil {
			return nil, fmt.Errorf("parse derivation %s: env: %v", name, err)
		}
		d.Env[k] = v
	}

	if err := expectTag(s, aterm.RParen); err != nil {
		return nil, fmt.Errorf("parse derivation %s: %v", name, err)
	}
	return d, nil
}

func expectIdent(br *bufio.Reader, ident string) error {
	buf := make([]byte, len(ident))
	if _, err := readFullBuf(br, buf); err != nil {
		return fmt.Errorf("expected %q: %v", ident, err)
	}
	if string(buf) != ident {
		return fmt.Errorf("expected %q, got %q", ident, buf)
	}
	return nil
}

func readFullBuf(br *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := br.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func expectTag(s *aterm.Scanner, kind aterm.TokenKind) error {
	tok, err := s.ReadToken()
	if err != nil {
		return err
	}
	if tok.Kind != kind {
		return fmt.Errorf("expected %v, got %v", kind, tok)
	}
	return nil
}

func expectString(s *aterm.Scanner) (string, error) {
	tok, err := s.ReadToken()
	if err != nil {
		return "", err
	}
	if tok.Kind != aterm.String {
		return "", fmt.Errorf("expected string, got %v", tok)
	}
	return tok.Value, nil
}

func parseStringList(s *aterm.Scanner) ([]string, error) {
	if err := expectTag(s, aterm.LBracket); err != nil {
		return nil, err
	}
	var result []string
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return nil, err
		}
		if tok.Kind == aterm.RBracket {
			return result, nil
		}
		if tok.Kind != aterm.String {
			return nil, fmt.Errorf("expected string, got %v", tok)
		}
		result = append(result, tok.Value)
	}
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
