// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"lix.dev/core/nixhash"
	"lix.dev/core/storepath"
)

// ValidPathInfo is the local store's internal record of one valid store
// object: everything [NARInfo] carries, plus the bookkeeping that never
// leaves the local database (registration time, the "ultimate" trust bit).
type ValidPathInfo struct {
	Path             storepath.Path
	NARHash          nixhash.Hash
	NARSize          int64
	References       storepath.References
	Deriver          storepath.Path
	Sig              []Signature
	CA               nixhash.ContentAddress
	RegistrationTime time.Time
	// Ultimate reports whether this path was built locally by a trusted
	// process, rather than substituted or registered on say-so.
	Ultimate bool
}

// Validate checks the invariants [ValidPathInfo] fields must satisfy: if
// the object is content-addressed, ca must recompute to path; references
// naming objects outside the registering batch are the caller's
// responsibility to check against the store's ValidPaths table.
func (info *ValidPathInfo) Validate() error {
	if info.Path == "" {
		return fmt.Errorf("valid path info: empty path")
	}
	if info.NARHash.IsZero() {
		return fmt.Errorf("valid path info %s: nar hash not set", info.Path)
	}
	if info.NARSize <= 0 {
		return fmt.Errorf("valid path info %s: nar size not set", info.Path)
	}
	if !info.CA.IsZero() {
		want, err := storepath.MakeFixedOutputPath(info.Path.Dir(), info.Path.Name(), info.CA, info.References)
		if err != nil {
			return fmt.Errorf("valid path info %s: content address: %v", info.Path, err)
		}
		if want != info.Path {
			return fmt.Errorf("valid path info %s: computed content-addressed path %s does not match", info.Path, want)
		}
	}
	return nil
}

// WriteFingerprint writes info's signing fingerprint to w, in the same
// "1;path;narhash;narsize;ref,ref,..." form [NARInfo.WriteFingerprint] uses,
// so that a [Signature] computed over one is valid over the other.
func (info *ValidPathInfo) WriteFingerprint(w io.Writer) error {
	if info.Path == "" {
		return fmt.Errorf("compute fingerprint: empty path")
	}
	if info.NARHash.IsZero() {
		return fmt.Errorf("compute fingerprint for %s: nar hash not set", info.Path)
	}
	if _, err := io.WriteString(w, "1;"); err != nil {
		return err
	}
	if _, err := io.WriteString(w, string(info.Path)); err != nil {
		return err
	}
	if _, err := io.WriteString(w, ";"); err != nil {
		return err
	}
	if _, err := io.WriteString(w, info.NARHash.Base32()); err != nil {
		return err
	}
	if _, err := io.WriteString(w, ";"); err != nil {
		return err
	}
	if _, err := io.WriteString(w, strconv.FormatInt(info.NARSize, 10)); err != nil {
		return err
	}
	if _, err := io.WriteString(w, ";"); err != nil {
		return err
	}
	refs := make([]string, 0, info.References.Others.Len()+1)
	for i := 0; i < info.References.Others.Len(); i++ {
		refs = append(refs, string(info.References.Others.At(i)))
	}
	if info.References.Self {
		refs = append(refs, string(info.Path))
	}
	sort.Strings(refs)
	if _, err := io.WriteString(w, strings.Join(refs, ",")); err != nil {
		return err
	}
	return nil
}

// NARInfo converts info into the public [NARInfo] record a binary cache
// publishes, given the download URL and compression metadata a cache
// upload chooses independently of the store's own bookkeeping.
func (info *ValidPathInfo) NARInfo(url string, compression CompressionType, fileHash nixhash.Hash, fileSize int64) *NARInfo {
	refs := make([]storepath.Path, 0, info.References.Others.Len())
	for i := 0; i < info.References.Others.Len(); i++ {
		refs = append(refs, info.References.Others.At(i))
	}
	if info.References.Self {
		refs = append(refs, info.Path)
	}
	return &NARInfo{
		StorePath:   info.Path,
		URL:         url,
		Compression: compression,
		FileHash:    fileHash,
		FileSize:    fileSize,
		NARHash:     info.NARHash,
		NARSize:     info.NARSize,
		References:  refs,
		Deriver:     info.Deriver,
		Sig:         append([]Signature(nil), info.Sig...),
		CA:          info.CA,
	}
}
