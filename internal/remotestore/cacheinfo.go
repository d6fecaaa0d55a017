// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package remotestore

import (
	"fmt"
	"strconv"
	"strings"

	"lix.dev/core/storepath"
)

// CacheInfo is the parsed form of a binary cache's /nix-cache-info file:
// the metadata a substituter reads once per cache, before ever requesting a
// .narinfo.
type CacheInfo struct {
	// StoreDir is the store directory the cache's paths were built against
	// (e.g. "/lix/store"). A client whose own store directory differs
	// cannot use this cache's NARs without path translation.
	StoreDir storepath.Directory
	// WantMassQuery reports whether the cache is cheap to query in bulk
	// (e.g. backed by an index rather than per-path HEAD requests).
	WantMassQuery bool
	// Priority orders substituters: lower values are preferred. Absent,
	// it defaults to [DefaultPriority].
	Priority int
}

// DefaultPriority is the priority assumed for a cache whose /nix-cache-info
// omits the Priority field.
const DefaultPriority = 50

// UnmarshalText decodes a /nix-cache-info file.
func (ci *CacheInfo) UnmarshalText(src []byte) error {
	*ci = CacheInfo{Priority: DefaultPriority}
	lineno := 0
	for _, line := range strings.Split(string(src), "\n") {
		lineno++
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return fmt.Errorf("unmarshal nix-cache-info: line %d: missing ': '", lineno)
		}
		switch key {
		case "StoreDir":
			dir, err := storepath.CleanDirectory(value)
			if err != nil {
				return fmt.Errorf("unmarshal nix-cache-info: line %d: StoreDir: %v", lineno, err)
			}
			ci.StoreDir = dir
		case "WantMassQuery":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("unmarshal nix-cache-info: line %d: WantMassQuery: %v", lineno, err)
			}
			ci.WantMassQuery = n != 0
		case "Priority":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("unmarshal nix-cache-info: line %d: Priority: %v", lineno, err)
			}
			ci.Priority = n
		}
	}
	if ci.StoreDir == "" {
		ci.StoreDir = storepath.DefaultDirectory
	}
	return nil
}

// MarshalText encodes ci as a /nix-cache-info file.
func (ci *CacheInfo) MarshalText() ([]byte, error) {
	storeDir := ci.StoreDir
	if storeDir == "" {
		storeDir = storepath.DefaultDirectory
	}
	var buf []byte
	buf = append(buf, "StoreDir: "...)
	buf = append(buf, storeDir...)
	buf = append(buf, "\nWantMassQuery: "...)
	if ci.WantMassQuery {
		buf = append(buf, '1')
	} else {
		buf = append(buf, '0')
	}
	buf = append(buf, "\nPriority: "...)
	priority := ci.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	buf = strconv.AppendInt(buf, int64(priority), 10)
	buf = append(buf, '\n')
	return buf, nil
}
