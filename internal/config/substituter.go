// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package config

import "fmt"

// SubstituterConfig describes one configured binary cache. cmd/lixd turns
// these into concrete [lix.dev/core/internal/remotestore.Substituter]
// values (an [lix.dev/core/internal/remotestore.HTTPStore],
// [lix.dev/core/internal/remotestore.FileStore], or
// [lix.dev/core/internal/remotestore.S3Store], chosen by URL.Scheme) and
// assembles them into [lix.dev/core/internal/substitute.Backend] values
// ordered by Priority; this package only carries the raw, URL-shaped
// configuration, not the live store connections themselves.
type SubstituterConfig struct {
	// URL is the cache's root, e.g. "https://cache.example.org",
	// "file:///var/cache/lix", or "s3://my-bucket?region=us-east-1".
	URL string `json:"url"`
	// Priority orders substituters; lower values are tried first, ties
	// broken by configuration order (spec.md 4.5).
	Priority int `json:"priority,omitempty"`

	// AccessKeyID and SecretAccessKey override the default AWS
	// credential provider chain for an "s3://" URL. Both are ignored
	// for other schemes.
	AccessKeyID     string `json:"accessKeyID,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
}

// Validate reports whether c names a non-empty URL, the one property this
// package can check without constructing the backend itself.
func (c SubstituterConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("substituter: empty url")
	}
	return nil
}
