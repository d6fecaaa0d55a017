// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package config loads lixd's configuration: a JWCC (JSON-with-comments)
// file merged over built-in defaults and a handful of environment variable
// overrides, following the same layered-merge shape as the teacher's
// cmd/zb/config.go.
package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"

	"lix.dev/core/storepath"
)

// Config holds everything lixd needs to start serving a store: where the
// store and its state live, how many concurrent jobs of each class it may
// run, which substituters and trusted keys it should consult, and where to
// expose metrics.
type Config struct {
	Debug bool `json:"debug"`

	// StoreDirectory is the store's absolute directory, e.g. "/lix/store".
	StoreDirectory storepath.Directory `json:"storeDirectory"`
	// StoreSocket is the path to the Unix domain socket lixd listens on
	// for its JSON-RPC store protocol.
	StoreSocket string `json:"storeSocket"`
	// StateDir holds the database, GC lock, and temp-roots directory. If
	// empty, internal/localstore defaults it to StoreDirectory's
	// "..state" sibling.
	StateDir string `json:"stateDir"`

	// MaxJobs bounds concurrent local builds (spec.md 5's localBuilds
	// pool). Clamped to at least 1 by the consumer.
	MaxJobs int `json:"maxJobs"`
	// MaxSubstitutionJobs bounds concurrent substitutions (spec.md 5's
	// substitutions pool). Clamped to at least 1 by the consumer.
	MaxSubstitutionJobs int `json:"maxSubstitutionJobs"`

	// KeepFailed retains a failed build's temporary directory instead of
	// deleting it, except for trusted builtin builders that may have
	// written secrets into it (spec.md 4.4).
	KeepFailed bool `json:"keepFailed"`
	// RequireSignatures rejects substituted paths unless at least one
	// signature verifies against TrustedPublicKeys.
	RequireSignatures bool `json:"requireSignatures"`
	// TrustedPublicKeys verifies signatures on narinfo fetched from
	// substituters and on realisations accepted from a build hook.
	TrustedPublicKeys []PublicKey `json:"trustedPublicKeys"`

	// Substituters are consulted in priority order (spec.md 4.5) when a
	// path is not already present locally.
	Substituters []SubstituterConfig `json:"substituters"`

	// MetricsListen is the address the /metrics HTTP endpoint is served
	// on, e.g. ":9308". Empty disables metrics entirely.
	MetricsListen string `json:"metricsListen"`

	// BuildHookProgram, if set, names an external program offered every
	// build before it falls back to the local executor (spec.md 6).
	// Empty disables the build hook entirely.
	BuildHookProgram string `json:"buildHookProgram,omitempty"`
	// BuildHookArgs are passed to BuildHookProgram on startup.
	BuildHookArgs []string `json:"buildHookArgs,omitempty"`
}

// Default returns the configuration used when no file or environment
// override supplies a value, mirroring defaultGlobalConfig's XDG-rooted
// defaults.
func Default() *Config {
	return &Config{
		StoreDirectory: storepath.DefaultDirectory,
		StoreSocket:    filepath.Join(defaultVarDir(), "daemon.sock"),
		MaxJobs:        1,
	}
}

// mergeEnvironment applies the handful of environment variables that are
// allowed to override the file-based configuration, the way
// globalConfig.mergeEnvironment does for ZB_STORE_DIR/ZB_STORE_SOCKET.
func (c *Config) mergeEnvironment() error {
	if dir := os.Getenv("LIX_STORE_DIR"); dir != "" {
		cleaned, err := storepath.CleanDirectory(dir)
		if err != nil {
			return fmt.Errorf("config: LIX_STORE_DIR: %v", err)
		}
		c.StoreDirectory = cleaned
	}
	if sock := os.Getenv("LIX_STORE_SOCKET"); sock != "" {
		c.StoreSocket = sock
	}
	if dir := os.Getenv("LIX_STATE_DIR"); dir != "" {
		c.StateDir = dir
	}
	return nil
}

// mergeFiles reads each path in turn, standardizing its JWCC syntax down to
// plain JSON and unmarshalling it over c, so that later files' fields
// override earlier ones field by field rather than replacing the whole
// object. A missing file is skipped, not an error — the daemon runs from
// defaults alone if nothing is configured.
func (c *Config) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		standardized, err := hujson.Standardize(raw)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(standardized, c, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON
// decoder, merging the fields present into c rather than overwriting it
// wholesale, so that a second config file may override just one field of
// an earlier one.
func (c *Config) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			err = jsonv2.UnmarshalDecode(in, &c.Debug)
		case "storeDirectory":
			err = jsonv2.UnmarshalDecode(in, &c.StoreDirectory)
		case "storeSocket":
			err = jsonv2.UnmarshalDecode(in, &c.StoreSocket)
		case "stateDir":
			err = jsonv2.UnmarshalDecode(in, &c.StateDir)
		case "maxJobs":
			err = jsonv2.UnmarshalDecode(in, &c.MaxJobs)
		case "maxSubstitutionJobs":
			err = jsonv2.UnmarshalDecode(in, &c.MaxSubstitutionJobs)
		case "keepFailed":
			err = jsonv2.UnmarshalDecode(in, &c.KeepFailed)
		case "requireSignatures":
			err = jsonv2.UnmarshalDecode(in, &c.RequireSignatures)
		case "trustedPublicKeys":
			newKeys := c.TrustedPublicKeys[len(c.TrustedPublicKeys):]
			if err = jsonv2.UnmarshalDecode(in, &newKeys); err == nil {
				c.TrustedPublicKeys = append(c.TrustedPublicKeys, newKeys...)
			}
		case "substituters":
			newSubs := c.Substituters[len(c.Substituters):]
			if err = jsonv2.UnmarshalDecode(in, &newSubs); err == nil {
				c.Substituters = append(c.Substituters, newSubs...)
			}
		case "metricsListen":
			err = jsonv2.UnmarshalDecode(in, &c.MetricsListen)
		case "buildHookProgram":
			err = jsonv2.UnmarshalDecode(in, &c.BuildHookProgram)
		case "buildHookArgs":
			err = jsonv2.UnmarshalDecode(in, &c.BuildHookArgs)
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
		}
		if err != nil {
			return fmt.Errorf("unmarshal config.%s: %w", k, err)
		}
	}
}

// Load builds a [Config] from [Default], the environment, and the given
// file paths in order (later files win), then validates the result.
func Load(paths iter.Seq[string]) (*Config, error) {
	c := Default()
	if err := c.mergeFiles(paths); err != nil {
		return nil, err
	}
	if err := c.mergeEnvironment(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate checks the invariants the rest of the daemon assumes hold:
// an absolute store directory and a non-empty socket path.
func (c *Config) validate() error {
	if _, err := storepath.CleanDirectory(string(c.StoreDirectory)); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if c.StoreSocket == "" {
		return errors.New("config: storeSocket not set")
	}
	return nil
}

// TrustedKeys returns the configured public keys as the
// map[string]ed25519.PublicKey shape [store.VerifyFingerprint],
// internal/substitute, and internal/remotestore expect.
func (c *Config) TrustedKeys() map[string]ed25519.PublicKey {
	if len(c.TrustedPublicKeys) == 0 {
		return nil
	}
	trusted := make(map[string]ed25519.PublicKey, len(c.TrustedPublicKeys))
	for _, k := range c.TrustedPublicKeys {
		trusted[k.Name] = k.Data
	}
	return trusted
}

// defaultVarDir returns the directory lixd's default socket and state live
// under: the store directory's "var/lix" sibling, mirroring
// defaultVarDir's "/opt/zb/var/zb" on Unix.
func defaultVarDir() string {
	return filepath.Join(filepath.Dir(string(storepath.DefaultDirectory)), "var", "lix")
}
